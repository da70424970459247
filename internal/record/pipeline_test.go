package record

import (
	"bytes"
	"testing"
)

func startedPipeline(callID string, video bool) *Pipeline {
	p := NewPipeline(callID, video)
	p.MarkLocalMedia()
	p.MarkRemoteMedia()
	p.MarkActive()
	return p
}

// vp8Key builds a minimal VP8 keyframe header with the given dimensions.
func vp8Key(w, h uint16) []byte {
	return []byte{
		0x00, 0x00, 0x00,
		0x9D, 0x01, 0x2A,
		byte(w), byte(w >> 8),
		byte(h), byte(h >> 8),
		0xFF, 0xFF, 0xFF, 0xFF,
	}
}

func TestRecordingAbsentUntilStarted(t *testing.T) {
	p := NewPipeline("c1", false)
	p.WriteLocalAudio(make([]int16, 480))
	p.WriteRemoteAudio(make([]int16, 480))
	p.Stop()
	if data, ok := p.Recording(); ok || data != nil {
		t.Fatalf("Recording() = (%d bytes, %v), want (nil, false)", len(data), ok)
	}
}

func TestCaptureGatedOnBothPartiesAndActive(t *testing.T) {
	p := NewPipeline("c2", false)
	p.MarkLocalMedia()
	p.MarkActive()
	if p.Started() {
		t.Fatal("started without remote media")
	}
	p.MarkRemoteMedia()
	if !p.Started() {
		t.Fatal("not started with both parties' media and an active call")
	}
}

func TestAudioOnlyStream(t *testing.T) {
	p := startedPipeline("c3", false)
	local := make([]int16, 960)
	remote := make([]int16, 960)
	for i := range local {
		local[i] = 1000
		remote[i] = -250
	}
	p.WriteLocalAudio(local)
	p.WriteRemoteAudio(remote)
	p.Stop()

	data, ok := p.Recording()
	if !ok {
		t.Fatal("Recording() reported no data")
	}
	if !bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		t.Error("stream does not start with an EBML header")
	}
	if !bytes.Contains(data, []byte("matroska")) {
		t.Error("missing matroska doctype")
	}
	if !bytes.Contains(data, []byte("A_PCM/INT/LIT")) {
		t.Error("missing PCM audio track")
	}
	if bytes.Contains(data, []byte("V_VP8")) {
		t.Error("voice call stream announces a video track")
	}
	// The mix of 1000 and -250 is 750, little-endian.
	if !bytes.Contains(data, []byte{0xEE, 0x02, 0xEE, 0x02}) {
		t.Error("mixed samples not found in stream")
	}
}

func TestVideoHeaderWaitsForKeyframe(t *testing.T) {
	p := startedPipeline("c4", true)
	p.WriteVideo(0, false, []byte{0x01, 0x02, 0x03})
	if data, _ := p.Recording(); bytes.Contains(data, []byte("V_VP8")) {
		t.Fatal("header written from a delta frame")
	}
	p.WriteVideo(40, true, vp8Key(640, 480))
	p.Stop()
	data, ok := p.Recording()
	if !ok {
		t.Fatal("Recording() reported no data")
	}
	if !bytes.Contains(data, []byte("V_VP8")) {
		t.Error("missing VP8 track after keyframe")
	}
}

func TestVideoCallWithoutKeyframeSalvagesAudio(t *testing.T) {
	p := startedPipeline("c5", true)
	p.WriteLocalAudio(make([]int16, 480))
	p.WriteRemoteAudio(make([]int16, 480))
	p.Stop()
	data, ok := p.Recording()
	if !ok {
		t.Fatal("audio lost when no keyframe ever arrived")
	}
	if bytes.Contains(data, []byte("V_VP8")) {
		t.Error("stream announces a video track it has no frames for")
	}
}

func TestHeaderAloneIsNotARecording(t *testing.T) {
	// Capture started but no samples ever arrived: the stream is just an
	// init segment and must not be reported (or uploaded) as a recording.
	p := startedPipeline("c7", false)
	if _, ok := p.Recording(); ok {
		t.Fatal("header-only stream reported as a recording before Stop")
	}
	p.Stop()
	if data, ok := p.Recording(); ok || data != nil {
		t.Fatalf("Recording() = (%d bytes, %v), want (nil, false) with no media blocks", len(data), ok)
	}
}

func TestStopPadsUnpairedTail(t *testing.T) {
	p := startedPipeline("c6", false)
	p.WriteLocalAudio(make([]int16, 480)) // no remote counterpart yet
	if _, ok := p.Recording(); ok {
		t.Fatal("unpaired samples produced output before Stop")
	}
	p.Stop()
	if _, ok := p.Recording(); !ok {
		t.Fatal("tail samples dropped on Stop")
	}
}

func TestSatAdd(t *testing.T) {
	cases := []struct{ a, b, want int16 }{
		{1000, -250, 750},
		{30000, 10000, 32767},
		{-30000, -10000, -32768},
		{0, 0, 0},
	}
	for _, c := range cases {
		if got := satAdd(c.a, c.b); got != c.want {
			t.Errorf("satAdd(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestVP8Dimensions(t *testing.T) {
	w, h, ok := vp8Dimensions(vp8Key(1280, 720))
	if !ok || w != 1280 || h != 720 {
		t.Fatalf("vp8Dimensions = (%d, %d, %v), want (1280, 720, true)", w, h, ok)
	}
	if _, _, ok := vp8Dimensions([]byte{0x00, 0x01}); ok {
		t.Error("truncated frame accepted")
	}
}

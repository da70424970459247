//go:build linux && cgo

package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/callstate"
)

// trackTap wraps a mediadevices EncodedReadCloser as an encodedReader.
// pion/mediadevices broadcasts raw frames to multiple consumers, so this
// reader runs in parallel to the encoder Pion uses for RTP.
type trackTap struct{ r mediadevices.EncodedReadCloser }

func (t *trackTap) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := t.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (t *trackTap) Close() error { return t.r.Close() }

// initMediaPC creates the PeerConnection with VP8+Opus codecs and captures
// local camera/mic via pion/mediadevices (V4L2 + malgo on Linux). Returns
// the PC, a cleanup func for local media, and an Opus tap on the local
// microphone for the recording mixer (nil when no mic was captured).
//
// Acquisition failure is an error: a call that cannot open any local device
// must fail before the remote party is signaled.
func initMediaPC(callID string, kind callstate.Kind, ice ICEConfig) (*webrtc.PeerConnection, func(), encodedReader, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not terminate
	// the call. The default disconnectedTimeout is 5 s — far too short for
	// relay paths that can have short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice.servers()})
	if err != nil {
		return nil, nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", callID)
	} else {
		for _, d := range devices {
			log.Printf("CALL [%s]: media device — kind=%v label=%q", callID, d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't
	// be opened. For video calls, try video+audio first, then video-only,
	// then audio-only, so a missing/busy microphone doesn't prevent the
	// camera from working and vice versa. Voice calls only want the mic.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if kind == callstate.KindVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// that produces malformed JPEG frames, which poisons the
				// VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 — higher resolutions increase VP8
				// encoding latency.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", callID, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		var audioTap encodedReader
		broken := false
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", callID, err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", callID, err)
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				r, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
				if err != nil {
					log.Printf("CALL [%s]: mic tap unavailable: %v", callID, err)
				} else {
					audioTap = &trackTap{r: r}
				}
			case webrtc.RTPCodecTypeVideo:
				// Probe the encoder: a poisoned VP8 encoder (e.g.
				// malformed MJPEG from the camera) would make
				// SetRemoteDescription fail and break negotiation.
				r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
				if err != nil {
					log.Printf("CALL [%s]: video track broken, skipping attempt (%s): %v", callID, a.label, err)
					broken = true
				} else {
					r.Close()
				}
			}
		}
		if broken {
			for _, t := range tracks {
				t.Close()
			}
			if audioTap != nil {
				audioTap.Close()
			}
			continue
		}

		log.Printf("CALL [%s]: local media captured (%s) — %d tracks", callID, a.label, len(tracks))
		closeFn := func() {
			if audioTap != nil {
				audioTap.Close()
			}
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, closeFn, audioTap, nil
	}

	pc.Close()
	return nil, nil, nil, fmt.Errorf("no local media device could be opened for a %s call", kind)
}

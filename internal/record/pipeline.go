package record

import (
	"log"
	"sync"
)

const (
	// DefaultSampleRate is the PCM rate the mixer runs at. Both parties'
	// decoded audio must arrive at this rate.
	DefaultSampleRate = 48000

	// maxClusterSpanMs bounds the timecode span of one cluster so relative
	// block timecodes always fit in a signed 16-bit field.
	maxClusterSpanMs = 1000

	// maxQueuedSamples caps each party's unmixed backlog. If one side stalls
	// (e.g. remote audio stops while local keeps capturing) the other side's
	// oldest samples are shed rather than growing without bound.
	maxQueuedSamples = 30 * DefaultSampleRate

	// maxHeldBlocks caps audio blocks buffered while a video call waits for
	// its first keyframe.
	maxHeldBlocks = 512
)

type audioBlock struct {
	tsMs    int64
	samples []int16
}

// Pipeline mixes both parties' PCM audio into a single track and muxes it,
// together with the remote VP8 video when present, into a Matroska stream
// held in memory.
//
// Capture is gated: samples written before Start, or before the stream
// header can be emitted, are mixed but may be shed; nothing is recorded at
// all until Start has been called, and Recording reports false for a
// pipeline that never started.
type Pipeline struct {
	mu       sync.Mutex
	callID   string
	hasVideo bool
	rate     int

	localReady  bool
	remoteReady bool
	active      bool
	started     bool
	stopped     bool

	localQ  []int16
	remoteQ []int16
	mixed   int64 // total mixed samples, drives the audio clock

	headerDone bool
	held       []audioBlock // audio awaiting the video header
	videoBase  int64        // first video frame timestamp
	videoSeen  bool

	clStart  int64 // current cluster timecode, -1 when none open
	clBlocks []byte

	blocks int // media blocks emitted into clusters
	chunks [][]byte
}

// NewPipeline returns a pipeline for one call. hasVideo announces a VP8
// track; voice calls produce an audio-only stream.
func NewPipeline(callID string, hasVideo bool) *Pipeline {
	return &Pipeline{
		callID:   callID,
		hasVideo: hasVideo,
		rate:     DefaultSampleRate,
		clStart:  -1,
	}
}

// MarkLocalMedia records that local capture is up.
func (p *Pipeline) MarkLocalMedia() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localReady = true
	p.maybeStart()
}

// MarkRemoteMedia records that remote media has arrived.
func (p *Pipeline) MarkRemoteMedia() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteReady = true
	p.maybeStart()
}

// MarkActive records that the call reached the active state. Recording
// begins only once both parties' media exist and the call is active.
func (p *Pipeline) MarkActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.maybeStart()
}

func (p *Pipeline) maybeStart() {
	if p.started || p.stopped {
		return
	}
	if !p.localReady || !p.remoteReady || !p.active {
		return
	}
	p.started = true
	if !p.hasVideo {
		// Audio-only streams need no keyframe to size the header.
		p.chunks = append(p.chunks, initSegment(false, 0, 0, p.rate, 1))
		p.headerDone = true
	}
	log.Printf("RECORD [%s]: capture started (video=%v)", p.callID, p.hasVideo)
}

// WriteLocalAudio feeds decoded local microphone PCM into the mixer.
func (p *Pipeline) WriteLocalAudio(samples []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	p.localQ = appendCapped(p.localQ, samples)
	p.mix()
}

// WriteRemoteAudio feeds decoded remote PCM into the mixer.
func (p *Pipeline) WriteRemoteAudio(samples []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	p.remoteQ = appendCapped(p.remoteQ, samples)
	p.mix()
}

func appendCapped(q, samples []int16) []int16 {
	q = append(q, samples...)
	if over := len(q) - maxQueuedSamples; over > 0 {
		q = q[over:]
	}
	return q
}

// mix drains as many sample pairs as both queues can supply, saturating on
// overflow, and emits the result as one audio block. Caller holds p.mu.
func (p *Pipeline) mix() {
	n := len(p.localQ)
	if len(p.remoteQ) < n {
		n = len(p.remoteQ)
	}
	if n == 0 {
		return
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = satAdd(p.localQ[i], p.remoteQ[i])
	}
	p.localQ = p.localQ[n:]
	p.remoteQ = p.remoteQ[n:]

	ts := p.mixed * 1000 / int64(p.rate)
	p.mixed += int64(n)
	p.emitAudio(audioBlock{tsMs: ts, samples: out})
}

func satAdd(a, b int16) int16 {
	v := int32(a) + int32(b)
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func (p *Pipeline) emitAudio(b audioBlock) {
	if !p.headerDone {
		p.held = append(p.held, b)
		if len(p.held) > maxHeldBlocks {
			p.held = p.held[1:]
		}
		return
	}
	p.appendBlock(audioTrack, b.tsMs, true, pcmBytes(b.samples))
}

// WriteVideo feeds one remote VP8 frame. tsMs is the frame's presentation
// time in milliseconds on the caller's clock; the first frame anchors zero.
// Frames before the first keyframe are dropped, as nothing can decode them.
func (p *Pipeline) WriteVideo(tsMs int64, keyframe bool, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped || !p.hasVideo {
		return
	}
	if !p.headerDone {
		if !keyframe {
			return
		}
		w, h, ok := vp8Dimensions(data)
		if !ok {
			log.Printf("RECORD [%s]: keyframe with unreadable VP8 header, skipping", p.callID)
			return
		}
		p.chunks = append(p.chunks, initSegment(true, w, h, p.rate, 1))
		p.headerDone = true
		for _, b := range p.held {
			p.appendBlock(audioTrack, b.tsMs, true, pcmBytes(b.samples))
		}
		p.held = nil
	}
	if !p.videoSeen {
		p.videoBase = tsMs
		p.videoSeen = true
	}
	rel := tsMs - p.videoBase
	if rel < 0 {
		return
	}
	if keyframe && len(p.clBlocks) > 0 {
		p.flushCluster()
	}
	p.appendBlock(videoTrack, rel, keyframe, data)
}

// appendBlock adds a SimpleBlock to the open cluster, opening or rotating
// clusters as needed. Caller holds p.mu.
func (p *Pipeline) appendBlock(track int, tsMs int64, keyframe bool, data []byte) {
	if p.clStart >= 0 && tsMs-p.clStart > maxClusterSpanMs {
		p.flushCluster()
	}
	if p.clStart < 0 {
		p.clStart = tsMs
	}
	rel := tsMs - p.clStart
	if rel < 0 {
		rel = 0 // late block, pin to cluster start rather than reorder
	}
	p.clBlocks = append(p.clBlocks, simpleBlock(track, int16(rel), keyframe, data)...)
	p.blocks++
}

func (p *Pipeline) flushCluster() {
	if p.clStart < 0 || len(p.clBlocks) == 0 {
		p.clStart = -1
		p.clBlocks = nil
		return
	}
	p.chunks = append(p.chunks, cluster(p.clStart, p.clBlocks))
	p.clStart = -1
	p.clBlocks = nil
}

// Stop ends capture. Any unpaired samples are mixed against silence so the
// tail of whichever party spoke last is kept. Stop is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if !p.started {
		return
	}
	// Pad the shorter queue with silence and drain the rest.
	for len(p.localQ) < len(p.remoteQ) {
		p.localQ = append(p.localQ, 0)
	}
	for len(p.remoteQ) < len(p.localQ) {
		p.remoteQ = append(p.remoteQ, 0)
	}
	p.mix()
	if !p.headerDone && len(p.held) > 0 {
		// Video call that never produced a keyframe: salvage audio only.
		p.chunks = append(p.chunks, initSegment(false, 0, 0, p.rate, 1))
		p.headerDone = true
		for _, b := range p.held {
			p.appendBlock(audioTrack, b.tsMs, true, pcmBytes(b.samples))
		}
		p.held = nil
	}
	p.flushCluster()
	log.Printf("RECORD [%s]: capture stopped, %d chunk(s)", p.callID, len(p.chunks))
}

// Recording returns the assembled Matroska stream. ok is false when capture
// never started (the call never became active with both parties' media) or
// never produced a media block: a bare init segment is not a recording.
func (p *Pipeline) Recording() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.blocks == 0 {
		return nil, false
	}
	return concat(p.chunks...), true
}

// Started reports whether capture has begun.
func (p *Pipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

package call

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/parley/internal/callstate"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// ICEConfig holds the STUN/TURN servers handed to Pion. The zero value
// falls back to Google's public STUN server.
type ICEConfig struct {
	STUNURLs     []string
	TURNURL      string
	TURNUsername string
	TURNPassword string
}

func (c ICEConfig) servers() []webrtc.ICEServer {
	urls := c.STUNURLs
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	servers := []webrtc.ICEServer{{URLs: urls}}
	if c.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return servers
}

// encodedReader is the surface of a mediadevices encoded track reader: a
// blocking per-frame read plus a release callback for the frame buffer.
type encodedReader interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// pliInterval is how often a PictureLossIndication is sent for the remote
// video track so the recording gets periodic keyframes.
const pliInterval = 3 * time.Second

// vp8SampleMaxLate is the samplebuilder reorder window in packets.
const vp8SampleMaxLate = 64

// pionConnect builds the production ConnectFunc: platform media capture,
// a Pion PeerConnection, and the recording taps.
func pionConnect(ice ICEConfig, newDecoder func() OpusDecoder) ConnectFunc {
	return func(callID string, kind callstate.Kind) (Conn, MediaSession, error) {
		pc, closeMedia, localAudio, err := initMediaPC(callID, kind, ice)
		if err != nil {
			return nil, nil, err
		}
		conn := newPionConn(callID, pc, localAudio, newDecoder)
		var media MediaSession
		if closeMedia != nil {
			media = &captureSession{closeFn: closeMedia}
		}
		return conn, media, nil
	}
}

// captureSession releases the local devices exactly once.
type captureSession struct {
	once    sync.Once
	closeFn func()
}

func (c *captureSession) Close() error {
	c.once.Do(c.closeFn)
	return nil
}

// pionConn adapts *webrtc.PeerConnection to the Conn interface and pumps
// decoded remote media (and the local microphone tap) into the recording
// sink.
type pionConn struct {
	callID     string
	pc         *webrtc.PeerConnection
	localAudio encodedReader
	newDecoder func() OpusDecoder

	mu             sync.Mutex
	sink           MediaSink
	onCand         func(Candidate)
	onConnected    func()
	onDisconnected func()
	onRemoteTrack  func()

	connectedOnce sync.Once
	remoteOnce    sync.Once
	failedOnce    sync.Once
	closeOnce     sync.Once
	closed        chan struct{}
}

func newPionConn(callID string, pc *webrtc.PeerConnection, localAudio encodedReader, newDecoder func() OpusDecoder) *pionConn {
	c := &pionConn{
		callID:     callID,
		pc:         pc,
		localAudio: localAudio,
		newDecoder: newDecoder,
		closed:     make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end of gathering
		}
		j := cand.ToJSON()
		var mid string
		if j.SDPMid != nil {
			mid = *j.SDPMid
		}
		var mline uint16
		if j.SDPMLineIndex != nil {
			mline = *j.SDPMLineIndex
		}
		c.mu.Lock()
		fn := c.onCand
		c.mu.Unlock()
		if fn != nil {
			fn(Candidate{Candidate: j.Candidate, SDPMid: mid, SDPMLineIndex: mline})
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("CALL [%s]: ICE state %s", callID, state)
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			c.connectedOnce.Do(func() {
				c.mu.Lock()
				fn := c.onConnected
				c.mu.Unlock()
				if fn != nil {
					fn()
				}
			})
		case webrtc.ICEConnectionStateFailed:
			c.failedOnce.Do(func() {
				c.mu.Lock()
				fn := c.onDisconnected
				c.mu.Unlock()
				if fn != nil {
					fn()
				}
			})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.remoteOnce.Do(func() {
			c.mu.Lock()
			fn := c.onRemoteTrack
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			go c.pumpRemoteAudio(track)
		case webrtc.RTPCodecTypeVideo:
			go c.pumpRemoteVideo(track)
			go c.keyframeRequester(track)
		}
	})

	if localAudio != nil {
		go c.pumpLocalAudio()
	}
	return c
}

func (c *pionConn) CreateOffer() (Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return Description{}, err
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer() (Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return Description{}, err
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *pionConn) SetRemoteDescription(d Description) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (c *pionConn) AddICECandidate(cand Candidate) error {
	mid := cand.SDPMid
	mline := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	})
}

func (c *pionConn) OnICECandidate(fn func(Candidate)) {
	c.mu.Lock()
	c.onCand = fn
	c.mu.Unlock()
}

func (c *pionConn) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

func (c *pionConn) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

func (c *pionConn) OnRemoteTrack(fn func()) {
	c.mu.Lock()
	c.onRemoteTrack = fn
	c.mu.Unlock()
}

func (c *pionConn) SetSink(sink MediaSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *pionConn) getSink() MediaSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func (c *pionConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.pc.Close()
}

// pumpRemoteAudio decodes the remote Opus track into the recording sink.
func (c *pionConn) pumpRemoteAudio(track *webrtc.TrackRemote) {
	if c.newDecoder == nil {
		log.Printf("CALL [%s]: no audio decoder configured, remote audio not recorded", c.callID)
		return
	}
	dec := c.newDecoder()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote audio read: %v", c.callID, err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			log.Printf("CALL [%s]: opus decode: %v", c.callID, err)
			continue
		}
		if sink := c.getSink(); sink != nil {
			sink.WriteRemoteAudio(pcm)
		}
	}
}

// pumpRemoteVideo reassembles VP8 frames from the remote RTP stream and
// feeds them to the recording sink with a millisecond timeline.
func (c *pionConn) pumpRemoteVideo(track *webrtc.TrackRemote) {
	builder := samplebuilder.New(vp8SampleMaxLate, &codecs.VP8Packet{}, track.Codec().ClockRate)
	var tsMs int64
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote video read: %v", c.callID, err)
			}
			return
		}
		builder.Push(pkt)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			// VP8 uncompressed header: lowest bit of the first byte is
			// the inverse keyframe flag.
			keyframe := sample.Data[0]&0x01 == 0
			if sink := c.getSink(); sink != nil {
				sink.WriteVideo(tsMs, keyframe, sample.Data)
			}
			tsMs += sample.Duration.Milliseconds()
		}
	}
}

// keyframeRequester periodically asks the sender for a keyframe so the
// recording can start (and recover) promptly.
func (c *pionConn) keyframeRequester(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// pumpLocalAudio decodes the local microphone tap into the recording sink.
// The tap is an independent encoded reader on the capture track, so it
// never competes with the RTP sender for frames.
func (c *pionConn) pumpLocalAudio() {
	if c.newDecoder == nil {
		log.Printf("CALL [%s]: no audio decoder configured, local audio not recorded", c.callID)
		return
	}
	dec := c.newDecoder()
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		data, release, err := c.localAudio.ReadFrame()
		if err != nil {
			return
		}
		pcm, derr := dec.Decode(data)
		if release != nil {
			release()
		}
		if derr != nil {
			log.Printf("CALL [%s]: local opus decode: %v", c.callID, derr)
			continue
		}
		if sink := c.getSink(); sink != nil {
			sink.WriteLocalAudio(pcm)
		}
	}
}

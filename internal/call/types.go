// Package call runs native WebRTC call sessions using Pion. It owns the call
// lifecycle from dialing through teardown: SDP negotiation over the signal
// transport, the ringing→active→terminal state walk, local media capture,
// and the two-party recording pipeline. Coupling to the rest of parley is via
// the signal.Transport and Housekeeper interfaces only.
package call

import (
	"context"
	"errors"

	"github.com/petervdpas/parley/internal/callstate"
)

var (
	// ErrMediaUnavailable is returned by Dial and Accept when local device
	// acquisition fails before any signal has been sent. No call record
	// exists in that case.
	ErrMediaUnavailable = errors.New("call: local media unavailable")

	// ErrNoRecording is returned when a recording is requested for a call
	// whose capture never started.
	ErrNoRecording = errors.New("call: no recording for this call")
)

// Description is an SDP offer or answer as carried in signal payloads.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled ICE candidate as carried in signal payloads.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Conn is the slice of a WebRTC peer connection the session layer needs.
// The production implementation wraps *webrtc.PeerConnection; tests use an
// in-memory fake. CreateOffer and CreateAnswer also set the local
// description, so trickled candidates start flowing once either returns.
type Conn interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetRemoteDescription(Description) error
	AddICECandidate(Candidate) error

	// OnICECandidate registers fn for each gathered local candidate.
	OnICECandidate(fn func(Candidate))
	// OnConnected registers fn for the first transition into the ICE
	// connected or completed state.
	OnConnected(fn func())
	// OnDisconnected registers fn for ICE failure or disconnection after
	// the recovery timeouts have elapsed.
	OnDisconnected(fn func())

	// OnRemoteTrack registers fn for the arrival of the first remote track.
	OnRemoteTrack(fn func())
	// SetSink directs decoded media into the recording mixer.
	SetSink(sink MediaSink)

	Close() error
}

// MediaSink receives decoded media for recording. record.Pipeline satisfies
// it; writes before capture starts are discarded there.
type MediaSink interface {
	WriteLocalAudio(samples []int16)
	WriteRemoteAudio(samples []int16)
	WriteVideo(tsMs int64, keyframe bool, data []byte)
}

// MediaSession owns the local capture devices for one call. Close releases
// camera and microphone synchronously; it must be safe to call more than
// once.
type MediaSession interface {
	Close() error
}

// OpusDecoder turns one Opus packet into 48 kHz mono PCM for the recording
// mixer. Decoding is injected rather than linked in: parley records whatever
// the configured decoder produces and leaves that track silent without one.
type OpusDecoder interface {
	Decode(packet []byte) ([]int16, error)
}

// Housekeeper persists the outcome of a finished call: the ledger row, the
// conversation message, and the recording upload. recordingRef identifies
// the uploaded artifact ("" when nothing was uploaded) and is written back
// to the call record. Housekeeping failures are logged and absorbed; they
// never affect the user-visible result of ending a call.
type Housekeeper interface {
	CallEnded(ctx context.Context, c *callstate.Call, recording []byte) (recordingRef string, err error)
}

// Hooks carries the observer callbacks a UI layer registers on the manager.
// Every field may be nil.
type Hooks struct {
	// OnActive fires when a call first reaches the active state. startedAt
	// is the activation time in unix milliseconds, as written to the store.
	OnActive func(callID string, startedAt int64)
	// OnEnded fires exactly once per call with its terminal status.
	OnEnded func(callID string, status callstate.Status)
	// OnRemoteMedia fires when the first remote track arrives.
	OnRemoteMedia func(callID string)
	// OnError reports absorbed negotiation or transport errors.
	OnError func(callID string, err error)
}

func (h Hooks) active(callID string, startedAt int64) {
	if h.OnActive != nil {
		h.OnActive(callID, startedAt)
	}
}

func (h Hooks) ended(callID string, status callstate.Status) {
	if h.OnEnded != nil {
		h.OnEnded(callID, status)
	}
}

func (h Hooks) remoteMedia(callID string) {
	if h.OnRemoteMedia != nil {
		h.OnRemoteMedia(callID)
	}
}

func (h Hooks) errored(callID string, err error) {
	if h.OnError != nil {
		h.OnError(callID, err)
	}
}

// IncomingCall is handed to OnIncoming handlers for each ringing invite.
// Exactly one of Accept or Reject should be called. Both remain safe after
// the caller has already hung up; Accept then fails.
type IncomingCall struct {
	Call   *callstate.Call
	Accept func(ctx context.Context) (*Session, error)
	Reject func() error
}

// offerPayload is the body of an offer signal. Kind rides along so the
// callee can rank the invite and pick capture constraints before answering.
type offerPayload struct {
	Description
	Kind callstate.Kind `json:"kind"`
}

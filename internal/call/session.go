package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/parley/internal/callstate"
	"github.com/petervdpas/parley/internal/record"
	"github.com/petervdpas/parley/internal/signal"
)

const (
	// removeGrace keeps the terminal call record readable for late
	// subscribers before the store drops it.
	removeGrace = 30 * time.Second

	// housekeepTimeout bounds the async ledger/upload work after teardown.
	housekeepTimeout = 30 * time.Second
)

// Session is one live call between two users. All teardown paths — local
// hangup, remote end-call or reject-call, ICE failure, manager shutdown —
// funnel into the same end routine, which runs at most once.
type Session struct {
	call   *callstate.Call
	selfID string
	peerID string

	conn      Conn
	media     MediaSession
	pipeline  *record.Pipeline
	neg       *negotiator
	transport signal.Transport
	store     callstate.Store
	hooks     Hooks
	keeper    Housekeeper

	storeCancel func()

	mu          sync.Mutex
	ended       bool
	active      bool
	remoteSeen  bool
	startedAtMs int64
	audioOn     bool
	videoOn     bool
}

func newSession(c *callstate.Call, selfID string, conn Conn, media MediaSession,
	transport signal.Transport, store callstate.Store, hooks Hooks, keeper Housekeeper) *Session {
	s := &Session{
		call:      c,
		selfID:    selfID,
		peerID:    c.Peer(selfID),
		conn:      conn,
		media:     media,
		pipeline:  record.NewPipeline(c.ID, c.Kind == callstate.KindVideo),
		transport: transport,
		store:     store,
		hooks:     hooks,
		keeper:    keeper,
		audioOn:   true,
		videoOn:   c.Kind == callstate.KindVideo,
	}
	s.neg = newNegotiator(c.ID, c.Kind, conn, s.sendSignal, func(err error) {
		s.hooks.errored(c.ID, err)
	})
	conn.SetSink(s.pipeline)
	conn.OnRemoteTrack(s.onRemoteMedia)
	conn.OnConnected(s.becomeActive)
	conn.OnDisconnected(func() {
		log.Printf("CALL [%s]: connection lost", c.ID)
		s.end(callstate.StatusEnded, true)
	})
	if media != nil {
		s.pipeline.MarkLocalMedia()
	}
	// The store is authoritative: a terminal status written by the other
	// side (e.g. over a shared store when the end-call signal was lost)
	// tears this end down too. Own terminal writes never reach this
	// callback; the subscription is cancelled first.
	s.storeCancel = store.Subscribe(c.ID, func(rec *callstate.Call) {
		if rec == nil || !rec.Status.Terminal() {
			return
		}
		log.Printf("CALL [%s]: store shows %s, tearing down", c.ID, rec.Status)
		s.end(rec.Status, false)
	})
	return s
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.call.ID }

// sendSignal marshals payload and sends one signal to the peer.
func (s *Session) sendSignal(typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.transport.Send(ctx, signal.New(s.call.ID, s.selfID, s.peerID, typ, raw))
}

// handleSignal processes one inbound signal from the peer. Lifecycle types
// terminate the session; everything else goes to negotiation.
func (s *Session) handleSignal(sig *signal.Signal) {
	switch sig.Type {
	case signal.TypeEndCall:
		log.Printf("CALL [%s]: peer %s ended the call", s.call.ID, sig.From)
		s.end(callstate.StatusEnded, false)
	case signal.TypeRejectCall:
		log.Printf("CALL [%s]: peer %s rejected the call", s.call.ID, sig.From)
		s.end(callstate.StatusRejected, false)
	default:
		s.mu.Lock()
		done := s.ended
		s.mu.Unlock()
		if done {
			return
		}
		s.neg.handleSignal(sig)
	}
}

// becomeActive moves the call to active on the first ICE connection. The
// call never becomes active after it has ended, and never more than once.
func (s *Session) becomeActive() {
	s.mu.Lock()
	if s.ended || s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.startedAtMs = time.Now().UnixMilli()
	started := s.startedAtMs
	s.mu.Unlock()

	if err := s.store.Update(s.call.ID, callstate.Partial{
		Status:    callstate.StatusOf(callstate.StatusActive),
		StartedAt: callstate.Int64Of(started),
	}); err != nil {
		log.Printf("CALL [%s]: recording active status: %v", s.call.ID, err)
	}
	s.pipeline.MarkActive()
	log.Printf("CALL [%s]: active with %s", s.call.ID, s.peerID)
	s.hooks.active(s.call.ID, started)
}

// onRemoteMedia is invoked by the transport adapter when the first remote
// track arrives.
func (s *Session) onRemoteMedia() {
	s.mu.Lock()
	first := !s.remoteSeen
	s.remoteSeen = true
	s.mu.Unlock()
	s.pipeline.MarkRemoteMedia()
	if first {
		s.hooks.remoteMedia(s.call.ID)
	}
}

// End hangs up locally. Idempotent.
func (s *Session) End() {
	s.end(callstate.StatusEnded, true)
}

// end is the single teardown path. Local media is released synchronously so
// devices free up immediately; the peer notification, the terminal store
// write and housekeeping run off this goroutine, so a slow transport cannot
// stall the caller. notifyPeer is false when the trigger came from the peer.
func (s *Session) end(status callstate.Status, notifyPeer bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	startedAt := s.startedAtMs
	s.mu.Unlock()

	if s.storeCancel != nil {
		s.storeCancel()
	}
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			log.Printf("CALL [%s]: releasing local media: %v", s.call.ID, err)
		}
	}
	s.pipeline.Stop()
	if err := s.conn.Close(); err != nil {
		log.Printf("CALL [%s]: closing peer connection: %v", s.call.ID, err)
	}

	go s.finish(status, notifyPeer, startedAt)
}

// finish completes teardown asynchronously: notify the peer, write the
// terminal record, fire the end hook, then housekeep.
func (s *Session) finish(status callstate.Status, notifyPeer bool, startedAt int64) {
	if notifyPeer {
		if err := s.sendSignal(signal.TypeEndCall, struct{}{}); err != nil {
			log.Printf("CALL [%s]: end-call signal not delivered: %v", s.call.ID, err)
			s.hooks.errored(s.call.ID, err)
		}
	}

	endedAt := time.Now().UnixMilli()
	dur := callstate.Duration(startedAt, endedAt)
	if err := s.store.Update(s.call.ID, callstate.Partial{
		Status:      callstate.StatusOf(status),
		EndedAt:     callstate.Int64Of(endedAt),
		DurationSec: callstate.Int64Of(dur),
	}); err != nil {
		log.Printf("CALL [%s]: recording terminal status: %v", s.call.ID, err)
	}
	log.Printf("CALL [%s]: ended status=%s duration=%ds", s.call.ID, status, dur)
	s.hooks.ended(s.call.ID, status)

	s.housekeep(status, startedAt, endedAt, dur)
}

// housekeep persists the call outcome. Failures here are logged only — they
// never change the result the user already saw.
func (s *Session) housekeep(status callstate.Status, startedAt, endedAt, dur int64) {
	if s.keeper != nil {
		rec, _ := s.pipeline.Recording()
		final, ok := s.store.Get(s.call.ID)
		if !ok {
			final = &callstate.Call{
				ID: s.call.ID, CallerID: s.call.CallerID, ReceiverID: s.call.ReceiverID,
				Kind: s.call.Kind, Status: status,
				StartedAt: startedAt, EndedAt: endedAt, DurationSec: dur,
				CreatedAt: s.call.CreatedAt,
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), housekeepTimeout)
		defer cancel()
		ref, err := s.keeper.CallEnded(ctx, final, rec)
		if err != nil {
			log.Printf("CALL [%s]: housekeeping failed: %v", s.call.ID, err)
		}
		if ref != "" {
			// The record lives on for the removal grace window; late
			// readers get the artifact location too.
			if err := s.store.Update(s.call.ID, callstate.Partial{
				RecordingRef: callstate.StringOf(ref),
			}); err != nil {
				log.Printf("CALL [%s]: recording ref not stored: %v", s.call.ID, err)
			}
		}
	}
	s.store.Remove(s.call.ID, removeGrace)
}

// ToggleAudio flips local audio on/off. Returns the new muted state
// (true = muted).
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: audio muted=%v", s.call.ID, muted)
	return muted
}

// ToggleVideo flips local video on/off. Returns the new disabled state
// (true = disabled).
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	disabled := !s.videoOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: video disabled=%v", s.call.ID, disabled)
	return disabled
}

// SessionStatus is a point-in-time snapshot for UI polling.
type SessionStatus struct {
	CallID    string         `json:"callId"`
	PeerID    string         `json:"peerId"`
	Kind      callstate.Kind `json:"kind"`
	Active    bool           `json:"active"`
	Ended     bool           `json:"ended"`
	Muted     bool           `json:"muted"`
	VideoOff  bool           `json:"videoOff"`
	Recording bool           `json:"recording"`
}

// Status snapshots the session.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		CallID:    s.call.ID,
		PeerID:    s.peerID,
		Kind:      s.call.Kind,
		Active:    s.active,
		Ended:     s.ended,
		Muted:     !s.audioOn,
		VideoOff:  !s.videoOn,
		Recording: s.pipeline.Started(),
	}
}

// Recording returns the call's Matroska recording. ErrNoRecording is
// returned when capture never started — recording requires both parties'
// media and an active call.
func (s *Session) Recording() ([]byte, error) {
	data, ok := s.pipeline.Recording()
	if !ok {
		return nil, ErrNoRecording
	}
	return data, nil
}

package call

import (
	"context"
	"errors"
	"testing"

	"github.com/petervdpas/parley/internal/callstate"
	"github.com/petervdpas/parley/internal/signal"
)

func dialPair(t *testing.T) (*party, *party, *Session) {
	t.Helper()
	tr := signal.NewMemory()
	alice := newParty(t, tr, "alice", Hooks{}, nil)
	bob := newParty(t, tr, "bob", Hooks{}, nil)
	sess, err := alice.mgr.Dial(context.Background(), "bob", callstate.KindVoice)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := takeInvite(t, bob).Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return alice, bob, sess
}

func TestRecordingRequiresActiveCallWithBothMedia(t *testing.T) {
	_, _, sess := dialPair(t)

	// Never active, never any remote media: no recording exists.
	sess.End()
	if _, err := sess.Recording(); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("Recording error = %v, want ErrNoRecording", err)
	}
}

func TestRecordingCapturesMixedAudio(t *testing.T) {
	alice, _, sess := dialPair(t)
	conn := alice.conns.conn(sess.ID())

	// Remote media plus an established connection starts capture.
	conn.mu.Lock()
	remoteTrack := conn.onRemoteTrack
	sink := conn.sink
	conn.mu.Unlock()
	remoteTrack()
	conn.connect()

	sink.WriteLocalAudio(make([]int16, 480))
	sink.WriteRemoteAudio(make([]int16, 480))
	sess.End()

	data, err := sess.Recording()
	if err != nil {
		t.Fatalf("Recording: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("recording is empty")
	}
	status := sess.Status()
	if !status.Recording {
		t.Fatal("status does not report the recording")
	}
}

func TestDurationReflectsActiveTime(t *testing.T) {
	alice, _, sess := dialPair(t)
	alice.conns.conn(sess.ID()).connect()
	sess.End()

	waitStatus(t, alice, sess.ID(), callstate.StatusEnded)
	c, ok := alice.store.Get(sess.ID())
	if !ok {
		t.Fatal("record gone during the removal grace window")
	}
	if c.StartedAt == 0 || c.EndedAt < c.StartedAt {
		t.Fatalf("timestamps StartedAt=%d EndedAt=%d", c.StartedAt, c.EndedAt)
	}
	if c.DurationSec != callstate.Duration(c.StartedAt, c.EndedAt) {
		t.Fatalf("DurationSec=%d inconsistent with timestamps", c.DurationSec)
	}
}

func TestNeverActiveCallHasZeroDuration(t *testing.T) {
	alice, _, sess := dialPair(t)
	sess.End()

	waitStatus(t, alice, sess.ID(), callstate.StatusEnded)
	c, ok := alice.store.Get(sess.ID())
	if !ok {
		t.Fatal("record gone during the removal grace window")
	}
	if c.StartedAt != 0 || c.DurationSec != 0 {
		t.Fatalf("StartedAt=%d DurationSec=%d, want 0/0 for a call that never connected", c.StartedAt, c.DurationSec)
	}
}

func TestToggles(t *testing.T) {
	_, _, sess := dialPair(t)

	if muted := sess.ToggleAudio(); !muted {
		t.Fatal("first audio toggle should mute")
	}
	if muted := sess.ToggleAudio(); muted {
		t.Fatal("second audio toggle should unmute")
	}
	st := sess.Status()
	if st.Muted {
		t.Fatal("status reports muted after unmute")
	}
	// Voice call starts with video off; toggling turns it on.
	if disabled := sess.ToggleVideo(); disabled {
		t.Fatal("video toggle on a voice call should enable video")
	}
}

func TestMediaReleasedOnceOnEnd(t *testing.T) {
	alice, _, sess := dialPair(t)
	sess.End()
	sess.End()

	alice.conns.mu.Lock()
	media := alice.conns.media[sess.ID()]
	alice.conns.mu.Unlock()
	media.mu.Lock()
	closed := media.closed
	media.mu.Unlock()
	if closed != 1 {
		t.Fatalf("local media closed %d times, want 1", closed)
	}
}

func TestSignalsAfterEndAreIgnored(t *testing.T) {
	alice, _, sess := dialPair(t)
	conn := alice.conns.conn(sess.ID())
	sess.End()

	before := conn.remote()
	sess.handleSignal(signal.New(sess.ID(), "bob", "alice", signal.TypeAnswer,
		[]byte(`{"type":"answer","sdp":"v=0 late"}`)))
	after := conn.remote()
	if before == nil && after != nil {
		t.Fatal("late answer applied after the session ended")
	}

	// A late connected transition must not resurrect the call.
	conn.connect()
	waitStatus(t, alice, sess.ID(), callstate.StatusEnded)
	if st := sess.Status(); st.Active || !st.Ended {
		t.Fatalf("session status = %+v after late ICE connected, want ended", st)
	}
}

package ledger

import (
	"context"
	"testing"

	"github.com/petervdpas/parley/internal/callstate"
	"github.com/petervdpas/parley/internal/upload"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func endedCall(id string) *callstate.Call {
	return &callstate.Call{
		ID:          id,
		CallerID:    "alice",
		ReceiverID:  "bob",
		Kind:        callstate.KindVideo,
		Status:      callstate.StatusEnded,
		StartedAt:   1000,
		EndedAt:     134000,
		DurationSec: 133,
		CreatedAt:   500,
	}
}

func TestRecordOutcomeRoundTrip(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	want := endedCall("c1")
	if err := l.RecordOutcome(ctx, want); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	got, err := l.Call(ctx, "c1")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestRecordOutcomeUpserts(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	c := endedCall("c1")
	c.Status = callstate.StatusActive
	if err := l.RecordOutcome(ctx, c); err != nil {
		t.Fatalf("first write: %v", err)
	}
	c.Status = callstate.StatusEnded
	c.RecordingRef = "s3://recordings/c1.mkv"
	if err := l.RecordOutcome(ctx, c); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := l.Call(ctx, "c1")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Status != callstate.StatusEnded || got.RecordingRef != "s3://recordings/c1.mkv" {
		t.Fatalf("after upsert = %+v", got)
	}
}

func TestHistoryFiltersByUser(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	a := endedCall("c1")
	b := endedCall("c2")
	b.CallerID, b.ReceiverID = "carol", "dave"
	b.CreatedAt = 600
	for _, c := range []*callstate.Call{a, b} {
		if err := l.RecordOutcome(ctx, c); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	calls, err := l.History(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != "c1" {
		t.Fatalf("History(bob) = %v, want [c1]", calls)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	conv := ConversationID("bob", "alice")

	if _, err := l.PostMessage(ctx, conv, "alice", "Video call (2m 13s)"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if _, err := l.PostMessage(ctx, conv, "alice", "Missed voice call"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	msgs, err := l.Messages(ctx, conv, 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "Video call (2m 13s)" {
		t.Fatalf("Messages = %v", msgs)
	}
}

func TestConversationIDIsOrderIndependent(t *testing.T) {
	if ConversationID("alice", "bob") != ConversationID("bob", "alice") {
		t.Fatal("conversation key depends on call direction")
	}
}

func TestCallMessage(t *testing.T) {
	mk := func(kind callstate.Kind, status callstate.Status, startedAt, dur int64) *callstate.Call {
		return &callstate.Call{Kind: kind, Status: status, StartedAt: startedAt, DurationSec: dur}
	}
	cases := []struct {
		c    *callstate.Call
		want string
	}{
		{mk(callstate.KindVideo, callstate.StatusEnded, 1000, 133), "Video call (2m 13s)"},
		{mk(callstate.KindVoice, callstate.StatusEnded, 1000, 45), "Voice call (45s)"},
		{mk(callstate.KindVoice, callstate.StatusEnded, 1000, 3723), "Voice call (1h 2m 3s)"},
		{mk(callstate.KindVoice, callstate.StatusEnded, 0, 0), "Cancelled voice call"},
		{mk(callstate.KindVideo, callstate.StatusMissed, 0, 0), "Missed video call"},
		{mk(callstate.KindVoice, callstate.StatusRejected, 0, 0), "Declined voice call"},
	}
	for _, c := range cases {
		if got := CallMessage(c.c); got != c.want {
			t.Errorf("CallMessage(%s/%s) = %q, want %q", c.c.Kind, c.c.Status, got, c.want)
		}
	}
}

func TestKeeperPersistsOutcomeAndMessage(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	k := NewKeeper(l, &upload.DirUploader{Dir: t.TempDir()})

	c := endedCall("c1")
	ref, err := k.CallEnded(ctx, c, []byte{0x1A, 0x45, 0xDF, 0xA3})
	if err != nil {
		t.Fatalf("CallEnded: %v", err)
	}
	if ref == "" {
		t.Fatal("CallEnded returned no recording reference")
	}

	got, err := l.Call(ctx, "c1")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.RecordingRef != ref {
		t.Fatalf("persisted ref %q, want %q", got.RecordingRef, ref)
	}
	msgs, err := l.Messages(ctx, ConversationID("alice", "bob"), 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "Video call (2m 13s)" {
		t.Fatalf("conversation = %v, want the call announcement", msgs)
	}
}

package signal

import (
	"context"
	"testing"
	"time"
)

// startRelay spins up a relay on a free port and returns its base URL.
func startRelay(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewRelayServer("127.0.0.1:0", 0)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return "http://" + srv.Addr()
}

func TestRelayRoutesBetweenClients(t *testing.T) {
	base := startRelay(t)
	ctx := context.Background()

	alice, err := DialRelay(ctx, base, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()

	bob, err := DialRelay(ctx, base, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	got := make(chan *Signal, 4)
	cancel, err := bob.Subscribe("bob", func(s *Signal) { got <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := alice.Send(ctx, New("c1", "alice", "bob", TypeOffer, []byte(`"sdp"`))); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-got:
		if s.Type != TypeOffer || s.From != "alice" || s.CallID != "c1" {
			t.Fatalf("unexpected signal: %+v", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("signal never arrived at bob")
	}
}

func TestRelayQueuesForOfflineRecipient(t *testing.T) {
	base := startRelay(t)
	ctx := context.Background()

	alice, err := DialRelay(ctx, base, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()

	// Bob is not attached yet.
	if err := alice.Send(ctx, New("c1", "alice", "bob", TypeEndCall, nil)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond) // let the relay enqueue it

	bob, err := DialRelay(ctx, base, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	got := make(chan *Signal, 4)
	cancel, err := bob.Subscribe("bob", func(s *Signal) { got <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case s := <-got:
		if s.Type != TypeEndCall {
			t.Fatalf("got %q, want %q", s.Type, TypeEndCall)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued signal not replayed on attach")
	}
}

func TestRelaySubscribeWrongUser(t *testing.T) {
	base := startRelay(t)

	alice, err := DialRelay(context.Background(), base, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()

	if _, err := alice.Subscribe("bob", func(*Signal) {}); err == nil {
		t.Fatal("expected error subscribing as a different user")
	}
}

package signal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestPeer(t *testing.T, ctx context.Context) (host.Host, *pubsub.PubSub) {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	return h, ps
}

func TestPubSubDeliversSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h1, ps1 := newTestPeer(t, ctx)
	h2, ps2 := newTestPeer(t, ctx)

	if err := h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}); err != nil {
		t.Fatal(err)
	}

	alice := NewPubSub(ps1, "alice")
	bob := NewPubSub(ps2, "bob")

	got := make(chan *Signal, 4)
	cancelSub, err := bob.Subscribe("bob", func(s *Signal) { got <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancelSub()

	// Gossipsub needs mesh formation before a publish propagates; retry the
	// send until it lands or the deadline passes.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := alice.Send(ctx, New("c1", "alice", "bob", TypeOffer, []byte(`"sdp"`))); err != nil {
			t.Fatal(err)
		}
		select {
		case s := <-got:
			if s.From != "alice" || s.Type != TypeOffer {
				t.Fatalf("unexpected signal: %+v", s)
			}
			return
		case <-deadline:
			t.Fatal("signal never propagated over gossipsub")
		case <-tick.C:
		}
	}
}

func TestPubSubSubscribeWrongUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ps := newTestPeer(t, ctx)
	tr := NewPubSub(ps, "alice")
	if _, err := tr.Subscribe("bob", func(*Signal) {}); err == nil {
		t.Fatal("expected error subscribing as a different user")
	}
}

func TestLoadOrCreateKeyRoundTrip(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")

	k1, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if !k1.Equals(k2) {
		t.Fatal("second load did not return the persisted key")
	}
}

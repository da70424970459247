package signal

import (
	"context"
	"testing"
	"time"
)

func TestMemoryDeliversInSendOrder(t *testing.T) {
	m := NewMemory()
	got := make(chan *Signal, 8)

	cancel, err := m.Subscribe("bob", func(s *Signal) { got <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for _, typ := range []string{TypeOffer, TypeICE, TypeICE} {
		if err := m.Send(context.Background(), New("c1", "alice", "bob", typ, nil)); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{TypeOffer, TypeICE, TypeICE}
	for i, w := range want {
		select {
		case s := <-got:
			if s.Type != w {
				t.Fatalf("signal %d: got type %q, want %q", i, s.Type, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("signal %d never delivered", i)
		}
	}
}

func TestMemoryReplaysMailboxOnSubscribe(t *testing.T) {
	m := NewMemory()

	// No subscriber yet — signals queue up.
	_ = m.Send(context.Background(), New("c1", "alice", "bob", TypeOffer, []byte(`"sdp"`)))
	_ = m.Send(context.Background(), New("c1", "alice", "bob", TypeICE, nil))

	got := make(chan *Signal, 8)
	cancel, err := m.Subscribe("bob", func(s *Signal) { got <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for _, want := range []string{TypeOffer, TypeICE} {
		select {
		case s := <-got:
			if s.Type != want {
				t.Fatalf("got %q, want %q", s.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatal("queued signal not replayed")
		}
	}

	// Consumed on delivery: a second subscriber sees nothing.
	got2 := make(chan *Signal, 8)
	cancel2, err := m.Subscribe("bob", func(s *Signal) { got2 <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel2()

	select {
	case s := <-got2:
		t.Fatalf("replayed already-consumed signal %q", s.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySkipsOwnSignals(t *testing.T) {
	m := NewMemory()
	got := make(chan *Signal, 1)

	cancel, _ := m.Subscribe("bob", func(s *Signal) { got <- s })
	defer cancel()

	// A signal from bob to bob must never come back around.
	_ = m.Send(context.Background(), New("c1", "bob", "bob", TypeICE, nil))

	select {
	case <-got:
		t.Fatal("self-addressed signal was delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryMailboxBounded(t *testing.T) {
	m := NewMemory()

	for i := 0; i < mailboxCap+10; i++ {
		_ = m.Send(context.Background(), New("c1", "alice", "bob", TypeICE, nil))
	}

	var n int
	cancel, _ := m.Subscribe("bob", func(*Signal) { n++ })
	defer cancel()

	if n != mailboxCap {
		t.Fatalf("replayed %d signals, want cap %d", n, mailboxCap)
	}
}

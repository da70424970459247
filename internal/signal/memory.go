package signal

import (
	"context"
	"sync"
)

// mailboxCap is the maximum number of signals buffered per recipient before
// a subscriber attaches. Oldest entries are dropped first; a stalled callee
// must not make the caller accumulate unbounded negotiation state.
const mailboxCap = 256

// Memory is an in-process Transport. Both participants of a call share one
// Memory instance; each Send lands in the recipient's queue and is drained
// by that recipient's subscription goroutine in FIFO order.
type Memory struct {
	mu      sync.Mutex
	boxes   map[string][]*Signal          // userID → queued signals
	subs    map[string]map[int]func(*Signal)
	nextSub int
}

// NewMemory creates an empty in-process signal transport.
func NewMemory() *Memory {
	return &Memory{
		boxes: make(map[string][]*Signal),
		subs:  make(map[string]map[int]func(*Signal)),
	}
}

// Send appends sig to the recipient's mailbox and delivers it immediately
// when a subscriber is attached. Self-addressed signals are dropped.
func (m *Memory) Send(_ context.Context, sig *Signal) error {
	if sig.From == sig.To {
		return nil
	}

	m.mu.Lock()
	fns := make([]func(*Signal), 0, len(m.subs[sig.To]))
	for _, fn := range m.subs[sig.To] {
		fns = append(fns, fn)
	}
	if len(fns) == 0 {
		box := m.boxes[sig.To]
		if len(box) >= mailboxCap {
			box = box[1:]
		}
		m.boxes[sig.To] = append(box, sig)
	}
	m.mu.Unlock()

	// Deliver outside the lock: fn may synchronously call back into Send.
	for _, fn := range fns {
		fn(sig)
	}
	return nil
}

// Subscribe replays the queued mailbox for userID (deleting as it goes),
// then delivers new arrivals until cancel is called.
func (m *Memory) Subscribe(userID string, fn func(*Signal)) (func(), error) {
	m.mu.Lock()
	queued := m.boxes[userID]
	delete(m.boxes, userID)
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[int]func(*Signal))
	}
	id := m.nextSub
	m.nextSub++
	m.subs[userID][id] = fn
	m.mu.Unlock()

	for _, sig := range queued {
		if sig.From != userID {
			fn(sig)
		}
	}

	cancel := func() {
		m.mu.Lock()
		delete(m.subs[userID], id)
		m.mu.Unlock()
	}
	return cancel, nil
}

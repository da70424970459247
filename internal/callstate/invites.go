package callstate

import (
	"sync"
)

// InviteBox is the per-user incoming-call notification mailbox. The caller
// posts the ringing Call record under the callee's user ID; the callee's
// call manager subscribes and surfaces it to the application. Clearing an
// invite withdraws the notification (accept, reject, or caller hangup).
type InviteBox struct {
	mu      sync.Mutex
	pending map[string]map[string]*Call // userID → callID → call
	subs    map[string]map[int]func(*Call)
	nextSub int
}

// NewInviteBox creates an empty invite mailbox.
func NewInviteBox() *InviteBox {
	return &InviteBox{
		pending: make(map[string]map[string]*Call),
		subs:    make(map[string]map[int]func(*Call)),
	}
}

// Post files an incoming-call notification for call.ReceiverID.
func (b *InviteBox) Post(call *Call) {
	userID := call.ReceiverID

	b.mu.Lock()
	if b.pending[userID] == nil {
		b.pending[userID] = make(map[string]*Call)
	}
	b.pending[userID][call.ID] = call.clone()
	fns := make([]func(*Call), 0, len(b.subs[userID]))
	for _, fn := range b.subs[userID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(call.clone())
	}
}

// Subscribe delivers pending and future invites for userID.
func (b *InviteBox) Subscribe(userID string, fn func(*Call)) (cancel func()) {
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]func(*Call))
	}
	id := b.nextSub
	b.nextSub++
	b.subs[userID][id] = fn
	var queued []*Call
	for _, c := range b.pending[userID] {
		queued = append(queued, c.clone())
	}
	b.mu.Unlock()

	for _, c := range queued {
		fn(c)
	}

	return func() {
		b.mu.Lock()
		delete(b.subs[userID], id)
		b.mu.Unlock()
	}
}

// Clear withdraws the notification for callID. Returns true when a pending
// invite was actually removed (i.e. the callee never acted on it).
func (b *InviteBox) Clear(userID, callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if box, ok := b.pending[userID]; ok {
		if _, had := box[callID]; had {
			delete(box, callID)
			return true
		}
	}
	return false
}

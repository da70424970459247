package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/parley/internal/callstate"
	"github.com/petervdpas/parley/internal/signal"
)

// fakeConn is an in-memory Conn for driving sessions without Pion. Tests
// fire its ICE transitions by hand.
type fakeConn struct {
	mu             sync.Mutex
	sink           MediaSink
	onCand         func(Candidate)
	onConnected    func()
	onDisconnected func()
	onRemoteTrack  func()

	remoteDesc *Description
	candidates []Candidate
	closed     bool

	offerErr error
}

func (f *fakeConn) CreateOffer() (Description, error) {
	if f.offerErr != nil {
		return Description{}, f.offerErr
	}
	return Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (f *fakeConn) CreateAnswer() (Description, error) {
	return Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeConn) SetRemoteDescription(d Description) error {
	f.mu.Lock()
	f.remoteDesc = &d
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) AddICECandidate(c Candidate) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(Candidate)) { f.mu.Lock(); f.onCand = fn; f.mu.Unlock() }
func (f *fakeConn) OnConnected(fn func())             { f.mu.Lock(); f.onConnected = fn; f.mu.Unlock() }
func (f *fakeConn) OnDisconnected(fn func())          { f.mu.Lock(); f.onDisconnected = fn; f.mu.Unlock() }
func (f *fakeConn) OnRemoteTrack(fn func())           { f.mu.Lock(); f.onRemoteTrack = fn; f.mu.Unlock() }
func (f *fakeConn) SetSink(s MediaSink)               { f.mu.Lock(); f.sink = s; f.mu.Unlock() }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// connect simulates ICE reaching the connected state.
func (f *fakeConn) connect() {
	f.mu.Lock()
	fn := f.onConnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// drop simulates ICE failure.
func (f *fakeConn) drop() {
	f.mu.Lock()
	fn := f.onDisconnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// gatherCandidate simulates one locally gathered ICE candidate.
func (f *fakeConn) gatherCandidate(c Candidate) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeConn) remote() *Description {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakeConn) remoteCandidates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeMedia struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// connLog hands out fakeConns from a ConnectFunc and remembers them by call.
type connLog struct {
	mu    sync.Mutex
	err   error
	conns map[string]*fakeConn
	media map[string]*fakeMedia
}

func newConnLog() *connLog {
	return &connLog{
		conns: make(map[string]*fakeConn),
		media: make(map[string]*fakeMedia),
	}
}

func (l *connLog) connect(callID string, _ callstate.Kind) (Conn, MediaSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, nil, l.err
	}
	fc := &fakeConn{}
	fm := &fakeMedia{}
	l.conns[callID] = fc
	l.media[callID] = fm
	return fc, fm, nil
}

func (l *connLog) conn(callID string) *fakeConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[callID]
}

// party is one side of a two-user test rig.
type party struct {
	id      string
	mgr     *Manager
	store   *callstate.MemoryStore
	conns   *connLog
	invites chan *IncomingCall
}

func newParty(t *testing.T, tr signal.Transport, id string, hooks Hooks, keeper Housekeeper) *party {
	t.Helper()
	return newPartyWith(t, tr, id, hooks, keeper, callstate.NewMemoryStore())
}

// newPartyWith lets tests share one store between both parties.
func newPartyWith(t *testing.T, tr signal.Transport, id string, hooks Hooks, keeper Housekeeper, store *callstate.MemoryStore) *party {
	t.Helper()
	p := &party{
		id:      id,
		store:   store,
		conns:   newConnLog(),
		invites: make(chan *IncomingCall, 4),
	}
	mgr, err := New(Config{
		SelfID:    id,
		Transport: tr,
		Store:     p.store,
		Invites:   callstate.NewInviteBox(),
		Keeper:    keeper,
		Hooks:     hooks,
		Connect:   p.conns.connect,
	})
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	mgr.OnIncoming(func(ic *IncomingCall) { p.invites <- ic })
	p.mgr = mgr
	t.Cleanup(mgr.Close)
	return p
}

func takeInvite(t *testing.T, p *party) *IncomingCall {
	t.Helper()
	select {
	case ic := <-p.invites:
		return ic
	default:
		t.Fatalf("%s: no invite delivered", p.id)
		return nil
	}
}

func statusOf(t *testing.T, p *party, callID string) callstate.Status {
	t.Helper()
	c, ok := p.store.Get(callID)
	if !ok {
		t.Fatalf("%s: call %s not in store", p.id, callID)
	}
	return c.Status
}

// waitFor polls cond until it holds; teardown completes off the caller's
// goroutine, so store assertions after an End need it.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, p *party, callID string, want callstate.Status) {
	t.Helper()
	waitFor(t, p.id+" status "+string(want), func() bool {
		c, ok := p.store.Get(callID)
		return ok && c.Status == want
	})
}

// lossyTransport eats the signals drop selects, simulating loss in transit.
type lossyTransport struct {
	signal.Transport
	drop func(*signal.Signal) bool
}

func (l *lossyTransport) Send(ctx context.Context, sig *signal.Signal) error {
	if l.drop(sig) {
		return nil
	}
	return l.Transport.Send(ctx, sig)
}

// countingTransport tallies sends per signal type.
type countingTransport struct {
	signal.Transport
	mu     sync.Mutex
	counts map[string]int
}

func newCountingTransport(tr signal.Transport) *countingTransport {
	return &countingTransport{Transport: tr, counts: make(map[string]int)}
}

func (c *countingTransport) Send(ctx context.Context, sig *signal.Signal) error {
	c.mu.Lock()
	c.counts[sig.Type]++
	c.mu.Unlock()
	return c.Transport.Send(ctx, sig)
}

func (c *countingTransport) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[typ]
}

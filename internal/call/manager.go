package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/parley/internal/callstate"
	"github.com/petervdpas/parley/internal/signal"
)

// ConnectFunc acquires local media and builds the peer connection for one
// call. It runs before any signal leaves this host, so a failure aborts the
// attempt with no externally visible trace. media may be nil when capture
// is unavailable and the connection is receive-only.
type ConnectFunc func(callID string, kind callstate.Kind) (Conn, MediaSession, error)

// Config wires a Manager to its collaborators.
type Config struct {
	SelfID    string
	Transport signal.Transport
	Store     callstate.Store
	Invites   *callstate.InviteBox
	Keeper    Housekeeper // optional
	Hooks     Hooks
	ICE       ICEConfig

	// Decoder builds an Opus decoder per track for the recording mixer.
	// Optional; without one the recording's audio stays silent on the
	// tracks that needed decoding.
	Decoder func() OpusDecoder

	// Connect overrides media/connection setup; nil selects the Pion stack.
	Connect ConnectFunc
}

// Manager owns the live sessions for one user and bridges the signal
// transport to them. One Manager per logged-in user.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	// pending keeps the offer behind each ringing invite so Accept can
	// replay it into the new session. Entries are cleared alongside the
	// invite itself.
	pendingMu sync.Mutex
	pending   map[string]*pendingInvite

	cancelSub     func()
	cancelInvites func()
	done          chan struct{}
}

type pendingInvite struct {
	offer   *signal.Signal
	payload offerPayload
}

// New creates a Manager and starts consuming signals immediately.
func New(cfg Config) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("call: SelfID required")
	}
	if cfg.Transport == nil || cfg.Store == nil || cfg.Invites == nil {
		return nil, fmt.Errorf("call: Transport, Store and Invites are required")
	}
	if cfg.Connect == nil {
		cfg.Connect = pionConnect(cfg.ICE, cfg.Decoder)
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingInvite),
		done:     make(chan struct{}),
	}
	m.cancelInvites = cfg.Invites.Subscribe(cfg.SelfID, m.notifyInvite)
	cancel, err := cfg.Transport.Subscribe(cfg.SelfID, m.dispatch)
	if err != nil {
		m.cancelInvites()
		return nil, fmt.Errorf("call: subscribe signals: %w", err)
	}
	m.cancelSub = cancel
	return m, nil
}

// OnIncoming registers a callback fired for each ringing invite. Multiple
// handlers can be registered.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Dial starts an outbound call. Media acquisition runs first: if the
// devices cannot be opened, Dial fails before anything is signaled or
// stored, and the callee never learns the attempt happened.
func (m *Manager) Dial(ctx context.Context, calleeID string, kind callstate.Kind) (*Session, error) {
	c := callstate.NewCall(m.cfg.SelfID, calleeID, kind)

	conn, media, err := m.cfg.Connect(c.ID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if err := m.cfg.Store.Init(c); err != nil {
		conn.Close()
		if media != nil {
			media.Close()
		}
		return nil, err
	}

	sess := m.newManagedSession(c, conn, media)
	log.Printf("CALL [%s]: dialing %s (%s)", c.ID, calleeID, kind)
	sess.neg.offer()
	return sess, nil
}

// newManagedSession builds a session registered with this manager, with the
// user hooks wrapped so the registry entry is dropped on end.
func (m *Manager) newManagedSession(c *callstate.Call, conn Conn, media MediaSession) *Session {
	hooks := m.cfg.Hooks
	userEnded := hooks.OnEnded
	hooks.OnEnded = func(callID string, status callstate.Status) {
		m.removeSession(callID)
		if userEnded != nil {
			userEnded(callID, status)
		}
	}
	sess := newSession(c, m.cfg.SelfID, conn, media, m.cfg.Transport, m.cfg.Store, hooks, m.cfg.Keeper)
	m.mu.Lock()
	m.sessions[c.ID] = sess
	m.mu.Unlock()
	return sess
}

// GetSession returns the live session for callID, if any.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

func (m *Manager) removeSession(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// Close shuts down the manager and hangs up all live sessions.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	if m.cancelSub != nil {
		m.cancelSub()
	}
	if m.cancelInvites != nil {
		m.cancelInvites()
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
}

// dispatch routes one inbound signal: live sessions get theirs directly,
// offers become invites, and stray lifecycle signals resolve ringing
// invites the user never acted on.
func (m *Manager) dispatch(sig *signal.Signal) {
	select {
	case <-m.done:
		return
	default:
	}

	if sess, ok := m.GetSession(sig.CallID); ok {
		sess.handleSignal(sig)
		return
	}

	switch sig.Type {
	case signal.TypeOffer:
		m.handleInvite(sig)
	case signal.TypeEndCall:
		// Caller gave up while we were still ringing: that is a missed call.
		if m.cfg.Invites.Clear(m.cfg.SelfID, sig.CallID) {
			m.clearPending(sig.CallID)
			m.resolveInvite(sig.CallID, callstate.StatusMissed)
			log.Printf("CALL [%s]: missed call from %s", sig.CallID, sig.From)
		}
	case signal.TypeRejectCall:
		// Session already gone; nothing to do.
	case signal.TypeICE:
		log.Printf("CALL [%s]: dropping ICE candidate for unknown call", sig.CallID)
	default:
		log.Printf("CALL [%s]: ignoring %q signal for unknown call", sig.CallID, sig.Type)
	}
}

// handleInvite turns an offer for an unknown call into a ringing invite.
func (m *Manager) handleInvite(sig *signal.Signal) {
	var p offerPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		log.Printf("CALL [%s]: malformed offer from %s: %v", sig.CallID, sig.From, err)
		return
	}
	kind := p.Kind
	if kind == "" {
		kind = callstate.KindVoice
	}

	c := &callstate.Call{
		ID:         sig.CallID,
		CallerID:   sig.From,
		ReceiverID: m.cfg.SelfID,
		Kind:       kind,
		Status:     callstate.StatusRinging,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := m.cfg.Store.Init(c); err != nil {
		// With a shared store the caller has already created the record;
		// anything else is a replayed offer and gets ignored.
		existing, ok := m.cfg.Store.Get(c.ID)
		if !ok || existing.Status != callstate.StatusRinging || existing.CallerID != sig.From {
			log.Printf("CALL [%s]: duplicate offer from %s ignored: %v", c.ID, sig.From, err)
			return
		}
		c = existing
	}
	m.pendingMu.Lock()
	m.pending[c.ID] = &pendingInvite{offer: sig, payload: p}
	m.pendingMu.Unlock()

	// Posting triggers notifyInvite through the invite subscription.
	m.cfg.Invites.Post(c)
	log.Printf("CALL [%s]: incoming %s call from %s", c.ID, kind, sig.From)
}

// notifyInvite fans a posted invite out to the OnIncoming handlers. It runs
// off the InviteBox subscription, so anything else posting to this user's
// mailbox surfaces here as well; an invite without a stored offer cannot be
// answered and is dropped.
func (m *Manager) notifyInvite(c *callstate.Call) {
	m.pendingMu.Lock()
	pi, ok := m.pending[c.ID]
	m.pendingMu.Unlock()
	if !ok {
		log.Printf("CALL [%s]: invite without an offer, ignoring", c.ID)
		return
	}

	ic := &IncomingCall{
		Call:   c,
		Accept: func(ctx context.Context) (*Session, error) { return m.accept(ctx, c, pi.offer, pi.payload) },
		Reject: func() error { return m.reject(c) },
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) clearPending(callID string) {
	m.pendingMu.Lock()
	delete(m.pending, callID)
	m.pendingMu.Unlock()
}

// accept answers a ringing invite. The stored offer is replayed into the new
// session, which produces and sends the answer.
func (m *Manager) accept(ctx context.Context, c *callstate.Call, offer *signal.Signal, p offerPayload) (*Session, error) {
	if !m.cfg.Invites.Clear(m.cfg.SelfID, c.ID) {
		return nil, fmt.Errorf("call %s is no longer ringing", c.ID)
	}
	defer m.clearPending(c.ID)

	conn, media, err := m.cfg.Connect(c.ID, c.Kind)
	if err != nil {
		// The caller is still waiting on an answer; turn the failure into
		// a rejection so their side resolves too.
		if rerr := m.reject(c); rerr != nil {
			log.Printf("CALL [%s]: rejecting after media failure: %v", c.ID, rerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	sess := m.newManagedSession(c, conn, media)
	log.Printf("CALL [%s]: accepted from %s", c.ID, c.CallerID)
	sess.handleSignal(offer)
	return sess, nil
}

// reject declines a ringing invite and resolves the record as rejected.
func (m *Manager) reject(c *callstate.Call) error {
	m.cfg.Invites.Clear(m.cfg.SelfID, c.ID)
	m.clearPending(c.ID)
	m.resolveInvite(c.ID, callstate.StatusRejected)
	log.Printf("CALL [%s]: rejected call from %s", c.ID, c.CallerID)

	raw, _ := json.Marshal(struct{}{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.cfg.Transport.Send(ctx, signal.New(c.ID, m.cfg.SelfID, c.CallerID, signal.TypeRejectCall, raw))
}

// resolveInvite writes the terminal status for an invite that never became
// a session and schedules the record's removal.
func (m *Manager) resolveInvite(callID string, status callstate.Status) {
	endedAt := time.Now().UnixMilli()
	if err := m.cfg.Store.Update(callID, callstate.Partial{
		Status:      callstate.StatusOf(status),
		EndedAt:     callstate.Int64Of(endedAt),
		DurationSec: callstate.Int64Of(0),
	}); err != nil {
		log.Printf("CALL [%s]: resolving invite as %s: %v", callID, status, err)
	}
	if m.cfg.Keeper != nil {
		if c, ok := m.cfg.Store.Get(callID); ok {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), housekeepTimeout)
				defer cancel()
				if _, err := m.cfg.Keeper.CallEnded(ctx, c, nil); err != nil {
					log.Printf("CALL [%s]: housekeeping failed: %v", callID, err)
				}
			}()
		}
	}
	m.cfg.Store.Remove(callID, removeGrace)
}

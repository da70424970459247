package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var relayLog = logging.Logger("parley/relay")

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// Clients are desktop apps connecting from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RelayServer is the signaling relay: a WebSocket endpoint where each client
// attaches under its user ID and receives the signals addressed to it.
// Signals for a user that is not attached are queued (bounded, oldest
// dropped) and replayed on the next attach; a replayed or forwarded signal
// is deleted from the queue at that moment, so each signal is handed to the
// recipient at most once.
type RelayServer struct {
	bind     string
	queueCap int

	mu      sync.Mutex
	clients map[string]*relayConn // userID → attached connection
	queues  map[string][]*Signal  // userID → undelivered signals

	events eventTrail

	httpSrv  *http.Server
	listener net.Listener
}

// eventTrail keeps the most recent routing events for the /debug endpoint,
// oldest dropped first.
type eventTrail struct {
	mu    sync.Mutex
	buf   [200]string
	head  int
	count int
}

func (e *eventTrail) push(msg string) {
	e.mu.Lock()
	e.buf[(e.head+e.count)%len(e.buf)] = msg
	if e.count == len(e.buf) {
		e.head = (e.head + 1) % len(e.buf)
	} else {
		e.count++
	}
	e.mu.Unlock()
}

func (e *eventTrail) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, e.count)
	for i := range out {
		out[i] = e.buf[(e.head+i)%len(e.buf)]
	}
	return out
}

type relayConn struct {
	ws *websocket.Conn

	// writeMu serializes writes: gorilla/websocket allows one concurrent
	// writer per connection.
	writeMu sync.Mutex
}

// NewRelayServer creates a relay bound to addr (host:port; port 0 picks a
// free port). queueCap bounds the per-user offline queue; <=0 uses the
// mailbox default.
func NewRelayServer(addr string, queueCap int) *RelayServer {
	if queueCap <= 0 {
		queueCap = mailboxCap
	}
	return &RelayServer{
		bind:     addr,
		queueCap: queueCap,
		clients:  make(map[string]*relayConn),
		queues:   make(map[string][]*Signal),
	}
}

// Start begins listening and serving. Non-blocking; the server shuts down
// when ctx is cancelled.
func (s *RelayServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", s.bind, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/debug", s.handleDebug)

	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		s.httpSrv.Close()
	}()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			relayLog.Errorw("relay serve stopped", "error", err)
		}
	}()

	relayLog.Infow("signaling relay listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address (useful when port 0 was requested).
func (s *RelayServer) Addr() string {
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

// SetQueueCap adjusts the per-user offline queue bound. Applied to queues
// lazily on the next enqueue; safe to call while serving (config hot reload).
func (s *RelayServer) SetQueueCap(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.queueCap = n
	s.mu.Unlock()
}

func (s *RelayServer) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user query parameter", http.StatusBadRequest)
		return
	}

	ws, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		relayLog.Warnw("websocket upgrade failed", "user", userID, "error", err)
		return
	}
	conn := &relayConn{ws: ws}

	s.mu.Lock()
	if old, ok := s.clients[userID]; ok {
		// A reconnect replaces the previous attachment.
		old.ws.Close()
	}
	s.clients[userID] = conn
	queued := s.queues[userID]
	delete(s.queues, userID)
	s.mu.Unlock()

	s.logEvent(fmt.Sprintf("attach user=%s queued=%d", userID, len(queued)))

	// Replay the offline queue before live traffic.
	for _, sig := range queued {
		if sig.From == userID {
			continue
		}
		if err := conn.write(sig); err != nil {
			relayLog.Warnw("queue replay failed", "user", userID, "error", err)
			break
		}
	}

	s.readLoop(userID, conn)
}

// readLoop consumes signals sent by the attached client and routes each one
// to its recipient. Returns when the connection drops.
func (s *RelayServer) readLoop(userID string, conn *relayConn) {
	defer func() {
		s.mu.Lock()
		if current, ok := s.clients[userID]; ok && current == conn {
			delete(s.clients, userID)
		}
		s.mu.Unlock()
		conn.ws.Close()
		s.logEvent("detach user=" + userID)
	}()

	for {
		var sig Signal
		if err := conn.ws.ReadJSON(&sig); err != nil {
			return
		}
		if sig.From == "" {
			sig.From = userID
		}
		if sig.From != userID {
			// Spoofed sender — drop, the attachment identity wins.
			relayLog.Warnw("sender mismatch, dropping signal",
				"attached", userID, "claimed", sig.From)
			continue
		}
		s.route(&sig)
	}
}

// route delivers sig to the recipient if attached, otherwise queues it.
func (s *RelayServer) route(sig *Signal) {
	s.mu.Lock()
	target, attached := s.clients[sig.To]
	if !attached {
		box := s.queues[sig.To]
		if len(box) >= s.queueCap {
			box = box[1:]
		}
		s.queues[sig.To] = append(box, sig)
	}
	s.mu.Unlock()

	if attached {
		if err := target.write(sig); err != nil {
			relayLog.Warnw("forward failed", "to", sig.To, "type", sig.Type, "error", err)
		}
	}
	s.logEvent(fmt.Sprintf("route type=%s call=%s %s→%s attached=%v",
		sig.Type, short(sig.CallID), short(sig.From), short(sig.To), attached))
}

func (c *relayConn) write(sig *Signal) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(sig)
}

// handleDebug dumps the relay's recent routing events and queue depths.
func (s *RelayServer) handleDebug(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	attached := make([]string, 0, len(s.clients))
	for id := range s.clients {
		attached = append(attached, id)
	}
	depths := make(map[string]int, len(s.queues))
	for id, q := range s.queues {
		depths[id] = len(q)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"attached": attached,
		"queues":   depths,
		"events":   s.events.snapshot(),
	})
}

func (s *RelayServer) logEvent(msg string) {
	s.events.push(time.Now().Format("15:04:05") + " " + msg)
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

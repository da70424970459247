package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayClient is a Transport backed by a RelayServer. One client carries the
// mailbox of exactly one user: the server routes by the identity given at
// dial time, so Subscribe only accepts that same user ID.
type RelayClient struct {
	userID string
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[int]func(*Signal)
	pending []*Signal // received before any subscriber attached
	nextID  int
	closed  bool
}

// DialRelay attaches to the relay at baseURL (http:// or ws:// form) as
// userID and starts the read pump. Signals arriving before any Subscribe
// call are buffered by the server, not the client, so nothing is lost in
// the gap between dial and subscribe — the server replays its queue on
// attach and the pump holds deliveries until a subscriber exists.
func DialRelay(ctx context.Context, baseURL, userID string) (*RelayClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"user": {userID}}.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", u.Host, err)
	}

	c := &RelayClient{
		userID: userID,
		ws:     ws,
		subs:   make(map[int]func(*Signal)),
	}
	go c.readPump()
	return c, nil
}

// Send writes the signal to the relay, which routes it to sig.To.
func (c *RelayClient) Send(_ context.Context, sig *Signal) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(sig); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

// Subscribe registers fn for signals addressed to this client's user.
func (c *RelayClient) Subscribe(userID string, fn func(*Signal)) (func(), error) {
	if userID != c.userID {
		return nil, fmt.Errorf("relay client is attached as %q, cannot subscribe as %q", c.userID, userID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("relay client closed")
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, sig := range pending {
		fn(sig)
	}

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
	return cancel, nil
}

// Close tears down the relay attachment.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *RelayClient) readPump() {
	for {
		var sig Signal
		if err := c.ws.ReadJSON(&sig); err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
		if sig.From == c.userID {
			continue
		}

		c.mu.Lock()
		fns := make([]func(*Signal), 0, len(c.subs))
		for _, fn := range c.subs {
			fns = append(fns, fn)
		}
		if len(fns) == 0 {
			if len(c.pending) >= mailboxCap {
				c.pending = c.pending[1:]
			}
			c.pending = append(c.pending, &sig)
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(&sig)
		}
	}
}

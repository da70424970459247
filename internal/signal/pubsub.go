package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

var psLog = logging.Logger("parley/signal")

// signalTopic returns the gossipsub topic carrying one user's mailbox.
func signalTopic(userID string) string {
	return "parley/signal/" + userID
}

// PubSub is a Transport over libp2p gossipsub. Each user owns one topic;
// senders join the recipient's topic to publish, recipients subscribe to
// their own. Gossipsub gives per-sender ordering and at-least-once delivery
// within the mesh; duplicates are filtered by signal ID.
type PubSub struct {
	ps     *pubsub.PubSub
	selfID string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic // topic name → joined topic
	seen   map[string]struct{}      // delivered signal IDs (dedupe)
}

// NewPubSub wraps an existing gossipsub instance (see NewP2PHost) as a
// signal transport for the local user selfID.
func NewPubSub(ps *pubsub.PubSub, selfID string) *PubSub {
	return &PubSub{
		ps:     ps,
		selfID: selfID,
		topics: make(map[string]*pubsub.Topic),
		seen:   make(map[string]struct{}),
	}
}

func (p *PubSub) join(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

// Send publishes sig on the recipient's topic.
func (p *PubSub) Send(ctx context.Context, sig *Signal) error {
	t, err := p.join(signalTopic(sig.To))
	if err != nil {
		return err
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := t.Publish(ctx, b); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Subscribe reads the user's own topic and dispatches each signal once.
// Must be called with the transport's own user ID; gossipsub has no
// server-side mailbox for other users.
func (p *PubSub) Subscribe(userID string, fn func(*Signal)) (func(), error) {
	if userID != p.selfID {
		return nil, fmt.Errorf("pubsub transport is bound to %q, cannot subscribe as %q", p.selfID, userID)
	}

	t, err := p.join(signalTopic(userID))
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe topic: %w", err)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return // cancelled or topic closed
			}
			var sig Signal
			if err := json.Unmarshal(m.Data, &sig); err != nil {
				psLog.Warnw("malformed signal on mailbox topic", "error", err)
				continue
			}
			if sig.From == userID {
				continue
			}
			if p.alreadySeen(sig.ID) {
				continue
			}
			fn(&sig)
		}
	}()

	cancel := func() {
		cancelCtx()
		sub.Cancel()
	}
	return cancel, nil
}

func (p *PubSub) alreadySeen(id string) bool {
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return true
	}
	// The seen set only has to outlive gossipsub's duplicate window; reset
	// wholesale rather than tracking ages.
	if len(p.seen) > 4096 {
		p.seen = make(map[string]struct{})
	}
	p.seen[id] = struct{}{}
	return false
}

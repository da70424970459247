package callstate

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Store is the shared call status record both participants merge-update.
// Subscribe delivers every update, including removal (delivered as nil).
type Store interface {
	Init(call *Call) error
	Update(callID string, p Partial) error
	Get(callID string) (*Call, bool)
	Subscribe(callID string, fn func(*Call)) (cancel func())
	// Remove deletes the record after the grace delay, giving in-flight
	// subscribers time to observe the terminal status first.
	Remove(callID string, grace time.Duration)
}

// MemoryStore is the in-process Store. Writes are last-write-wins merges;
// the status field is guarded against regression (see Partial.apply), so
// concurrent writers from both peers cannot un-end a call.
type MemoryStore struct {
	mu      sync.Mutex
	calls   map[string]*Call
	subs    map[string]map[int]func(*Call)
	nextSub int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]*Call),
		subs:  make(map[string]map[int]func(*Call)),
	}
}

// Init writes the initial record. Re-initializing an existing call is a
// protocol error.
func (s *MemoryStore) Init(call *Call) error {
	s.mu.Lock()
	if _, exists := s.calls[call.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("call %s already exists", call.ID)
	}
	s.calls[call.ID] = call.clone()
	s.mu.Unlock()

	s.notify(call.ID, call.clone())
	return nil
}

// Update merges p into the record and notifies subscribers. Updating a
// record that was already removed is a no-op: the grace-delayed Remove can
// race a slow peer's final write, and that write carries nothing new.
func (s *MemoryStore) Update(callID string, p Partial) error {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		log.Printf("CALLSTATE [%s]: update after removal ignored", callID)
		return nil
	}
	p.apply(c)
	snapshot := c.clone()
	s.mu.Unlock()

	s.notify(callID, snapshot)
	return nil
}

// Get returns a copy of the current record.
func (s *MemoryStore) Get(callID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Subscribe registers fn for every subsequent change to callID, including
// removal (fn(nil)). If the record exists, fn is called immediately with
// the current state so late subscribers don't miss the status they joined
// to watch.
func (s *MemoryStore) Subscribe(callID string, fn func(*Call)) func() {
	s.mu.Lock()
	if s.subs[callID] == nil {
		s.subs[callID] = make(map[int]func(*Call))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[callID][id] = fn
	var current *Call
	if c, ok := s.calls[callID]; ok {
		current = c.clone()
	}
	s.mu.Unlock()

	if current != nil {
		fn(current)
	}

	return func() {
		s.mu.Lock()
		delete(s.subs[callID], id)
		s.mu.Unlock()
	}
}

// Remove deletes the record after grace, then notifies subscribers with nil.
func (s *MemoryStore) Remove(callID string, grace time.Duration) {
	time.AfterFunc(grace, func() {
		s.mu.Lock()
		_, existed := s.calls[callID]
		delete(s.calls, callID)
		s.mu.Unlock()

		if existed {
			s.notify(callID, nil)
			s.mu.Lock()
			delete(s.subs, callID)
			s.mu.Unlock()
		}
	})
}

func (s *MemoryStore) notify(callID string, c *Call) {
	s.mu.Lock()
	fns := make([]func(*Call), 0, len(s.subs[callID]))
	for _, fn := range s.subs[callID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

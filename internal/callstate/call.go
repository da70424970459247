// Package callstate holds the shared call status record both participants
// read and merge-update, plus the per-user incoming-call mailbox. The store
// is the out-of-band synchronization point between the two peers: neither
// side keeps divergent local truth about where a call stands.
package callstate

import (
	"time"

	"github.com/google/uuid"
)

// Status is the externally visible lifecycle stage of a call.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
	StatusMissed   Status = "missed"
)

// rank orders statuses along the legal progression. Merges never move a
// call to a lower rank, which is what makes last-write-wins updates safe
// when both peers write concurrently.
func (s Status) rank() int {
	switch s {
	case StatusRinging:
		return 0
	case StatusActive:
		return 1
	case StatusRejected, StatusMissed:
		return 2
	case StatusEnded:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further status transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected || s == StatusMissed
}

// Kind distinguishes audio-only from audio+video calls.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Call is the durable record of one call attempt.
type Call struct {
	ID           string `json:"id"`
	CallerID     string `json:"caller_id"`
	ReceiverID   string `json:"receiver_id"`
	Kind         Kind   `json:"kind"`
	Status       Status `json:"status"`
	StartedAt    int64  `json:"started_at,omitempty"` // unix ms, set on activation
	EndedAt      int64  `json:"ended_at,omitempty"`   // unix ms, set on any terminal status
	DurationSec  int64  `json:"duration_seconds,omitempty"`
	RecordingRef string `json:"recording_ref,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// NewCall builds a fresh ringing call record for a dial attempt.
func NewCall(callerID, receiverID string, kind Kind) *Call {
	return &Call{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Kind:       kind,
		Status:     StatusRinging,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

// Peer returns the other participant's user ID.
func (c *Call) Peer(selfID string) string {
	if selfID == c.CallerID {
		return c.ReceiverID
	}
	return c.CallerID
}

// Duration derives the call duration in whole seconds. A call that never
// became active (StartedAt unset) has duration 0.
func Duration(startedAt, endedAt int64) int64 {
	if startedAt == 0 || endedAt < startedAt {
		return 0
	}
	return (endedAt - startedAt) / 1000
}

// clone returns a copy so subscribers never see later mutations.
func (c *Call) clone() *Call {
	cp := *c
	return &cp
}

// Partial is a merge-update of a Call record. Nil fields are left untouched.
type Partial struct {
	Status       *Status
	StartedAt    *int64
	EndedAt      *int64
	DurationSec  *int64
	RecordingRef *string
}

// apply merges p into c. Status downgrades are ignored: the record's status
// is monotonic along ringing → {active|rejected|missed} → ended.
func (p Partial) apply(c *Call) {
	if p.Status != nil && p.Status.rank() >= c.Status.rank() {
		c.Status = *p.Status
	}
	if p.StartedAt != nil {
		c.StartedAt = *p.StartedAt
	}
	if p.EndedAt != nil {
		c.EndedAt = *p.EndedAt
	}
	if p.DurationSec != nil {
		c.DurationSec = *p.DurationSec
	}
	if p.RecordingRef != nil {
		c.RecordingRef = *p.RecordingRef
	}
}

// StatusOf, Int64Of and StringOf build Partial field pointers inline.
func StatusOf(s Status) *Status { return &s }
func Int64Of(v int64) *int64    { return &v }
func StringOf(s string) *string { return &s }

// Package signal implements the call signaling transport: a per-recipient
// mailbox that carries SDP offers/answers, trickle ICE candidates and
// end/reject notifications between two call participants.
//
// Three implementations exist: Memory (in-process, used by tests and
// single-process deployments), RelayClient (WebSocket relay server), and
// PubSub (libp2p gossipsub, one topic per recipient).
package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Signal type constants — value of the Type field.
const (
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeICE        = "ice-candidate"
	TypeEndCall    = "end-call"
	TypeRejectCall = "reject-call"
)

// Signal is one directed protocol message between call participants.
// Payload is opaque to the transport: an SDP blob for offer/answer, a
// serialized ICE candidate for ice-candidate, empty for end/reject.
type Signal struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix ms, set by the sender
}

// New builds a signal ready to send. The payload must already be serialized.
func New(callID, from, to, typ string, payload []byte) *Signal {
	return &Signal{
		ID:        uuid.NewString(),
		CallID:    callID,
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Transport is the per-recipient mailbox abstraction.
//
// Send appends the signal to the recipient's mailbox. Delivery is
// at-least-once; signals from the same sender arrive in send order, but no
// ordering holds across senders.
//
// Subscribe delivers every signal currently queued for userID, then keeps
// invoking fn for new arrivals until cancel is called. A signal is removed
// from the mailbox before fn runs — consume-on-delivery, regardless of what
// fn does with it — and signals whose From equals userID are discarded
// without delivery.
type Transport interface {
	Send(ctx context.Context, sig *Signal) error
	Subscribe(userID string, fn func(*Signal)) (cancel func(), err error)
}

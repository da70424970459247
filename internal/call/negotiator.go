package call

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/petervdpas/parley/internal/callstate"
	"github.com/petervdpas/parley/internal/signal"
)

// negotiator drives SDP and ICE exchange for one session. It is deliberately
// forgiving: negotiation failures are logged and reported through the error
// hook, never propagated — the session stays up until ICE itself gives up or
// a party hangs up.
type negotiator struct {
	callID string
	kind   callstate.Kind
	conn   Conn
	send   func(typ string, payload any) error
	onErr  func(error)

	mu        sync.Mutex
	remoteSet bool
}

func newNegotiator(callID string, kind callstate.Kind, conn Conn, send func(typ string, payload any) error, onErr func(error)) *negotiator {
	n := &negotiator{callID: callID, kind: kind, conn: conn, send: send, onErr: onErr}
	conn.OnICECandidate(n.sendCandidate)
	return n
}

// offer starts negotiation from the caller side. The offer carries the call
// kind so the callee can present and answer the invite appropriately.
func (n *negotiator) offer() {
	desc, err := n.conn.CreateOffer()
	if err != nil {
		n.fail("create offer", err)
		return
	}
	if err := n.send(signal.TypeOffer, offerPayload{Description: desc, Kind: n.kind}); err != nil {
		n.fail("send offer", err)
	}
}

// handleOffer applies the remote offer and answers it (callee side).
func (n *negotiator) handleOffer(desc Description) {
	if err := n.conn.SetRemoteDescription(desc); err != nil {
		n.fail("set remote offer", err)
		return
	}
	n.markRemoteSet()
	answer, err := n.conn.CreateAnswer()
	if err != nil {
		n.fail("create answer", err)
		return
	}
	if err := n.send(signal.TypeAnswer, answer); err != nil {
		n.fail("send answer", err)
	}
}

// handleAnswer applies the remote answer (caller side).
func (n *negotiator) handleAnswer(desc Description) {
	if err := n.conn.SetRemoteDescription(desc); err != nil {
		n.fail("set remote answer", err)
		return
	}
	n.markRemoteSet()
}

// handleCandidate applies one trickled remote candidate. Candidates that
// arrive before the remote description are dropped with a warning — the far
// end keeps trickling and ICE restarts gathering on the real description, so
// queueing them would only mask ordering bugs in the transport.
func (n *negotiator) handleCandidate(c Candidate) {
	n.mu.Lock()
	ready := n.remoteSet
	n.mu.Unlock()
	if !ready {
		log.Printf("CALL [%s]: dropping ICE candidate received before remote description", n.callID)
		return
	}
	if err := n.conn.AddICECandidate(c); err != nil {
		n.fail("add ICE candidate", err)
	}
}

// handleSignal routes one negotiation signal by type. Unknown types are
// ignored; the session handles the lifecycle types before we get here.
func (n *negotiator) handleSignal(sig *signal.Signal) {
	switch sig.Type {
	case signal.TypeOffer:
		var p offerPayload
		if err := json.Unmarshal(sig.Payload, &p); err != nil {
			n.fail("decode offer", err)
			return
		}
		n.handleOffer(p.Description)
	case signal.TypeAnswer:
		var d Description
		if err := json.Unmarshal(sig.Payload, &d); err != nil {
			n.fail("decode answer", err)
			return
		}
		n.handleAnswer(d)
	case signal.TypeICE:
		var c Candidate
		if err := json.Unmarshal(sig.Payload, &c); err != nil {
			n.fail("decode candidate", err)
			return
		}
		n.handleCandidate(c)
	}
}

func (n *negotiator) markRemoteSet() {
	n.mu.Lock()
	n.remoteSet = true
	n.mu.Unlock()
}

// sendCandidate forwards one gathered local candidate to the peer.
func (n *negotiator) sendCandidate(c Candidate) {
	if err := n.send(signal.TypeICE, c); err != nil {
		n.fail("send ICE candidate", err)
	}
}

func (n *negotiator) fail(op string, err error) {
	log.Printf("CALL [%s]: %s: %v", n.callID, op, err)
	if n.onErr != nil {
		n.onErr(err)
	}
}

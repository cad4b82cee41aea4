package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Verify/internal/core"
)

type msgType string

const (
	msgHello     msgType = "hello"
	msgHelloAck  msgType = "hello_ack"
	msgOffer     msgType = "offer"
	msgAnswer    msgType = "answer"
	msgCandidate msgType = "candidate"
	msgBye       msgType = "bye"
)

// envelope is the negotiation message relayed through the signaler.
type envelope struct {
	Type      msgType                    `json:"type"`
	From      core.PeerID                `json:"from"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func (e envelope) encode() (core.Payload, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return core.Payload(b), nil
}

func decodeEnvelope(p core.Payload) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(p, &e); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" || e.From == "" {
		return envelope{}, fmt.Errorf("decode envelope: missing type or sender")
	}
	return e, nil
}

// isOfferer breaks glare: the lexicographically smaller peer id offers.
func isOfferer(local, remote core.PeerID) bool {
	return local < remote
}

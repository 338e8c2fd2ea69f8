// Package domain defines the wire-level types shared by the gateway, the
// broker layer, and the delivery worker: the message envelope published to
// the chat exchange and the canonical channel key that routes it.
//
// The envelope is immutable once published. Both sides of the system encode
// and decode it with the same JSON shape, so any change here is a protocol
// change and must be made in lockstep with the record-api contract.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Broker topology names. The exchange is declared durable and topic-typed by
// every process that touches it; queues are named after their channel key and
// bound with the key as routing pattern.
const (
	// Exchange is the single topic exchange all chat traffic flows through.
	Exchange = "chat"

	// DeadLetterQueue receives envelopes that exhausted their delivery
	// attempts (bounded-retry mode) or could not be decoded at all.
	DeadLetterQueue = "chat.dead"

	// AttemptsHeader carries the delivery attempt count when the worker runs
	// with a bounded retry budget. Absent on first delivery.
	AttemptsHeader = "x-delivery-attempts"
)

// Envelope is one chat message in flight between two resolved users.
//
// UserIDSend and UserIDReceive are canonical numeric identities owned by the
// auth-api; the raw identifiers the caller supplied (email, username) never
// appear on the wire. SentAt is stamped at publish time by the gateway.
type Envelope struct {
	UserIDSend    int64     `json:"userIdSend"`
	UserIDReceive int64     `json:"userIdReceive"`
	Message       string    `json:"message"`
	SentAt        time.Time `json:"sentAt"`
}

// ChannelKey returns the envelope's canonical routing key.
func (e Envelope) ChannelKey() string {
	return ChannelKey(e.UserIDSend, e.UserIDReceive)
}

// Encode serializes the envelope to its wire JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses wire JSON into an Envelope. Both user ids must be
// positive; a payload that fails this check can never be persisted and is
// reported as an error rather than silently passed through.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.UserIDSend <= 0 || e.UserIDReceive <= 0 {
		return Envelope{}, fmt.Errorf("decode envelope: non-positive user id (%d, %d)", e.UserIDSend, e.UserIDReceive)
	}
	return e, nil
}

// ChannelKey derives the canonical conversation key for a pair of resolved
// user ids. The key is symmetric: ChannelKey(a, b) == ChannelKey(b, a), since
// a conversation has exactly one channel regardless of who is sending. The
// smaller id always comes first.
func ChannelKey(a, b int64) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("channel.%d.%d", a, b)
}

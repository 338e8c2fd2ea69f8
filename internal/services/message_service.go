// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// routes a chat message between two users. It validates inputs, resolves both
// participant identifiers to canonical numeric ids, derives the conversation's
// channel key, and publishes the envelope onto the chat exchange. It also
// exposes the history read paths backed by the record-api.
//
// Publishing is fire-and-forget past broker acceptance: a nil return means
// the broker took the persistent message, not that it has been persisted by
// the record-api; that is the delivery worker's job.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// the resolved ids and channel key, never raw message bodies.
package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/record"
)

// Resolver maps a user-facing identifier to a canonical numeric id.
type Resolver interface {
	Resolve(ctx context.Context, identifier, token string) (int64, error)
}

// Publisher accepts an envelope for routing through the chat exchange.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

// History reads persisted messages from the record-api.
type History interface {
	Inbox(ctx context.Context, userID int64) ([]record.StoredMessage, error)
	Channel(ctx context.Context, a, b int64) ([]record.StoredMessage, error)
}

// MessageService coordinates resolution, routing, and history reads.
type MessageService struct {
	Resolver  Resolver
	Publisher Publisher
	History   History

	// MaxMessageRunes caps the message body length; 0 disables the check.
	MaxMessageRunes int

	// Now is a clock seam for tests; nil means time.Now.
	Now func() time.Time
}

// Send validates the request, resolves both participants, and publishes the
// message envelope under the pair's canonical channel key.
//
// Errors: ErrMissingParticipant / ErrEmptyMessage / ErrMessageTooLong for bad
// input, *ResolutionError wrapping the identity failure, and *broker.Error
// when the broker does not accept the publish. The successfully published
// envelope is returned for logging and tests.
func (s *MessageService) Send(ctx context.Context, sender, receiver, body, token string) (domain.Envelope, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send")
	defer span.End()

	sender = strings.TrimSpace(sender)
	receiver = strings.TrimSpace(receiver)
	if sender == "" || receiver == "" {
		return domain.Envelope{}, ErrMissingParticipant
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Envelope{}, ErrEmptyMessage
	}
	if s.MaxMessageRunes > 0 && utf8.RuneCountInString(body) > s.MaxMessageRunes {
		return domain.Envelope{}, ErrMessageTooLong
	}

	senderID, err := s.Resolver.Resolve(ctx, sender, token)
	if err != nil {
		return domain.Envelope{}, &ResolutionError{Identifier: sender, Err: err}
	}
	receiverID, err := s.Resolver.Resolve(ctx, receiver, token)
	if err != nil {
		return domain.Envelope{}, &ResolutionError{Identifier: receiver, Err: err}
	}

	env := domain.Envelope{
		UserIDSend:    senderID,
		UserIDReceive: receiverID,
		Message:       body,
		SentAt:        s.now(),
	}
	span.SetAttributes(
		attribute.Int64("chat.sender_id", senderID),
		attribute.Int64("chat.receiver_id", receiverID),
		attribute.String("chat.channel_key", env.ChannelKey()),
	)

	if err := s.Publisher.Publish(ctx, env); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

// Inbox resolves identifier and returns the messages that user has received.
func (s *MessageService) Inbox(ctx context.Context, identifier, token string) ([]record.StoredMessage, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Inbox",
		trace.WithAttributes(attribute.String("chat.identifier", identifier)),
	)
	defer span.End()

	id, err := s.Resolver.Resolve(ctx, identifier, token)
	if err != nil {
		return nil, &ResolutionError{Identifier: identifier, Err: err}
	}
	return s.History.Inbox(ctx, id)
}

// ChannelHistory resolves both identifiers and returns the conversation
// between them in send order.
func (s *MessageService) ChannelHistory(ctx context.Context, a, b, token string) ([]record.StoredMessage, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ChannelHistory")
	defer span.End()

	aid, err := s.Resolver.Resolve(ctx, a, token)
	if err != nil {
		return nil, &ResolutionError{Identifier: a, Err: err}
	}
	bid, err := s.Resolver.Resolve(ctx, b, token)
	if err != nil {
		return nil, &ResolutionError{Identifier: b, Err: err}
	}
	span.SetAttributes(attribute.String("chat.channel_key", domain.ChannelKey(aid, bid)))
	return s.History.Channel(ctx, aid, bid)
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

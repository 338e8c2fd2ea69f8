// Message HTTP handlers.
//
// This file exposes the REST surface of the relay:
//   - POST /message   (route a message between two users)
//   - GET  /message   (read persisted messages: inbox or one conversation)
//
// Handlers are transport-thin:
//   - authenticate the caller's bearer token against the claimed identity
//   - validate & normalize inputs
//   - delegate to application services (MessageService)
//   - translate service errors into stable HTTP error envelopes
//
// Authentication is delegated wholesale to the auth-api: the token is never
// parsed or cached here, each request pays one introspection round trip.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-relay/internal/broker"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/identity"
	"github.com/tbourn/go-chat-relay/internal/record"
	"github.com/tbourn/go-chat-relay/internal/services"
	"github.com/tbourn/go-chat-relay/internal/utils"
)

//
// Service contracts (context-aware)
//

// MessageService defines the routing and history operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MessageService interface {
	// Send resolves both participants and publishes the message onto the
	// conversation's channel.
	Send(ctx context.Context, sender, receiver, body, token string) (domain.Envelope, error)
	// Inbox returns the messages the identified user has received.
	Inbox(ctx context.Context, identifier, token string) ([]record.StoredMessage, error)
	// ChannelHistory returns the conversation between two users in send order.
	ChannelHistory(ctx context.Context, a, b, token string) ([]record.StoredMessage, error)
}

// TokenVerifier reports whether a bearer token is valid for the claimed
// identity. Implemented by identity.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token, claimed string) bool
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the relay. It depends on abstract
// service interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	msgSvc   MessageService
	verifier TokenVerifier
}

// New constructs and returns a Handlers instance bound to the given services.
func New(msgSvc MessageService, verifier TokenVerifier) *Handlers {
	return &Handlers{msgSvc: msgSvc, verifier: verifier}
}

// bearerToken extracts the token from the Authorization header. It accepts
// both "Bearer <token>" and a bare token, returning "" when absent.
func bearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if h == "" {
		return ""
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

//
// DTOs
//

// SendMessageRequest is the JSON payload for routing a message. Participants
// are user-facing identifiers: numeric id, email, or username.
type SendMessageRequest struct {
	// UserIDSend identifies the sender; must match the bearer token.
	UserIDSend string `json:"userIdSend" binding:"required"`
	// UserIDReceive identifies the receiver.
	UserIDReceive string `json:"userIdReceive" binding:"required"`
	// Message is the body to deliver. It must be non-empty.
	Message string `json:"message" binding:"required,min=1"`
}

// SendMessageResponse acknowledges broker acceptance, not persistence.
type SendMessageResponse struct {
	Message string `json:"message"`
}

// MessageView is the read-path projection of a stored message.
type MessageView struct {
	// UserID is the canonical id of the sender.
	UserID int64 `json:"userId"`
	// Msg is the message body.
	Msg string `json:"msg"`
}

//
// Handlers
//

// SendMessage authenticates the sender, resolves both participants, and
// publishes the message for asynchronous delivery.
//
// Responses:
//   - 201 {"message":"sent"} once the broker accepts the envelope
//   - 400 for validation failures and unknown participants
//   - 401 for a missing or invalid token, or a token/sender mismatch
//   - 502 when the auth-api or the broker is unavailable
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userIdSend, userIdReceive and message are required")
		return
	}

	token := bearerToken(c)
	if token == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
		return
	}
	if !h.verifier.Verify(ctx, token, req.UserIDSend) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
		return
	}

	_, err := h.msgSvc.Send(ctx, req.UserIDSend, req.UserIDReceive, req.Message, token)
	if err != nil {
		h.failSend(c, err)
		return
	}

	ok(c, http.StatusCreated, SendMessageResponse{Message: "sent"})
}

// maxListLimit caps the limit query parameter on the read path.
const maxListLimit = 1000

// ListMessages returns persisted messages for the authenticated user: the
// whole inbox, or one conversation when the peer query parameter is present.
// An optional limit query parameter caps the number of returned rows.
//
// Responses:
//   - 200 array of {userId, msg}
//   - 400 for a missing user parameter
//   - 401 for a missing or invalid token, or a token/user mismatch
//   - 404 when an identifier does not resolve to a known user
//   - 502 when the auth-api or record-api is unavailable
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()

	user := strings.TrimSpace(c.Query("user"))
	if user == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user query parameter required")
		return
	}

	token := bearerToken(c)
	if token == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
		return
	}
	if !h.verifier.Verify(ctx, token, user) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
		return
	}

	var (
		rows []record.StoredMessage
		err  error
	)
	if peer := strings.TrimSpace(c.Query("peer")); peer != "" {
		rows, err = h.msgSvc.ChannelHistory(ctx, user, peer, token)
	} else {
		rows, err = h.msgSvc.Inbox(ctx, user, token)
	}
	if err != nil {
		h.failList(c, err)
		return
	}

	limit := utils.AtoiDefault(c.Query("limit"), maxListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = maxListLimit
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}

	views := make([]MessageView, 0, len(rows))
	for _, r := range rows {
		views = append(views, MessageView{UserID: r.UserIDSend, Msg: r.Message})
	}
	ok(c, http.StatusOK, views)
}

// failSend maps Send errors to HTTP responses. An unknown participant is the
// caller's input error on the write path, hence 400 rather than 404.
func (h *Handlers) failSend(c *gin.Context, err error) {
	var re *services.ResolutionError
	switch {
	case errors.Is(err, services.ErrMissingParticipant):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userIdSend and userIdReceive are required")
	case errors.Is(err, services.ErrEmptyMessage):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message required")
	case errors.Is(err, services.ErrMessageTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message too long")
	case errors.As(err, &re) && errors.Is(err, identity.ErrUserNotFound):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("unknown user %q", re.Identifier))
	case isUpstream(err):
		fail(c, http.StatusBadGateway, ErrCodeUpstream, "upstream service unavailable")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeSendFailed, err.Error())
	}
}

// failList maps read-path errors to HTTP responses.
func (h *Handlers) failList(c *gin.Context, err error) {
	var re *services.ResolutionError
	switch {
	case errors.As(err, &re) && errors.Is(err, identity.ErrUserNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("unknown user %q", re.Identifier))
	case isUpstream(err):
		fail(c, http.StatusBadGateway, ErrCodeUpstream, "upstream service unavailable")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
	}
}

// isUpstream reports whether err stems from an unavailable collaborator
// (auth-api, record-api, or the broker).
func isUpstream(err error) bool {
	var ue *identity.UpstreamError
	if errors.As(err, &ue) {
		return true
	}
	var pe *record.PersistError
	if errors.As(err, &pe) {
		return true
	}
	var be *broker.Error
	return errors.As(err, &be)
}

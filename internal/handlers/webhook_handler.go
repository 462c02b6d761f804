package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ActivitySink records inbound customer activity. Implementations must
// swallow their own failures: the webhook always acknowledges.
type ActivitySink interface {
	// MarkByContact records activity on the internal task for a customer contact
	MarkByContact(ctx context.Context, customerContact string)
	// MarkByConversationSid records activity on the flex task bound to a conversation
	MarkByConversationSid(ctx context.Context, conversationSid, author string)
}

// WebhookHandler handles inbound message callbacks from the messaging provider
type WebhookHandler struct {
	BaseHandler
	sink ActivitySink
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(sink ActivitySink, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: BaseHandler{Logger: logger},
		sink:        sink,
	}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/tasks/twilio/inbound", h.Inbound)
}

// inboundPayload carries the webhook fields the sink cares about.
// encoding/json matches field names case-insensitively, which covers the
// provider's capitalized form field names.
type inboundPayload struct {
	From            string `json:"From"`
	ConversationSid string `json:"ConversationSid"`
	Author          string `json:"Author"`
}

// Inbound handles POST /tasks/twilio/inbound. The provider retries
// non-2xx responses, so this endpoint always acknowledges with an empty
// TwiML document no matter what happened internally.
func (h *WebhookHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	payload := h.parsePayload(r)

	switch {
	case payload.ConversationSid != "":
		h.sink.MarkByConversationSid(r.Context(), payload.ConversationSid, payload.Author)
	case payload.From != "":
		h.sink.MarkByContact(r.Context(), payload.From)
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<Response></Response>"))
}

// parsePayload reads the webhook body as JSON or form-urlencoded
func (h *WebhookHandler) parsePayload(r *http.Request) inboundPayload {
	var payload inboundPayload

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.Logger.Warn("failed to decode webhook JSON", zap.Error(err))
		}
		return payload
	}

	if err := r.ParseForm(); err != nil {
		h.Logger.Warn("failed to parse webhook form", zap.Error(err))
		return payload
	}

	payload.From = formValue(r, "From", "from")
	payload.ConversationSid = formValue(r, "ConversationSid", "conversationSid")
	payload.Author = formValue(r, "Author", "author")
	return payload
}

// formValue returns the first non-empty value among the given keys
func formValue(r *http.Request, keys ...string) string {
	for _, key := range keys {
		if v := r.PostForm.Get(key); v != "" {
			return v
		}
	}
	return ""
}

package chat

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/gatherly/eventsite/internal/observability"
	"github.com/gatherly/eventsite/internal/platform/httpx"
)

// Limits on a single chat request.
const (
	MaxMessages      = 20
	MaxContentLength = 4000
)

// Outcome labels recorded per request.
const (
	OutcomeOK            = "ok"
	OutcomeInvalid       = "invalid"
	OutcomeUnconfigured  = "unconfigured"
	OutcomeUpstreamError = "upstream_error"
)

// Request is the body accepted from the widget.
type Request struct {
	Messages []Message `json:"messages"`
}

// Response is the body returned to the widget.
type Response struct {
	Reply string `json:"reply"`
}

// Handler serves POST /api/chat.
type Handler struct {
	completer Completer
	system    string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewHandler constructs a Handler. A nil completer answers 503.
func NewHandler(completer Completer, systemPrompt string, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if c, ok := completer.(*Client); ok && c == nil {
		completer = nil
	}
	return &Handler{completer: completer, system: systemPrompt, logger: logger, metrics: metrics}
}

// MountRoutes registers the chat endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(httprate.Limit(20, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).Post("/chat", h.handleChat)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.completer == nil {
		h.metrics.ChatRequest(OutcomeUnconfigured)
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "The chat assistant is not configured.")
		return
	}
	var req Request
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.metrics.ChatRequest(OutcomeInvalid)
		httpx.RespondError(w, err)
		return
	}
	if err := Validate(req.Messages); err != nil {
		h.metrics.ChatRequest(OutcomeInvalid)
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	reply, err := h.completer.Complete(r.Context(), h.system, req.Messages)
	if err != nil {
		h.metrics.ChatRequest(OutcomeUpstreamError)
		h.logger.Warn("chat completion failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "The chat assistant is unavailable right now.")
		return
	}
	h.metrics.ChatRequest(OutcomeOK)
	httpx.JSON(w, http.StatusOK, Response{Reply: reply})
}

// Validate checks a conversation sent by the widget.
func Validate(messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	if len(messages) > MaxMessages {
		return fmt.Errorf("at most %d messages are allowed", MaxMessages)
	}
	for i, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("message %d: role must be user or assistant", i)
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			return fmt.Errorf("message %d: content is empty", i)
		}
		if len(content) > MaxContentLength {
			return fmt.Errorf("message %d: content exceeds %d characters", i, MaxContentLength)
		}
	}
	return nil
}

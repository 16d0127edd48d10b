// Package handlers contains the HTTP handlers for the notification
// receiver.
//
// The webhook endpoint is not behind auth middleware; the gateway calls it
// directly. Security comes from the notification processor's verification
// pipeline: signature, source address, expected amount and remote
// confirmation.
package handlers

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"payfast/internal/itn"
	"payfast/internal/types"
)

// maxWebhookBodySize caps a notification body (64 KB). Gateway posts are
// small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// NotificationProcessor is the subset of the processor the handler needs.
type NotificationProcessor interface {
	Process(ctx context.Context, form map[string]string, remoteAddr string) (*itn.Result, error)
}

// WebhookHandler receives gateway notifications.
type WebhookHandler struct {
	processor NotificationProcessor
	// trustProxyHeader reads the source address from X-Forwarded-For,
	// for deployments behind a load balancer. Without a trusted proxy in
	// front, the header is attacker-controlled and must be ignored.
	trustProxyHeader bool
	logger           *slog.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(processor NotificationProcessor, trustProxyHeader bool, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		processor:        processor,
		trustProxyHeader: trustProxyHeader,
		logger:           logger,
	}
}

// RegisterRoutes mounts the notification endpoint.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/payfast", h.Handle)
}

// Handle processes one posted notification. It always answers 200: the
// gateway retries non-200 responses, and a notification that failed
// verification will never start passing on a retry.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// Carry the router's request id into our own context key so outbound
	// gateway calls send it as X-Request-Id.
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		ctx = types.WithRequestID(ctx, reqID)
		r = r.WithContext(ctx)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	if err := r.ParseForm(); err != nil {
		h.logger.WarnContext(r.Context(), "failed to parse notification form",
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}

	form := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		form[key] = r.PostForm.Get(key)
	}

	result, err := h.processor.Process(r.Context(), form, h.sourceAddr(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "notification processing failed",
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}

	if result.Duplicate {
		h.logger.InfoContext(r.Context(), "acknowledged duplicate notification",
			slog.String("pf_payment_id", result.Notification.PFPaymentID))
	}
	w.WriteHeader(http.StatusOK)
}

// sourceAddr resolves the address the notification came from.
func (h *WebhookHandler) sourceAddr(r *http.Request) string {
	if h.trustProxyHeader {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			// First entry is the original client.
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/render"

	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/internal/payments"
)

type WebhookResponse struct {
	Received bool `json:"received"`
}

// StripeWebhook verifies and applies a processor event. Once the signature
// checks out the event is acknowledged, unless applying it failed and the
// processor should retry.
func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "failed to read payload")
		return
	}

	logger.Debug("Webhook payload received", map[string]interface{}{
		"payload_size": len(payload),
	})

	event, err := s.Webhooks.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			logger.Warn("Webhook signature verification failed", map[string]interface{}{
				"remote_addr": r.RemoteAddr,
			})
			writeErrorResponse(w, r, http.StatusBadRequest, "invalid signature")
			return
		}
		// The signature checked out, so the event is acknowledged. Asking for
		// a redelivery would only bring back the same bytes.
		logger.Error("Failed to decode verified webhook event", map[string]interface{}{
			"error": err.Error(),
		})
		s.Metrics.RecordWebhookEvent(string(payments.Unhandled), "malformed")
		render.JSON(w, r, WebhookResponse{Received: true})
		return
	}

	if err := s.Service.HandleEvent(r.Context(), event); err != nil {
		logger.Error("Failed to process webhook event", map[string]interface{}{
			"error":      err.Error(),
			"event_id":   event.ID,
			"event_type": event.Type,
		})
		writeErrorResponse(w, r, http.StatusInternalServerError, "failed to process event")
		return
	}

	render.JSON(w, r, WebhookResponse{Received: true})
}

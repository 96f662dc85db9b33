package settlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mukgold/goldchain/internal/logging"
)

// WebhookHandler receives status notifications from the escrow provider.
type WebhookHandler struct {
	service *Service
	secret  string // empty disables signature verification
}

// NewWebhookHandler creates a webhook handler. If secret is non-empty,
// requests must carry a valid X-Escrow-Signature header (hex HMAC-SHA256 of
// the raw body).
func NewWebhookHandler(service *Service, secret string) *WebhookHandler {
	return &WebhookHandler{service: service, secret: secret}
}

// RegisterRoutes sets up the webhook route
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/escrow", h.HandleEscrowEvent)
}

// escrowEvent is the provider's notification payload.
type escrowEvent struct {
	EventType     string `json:"event_type"`
	Event         string `json:"event"`
	TransactionID string `json:"transaction_id"`
	LedgerID      string `json:"ledger_id"`
}

// HandleEscrowEvent handles POST /webhooks/escrow
func (h *WebhookHandler) HandleEscrowEvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Failed to read body"})
		return
	}

	if h.secret != "" && !h.verifySignature(body, c.GetHeader("X-Escrow-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	var event escrowEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON payload"})
		return
	}

	if event.EventType != "transaction" {
		// Not a status notification. Acknowledge so the provider stops
		// redelivering.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ledger, err := h.service.UpdateStatus(c.Request.Context(), event.Event, event.LedgerID, event.TransactionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownStatus):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_status",
				"message": err.Error(),
			})
		case errors.Is(err, ErrLedgerNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No ledger matches this notification",
			})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": err.Error(),
			})
		default:
			// Anchor or store failure: signal the provider to redeliver.
			logging.L(c.Request.Context()).Error("webhook processing failed",
				"reference", event.TransactionID, "event", event.Event, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "processing_error",
				"message": "Failed to apply status update",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "processed",
		"ledger": ledger.ID,
	})
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

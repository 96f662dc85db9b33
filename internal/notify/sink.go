package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mukgold/goldchain/internal/idgen"
	"github.com/mukgold/goldchain/internal/settlement"
)

// Sink adapts the dispatcher to settlement's event sink. Both parties to a
// ledger are notified. Fire-and-forget: failures are logged, never returned.
type Sink struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewSink creates a settlement event sink backed by a dispatcher.
func NewSink(d *Dispatcher, logger *slog.Logger) *Sink {
	return &Sink{d: d, logger: logger}
}

// LedgerEvent implements settlement.EventSink.
func (s *Sink) LedgerEvent(ctx context.Context, eventType string, ledger *settlement.Ledger) {
	if s == nil || s.d == nil {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data: map[string]any{
			"ledgerId":   ledger.ID,
			"trackingId": ledger.TrackingID,
			"status":     string(ledger.Status),
			"amount":     ledger.Amount,
			"buyer":      ledger.Buyer,
			"seller":     ledger.Seller,
		},
	}
	if ledger.CancelReason != "" {
		event.Data["cancelReason"] = ledger.CancelReason
	}
	if ledger.AnchorTx != "" {
		event.Data["anchorTx"] = ledger.AnchorTx
	}

	// Detach from the request context so in-flight deliveries survive the
	// response. The dispatcher's HTTP client timeout bounds each send.
	dctx := context.WithoutCancel(ctx)
	for _, account := range []string{ledger.Buyer, ledger.Seller} {
		if err := s.d.DispatchToAccount(dctx, account, event); err != nil {
			s.logger.Warn("webhook dispatch failed",
				"event", eventType, "account", account, "error", err)
		}
	}
}

// Package settlement implements the purchase-settlement saga: turning an
// accepted offer or purchase request into a durable Ledger record while
// coordinating the escrow payment processor and the on-chain provenance
// contract, and reconciling escrow webhook callbacks against the ledger
// state machine.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidArgument = errors.New("provide either an offer id or a purchase request id")
	ErrLedgerNotFound  = errors.New("ledger not found")
	ErrForbidden       = errors.New("proposal does not belong to account")
	ErrInvalidState    = errors.New("invalid status for this operation")
	ErrUnknownStatus   = errors.New("unknown ledger status")
)

// Status is the ledger lifecycle state. The set is closed: escrow-reported
// strings are parsed into it and anything unrecognised is rejected.
type Status string

const (
	StatusPending   Status = "pending"   // Ledger created, escrow funding in progress
	StatusTransit   Status = "transit"   // Gold lot handed to the carrier
	StatusDelivered Status = "delivered" // Buyer received the lot, inspection running
	StatusCompleted Status = "completed" // Escrow funds settled, anchored on chain
	StatusCancelled Status = "cancelled" // Escrow transaction cancelled
)

// transitions is the allowed adjacency. Completed and cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusTransit, StatusDelivered, StatusCompleted, StatusCancelled},
	StatusTransit:   {StatusDelivered, StatusCompleted, StatusCancelled},
	StatusDelivered: {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// ParseStatus maps an escrow-reported status string onto the closed enum.
// The escrow provider reports the terminal funding state as "complete" and
// spells cancellation with one l; both are normalised here, along with
// casing and surrounding whitespace.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatusPending, nil
	case "transit":
		return StatusTransit, nil
	case "delivered":
		return StatusDelivered, nil
	case "complete", "completed":
		return StatusCompleted, nil
	case "canceled", "cancelled":
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// IsTerminal returns true once no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether the move from one status to another is in
// the transition table. Repeating the current status is not a transition;
// callers treat it as an idempotent no-op before asking.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ledger is the settlement record anchoring a purchase: who bought which lot
// from whom, under which escrow transaction, and how far the settlement has
// progressed. At most one of Offer/Request is set, mirroring which proposal
// flow produced it.
type Ledger struct {
	ID           string    `json:"id"`
	TrackingID   string    `json:"trackingId"`
	Hash         string    `json:"hash"`
	Reference    string    `json:"reference"` // escrow transaction id, correlates webhooks
	Status       Status    `json:"status"`
	Amount       float64   `json:"amount"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	Listing      string    `json:"listing"`
	Offer        string    `json:"offer,omitempty"`
	Request      string    `json:"request,omitempty"`
	Anchored     bool      `json:"anchored"`
	AnchorTx     string    `json:"anchorTx,omitempty"`
	CancelReason string    `json:"cancelReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Filter narrows ledger listings. Zero fields match everything.
type Filter struct {
	Account    string // matches buyer or seller
	Status     Status
	TrackingID string
	Hash       string
	Reference  string
	Limit      int
}

// Analytics is the per-account aggregate over ledgers.
type Analytics struct {
	TotalTransactions int     `json:"totalTransactions"`
	TotalSales        float64 `json:"totalSales"` // completed settlements where the account sold
}

// Store persists ledgers.
type Store interface {
	Create(ctx context.Context, ledger *Ledger) error
	Update(ctx context.Context, ledger *Ledger) error
	Get(ctx context.Context, id string) (*Ledger, error)
	// FindByIDOrReference resolves a ledger by id when set, falling back to
	// the escrow reference. Exactly the lookup webhooks need.
	FindByIDOrReference(ctx context.Context, id, reference string) (*Ledger, error)
	List(ctx context.Context, filter Filter) ([]*Ledger, error)
	TrackingIDExists(ctx context.Context, trackingID string) (bool, error)
	HashExists(ctx context.Context, hash string) (bool, error)
	Analytics(ctx context.Context, accountID string) (*Analytics, error)
}

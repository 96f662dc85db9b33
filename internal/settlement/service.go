package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mukgold/goldchain/internal/escrow"
	"github.com/mukgold/goldchain/internal/idgen"
	"github.com/mukgold/goldchain/internal/logging"
	"github.com/mukgold/goldchain/internal/market"
	"github.com/mukgold/goldchain/internal/traces"
	"github.com/mukgold/goldchain/internal/validation"
	"go.opentelemetry.io/otel/codes"
)

// EscrowGateway abstracts the escrow payment processor.
type EscrowGateway interface {
	CreateTransaction(ctx context.Context, req *escrow.TransactionRequest) (*escrow.TransactionResponse, error)
	CancelTransaction(ctx context.Context, reference, reason string) error
}

// Anchor writes (trackingId, lotNumber) pairs to the on-chain provenance
// contract.
type Anchor interface {
	AddLedger(ctx context.Context, trackingID, lotID string) (txHash string, err error)
}

// EventSink receives settlement lifecycle events (outbound webhooks,
// websocket fanout). Best-effort: sink failures never fail the operation.
type EventSink interface {
	LedgerEvent(ctx context.Context, event string, ledger *Ledger)
}

// Lifecycle events emitted to sinks.
const (
	EventLedgerCreated       = "ledger.created"
	EventLedgerStatusChanged = "ledger.status_changed"
	EventLedgerCancelled     = "ledger.cancelled"
)

// Config holds settlement business parameters.
type Config struct {
	// BrokerPercentage is the platform fee charged to the buyer on top of
	// the settlement amount, as a percentage (e.g. 2.5).
	BrokerPercentage float64
}

// Service implements the settlement saga.
type Service struct {
	store   Store
	market  market.Store
	gateway EscrowGateway
	anchor  Anchor
	cfg     Config
	sinks   []EventSink
	locks   sync.Map // per-ledger ID locks serialising status transitions
}

// NewService creates a settlement service.
func NewService(store Store, marketStore market.Store, gateway EscrowGateway, anchor Anchor, cfg Config) *Service {
	return &Service{
		store:   store,
		market:  marketStore,
		gateway: gateway,
		anchor:  anchor,
		cfg:     cfg,
	}
}

// WithEventSink adds a lifecycle event sink.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.sinks = append(s.sinks, sink)
	return s
}

// ledgerLock returns a mutex for the given ledger ID. This serialises
// concurrent webhook deliveries and cancel calls for the same ledger.
func (s *Service) ledgerLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// releaseLedgerLock evicts the mutex once a ledger is terminal, keeping the
// lock map from growing for the process lifetime. A waiter still holding the
// evicted mutex re-reads the ledger under lock and can only observe the
// terminal state, so racing a fresh mutex is harmless.
func (s *Service) releaseLedgerLock(id string) {
	s.locks.Delete(id)
}

func (s *Service) emit(ctx context.Context, event string, ledger *Ledger) {
	for _, sink := range s.sinks {
		sink.LedgerEvent(ctx, event, ledger)
	}
}

// purchase carries everything CompletePurchase resolves before touching any
// external system.
type purchase struct {
	buyer   *market.Account
	seller  *market.Account
	listing *market.Listing
	offer   *market.Offer
	request *market.Request
	amount  float64
}

// PurchaseResult is the assembled projection returned to the caller: the new
// ledger plus the resolved records it references.
type PurchaseResult struct {
	Ledger  *Ledger          `json:"ledger"`
	Buyer   *market.Account  `json:"buyer"`
	Seller  *market.Account  `json:"seller"`
	Listing *market.Listing  `json:"listing"`
	Offer   *market.Offer    `json:"offer,omitempty"`
	Request *market.Request  `json:"request,omitempty"`
}

// CompletePurchase turns an accepted offer or purchase request into a ledger:
// validate ownership and state, generate unique identifiers, create the
// escrow transaction, persist the ledger, and close out the proposal.
//
// Identifier generation and the escrow call happen before the ledger write,
// so a failure there leaves no orphan ledger. Side effects after the escrow
// call are guarded by compensating actions run in reverse on any downstream
// failure: the escrow transaction is cancelled and a written ledger is marked
// cancelled rather than left live.
func (s *Service) CompletePurchase(ctx context.Context, accountID, offerID, requestID string) (*PurchaseResult, error) {
	defer observeOp("complete_purchase")()

	ctx, span := traces.StartSpan(ctx, "settlement.CompletePurchase", traces.Account(accountID))
	defer span.End()

	if (offerID == "") == (requestID == "") {
		return nil, ErrInvalidArgument
	}

	p, err := s.resolvePurchase(ctx, accountID, offerID, requestID)
	if err != nil {
		span.RecordError(err)
		settlementsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	hash, err := idgen.GenerateUnique(ctx, idgen.SettlementHash, s.store.HashExists)
	if err != nil {
		settlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	trackingID, err := idgen.GenerateUnique(ctx, idgen.TrackingCode, s.store.TrackingIDExists)
	if err != nil {
		settlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	var compensations []func()
	fail := func(err error) (*PurchaseResult, error) {
		for i := len(compensations) - 1; i >= 0; i-- {
			compensations[i]()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		settlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	escrowTx, err := s.gateway.CreateTransaction(ctx, s.buildEscrowTransaction(p))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "escrow transaction failed")
		settlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	compensations = append(compensations, func() {
		if cErr := s.gateway.CancelTransaction(ctx, escrowTx.ID, "settlement aborted"); cErr != nil {
			logging.L(ctx).Error("compensation failed: escrow transaction orphaned",
				"reference", escrowTx.ID, "error", cErr)
		}
	})

	now := time.Now()
	ledger := &Ledger{
		ID:         idgen.WithPrefix("led_"),
		TrackingID: trackingID,
		Hash:       hash,
		Reference:  escrowTx.ID,
		Status:     StatusPending,
		Amount:     p.amount,
		Buyer:      p.buyer.ID,
		Seller:     p.seller.ID,
		Listing:    p.listing.ID,
		Offer:      offerID,
		Request:    requestID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, ledger); err != nil {
		return fail(fmt.Errorf("persist ledger: %w", err))
	}
	compensations = append(compensations, func() {
		ledger.Status = StatusCancelled
		ledger.CancelReason = "settlement aborted"
		ledger.UpdatedAt = time.Now()
		if uErr := s.store.Update(ctx, ledger); uErr != nil {
			logging.L(ctx).Error("compensation failed: ledger left pending",
				"ledger", ledger.ID, "error", uErr)
		}
	})

	// Purchase completion is the business commitment: the proposal closes
	// when the ledger exists, not when escrow later confirms funding.
	if offerID != "" {
		if err := s.market.UpdateOfferStatus(ctx, offerID, market.ProposalCompleted); err != nil {
			return fail(fmt.Errorf("close offer: %w", err))
		}
		p.offer.Status = market.ProposalCompleted
	}
	if requestID != "" {
		if err := s.market.UpdateRequestStatus(ctx, requestID, market.ProposalCompleted); err != nil {
			return fail(fmt.Errorf("close request: %w", err))
		}
		p.request.Status = market.ProposalCompleted
	}

	settlementsTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("purchase settled",
		"ledger", ledger.ID,
		"tracking_id", ledger.TrackingID,
		"reference", ledger.Reference,
		"amount", ledger.Amount,
	)
	s.emit(ctx, EventLedgerCreated, ledger)

	return &PurchaseResult{
		Ledger:  ledger,
		Buyer:   p.buyer,
		Seller:  p.seller,
		Listing: p.listing,
		Offer:   p.offer,
		Request: p.request,
	}, nil
}

// resolvePurchase loads and validates everything the saga needs. No external
// side effect happens before these checks pass.
func (s *Service) resolvePurchase(ctx context.Context, accountID, offerID, requestID string) (*purchase, error) {
	buyer, err := s.market.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	p := &purchase{buyer: buyer}

	var listingID string
	if offerID != "" {
		offer, err := s.market.GetOffer(ctx, offerID)
		if err != nil {
			return nil, err
		}
		if offer.Buyer != buyer.ID {
			return nil, ErrForbidden
		}
		if offer.Status != market.ProposalAccepted {
			return nil, fmt.Errorf("%w: offer status is %s, not accepted", ErrInvalidState, offer.Status)
		}
		p.offer = offer
		listingID = offer.Listing
	} else {
		request, err := s.market.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if request.Buyer != buyer.ID {
			return nil, ErrForbidden
		}
		if request.Status != market.ProposalAccepted {
			return nil, fmt.Errorf("%w: request status is %s, not accepted", ErrInvalidState, request.Status)
		}
		p.request = request
		listingID = request.Listing
	}

	listing, err := s.market.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	p.listing = listing

	seller, err := s.market.GetAccount(ctx, listing.Seller)
	if err != nil {
		return nil, err
	}
	p.seller = seller

	if p.offer != nil {
		p.amount = p.offer.Amount
	} else {
		p.amount = listing.Information.Price
	}

	// The escrow provider needs deliverable party emails and a positive
	// amount; reject here before any remote side effect.
	if verrs := validation.Validate(
		validation.Required("buyer email", buyer.Email),
		validation.ValidEmail("buyer email", buyer.Email),
		validation.Required("seller email", seller.Email),
		validation.ValidEmail("seller email", seller.Email),
		validation.PositiveAmount("amount", p.amount),
	); len(verrs) > 0 {
		return nil, verrs
	}

	return p, nil
}

// buildEscrowTransaction assembles the three-party transaction: the gold-lot
// item paid buyer→seller with an inspection period, and the broker-fee item
// paid buyer→platform.
func (s *Service) buildEscrowTransaction(p *purchase) *escrow.TransactionRequest {
	description := fmt.Sprintf("%s ($%g/g) %s",
		p.listing.Information.LotWeight,
		p.listing.Information.PricePerGram,
		p.listing.Information.Purity,
	)
	brokerFee := s.cfg.BrokerPercentage / 100 * p.amount

	return &escrow.TransactionRequest{
		Parties: []escrow.Party{
			{Role: escrow.RoleBroker, Customer: escrow.CustomerMe},
			{Role: escrow.RoleBuyer, Customer: p.buyer.Email},
			{Role: escrow.RoleSeller, Customer: p.seller.Email},
		},
		Currency:    "usd",
		Description: description,
		Items: []escrow.TransactionItem{
			{
				Title:            description,
				Description:      description,
				Type:             escrow.ItemGeneralMerchandise,
				InspectionPeriod: escrow.InspectionPeriod,
				Quantity:         1,
				Schedule: []escrow.Schedule{{
					Amount:              p.amount,
					PayerCustomer:       p.buyer.Email,
					BeneficiaryCustomer: p.seller.Email,
				}},
			},
			{
				Type: escrow.ItemBrokerFee,
				Schedule: []escrow.Schedule{{
					Amount:              brokerFee,
					PayerCustomer:       p.buyer.Email,
					BeneficiaryCustomer: escrow.CustomerMe,
				}},
			},
		},
	}
}

// UpdateStatus applies an escrow-reported status to a ledger, resolved by id
// or escrow reference. Re-delivery of the same status is an idempotent no-op.
// The transition into completed anchors the (trackingId, lotNumber) pair on
// chain first; the status write only proceeds once anchoring succeeded, so a
// retried webhook retries the anchor too. The persisted Anchored flag keeps
// the anchor write at most-once across deliveries.
func (s *Service) UpdateStatus(ctx context.Context, rawStatus, ledgerID, reference string) (*Ledger, error) {
	defer observeOp("update_status")()

	ctx, span := traces.StartSpan(ctx, "settlement.UpdateStatus",
		traces.LedgerID(ledgerID), traces.Reference(reference))
	defer span.End()

	target, err := ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	ledger, err := s.store.FindByIDOrReference(ctx, ledgerID, reference)
	if err != nil {
		return nil, err
	}

	mu := s.ledgerLock(ledger.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under lock to avoid applying a transition to stale state.
	ledger, err = s.store.Get(ctx, ledger.ID)
	if err != nil {
		return nil, err
	}

	if ledger.Status == target {
		return ledger, nil
	}

	if !CanTransition(ledger.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, ledger.Status, target)
	}

	if target == StatusCompleted && !ledger.Anchored {
		listing, err := s.market.GetListing(ctx, ledger.Listing)
		if err != nil {
			return nil, err
		}
		txHash, err := s.anchor.AddLedger(ctx, ledger.TrackingID, listing.Information.LotNumber)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "anchoring failed")
			anchorsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		anchorsTotal.WithLabelValues("ok").Inc()
		ledger.Anchored = true
		ledger.AnchorTx = txHash
		logging.L(ctx).Info("ledger anchored",
			"ledger", ledger.ID,
			"tracking_id", ledger.TrackingID,
			"lot_number", listing.Information.LotNumber,
			"tx", txHash,
		)
	}

	from := ledger.Status
	ledger.Status = target
	ledger.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, ledger); err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	if target.IsTerminal() {
		s.releaseLedgerLock(ledger.ID)
	}
	s.emit(ctx, EventLedgerStatusChanged, ledger)
	return ledger, nil
}

// Cancel reverses a non-terminal ledger: cancel the escrow transaction, then
// mark the ledger cancelled. A failed escrow cancellation leaves the ledger
// untouched; no partial cancellation is recorded.
func (s *Service) Cancel(ctx context.Context, ledgerID, reason string) (*Ledger, error) {
	defer observeOp("cancel")()

	ctx, span := traces.StartSpan(ctx, "settlement.Cancel", traces.LedgerID(ledgerID))
	defer span.End()

	ledger, err := s.store.Get(ctx, ledgerID)
	if err != nil {
		return nil, err
	}

	mu := s.ledgerLock(ledger.ID)
	mu.Lock()
	defer mu.Unlock()

	ledger, err = s.store.Get(ctx, ledger.ID)
	if err != nil {
		return nil, err
	}

	if ledger.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: ledger is already %s", ErrInvalidState, ledger.Status)
	}

	if err := s.gateway.CancelTransaction(ctx, ledger.Reference, reason); err != nil {
		return nil, err
	}

	ledger.Status = StatusCancelled
	ledger.CancelReason = reason
	ledger.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, ledger); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("ledger cancelled", "ledger", ledger.ID, "reason", reason)
	s.releaseLedgerLock(ledger.ID)
	s.emit(ctx, EventLedgerCancelled, ledger)
	return ledger, nil
}

// Get returns a ledger by ID.
func (s *Service) Get(ctx context.Context, id string) (*Ledger, error) {
	return s.store.Get(ctx, id)
}

// List returns ledgers matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Ledger, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.store.List(ctx, filter)
}

// AccountAnalytics returns the settlement aggregates for an account.
func (s *Service) AccountAnalytics(ctx context.Context, accountID string) (*Analytics, error) {
	return s.store.Analytics(ctx, accountID)
}

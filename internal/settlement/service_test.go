package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mukgold/goldchain/internal/escrow"
	"github.com/mukgold/goldchain/internal/market"
	"github.com/mukgold/goldchain/internal/validation"
)

type fakeGateway struct {
	mu        sync.Mutex
	created   []*escrow.TransactionRequest
	cancelled []string
	createErr error
	cancelErr error
	nextID    int
}

func (f *fakeGateway) CreateTransaction(ctx context.Context, req *escrow.TransactionRequest) (*escrow.TransactionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	f.nextID++
	return &escrow.TransactionResponse{ID: fmt.Sprintf("escrow-%d", f.nextID), Status: "created"}, nil
}

func (f *fakeGateway) CancelTransaction(ctx context.Context, reference, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, reference)
	return nil
}

type fakeAnchor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAnchor) AddLedger(ctx context.Context, trackingID, lotID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return "0xabc123", nil
}

// failingMarketStore fails proposal status writes to exercise compensation.
type failingMarketStore struct {
	market.Store
}

func (f *failingMarketStore) UpdateOfferStatus(ctx context.Context, id string, status market.ProposalStatus) error {
	return errors.New("write failed")
}

type fixture struct {
	service *Service
	store   *MemoryStore
	market  *market.MemoryStore
	gateway *fakeGateway
	anchor  *fakeAnchor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := market.NewMemoryStore()
	ctx := context.Background()

	buyer := &market.Account{ID: "acc-buyer", Type: market.AccountImporter, Name: "Importer Co", Email: "buyer@example.com"}
	seller := &market.Account{ID: "acc-seller", Type: market.AccountExporter, Name: "Exporter Co", Email: "seller@example.com"}
	other := &market.Account{ID: "acc-other", Type: market.AccountImporter, Name: "Other Co", Email: "other@example.com"}
	for _, a := range []*market.Account{buyer, seller, other} {
		if err := ms.CreateAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	listing := &market.Listing{
		ID:     "lst-1",
		Seller: seller.ID,
		Status: "active",
		Information: market.LotInformation{
			LotWeight:    "250g",
			Purity:       "22 karat",
			LotNumber:    "LOT-7781",
			Price:        600,
			PricePerGram: 2.4,
		},
	}
	if err := ms.CreateListing(ctx, listing); err != nil {
		t.Fatal(err)
	}

	offer := &market.Offer{
		ID:      "off-1",
		Buyer:   buyer.ID,
		Listing: listing.ID,
		Amount:  500,
		Status:  market.ProposalAccepted,
	}
	if err := ms.CreateOffer(ctx, offer); err != nil {
		t.Fatal(err)
	}

	request := &market.Request{
		ID:      "req-1",
		Buyer:   buyer.ID,
		Listing: listing.ID,
		Status:  market.ProposalAccepted,
	}
	if err := ms.CreateRequest(ctx, request); err != nil {
		t.Fatal(err)
	}

	store := NewMemoryStore()
	gateway := &fakeGateway{}
	anchor := &fakeAnchor{}
	service := NewService(store, ms, gateway, anchor, Config{BrokerPercentage: 2.5})

	return &fixture{service: service, store: store, market: ms, gateway: gateway, anchor: anchor}
}

func TestCompletePurchaseFromOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.CompletePurchase(ctx, "acc-buyer", "off-1", "")
	if err != nil {
		t.Fatalf("CompletePurchase failed: %v", err)
	}

	ledger := result.Ledger
	if ledger.Status != StatusPending {
		t.Errorf("new ledger status = %s, want pending", ledger.Status)
	}
	if ledger.Amount != 500 {
		t.Errorf("ledger amount = %v, want 500 (offer amount, not listing price)", ledger.Amount)
	}
	if ledger.Reference != "escrow-1" {
		t.Errorf("ledger reference = %q, want escrow-1", ledger.Reference)
	}
	if ledger.Buyer != "acc-buyer" || ledger.Seller != "acc-seller" {
		t.Errorf("ledger parties = %s/%s", ledger.Buyer, ledger.Seller)
	}
	if ledger.Anchored {
		t.Error("new ledger must not be anchored")
	}

	// Escrow transaction: three parties, lot item with inspection period,
	// broker fee at 2.5% of 500.
	if len(f.gateway.created) != 1 {
		t.Fatalf("expected 1 escrow transaction, got %d", len(f.gateway.created))
	}
	tx := f.gateway.created[0]
	if len(tx.Parties) != 3 {
		t.Fatalf("expected 3 parties, got %d", len(tx.Parties))
	}
	if tx.Parties[0].Customer != escrow.CustomerMe {
		t.Errorf("first party should be the broker, got %q", tx.Parties[0].Customer)
	}
	if len(tx.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(tx.Items))
	}
	lot := tx.Items[0]
	if lot.Type != escrow.ItemGeneralMerchandise || lot.InspectionPeriod != escrow.InspectionPeriod {
		t.Errorf("lot item = %+v", lot)
	}
	if lot.Schedule[0].Amount != 500 || lot.Schedule[0].BeneficiaryCustomer != "seller@example.com" {
		t.Errorf("lot schedule = %+v", lot.Schedule[0])
	}
	fee := tx.Items[1]
	if fee.Type != escrow.ItemBrokerFee {
		t.Errorf("fee item type = %s", fee.Type)
	}
	if fee.Schedule[0].Amount != 12.5 {
		t.Errorf("broker fee = %v, want 12.5", fee.Schedule[0].Amount)
	}
	want := "250g ($2.4/g) 22 karat"
	if tx.Description != want {
		t.Errorf("description = %q, want %q", tx.Description, want)
	}

	// Offer closed out.
	offer, err := f.market.GetOffer(ctx, "off-1")
	if err != nil {
		t.Fatal(err)
	}
	if offer.Status != market.ProposalCompleted {
		t.Errorf("offer status = %s, want completed", offer.Status)
	}
}

func TestCompletePurchaseFromRequestUsesListingPrice(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.CompletePurchase(context.Background(), "acc-buyer", "", "req-1")
	if err != nil {
		t.Fatalf("CompletePurchase failed: %v", err)
	}
	if result.Ledger.Amount != 600 {
		t.Errorf("ledger amount = %v, want listing price 600", result.Ledger.Amount)
	}
}

func TestCompletePurchaseExactlyOneProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.CompletePurchase(ctx, "acc-buyer", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("neither id: got %v, want ErrInvalidArgument", err)
	}
	if _, err := f.service.CompletePurchase(ctx, "acc-buyer", "off-1", "req-1"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("both ids: got %v, want ErrInvalidArgument", err)
	}
}

func TestCompletePurchaseOwnership(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CompletePurchase(context.Background(), "acc-other", "off-1", "")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("got %v, want ErrForbidden", err)
	}
	if len(f.gateway.created) != 0 {
		t.Error("no escrow transaction should be created")
	}
}

func TestCompletePurchaseRequiresAcceptedProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.market.UpdateOfferStatus(ctx, "off-1", market.ProposalPending); err != nil {
		t.Fatal(err)
	}
	_, err := f.service.CompletePurchase(ctx, "acc-buyer", "off-1", "")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("got %v, want ErrInvalidState", err)
	}
}

func TestCompletePurchaseEscrowFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.gateway.createErr = &escrow.Error{StatusCode: 502, Body: "bad gateway"}

	_, err := f.service.CompletePurchase(context.Background(), "acc-buyer", "off-1", "")
	if err == nil {
		t.Fatal("expected error")
	}

	ledgers, err := f.store.List(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ledgers) != 0 {
		t.Errorf("expected no ledgers, got %d", len(ledgers))
	}

	offer, _ := f.market.GetOffer(context.Background(), "off-1")
	if offer.Status != market.ProposalAccepted {
		t.Errorf("offer status = %s, should stay accepted", offer.Status)
	}
}

func TestCompletePurchaseCompensatesOnDownstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.service.market = &failingMarketStore{Store: f.market}

	_, err := f.service.CompletePurchase(context.Background(), "acc-buyer", "off-1", "")
	if err == nil {
		t.Fatal("expected error")
	}

	// Escrow transaction must have been cancelled.
	if len(f.gateway.cancelled) != 1 || f.gateway.cancelled[0] != "escrow-1" {
		t.Errorf("cancelled = %v, want [escrow-1]", f.gateway.cancelled)
	}

	// The written ledger must be marked cancelled, not left pending.
	ledgers, err := f.store.List(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ledgers) != 1 {
		t.Fatalf("expected 1 ledger, got %d", len(ledgers))
	}
	if ledgers[0].Status != StatusCancelled {
		t.Errorf("compensated ledger status = %s, want cancelled", ledgers[0].Status)
	}
}

func TestCompletePurchaseUniqueIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.CompletePurchase(ctx, "acc-buyer", "off-1", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.service.CompletePurchase(ctx, "acc-buyer", "", "req-1")
	if err != nil {
		t.Fatal(err)
	}

	if first.Ledger.TrackingID == second.Ledger.TrackingID {
		t.Error("tracking IDs collided")
	}
	if first.Ledger.Hash == second.Ledger.Hash {
		t.Error("hashes collided")
	}
}

func TestCompletePurchaseRejectsMissingSellerEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seller without an email cannot be paid through escrow.
	seller := &market.Account{ID: "acc-nomail", Type: market.AccountExporter, Name: "No Mail Co"}
	if err := f.market.CreateAccount(ctx, seller); err != nil {
		t.Fatal(err)
	}
	listing := &market.Listing{
		ID:     "lst-nomail",
		Seller: seller.ID,
		Status: "active",
		Information: market.LotInformation{
			LotNumber: "LOT-9001",
			Price:     400,
		},
	}
	if err := f.market.CreateListing(ctx, listing); err != nil {
		t.Fatal(err)
	}
	offer := &market.Offer{
		ID:      "off-nomail",
		Buyer:   "acc-buyer",
		Listing: listing.ID,
		Amount:  400,
		Status:  market.ProposalAccepted,
	}
	if err := f.market.CreateOffer(ctx, offer); err != nil {
		t.Fatal(err)
	}

	_, err := f.service.CompletePurchase(ctx, "acc-buyer", "off-nomail", "")
	var verrs validation.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if len(f.gateway.created) != 0 {
		t.Error("no escrow transaction may be created for invalid party data")
	}
}

func TestCompletePurchaseRejectsZeroAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	offer := &market.Offer{
		ID:      "off-zero",
		Buyer:   "acc-buyer",
		Listing: "lst-1",
		Amount:  0,
		Status:  market.ProposalAccepted,
	}
	if err := f.market.CreateOffer(ctx, offer); err != nil {
		t.Fatal(err)
	}

	_, err := f.service.CompletePurchase(ctx, "acc-buyer", "off-zero", "")
	var verrs validation.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
}

func TestTerminalLedgerReleasesLock(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)

	if _, err := f.service.UpdateStatus(context.Background(), "complete", ledger.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, held := f.service.locks.Load(ledger.ID); held {
		t.Error("completed ledger must not retain a lock entry")
	}
}

func TestCancelledLedgerReleasesLock(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)

	if _, err := f.service.Cancel(context.Background(), ledger.ID, "buyer withdrew"); err != nil {
		t.Fatal(err)
	}
	if _, held := f.service.locks.Load(ledger.ID); held {
		t.Error("cancelled ledger must not retain a lock entry")
	}
}

func settle(t *testing.T, f *fixture) *Ledger {
	t.Helper()
	result, err := f.service.CompletePurchase(context.Background(), "acc-buyer", "off-1", "")
	if err != nil {
		t.Fatal(err)
	}
	return result.Ledger
}

func TestUpdateStatusByReference(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)

	updated, err := f.service.UpdateStatus(context.Background(), "transit", "", ledger.Reference)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if updated.Status != StatusTransit {
		t.Errorf("status = %s, want transit", updated.Status)
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)

	if _, err := f.service.UpdateStatus(context.Background(), "transit", ledger.ID, ""); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same status is a no-op, not a conflict.
	updated, err := f.service.UpdateStatus(context.Background(), "transit", ledger.ID, "")
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if updated.Status != StatusTransit {
		t.Errorf("status = %s, want transit", updated.Status)
	}
}

func TestUpdateStatusRejectsBackwardTransition(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)
	ctx := context.Background()

	if _, err := f.service.UpdateStatus(ctx, "delivered", ledger.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.service.UpdateStatus(ctx, "transit", ledger.ID, "")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("got %v, want ErrInvalidState", err)
	}
}

func TestUpdateStatusUnknown(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)

	_, err := f.service.UpdateStatus(context.Background(), "refunded", ledger.ID, "")
	if !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("got %v, want ErrUnknownStatus", err)
	}
}

func TestCompletionAnchorsOnce(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)
	ctx := context.Background()

	updated, err := f.service.UpdateStatus(ctx, "complete", ledger.ID, "")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", updated.Status)
	}
	if !updated.Anchored || updated.AnchorTx != "0xabc123" {
		t.Errorf("ledger not anchored: %+v", updated)
	}

	// Redelivered completion must not anchor again.
	if _, err := f.service.UpdateStatus(ctx, "completed", ledger.ID, ""); err != nil {
		t.Fatal(err)
	}
	if f.anchor.calls != 1 {
		t.Errorf("anchor called %d times, want 1", f.anchor.calls)
	}
}

func TestCompletionAnchorFailureLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)
	f.anchor.err = errors.New("rpc unavailable")

	_, err := f.service.UpdateStatus(context.Background(), "complete", ledger.ID, "")
	if err == nil {
		t.Fatal("expected error")
	}

	got, _ := f.store.Get(context.Background(), ledger.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s, should stay pending so the webhook can be redelivered", got.Status)
	}
	if got.Anchored {
		t.Error("failed anchor must not set the anchored flag")
	}

	// Redelivery after the chain recovers completes and anchors.
	f.anchor.err = nil
	updated, err := f.service.UpdateStatus(context.Background(), "complete", ledger.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Anchored || updated.Status != StatusCompleted {
		t.Errorf("redelivered completion = %+v", updated)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)

	cancelled, err := f.service.Cancel(context.Background(), ledger.ID, "buyer withdrew")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CancelReason != "buyer withdrew" {
		t.Errorf("reason = %q", cancelled.CancelReason)
	}
	if len(f.gateway.cancelled) != 1 || f.gateway.cancelled[0] != ledger.Reference {
		t.Errorf("escrow cancellations = %v", f.gateway.cancelled)
	}
}

func TestCancelTerminalLedger(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)
	ctx := context.Background()

	if _, err := f.service.UpdateStatus(ctx, "complete", ledger.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.service.Cancel(ctx, ledger.ID, "too late")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("got %v, want ErrInvalidState", err)
	}
}

func TestCancelEscrowFailureLeavesLedger(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)
	f.gateway.cancelErr = &escrow.Error{StatusCode: 500, Body: "oops"}

	_, err := f.service.Cancel(context.Background(), ledger.ID, "buyer withdrew")
	if err == nil {
		t.Fatal("expected error")
	}
	got, _ := f.store.Get(context.Background(), ledger.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s, should stay pending when escrow cancel fails", got.Status)
	}
}

func TestAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger := settle(t, f)

	if _, err := f.service.UpdateStatus(ctx, "complete", ledger.ID, ""); err != nil {
		t.Fatal(err)
	}

	sellerStats, err := f.service.AccountAnalytics(ctx, "acc-seller")
	if err != nil {
		t.Fatal(err)
	}
	if sellerStats.TotalTransactions != 1 || sellerStats.TotalSales != 500 {
		t.Errorf("seller analytics = %+v", sellerStats)
	}

	// Buyers count transactions but accrue no sales.
	buyerStats, err := f.service.AccountAnalytics(ctx, "acc-buyer")
	if err != nil {
		t.Fatal(err)
	}
	if buyerStats.TotalTransactions != 1 || buyerStats.TotalSales != 0 {
		t.Errorf("buyer analytics = %+v", buyerStats)
	}
}

func TestConcurrentCompletionsAnchorOnce(t *testing.T) {
	f := newFixture(t)
	ledger := settle(t, f)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.service.UpdateStatus(ctx, "complete", ledger.ID, "") //nolint:errcheck
		}()
	}
	wg.Wait()

	if f.anchor.calls != 1 {
		t.Errorf("anchor called %d times under concurrency, want 1", f.anchor.calls)
	}

	got, _ := f.store.Get(ctx, ledger.ID)
	if got.Status != StatusCompleted || !got.Anchored {
		t.Errorf("final ledger = %+v", got)
	}
}

// eventRecorder captures emitted lifecycle events.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) LedgerEvent(ctx context.Context, event string, ledger *Ledger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	rec := &eventRecorder{}
	f.service.WithEventSink(rec)
	ctx := context.Background()

	ledger := settle(t, f)
	if _, err := f.service.UpdateStatus(ctx, "transit", ledger.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.Cancel(ctx, ledger.ID, "buyer withdrew"); err != nil {
		t.Fatal(err)
	}

	want := []string{EventLedgerCreated, EventLedgerStatusChanged, EventLedgerCancelled}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, rec.events[i], want[i])
		}
	}
}

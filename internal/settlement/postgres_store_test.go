//go:build integration

package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mukgold/goldchain/internal/market"
	"github.com/mukgold/goldchain/internal/testutil"
)

// seedMarket inserts the accounts and listing a ledger row references.
func seedMarket(t *testing.T, ctx context.Context, store market.Store) {
	t.Helper()

	accounts := []*market.Account{
		{ID: "acc-buyer", Type: market.AccountImporter, Name: "Importer", Email: "buyer@example.com"},
		{ID: "acc-seller", Type: market.AccountExporter, Name: "Exporter", Email: "seller@example.com"},
	}
	for _, a := range accounts {
		if err := store.CreateAccount(ctx, a); err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
	}

	listing := &market.Listing{
		ID:     "lst-1",
		Seller: "acc-seller",
		Status: "active",
		Information: market.LotInformation{
			LotWeight:    "250g",
			Purity:       "22 karat",
			LotNumber:    "LOT-7781",
			Price:        600,
			PricePerGram: 2.4,
		},
	}
	if err := store.CreateListing(ctx, listing); err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}
}

func sampleLedger(id, trackingID, hash, reference string) *Ledger {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Ledger{
		ID:         id,
		TrackingID: trackingID,
		Hash:       hash,
		Reference:  reference,
		Status:     StatusPending,
		Amount:     500,
		Buyer:      "acc-buyer",
		Seller:     "acc-seller",
		Listing:    "lst-1",
		Offer:      "off-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPostgresCreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	seedMarket(t, ctx, market.NewPostgresStore(db))
	store := NewPostgresStore(db)

	l := sampleLedger("led_1", "MUK10000001-AU", "TX_HASH_AAAAAAAAAAAAAAAAAAAA", "3300001")
	if err := store.Create(ctx, l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "led_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TrackingID != l.TrackingID {
		t.Errorf("Expected tracking ID %s, got %s", l.TrackingID, got.TrackingID)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected status pending, got %s", got.Status)
	}
	if got.Amount != 500 {
		t.Errorf("Expected amount 500, got %g", got.Amount)
	}
	if got.Offer != "off-1" {
		t.Errorf("Expected offer off-1, got %q", got.Offer)
	}
	if got.Request != "" {
		t.Errorf("Expected empty request, got %q", got.Request)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Get(context.Background(), "led_missing"); !errors.Is(err, ErrLedgerNotFound) {
		t.Errorf("Expected ErrLedgerNotFound, got %v", err)
	}
}

func TestPostgresUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	seedMarket(t, ctx, market.NewPostgresStore(db))
	store := NewPostgresStore(db)

	l := sampleLedger("led_1", "MUK10000001-AU", "TX_HASH_AAAAAAAAAAAAAAAAAAAA", "3300001")
	if err := store.Create(ctx, l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	l.Status = StatusCompleted
	l.Anchored = true
	l.AnchorTx = "0xabc123"
	l.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, l); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "led_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}
	if !got.Anchored || got.AnchorTx != "0xabc123" {
		t.Errorf("Expected anchored with tx 0xabc123, got %v %q", got.Anchored, got.AnchorTx)
	}

	if err := store.Update(ctx, sampleLedger("led_missing", "MUK10000002-AU", "TX_HASH_BBBBBBBBBBBBBBBBBBBB", "3300002")); !errors.Is(err, ErrLedgerNotFound) {
		t.Errorf("Expected ErrLedgerNotFound updating missing ledger, got %v", err)
	}
}

func TestPostgresFindByIDOrReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	seedMarket(t, ctx, market.NewPostgresStore(db))
	store := NewPostgresStore(db)

	l := sampleLedger("led_1", "MUK10000001-AU", "TX_HASH_AAAAAAAAAAAAAAAAAAAA", "3300001")
	if err := store.Create(ctx, l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byID, err := store.FindByIDOrReference(ctx, "led_1", "")
	if err != nil {
		t.Fatalf("FindByIDOrReference by id failed: %v", err)
	}
	if byID.ID != "led_1" {
		t.Errorf("Expected led_1, got %s", byID.ID)
	}

	byRef, err := store.FindByIDOrReference(ctx, "", "3300001")
	if err != nil {
		t.Fatalf("FindByIDOrReference by reference failed: %v", err)
	}
	if byRef.ID != "led_1" {
		t.Errorf("Expected led_1, got %s", byRef.ID)
	}

	if _, err := store.FindByIDOrReference(ctx, "", "9999999"); !errors.Is(err, ErrLedgerNotFound) {
		t.Errorf("Expected ErrLedgerNotFound, got %v", err)
	}
}

func TestPostgresListAndExists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	seedMarket(t, ctx, market.NewPostgresStore(db))
	store := NewPostgresStore(db)

	a := sampleLedger("led_1", "MUK10000001-AU", "TX_HASH_AAAAAAAAAAAAAAAAAAAA", "3300001")
	b := sampleLedger("led_2", "MUK10000002-AU", "TX_HASH_BBBBBBBBBBBBBBBBBBBB", "3300002")
	b.Status = StatusCompleted
	for _, l := range []*Ledger{a, b} {
		if err := store.Create(ctx, l); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, err := store.List(ctx, Filter{Account: "acc-buyer", Limit: 10})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 ledgers, got %d", len(all))
	}

	completed, err := store.List(ctx, Filter{Status: StatusCompleted, Limit: 10})
	if err != nil {
		t.Fatalf("List by status failed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "led_2" {
		t.Fatalf("Expected only led_2 completed, got %v", completed)
	}

	exists, err := store.TrackingIDExists(ctx, "MUK10000001-AU")
	if err != nil || !exists {
		t.Errorf("Expected tracking ID to exist, got %v %v", exists, err)
	}
	exists, err = store.HashExists(ctx, "TX_HASH_CCCCCCCCCCCCCCCCCCCC")
	if err != nil || exists {
		t.Errorf("Expected hash to not exist, got %v %v", exists, err)
	}
}

func TestPostgresAnalytics(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	seedMarket(t, ctx, market.NewPostgresStore(db))
	store := NewPostgresStore(db)

	a := sampleLedger("led_1", "MUK10000001-AU", "TX_HASH_AAAAAAAAAAAAAAAAAAAA", "3300001")
	a.Status = StatusCompleted
	b := sampleLedger("led_2", "MUK10000002-AU", "TX_HASH_BBBBBBBBBBBBBBBBBBBB", "3300002")
	for _, l := range []*Ledger{a, b} {
		if err := store.Create(ctx, l); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	seller, err := store.Analytics(ctx, "acc-seller")
	if err != nil {
		t.Fatalf("Analytics failed: %v", err)
	}
	if seller.TotalTransactions != 2 {
		t.Errorf("Expected 2 transactions, got %d", seller.TotalTransactions)
	}
	if seller.TotalSales != 500 {
		t.Errorf("Expected sales of 500 (completed only), got %g", seller.TotalSales)
	}

	buyer, err := store.Analytics(ctx, "acc-buyer")
	if err != nil {
		t.Fatalf("Analytics failed: %v", err)
	}
	if buyer.TotalSales != 0 {
		t.Errorf("Expected no sales for buyer, got %g", buyer.TotalSales)
	}
}

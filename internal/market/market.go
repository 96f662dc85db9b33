// Package market holds the marketplace records the settlement core reads and
// closes out: accounts, gold-lot listings, and the two buyer-proposal flows
// (offers and purchase requests). The wider CRUD surface around these records
// lives outside this service; settlement consumes them through the narrow
// Store contract below.
package market

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrListingNotFound = errors.New("listing not found")
	ErrOfferNotFound   = errors.New("offer not found")
	ErrRequestNotFound = errors.New("request not found")
)

// AccountType classifies a participant in the gold supply chain.
type AccountType string

const (
	AccountSource   AccountType = "source"
	AccountExporter AccountType = "exporter"
	AccountImporter AccountType = "importer"
	AccountOfftaker AccountType = "offtaker"
)

// Account is a buyer or seller. Immutable from settlement's point of view.
type Account struct {
	ID        string      `json:"id"`
	Type      AccountType `json:"type"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	CreatedAt time.Time   `json:"createdAt"`
}

// LotInformation describes the gold lot a listing offers for sale.
// LotNumber doubles as the on-chain lot identifier.
type LotInformation struct {
	DateOfMining time.Time `json:"dateOfMining"`
	LotWeight    string    `json:"lotWeight"`
	Purity       string    `json:"purity"`
	LotNumber    string    `json:"lotNumber"`
	Price        float64   `json:"price"`
	PricePerGram float64   `json:"pricePerGram"`
}

// Listing is a gold lot offered by a seller.
type Listing struct {
	ID          string         `json:"id"`
	Seller      string         `json:"seller"`
	Status      string         `json:"status"`
	Information LotInformation `json:"information"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ProposalStatus is the lifecycle state of an offer or purchase request.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalCancelled ProposalStatus = "cancelled"
	ProposalExpired   ProposalStatus = "expired"
	ProposalCountered ProposalStatus = "countered" // offers only
	ProposalCompleted ProposalStatus = "completed"
)

// Offer is a buyer's counter-priced proposal against a listing.
type Offer struct {
	ID        string         `json:"id"`
	Buyer     string         `json:"buyer"`
	Listing   string         `json:"listing"`
	Amount    float64        `json:"amount"`
	Status    ProposalStatus `json:"status"`
	ExpiresAt time.Time      `json:"expiresAt"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Request is a buyer's proposal to purchase a listing at its listed price.
type Request struct {
	ID        string         `json:"id"`
	Buyer     string         `json:"buyer"`
	Listing   string         `json:"listing"`
	Status    ProposalStatus `json:"status"`
	ExpiresAt time.Time      `json:"expiresAt"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Store is the contract settlement consumes. Lookups plus the two status
// writes that close out a proposal when its ledger is created.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetListing(ctx context.Context, id string) (*Listing, error)
	GetOffer(ctx context.Context, id string) (*Offer, error)
	GetRequest(ctx context.Context, id string) (*Request, error)
	UpdateOfferStatus(ctx context.Context, id string, status ProposalStatus) error
	UpdateRequestStatus(ctx context.Context, id string, status ProposalStatus) error

	CreateAccount(ctx context.Context, a *Account) error
	CreateListing(ctx context.Context, l *Listing) error
	CreateOffer(ctx context.Context, o *Offer) error
	CreateRequest(ctx context.Context, r *Request) error
}

// Package escrow is the client for the third-party escrow payment processor.
//
// The provider holds the buyer's funds for a gold-lot purchase and releases
// them to the seller once the inspection period passes. Settlement creates a
// three-party transaction (broker, buyer, seller) per purchase and cancels it
// when an order is reversed; everything else — funding, inspection, release —
// happens on the provider's side and comes back to us as webhooks.
package escrow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mukgold/goldchain/internal/circuitbreaker"
	"github.com/mukgold/goldchain/internal/retry"
)

// ErrUnavailable is returned while the circuit breaker holds the gateway open.
var ErrUnavailable = errors.New("escrow gateway unavailable")

// Error is a non-2xx response from the escrow gateway.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("escrow gateway returned status %d", e.StatusCode)
}

// Party roles on an escrow transaction.
const (
	RoleBroker = "broker"
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Item types consumed by this integration.
const (
	ItemGeneralMerchandise = "general_merchandise"
	ItemBrokerFee          = "broker_fee"
)

// CustomerMe identifies the platform's own escrow account in party and
// schedule fields.
const CustomerMe = "me"

// InspectionPeriod is the buyer's inspection window in seconds (3 days).
const InspectionPeriod = 259200

// Party identifies a participant on a transaction by escrow customer (email,
// or "me" for the platform account).
type Party struct {
	Role     string `json:"role"`
	Customer string `json:"customer"`
}

// Schedule is a single payment line: who pays whom how much.
type Schedule struct {
	Amount              float64 `json:"amount"`
	PayerCustomer       string  `json:"payer_customer"`
	BeneficiaryCustomer string  `json:"beneficiary_customer"`
}

// TransactionItem is a line item on a transaction.
type TransactionItem struct {
	Title            string     `json:"title,omitempty"`
	Description      string     `json:"description,omitempty"`
	Type             string     `json:"type"`
	InspectionPeriod int        `json:"inspection_period,omitempty"`
	Quantity         int        `json:"quantity,omitempty"`
	Schedule         []Schedule `json:"schedule"`
}

// TransactionRequest is the body of POST /transaction.
type TransactionRequest struct {
	Parties     []Party           `json:"parties"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Items       []TransactionItem `json:"items"`
}

// TransactionResponse is the provider's view of a created transaction. ID is
// the reference all later webhooks correlate on.
type TransactionResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CreatedDate string `json:"created_date"`
}

type cancelRequest struct {
	Action            string            `json:"action"`
	CancelInformation cancelInformation `json:"cancel_information"`
}

type cancelInformation struct {
	CancellationReason string `json:"cancellation_reason"`
}

// Config for the escrow gateway client.
type Config struct {
	APIURL         string
	Email          string
	APIKey         string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker sets a custom circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

const breakerKey = "escrow"

// Client talks to the escrow gateway over HTTP with Basic auth. Remote calls
// are retried with exponential backoff (4xx responses are permanent) behind a
// circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient creates an escrow gateway client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return c
}

// CreateTransaction submits a new escrow transaction and returns the
// provider's reference for it.
func (c *Client) CreateTransaction(ctx context.Context, req *TransactionRequest) (*TransactionResponse, error) {
	var resp TransactionResponse
	err := c.do(ctx, http.MethodPost, c.cfg.APIURL+"/transaction", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelTransaction asks the provider to cancel an existing transaction.
func (c *Client) CancelTransaction(ctx context.Context, reference, reason string) error {
	body := cancelRequest{
		Action:            "cancel",
		CancelInformation: cancelInformation{CancellationReason: reason},
	}
	return c.do(ctx, http.MethodPatch, c.cfg.APIURL+"/transaction/"+reference, body, nil)
}

// do sends one gateway request with retry and breaker handling. out may be
// nil when no response body is expected.
func (c *Client) do(ctx context.Context, method, url string, in, out interface{}) error {
	if !c.breaker.Allow(breakerKey) {
		return ErrUnavailable
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode escrow request: %w", err)
	}

	err = retry.Do(ctx, c.cfg.RetryAttempts, c.cfg.RetryBaseDelay, func() error {
		return c.send(ctx, method, url, payload, out)
	})
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return err
	}
	c.breaker.RecordSuccess(breakerKey)
	return nil
}

func (c *Client) send(ctx context.Context, method, url string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+c.basicAuth())

	resp, err := c.http.Do(req)
	if err != nil {
		return err // transport failure, retryable
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gwErr := &Error{StatusCode: resp.StatusCode, Body: string(body)}
		c.logger.Warn("escrow gateway error",
			"method", method,
			"status", resp.StatusCode,
		)
		// Client errors will not succeed on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(gwErr)
		}
		return gwErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode escrow response: %w", err))
		}
	}
	return nil
}

func (c *Client) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Email + ":" + c.cfg.APIKey))
}

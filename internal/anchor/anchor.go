// Package anchor writes completed settlements to the on-chain provenance
// registry. Each completed ledger anchors its tracking identifier and lot
// number so the lot's custody trail stays verifiable after the sale.
package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mukgold/goldchain/internal/circuitbreaker"
)

var (
	ErrInvalidPrivateKey = errors.New("anchor: invalid private key")
	ErrRPCConnection     = errors.New("anchor: RPC connection failed")
	ErrTimeout           = errors.New("anchor: operation timed out")
	ErrUnavailable       = errors.New("anchor: chain temporarily unavailable")
)

// DispatchError wraps on-chain dispatch failures with context.
type DispatchError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *DispatchError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("anchor: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("anchor: %s failed: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Signer signs transactions for the registry's admin account. Injected so
// the key can live in an HSM or remote signer rather than process memory.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner is a Signer backed by an in-process ECDSA key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key (with or without 0x prefix).
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(*pub)}, nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
}

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Provenance registry ABI: admin-gated addLedger plus public reads.
const registryABI = `[
	{"inputs":[{"name":"trackingId","type":"string"},{"name":"lotId","type":"string"}],"name":"addLedger","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"trackingId","type":"string"}],"name":"getLedger","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getAllLedgers","outputs":[{"name":"","type":"string[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"admin","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(200000)

	// DefaultConfirmationTimeout for waiting on anchor transactions.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	breakerKey = "chain"
)

// Config for creating a Registry.
type Config struct {
	RPCURL   string
	ChainID  int64
	Contract string
}

// Option configures the registry.
type Option func(*Registry)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(r *Registry) {
		r.client = client
	}
}

// WithBreaker sets a custom circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(r *Registry) {
		r.breaker = b
	}
}

// WithConfirmationTimeout overrides the receipt wait timeout.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.confirmTimeout = d
	}
}

// Registry talks to the provenance contract.
type Registry struct {
	client         EthClient
	signer         Signer
	chainID        *big.Int
	contract       common.Address
	abi            abi.ABI
	breaker        *circuitbreaker.Breaker
	confirmTimeout time.Duration
}

// New creates a registry client.
func New(cfg Config, signer Signer, opts ...Option) (*Registry, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("anchor: chain ID required")
	}
	if cfg.Contract == "" {
		return nil, errors.New("anchor: contract address required")
	}
	if signer == nil {
		return nil, errors.New("anchor: signer required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("anchor: failed to parse registry ABI: %w", err)
	}

	r := &Registry{
		signer:         signer,
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.Contract),
		abi:            parsedABI,
		confirmTimeout: DefaultConfirmationTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if r.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		r.client = client
	}
	return r, nil
}

// AddLedger anchors a (trackingId, lotId) pair and waits for the transaction
// to be mined. Returns the transaction hash.
//
// The calldata is dry-run first so a revert (duplicate tracking ID, wrong
// admin key) fails fast without burning gas. Callers retry by redelivering
// the status update; the breaker keeps a dead RPC endpoint from stalling
// every webhook in the meantime.
func (r *Registry) AddLedger(ctx context.Context, trackingID, lotID string) (string, error) {
	if !r.breaker.Allow(breakerKey) {
		return "", ErrUnavailable
	}
	txHash, err := r.addLedger(ctx, trackingID, lotID)
	if err != nil {
		// Reverts are the caller's bug, not chain trouble.
		var de *DispatchError
		if !(errors.As(err, &de) && de.Op == "dry_run") {
			r.breaker.RecordFailure(breakerKey)
		}
		return "", err
	}
	r.breaker.RecordSuccess(breakerKey)
	return txHash, nil
}

func (r *Registry) addLedger(ctx context.Context, trackingID, lotID string) (string, error) {
	data, err := r.abi.Pack("addLedger", trackingID, lotID)
	if err != nil {
		return "", &DispatchError{Op: "pack", Err: err}
	}

	call := ethereum.CallMsg{
		From: r.signer.Address(),
		To:   &r.contract,
		Data: data,
	}

	// Dry run surfaces reverts before any gas is spent.
	if _, err := r.client.CallContract(ctx, call, nil); err != nil {
		return "", &DispatchError{Op: "dry_run", Err: err}
	}

	nonce, err := r.client.PendingNonceAt(ctx, r.signer.Address())
	if err != nil {
		return "", &DispatchError{Op: "nonce", Err: err}
	}

	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &DispatchError{Op: "gas_price", Err: err}
	}

	gasLimit, err := r.client.EstimateGas(ctx, call)
	if err != nil {
		gasLimit = DefaultGasLimit
	} else {
		// 20% headroom over the estimate.
		gasLimit = gasLimit * 120 / 100
	}

	tx := types.NewTransaction(nonce, r.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := r.signer.SignTx(tx, r.chainID)
	if err != nil {
		return "", &DispatchError{Op: "sign", Err: err}
	}

	if err := r.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &DispatchError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	if err := r.waitMined(ctx, signedTx.Hash()); err != nil {
		return "", err
	}
	return signedTx.Hash().Hex(), nil
}

func (r *Registry) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := r.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status == 0 {
				return &DispatchError{Op: "confirm", TxHash: hash.Hex(), Err: errors.New("transaction reverted")}
			}
			return nil
		}
	}
}

// GetLedger reads the lot identifier anchored under a tracking ID. Empty
// string means nothing is anchored yet.
func (r *Registry) GetLedger(ctx context.Context, trackingID string) (string, error) {
	data, err := r.abi.Pack("getLedger", trackingID)
	if err != nil {
		return "", &DispatchError{Op: "pack", Err: err}
	}
	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return "", &DispatchError{Op: "call", Err: err}
	}
	out, err := r.abi.Unpack("getLedger", result)
	if err != nil {
		return "", &DispatchError{Op: "unpack", Err: err}
	}
	lotID, ok := out[0].(string)
	if !ok {
		return "", &DispatchError{Op: "unpack", Err: errors.New("unexpected return type")}
	}
	return lotID, nil
}

// AllLedgers reads every anchored tracking identifier. Meant for admin
// reconciliation against the ledger store, not for request paths.
func (r *Registry) AllLedgers(ctx context.Context) ([]string, error) {
	data, err := r.abi.Pack("getAllLedgers")
	if err != nil {
		return nil, &DispatchError{Op: "pack", Err: err}
	}
	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return nil, &DispatchError{Op: "call", Err: err}
	}
	out, err := r.abi.Unpack("getAllLedgers", result)
	if err != nil {
		return nil, &DispatchError{Op: "unpack", Err: err}
	}
	ids, ok := out[0].([]string)
	if !ok {
		return nil, &DispatchError{Op: "unpack", Err: errors.New("unexpected return type")}
	}
	return ids, nil
}

// Admin reads the contract's admin address.
func (r *Registry) Admin(ctx context.Context) (common.Address, error) {
	data, err := r.abi.Pack("admin")
	if err != nil {
		return common.Address{}, &DispatchError{Op: "pack", Err: err}
	}
	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return common.Address{}, &DispatchError{Op: "call", Err: err}
	}
	out, err := r.abi.Unpack("admin", result)
	if err != nil {
		return common.Address{}, &DispatchError{Op: "unpack", Err: err}
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, &DispatchError{Op: "unpack", Err: errors.New("unexpected return type")}
	}
	return addr, nil
}

// IsInitialized reports whether the contract has an admin configured. A
// zero admin address means the registry was deployed but never set up, so
// anchoring calls would revert.
func (r *Registry) IsInitialized(ctx context.Context) (bool, error) {
	admin, err := r.Admin(ctx)
	if err != nil {
		return false, err
	}
	return admin != (common.Address{}), nil
}

// Close closes the client connection
func (r *Registry) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

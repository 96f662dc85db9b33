// Package idgen generates the settlement identifiers shared by every ledger:
// a human-readable tracking code and an opaque settlement hash. Both are
// checked for uniqueness against the ledger store with a bounded retry.
package idgen

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// MaxAttempts is the uniqueness retry budget. Exhausting it is a terminal
// failure for the enclosing settlement.
const MaxAttempts = 3

// ErrExhausted is returned when no unique value was found within MaxAttempts.
var ErrExhausted = errors.New("identifier generation attempts exhausted")

const hashAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// cryptoIntn returns a random int in [0, n) using crypto/rand.
func cryptoIntn(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int(v % uint64(n))
}

// TrackingCode generates a tracking code of the form MUK########-AU,
// where # is a random decimal digit.
func TrackingCode() string {
	return fmt.Sprintf("MUK%08d-AU", cryptoIntn(100000000))
}

// SettlementHash generates an opaque settlement hash of the form
// TX_HASH_<20 upper-alphanumeric characters>.
func SettlementHash() string {
	b := make([]byte, 20)
	for i := range b {
		b[i] = hashAlphabet[cryptoIntn(len(hashAlphabet))]
	}
	return "TX_HASH_" + string(b)
}

// WithPrefix generates a random record ID with a prefix (e.g. "led_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// GenerateUnique calls generate and checks the result against exists,
// retrying up to MaxAttempts times. Store errors from exists propagate
// unchanged; running out of attempts returns ErrExhausted.
func GenerateUnique(ctx context.Context, generate func() string, exists func(ctx context.Context, value string) (bool, error)) (string, error) {
	for i := 0; i < MaxAttempts; i++ {
		value := generate()
		taken, err := exists(ctx, value)
		if err != nil {
			return "", err
		}
		if !taken {
			return value, nil
		}
	}
	return "", ErrExhausted
}

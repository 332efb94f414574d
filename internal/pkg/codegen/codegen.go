// Package codegen generates numeric one-time passcodes from a
// cryptographically secure source. Codes are uniform over the full digit
// space, zero-padded to a fixed width.
package codegen

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Generator produces one passcode per call.
type Generator interface {
	Generate(digits int) (string, error)
}

type cryptoGenerator struct{}

// NewCryptoGenerator returns a Generator backed by crypto/rand.
func NewCryptoGenerator() Generator {
	return cryptoGenerator{}
}

// Generate returns a zero-padded decimal code of the given width. Sampling
// with rand.Int over 10^digits keeps the distribution uniform; no modulo
// bias is possible.
func (cryptoGenerator) Generate(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("codegen: invalid digit count %d", digits)
	}

	bound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", fmt.Errorf("codegen: read random: %w", err)
	}

	return fmt.Sprintf("%0*d", digits, n), nil
}

// Package signer abstracts transaction signing. Interactive wallet prompts
// and non-interactive secret-key signing both satisfy the same interface so
// the commit pipeline never needs to know which flow is in use.
package signer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/tomassalina/koopay/wallet"
)

// ErrCancelled is returned when the user dismisses an interactive signing
// prompt. Cancelling aborts the whole commit without external side effects.
var ErrCancelled = errors.New("signer: signing cancelled")

// Signer produces a signed transaction envelope from an unsigned one. The
// address identifies which wallet must sign; implementations reject
// addresses they do not control.
type Signer interface {
	Sign(ctx context.Context, unsignedTx string, address string) (string, error)
}

// Func adapts a plain function to the Signer interface. Interactive wallet
// bridges are wired this way.
type Func func(ctx context.Context, unsignedTx string, address string) (string, error)

func (f Func) Sign(ctx context.Context, unsignedTx string, address string) (string, error) {
	return f(ctx, unsignedTx, address)
}

// SecretKeySigner signs with a locally held secret key. Used for automated
// and service flows where no wallet prompt is available.
type SecretKeySigner struct {
	key     *wallet.PrivateKey
	address string
}

// NewSecretKeySigner wraps the supplied private key.
func NewSecretKeySigner(key *wallet.PrivateKey) (*SecretKeySigner, error) {
	if key == nil {
		return nil, errors.New("signer: nil private key")
	}
	return &SecretKeySigner{key: key, address: key.PubKey().Address().String()}, nil
}

// NewSecretKeySignerFromHex parses a hex-encoded secret key.
func NewSecretKeySignerFromHex(secret string) (*SecretKeySigner, error) {
	key, err := wallet.PrivateKeyFromHex(secret)
	if err != nil {
		return nil, err
	}
	return NewSecretKeySigner(key)
}

// Address returns the wallet address this signer controls.
func (s *SecretKeySigner) Address() string { return s.address }

// Sign appends a recoverable signature over the keccak digest of the
// unsigned envelope and returns the signed envelope in the engine's
// "<unsigned>.<base64 signature>" form.
func (s *SecretKeySigner) Sign(ctx context.Context, unsignedTx string, address string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	trimmed := strings.TrimSpace(unsignedTx)
	if trimmed == "" {
		return "", errors.New("signer: unsigned transaction required")
	}
	if address != "" && address != s.address {
		return "", fmt.Errorf("signer: key does not control %s", address)
	}
	digest := ethcrypto.Keccak256([]byte(trimmed))
	sig, err := s.key.Sign(digest)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	return trimmed + "." + base64.StdEncoding.EncodeToString(sig), nil
}

// Package seed obtains the 32-byte master seed from a configured backend.
//
// The seed is fetched once at startup and handed to the sealing layer.
// Providers never log or cache seed bytes.
package seed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klingon-exchange/lockbox/internal/config"
	"github.com/klingon-exchange/lockbox/internal/sealing"
	"github.com/klingon-exchange/lockbox/pkg/helpers"
)

// Provider errors
var (
	ErrInvalidSeed      = errors.New("seed must be exactly 32 bytes")
	ErrUnknownProvider  = errors.New("unknown key provider")
	ErrProviderResponse = errors.New("unexpected key provider response")
)

// Provider fetches the master seed.
type Provider interface {
	// Name identifies the backend in logs.
	Name() string
	// Seed returns the raw seed bytes. Callers wipe the result.
	Seed(ctx context.Context) ([]byte, error)
}

// New returns the provider selected by cfg.
func New(cfg *config.Config) (Provider, error) {
	switch cfg.KeyProvider {
	case config.KeyProviderFilesystem:
		return NewFileProvider(cfg.SeedPath()), nil
	case config.KeyProviderHashicorpContainer:
		return NewVaultProvider(cfg.HashicorpContainer), nil
	case config.KeyProviderHashicorpAPI:
		return NewHCPProvider(cfg.HashicorpAPI), nil
	case config.KeyProviderGoogleKMS:
		return NewGoogleKMSProvider(cfg.GoogleKMS), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.KeyProvider)
	}
}

// Load fetches the seed from p and converts it into a sealing key. The raw
// bytes are wiped before returning.
func Load(ctx context.Context, p Provider) (*sealing.Seed, error) {
	raw, err := p.Seed(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	defer helpers.SecureClear(raw)

	if len(raw) != sealing.SeedSize {
		return nil, fmt.Errorf("%s: %w: got %d bytes", p.Name(), ErrInvalidSeed, len(raw))
	}
	return sealing.NewSeed(raw)
}

// decodeHexSeed parses a hex-encoded seed as returned by remote backends.
func decodeHexSeed(s string) ([]byte, error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if len(b) != sealing.SeedSize {
		helpers.SecureClear(b)
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSeed, len(b))
	}
	return b, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
	}
}

// Package secrets implements the credential vault over static configuration.
// Blobs are handed out as copies so callers can never mutate stored state.
package secrets

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
)

// StaticVault serves credentials loaded once from configuration. Refresh
// re-serves the stored blob: rotation means restarting with new config.
type StaticVault struct {
	mu     sync.RWMutex
	creds  map[booking.Platform]credential.Credentials
	logger *zap.Logger
}

// Option is a functional option for configuring the vault
type Option func(*StaticVault)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(v *StaticVault) {
		v.logger = logger
	}
}

// NewStaticVault creates a vault over per-platform credential blobs
func NewStaticVault(creds map[booking.Platform]credential.Credentials, opts ...Option) *StaticVault {
	v := &StaticVault{
		creds:  make(map[booking.Platform]credential.Credentials, len(creds)),
		logger: zap.NewNop(),
	}
	for p, c := range creds {
		c.Platform = p
		v.creds[p] = c
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var _ credential.Vault = (*StaticVault)(nil)

// Credentials returns a copy of the platform's blob
func (v *StaticVault) Credentials(ctx context.Context, p booking.Platform) (*credential.Credentials, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	c, ok := v.creds[p]
	if !ok {
		return nil, credential.ErrCredentialsAbsent
	}
	out := c
	out.Cookies = copyCookies(c.Cookies)
	return &out, nil
}

// Refresh re-serves the stored blob. A static vault cannot rotate secrets;
// the call exists so auth-failure handling works the same against vaults
// that can.
func (v *StaticVault) Refresh(ctx context.Context, p booking.Platform) (*credential.Credentials, error) {
	v.logger.Debug("credential refresh requested against static vault",
		zap.String("platform", p.String()))
	return v.Credentials(ctx, p)
}

// Set replaces one platform's blob, used by tests and interactive setup
func (v *StaticVault) Set(p booking.Platform, c credential.Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c.Platform = p
	v.creds[p] = c
}

func copyCookies(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, val := range in {
		out[k] = val
	}
	return out
}

// Package credential defines the just-in-time credential contract. The
// resilience layer never persists plaintext secrets; it asks the vault at
// call time and reports auth failures back so an outer refresh flow can act.
package credential

import (
	"context"
	"errors"

	"github.com/reserva/backend/internal/domain/booking"
)

var (
	// ErrCredentialsAbsent indicates the vault holds nothing for the platform
	ErrCredentialsAbsent = errors.New("credential: no credentials for platform")
)

// Credentials is the decrypted credential blob for one platform. Fields are
// platform-specific; adapters read only what they need.
type Credentials struct {
	// Platform the credentials belong to
	Platform booking.Platform
	// APIKey is a static API key (Resy widget key, Places key)
	APIKey string
	// Email and Password drive login flows that mint session tokens
	Email    string
	Password string
	// CSRFToken is a session-bound anti-forgery token (OpenTable)
	CSRFToken string
	// Cookies carries session trust cookies by name (OpenTable)
	Cookies map[string]string
	// GuestFirstName, GuestLastName and Phone are the diner identity
	// platforms require on submissions
	GuestFirstName string
	GuestLastName  string
	Phone          string
}

// HasLogin reports whether a login flow can be attempted
func (c *Credentials) HasLogin() bool {
	return c != nil && c.Email != "" && c.Password != ""
}

// HasSession reports whether session trust material is present
func (c *Credentials) HasSession() bool {
	return c != nil && (c.CSRFToken != "" || len(c.Cookies) > 0)
}

// Vault hands out decrypted credentials just in time
type Vault interface {
	// Credentials returns the platform's blob, ErrCredentialsAbsent when
	// nothing is configured
	Credentials(ctx context.Context, p booking.Platform) (*Credentials, error)
	// Refresh asks the vault to refresh the platform's blob after an auth
	// failure; implementations without a refresh flow return the stored
	// blob unchanged
	Refresh(ctx context.Context, p booking.Platform) (*Credentials, error)
}

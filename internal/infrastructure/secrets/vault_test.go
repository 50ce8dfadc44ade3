package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
)

func TestStaticVaultCredentials(t *testing.T) {
	v := NewStaticVault(map[booking.Platform]credential.Credentials{
		booking.PlatformResy: {
			APIKey:   "widget-key",
			Email:    "diner@example.com",
			Password: "hunter2",
		},
	})

	creds, err := v.Credentials(context.Background(), booking.PlatformResy)
	require.NoError(t, err)
	assert.Equal(t, booking.PlatformResy, creds.Platform, "the platform is stamped on load")
	assert.Equal(t, "widget-key", creds.APIKey)
	assert.True(t, creds.HasLogin())

	_, err = v.Credentials(context.Background(), booking.PlatformOpenTable)
	assert.ErrorIs(t, err, credential.ErrCredentialsAbsent)
}

func TestStaticVaultHandsOutCopies(t *testing.T) {
	v := NewStaticVault(map[booking.Platform]credential.Credentials{
		booking.PlatformOpenTable: {
			CSRFToken: "csrf",
			Cookies:   map[string]string{"otuvid": "uv-1"},
		},
	})

	first, err := v.Credentials(context.Background(), booking.PlatformOpenTable)
	require.NoError(t, err)
	first.CSRFToken = "mutated"
	first.Cookies["otuvid"] = "mutated"

	second, err := v.Credentials(context.Background(), booking.PlatformOpenTable)
	require.NoError(t, err)
	assert.Equal(t, "csrf", second.CSRFToken)
	assert.Equal(t, "uv-1", second.Cookies["otuvid"], "cookie maps must not alias stored state")
}

func TestStaticVaultRefreshReServesStoredBlob(t *testing.T) {
	v := NewStaticVault(map[booking.Platform]credential.Credentials{
		booking.PlatformResy: {APIKey: "widget-key"},
	})

	creds, err := v.Refresh(context.Background(), booking.PlatformResy)
	require.NoError(t, err)
	assert.Equal(t, "widget-key", creds.APIKey)

	_, err = v.Refresh(context.Background(), booking.PlatformOpenTable)
	assert.ErrorIs(t, err, credential.ErrCredentialsAbsent)
}

func TestStaticVaultSet(t *testing.T) {
	v := NewStaticVault(nil)

	v.Set(booking.PlatformResy, credential.Credentials{APIKey: "late-key"})

	creds, err := v.Credentials(context.Background(), booking.PlatformResy)
	require.NoError(t, err)
	assert.Equal(t, "late-key", creds.APIKey)
	assert.Equal(t, booking.PlatformResy, creds.Platform)
}

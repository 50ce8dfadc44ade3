package persistence

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/reserva/backend/internal/infrastructure/config"
)

// newTestDatabase opens an in-memory SQLite database through the same
// constructor the server uses. The pool is pinned to a single connection
// because every sqlite :memory: connection is its own database.
func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	db, err := NewDatabase(&config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestNewDatabase(t *testing.T) {
	t.Run("connects to in-memory sqlite", func(t *testing.T) {
		db := newTestDatabase(t)

		assert.NotNil(t, db.DB)
		assert.NoError(t, db.Ping())
	})

	t.Run("rejects unsupported driver", func(t *testing.T) {
		_, err := NewDatabase(&config.DatabaseConfig{Driver: "oracle"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database driver")
	})
}

func TestDatabase_AutoMigrate(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.AutoMigrate())

	for _, table := range []string{"venues", "venue_platform_refs", "reservations", "api_calls"} {
		assert.True(t, db.DB.Migrator().HasTable(table), "expected table %q after migration", table)
	}
}

func TestDatabase_Ping(t *testing.T) {
	t.Run("succeeds while connection is open", func(t *testing.T) {
		db := newTestDatabase(t)

		assert.NoError(t, db.Ping())
	})

	t.Run("fails after close", func(t *testing.T) {
		db, err := NewDatabase(&config.DatabaseConfig{
			Driver:       config.DriverSQLite,
			Path:         ":memory:",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		})
		require.NoError(t, err)
		require.NoError(t, db.Close())

		assert.Error(t, db.Ping())
	})
}

func TestDatabase_Stats(t *testing.T) {
	db := newTestDatabase(t)

	stats, err := db.Stats()
	require.NoError(t, err)

	assert.Equal(t, 1, stats.MaxOpenConnections)
	assert.Equal(t, stats.OpenConnections, stats.InUse+stats.Idle)
}

func TestDatabase_Transaction(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.AutoMigrate())

	t.Run("commits on success", func(t *testing.T) {
		id := uuid.New()

		err := db.Transaction(func(tx *gorm.DB) error {
			return tx.Create(&VenueModel{ID: id, Name: "Lilia"}).Error
		})
		require.NoError(t, err)

		var count int64
		require.NoError(t, db.DB.Model(&VenueModel{}).Where("id = ?", id).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("rolls back when the callback fails", func(t *testing.T) {
		id := uuid.New()
		sentinel := errors.New("write rejected")

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&VenueModel{ID: id, Name: "Never Committed"}).Error; err != nil {
				return err
			}
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)

		var count int64
		require.NoError(t, db.DB.Model(&VenueModel{}).Where("id = ?", id).Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})
}

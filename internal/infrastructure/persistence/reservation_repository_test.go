package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/shared"
)

func setupReservationTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&ReservationModel{})
	require.NoError(t, err)

	return db
}

func mustReservation(t *testing.T, day, clock string) *booking.Reservation {
	t.Helper()
	res, err := booking.NewReservation(uuid.New(), "Lilia", booking.PlatformResy, day, clock, 2)
	require.NoError(t, err)
	return res
}

func TestReservationRepository_SaveAndFindByID(t *testing.T) {
	db := setupReservationTestDB(t)
	repo := NewReservationRepository(db)
	ctx := context.Background()

	res := mustReservation(t, "2026-09-12", "19:30")
	require.NoError(t, repo.Save(ctx, res))

	found, err := repo.FindByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, found.ID)
	assert.Equal(t, res.VenueID, found.VenueID)
	assert.Equal(t, "Lilia", found.VenueName)
	assert.Equal(t, booking.PlatformResy, found.Platform)
	assert.Equal(t, "2026-09-12", found.Day)
	assert.Equal(t, "19:30", found.Time)
	assert.Equal(t, 2, found.PartySize)
	assert.Equal(t, booking.StatusPending, found.Status)
	assert.Empty(t, found.ExternalRef)
}

func TestReservationRepository_FindByID_NotFound(t *testing.T) {
	db := setupReservationTestDB(t)
	repo := NewReservationRepository(db)

	_, err := repo.FindByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReservationRepository_List(t *testing.T) {
	db := setupReservationTestDB(t)
	repo := NewReservationRepository(db)
	ctx := context.Background()

	pending := mustReservation(t, "2026-09-12", "19:30")
	require.NoError(t, repo.Save(ctx, pending))

	confirmed := mustReservation(t, "2026-09-14", "20:00")
	require.NoError(t, confirmed.Confirm("resy-ref-1"))
	require.NoError(t, repo.Save(ctx, confirmed))

	unknown := mustReservation(t, "2026-09-13", "18:45")
	require.NoError(t, unknown.MarkUnknown())
	require.NoError(t, repo.Save(ctx, unknown))

	cancelled := mustReservation(t, "2026-09-10", "19:00")
	require.NoError(t, cancelled.Confirm("resy-ref-2"))
	require.NoError(t, cancelled.Cancel())
	require.NoError(t, repo.Save(ctx, cancelled))

	failed := mustReservation(t, "2026-09-11", "21:00")
	require.NoError(t, failed.MarkFailed())
	require.NoError(t, repo.Save(ctx, failed))

	t.Run("hides cancelled and failed by default", func(t *testing.T) {
		open, err := repo.List(ctx, false)
		require.NoError(t, err)
		require.Len(t, open, 3)

		statuses := make(map[booking.ReservationStatus]int)
		for _, r := range open {
			statuses[r.Status]++
		}
		assert.Equal(t, 1, statuses[booking.StatusPending])
		assert.Equal(t, 1, statuses[booking.StatusConfirmed])
		assert.Equal(t, 1, statuses[booking.StatusUnknown])
	})

	t.Run("orders newest day first", func(t *testing.T) {
		open, err := repo.List(ctx, false)
		require.NoError(t, err)
		require.Len(t, open, 3)
		assert.Equal(t, "2026-09-14", open[0].Day)
		assert.Equal(t, "2026-09-13", open[1].Day)
		assert.Equal(t, "2026-09-12", open[2].Day)
	})

	t.Run("includes closed rows on request", func(t *testing.T) {
		all, err := repo.List(ctx, true)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})
}

func TestReservationRepository_Update(t *testing.T) {
	db := setupReservationTestDB(t)
	repo := NewReservationRepository(db)
	ctx := context.Background()

	res := mustReservation(t, "2026-09-12", "19:30")
	require.NoError(t, repo.Save(ctx, res))

	require.NoError(t, res.Confirm("OT123456"))
	require.NoError(t, repo.Update(ctx, res))

	found, err := repo.FindByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, found.Status)
	assert.Equal(t, "OT123456", found.ExternalRef)

	// Fields outside the update set stay untouched.
	assert.Equal(t, "2026-09-12", found.Day)
	assert.Equal(t, 2, found.PartySize)
}

package reservation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/infrastructure/resilience"
)

// ---------------------------------------------------------------------------
// CheckAvailability
// ---------------------------------------------------------------------------

func TestCheckAvailability_MergesAndSortsAcrossPlatforms(t *testing.T) {
	f := newFixture(t)
	f.resy.findSlots = slotsOf(booking.PlatformResy, "19:30", "18:00")
	f.opentable.findSlots = slotsOf(booking.PlatformOpenTable, "19:00")

	result, err := f.svc.CheckAvailability(context.Background(), f.venue.ID, testDay, 2)

	require.NoError(t, err)
	require.Len(t, result.Slots, 3)
	assert.True(t, sort.SliceIsSorted(result.Slots, func(i, j int) bool {
		return result.Slots[i].Start.Before(result.Slots[j].Start)
	}))
	assert.Equal(t, booking.PlatformResy, result.Slots[0].Platform)
	assert.Equal(t, booking.PlatformOpenTable, result.Slots[1].Platform)
	assert.Empty(t, result.Failures)
	assert.Empty(t, result.Skipped)
}

func TestCheckAvailability_OnePlatformFailingDoesNotPoisonTheOther(t *testing.T) {
	f := newFixture(t)
	f.resy.findSlots = func(context.Context, booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
		return nil, transientErr("resy")
	}
	f.opentable.findSlots = slotsOf(booking.PlatformOpenTable, "19:00")

	result, err := f.svc.CheckAvailability(context.Background(), f.venue.ID, testDay, 2)

	require.NoError(t, err, "a partial result is a result, not an error")
	require.Len(t, result.Slots, 1)
	assert.Equal(t, booking.PlatformOpenTable, result.Slots[0].Platform)
	require.Contains(t, result.Failures, booking.PlatformResy)
	assert.Contains(t, result.Failures[booking.PlatformResy], "503")
}

func TestCheckAvailability_UnresolvedPlatformIsSkipped(t *testing.T) {
	f := newFixture(t)
	delete(f.resolver.ids, booking.PlatformOpenTable)
	f.resy.findSlots = slotsOf(booking.PlatformResy, "19:00")

	result, err := f.svc.CheckAvailability(context.Background(), f.venue.ID, testDay, 2)

	require.NoError(t, err)
	assert.Len(t, result.Slots, 1)
	assert.Equal(t, []booking.Platform{booking.PlatformOpenTable}, result.Skipped)
	assert.Zero(t, f.opentable.findCalls)
}

func TestCheckAvailability_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CheckAvailability(context.Background(), f.venue.ID, "next friday", 2)
	assert.ErrorIs(t, err, booking.ErrInvalidDay)

	_, err = f.svc.CheckAvailability(context.Background(), f.venue.ID, testDay, 0)
	assert.ErrorIs(t, err, booking.ErrInvalidParty)

	_, err = f.svc.CheckAvailability(context.Background(), uuid.New(), testDay, 2)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Listing / lookup
// ---------------------------------------------------------------------------

func TestListReservations_ClosedRowsNeedOptIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	confirmed, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, testTime, 2)
	require.NoError(t, err)
	require.NoError(t, confirmed.Confirm("resy-token-9"))
	require.NoError(t, f.resRepo.Save(ctx, confirmed))

	cancelled, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, "20:00", 2)
	require.NoError(t, err)
	require.NoError(t, cancelled.Confirm("resy-token-10"))
	require.NoError(t, cancelled.Cancel())
	require.NoError(t, f.resRepo.Save(ctx, cancelled))

	open, err := f.svc.ListReservations(ctx, false)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	all, err := f.svc.ListReservations(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancelReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, testTime, 2)
	require.NoError(t, err)
	require.NoError(t, r.Confirm("resy-token-11"))
	require.NoError(t, f.resRepo.Save(ctx, r))

	var cancelledRef string
	f.resy.cancel = func(_ context.Context, externalRef string) error {
		cancelledRef = externalRef
		return nil
	}

	got, err := f.svc.CancelReservation(ctx, r.ID)

	require.NoError(t, err)
	assert.Equal(t, "resy-token-11", cancelledRef)
	assert.Equal(t, booking.StatusCancelled, got.Status)
	assert.Equal(t, booking.StatusCancelled, f.resRepo.stored(r.ID).Status)
}

func TestCancelReservation_UpstreamFailureLeavesRowUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, testTime, 2)
	require.NoError(t, err)
	require.NoError(t, r.Confirm("resy-token-12"))
	require.NoError(t, f.resRepo.Save(ctx, r))

	f.resy.cancel = func(context.Context, string) error {
		return transientErr("resy")
	}

	_, err = f.svc.CancelReservation(ctx, r.ID)

	require.Error(t, err)
	assert.Equal(t, booking.StatusConfirmed, f.resRepo.stored(r.ID).Status,
		"a failed upstream cancel must not mark the row cancelled")
}

func TestCancelReservation_StateGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failed, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, testTime, 2)
	require.NoError(t, err)
	require.NoError(t, failed.MarkFailed())
	require.NoError(t, f.resRepo.Save(ctx, failed))

	_, err = f.svc.CancelReservation(ctx, failed.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	unknown, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, testTime, 2)
	require.NoError(t, err)
	require.NoError(t, unknown.MarkUnknown())
	require.NoError(t, f.resRepo.Save(ctx, unknown))

	// Unknown without a platform reference has nothing to cancel upstream
	_, err = f.svc.CancelReservation(ctx, unknown.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

func TestReconcileReservation_PromotesUnknownToConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, testTime, 2)
	require.NoError(t, err)
	require.NoError(t, r.MarkUnknown())
	require.NoError(t, f.resRepo.Save(ctx, r))

	f.resy.reconcile = func(_ context.Context, externalID, day string, partySize int) (*booking.Confirmation, error) {
		assert.Equal(t, "5771", externalID)
		assert.Equal(t, testDay, day)
		assert.Equal(t, 2, partySize)
		return &booking.Confirmation{Platform: booking.PlatformResy, ExternalRef: "resy-token-13", Verified: true}, nil
	}

	got, err := f.svc.ReconcileReservation(ctx, r.ID)

	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, got.Status)
	assert.Equal(t, "resy-token-13", got.ExternalRef)
	assert.Equal(t, booking.StatusConfirmed, f.resRepo.stored(r.ID).Status)
}

func TestReconcileReservation_ConfirmedAbsenceStaysUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, testTime, 2)
	require.NoError(t, err)
	require.NoError(t, r.MarkUnknown())
	require.NoError(t, f.resRepo.Save(ctx, r))

	// reconcile not scripted: ErrNotReconciled, a definitive absence

	got, err := f.svc.ReconcileReservation(ctx, r.ID)

	require.NoError(t, err, "a confirmed absence is an answer, not a failure")
	assert.Equal(t, booking.StatusUnknown, got.Status,
		"absence never auto-fails the row; a human decides whether to rebook")
	assert.NoError(t, f.breakers.Allow(booking.PlatformResy.String()),
		"a definitive absence is a successful read and must not trip the breaker")
}

func TestReconcileReservation_RejectsSettledRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := booking.NewReservation(f.venue.ID, f.venue.Name, booking.PlatformResy, testDay, testTime, 2)
	require.NoError(t, err)
	require.NoError(t, r.Confirm("resy-token-14"))
	require.NoError(t, f.resRepo.Save(ctx, r))

	_, err = f.svc.ReconcileReservation(ctx, r.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

// ---------------------------------------------------------------------------
// Plumbing
// ---------------------------------------------------------------------------

func TestCallRefreshFailureReturnsOriginalAuthError(t *testing.T) {
	f := newFixture(t)
	authErr := resilience.NewClassified("resy", "find", resilience.ClassAuth, errors.New("upstream status 401"))
	vault := &failingVault{err: errors.New("vault sealed")}
	f.svc.vault = vault

	err := f.svc.call(context.Background(), booking.PlatformResy, func(context.Context) error {
		return authErr
	})

	assert.ErrorIs(t, err, authErr, "when the refresh fails the caller sees the auth failure, not the vault's")
	assert.Equal(t, 1, vault.refreshes)
}

type failingVault struct {
	fakeVault
	err       error
	refreshes int
}

func (f *failingVault) Refresh(ctx context.Context, p booking.Platform) (*credential.Credentials, error) {
	f.refreshes++
	return nil, f.err
}

func TestTruncateDetail(t *testing.T) {
	assert.Equal(t, "short", truncateDetail("short"))

	long := strings.Repeat("x", 500)
	got := truncateDetail(long)
	assert.Len(t, got, maxDetailLen)
	assert.True(t, strings.HasSuffix(got, "..."))
}

package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/domain/venue"
	"github.com/reserva/backend/internal/infrastructure/resilience"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type memVenueRepo struct {
	mu     sync.Mutex
	venues map[uuid.UUID]*venue.CanonicalVenue
}

func newMemVenueRepo() *memVenueRepo {
	return &memVenueRepo{venues: make(map[uuid.UUID]*venue.CanonicalVenue)}
}

func (m *memVenueRepo) Save(ctx context.Context, v *venue.CanonicalVenue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venues[v.ID] = v
	return nil
}

func (m *memVenueRepo) FindByID(ctx context.Context, id uuid.UUID) (*venue.CanonicalVenue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.venues[id]
	if !ok {
		return nil, venue.ErrVenueNotFound
	}
	return v, nil
}

func (m *memVenueRepo) FindByName(ctx context.Context, name string) ([]*venue.CanonicalVenue, error) {
	return nil, nil
}

func (m *memVenueRepo) List(ctx context.Context) ([]*venue.CanonicalVenue, error) {
	return nil, nil
}

type memReservationRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*booking.Reservation
}

func newMemReservationRepo() *memReservationRepo {
	return &memReservationRepo{rows: make(map[uuid.UUID]*booking.Reservation)}
}

func (m *memReservationRepo) Save(ctx context.Context, r *booking.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *memReservationRepo) FindByID(ctx context.Context, id uuid.UUID) (*booking.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memReservationRepo) List(ctx context.Context, includeClosed bool) ([]*booking.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*booking.Reservation
	for _, r := range m.rows {
		if !includeClosed && (r.Status == booking.StatusCancelled || r.Status == booking.StatusFailed) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memReservationRepo) Update(ctx context.Context, r *booking.Reservation) error {
	return m.Save(ctx, r)
}

func (m *memReservationRepo) stored(id uuid.UUID) *booking.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

// fakeProvider scripts one platform adapter
type fakeProvider struct {
	platform   booking.Platform
	findSlots  func(context.Context, booking.AvailabilityQuery) ([]booking.TimeSlot, error)
	book       func(context.Context, booking.BookOrder) (*booking.Confirmation, error)
	cancel     func(context.Context, string) error
	reconcile  func(context.Context, string, string, int) (*booking.Confirmation, error)
	findCalls  int
	bookCalls  int
	reconCalls int
}

func (f *fakeProvider) Platform() booking.Platform { return f.platform }

func (f *fakeProvider) FindSlots(ctx context.Context, q booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
	f.findCalls++
	if f.findSlots == nil {
		return nil, nil
	}
	return f.findSlots(ctx, q)
}

func (f *fakeProvider) Book(ctx context.Context, order booking.BookOrder) (*booking.Confirmation, error) {
	f.bookCalls++
	if f.book == nil {
		return nil, errors.New("book not scripted")
	}
	return f.book(ctx, order)
}

func (f *fakeProvider) Cancel(ctx context.Context, externalRef string) error {
	if f.cancel == nil {
		return nil
	}
	return f.cancel(ctx, externalRef)
}

func (f *fakeProvider) Reconcile(ctx context.Context, externalID, day string, partySize int) (*booking.Confirmation, error) {
	f.reconCalls++
	if f.reconcile == nil {
		return nil, booking.ErrNotReconciled
	}
	return f.reconcile(ctx, externalID, day, partySize)
}

// fakeResolver serves scripted identifiers per platform
type fakeResolver struct {
	ids  map[booking.Platform]venue.PlatformIdentifier
	errs map[booking.Platform]error
}

func (f *fakeResolver) Resolve(ctx context.Context, v *venue.CanonicalVenue, p booking.Platform) (venue.PlatformIdentifier, error) {
	if err, ok := f.errs[p]; ok {
		return venue.PlatformIdentifier{}, err
	}
	pi, ok := f.ids[p]
	if !ok {
		return venue.PlatformIdentifier{Platform: p, NotFound: true, Confidence: 1}, nil
	}
	return pi, nil
}

// fakeVault counts refreshes
type fakeVault struct {
	mu        sync.Mutex
	refreshes int
}

func (f *fakeVault) Credentials(ctx context.Context, p booking.Platform) (*credential.Credentials, error) {
	return &credential.Credentials{Platform: p}, nil
}

func (f *fakeVault) Refresh(ctx context.Context, p booking.Platform) (*credential.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return &credential.Credentials{Platform: p}, nil
}

func (f *fakeVault) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

const (
	testDay  = "2026-09-18"
	testTime = "19:00"
)

func slotAt(p booking.Platform, day, clock string) booking.TimeSlot {
	start, err := time.Parse(booking.DayFormat+" "+booking.ClockFormat, day+" "+clock)
	if err != nil {
		panic(err)
	}
	return booking.TimeSlot{Start: start, Token: "slot-" + p.String(), ConfigType: "Dining Room", Platform: p}
}

func slotsOf(p booking.Platform, clocks ...string) func(context.Context, booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
	return func(context.Context, booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
		out := make([]booking.TimeSlot, 0, len(clocks))
		for _, c := range clocks {
			out = append(out, slotAt(p, testDay, c))
		}
		return out, nil
	}
}

func confirmOn(p booking.Platform, ref string) func(context.Context, booking.BookOrder) (*booking.Confirmation, error) {
	return func(context.Context, booking.BookOrder) (*booking.Confirmation, error) {
		return &booking.Confirmation{Platform: p, ExternalRef: ref}, nil
	}
}

type fixture struct {
	svc       *Service
	venueRepo *memVenueRepo
	resRepo   *memReservationRepo
	resolver  *fakeResolver
	vault     *fakeVault
	breakers  *resilience.Registry
	resy      *fakeProvider
	opentable *fakeProvider
	venue     *venue.CanonicalVenue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	v, err := venue.NewCanonicalVenue("Carbone", "181 Thompson St", "New York", 40.7279, -74.0001)
	require.NoError(t, err)

	f := &fixture{
		venueRepo: newMemVenueRepo(),
		resRepo:   newMemReservationRepo(),
		vault:     &fakeVault{},
		breakers:  resilience.NewRegistry(),
		resy:      &fakeProvider{platform: booking.PlatformResy},
		opentable: &fakeProvider{platform: booking.PlatformOpenTable},
		venue:     v,
		resolver: &fakeResolver{
			ids: map[booking.Platform]venue.PlatformIdentifier{
				booking.PlatformResy:      {Platform: booking.PlatformResy, ExternalID: "5771", Slug: "ny/carbone", Confidence: 0.95},
				booking.PlatformOpenTable: {Platform: booking.PlatformOpenTable, ExternalID: "101604", Confidence: 0.95},
			},
			errs: map[booking.Platform]error{},
		},
	}
	require.NoError(t, f.venueRepo.Save(context.Background(), v))

	f.svc = NewService(f.venueRepo, f.resRepo,
		map[booking.Platform]booking.Provider{
			booking.PlatformResy:      f.resy,
			booking.PlatformOpenTable: f.opentable,
		},
		f.resolver, f.breakers, f.vault)
	return f
}

func (f *fixture) bookRequest() BookRequest {
	return BookRequest{VenueID: f.venue.ID, Day: testDay, Time: testTime, PartySize: 2}
}

func transientErr(service string) error {
	return resilience.NewClassified(service, "find", resilience.ClassTransient, errors.New("upstream status 503"))
}

func botChallengeErr(service string) error {
	return &resilience.ClassifiedError{
		Service:     service,
		Op:          "find",
		Class:       resilience.ClassBotChallenge,
		Fingerprint: "403:body:cf-browser-verification:abcd",
		Cause:       errors.New("bot challenge from http"),
	}
}

func ambiguousErr(service string) error {
	return resilience.NewClassified(service, "book", resilience.ClassTransient,
		fmt.Errorf("%w: request exceeded deadline", booking.ErrOutcomeUnknown))
}

// ---------------------------------------------------------------------------
// Cascade tests
// ---------------------------------------------------------------------------

func TestMakeReservation_FirstLayerSuccessStopsCascade(t *testing.T) {
	f := newFixture(t)
	f.resy.findSlots = slotsOf(booking.PlatformResy, "18:30", "19:00")
	f.resy.book = confirmOn(booking.PlatformResy, "resy-token-1")

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	require.True(t, result.Confirmed())
	assert.Equal(t, booking.StatusConfirmed, result.Reservation.Status)
	assert.Equal(t, "resy-token-1", result.Reservation.ExternalRef)
	assert.Empty(t, result.ManualLink, "a confirmed booking needs no manual fallback")

	require.Len(t, result.Attempts, 1)
	assert.Equal(t, 1, result.Attempts[0].Layer)
	assert.True(t, result.Attempts[0].Success)
	assert.Zero(t, f.opentable.findCalls, "no layer may run after a success")

	stored := f.resRepo.stored(result.Reservation.ID)
	require.NotNil(t, stored)
	assert.Equal(t, booking.StatusConfirmed, stored.Status)
}

func TestMakeReservation_BotChallengeAdvancesToNextLayer(t *testing.T) {
	f := newFixture(t)
	f.resy.findSlots = func(context.Context, booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
		return nil, botChallengeErr("resy")
	}
	f.opentable.findSlots = slotsOf(booking.PlatformOpenTable, "19:00")
	f.opentable.book = confirmOn(booking.PlatformOpenTable, "OT-9001")

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	require.Len(t, result.Attempts, 2, "exactly one attempt per tried layer")
	assert.Equal(t, booking.OutcomeBotChallenge, result.Attempts[0].Outcome)
	assert.False(t, result.Attempts[0].Success)
	assert.True(t, result.Attempts[1].Success)
	assert.True(t, result.Confirmed())
	assert.Equal(t, booking.PlatformOpenTable, result.Reservation.Platform)
}

func TestMakeReservation_SkipsLayersWithoutIdentifier(t *testing.T) {
	f := newFixture(t)
	delete(f.resolver.ids, booking.PlatformResy) // resolver reports a confirmed absence
	f.opentable.findSlots = slotsOf(booking.PlatformOpenTable, "19:00")
	f.opentable.book = confirmOn(booking.PlatformOpenTable, "OT-9002")

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, booking.OutcomeSkipped, result.Attempts[0].Outcome)
	assert.Zero(t, f.resy.findCalls, "a skipped layer must not touch the upstream")
	assert.True(t, result.Attempts[1].Success)
}

func TestMakeReservation_AllLayersFailYieldsManualLink(t *testing.T) {
	f := newFixture(t)
	f.venue.SetIdentifier(venue.PlatformIdentifier{
		Platform: booking.PlatformResy, ExternalID: "5771", Slug: "ny/carbone", Confidence: 0.95,
	})
	f.resy.findSlots = func(context.Context, booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
		return nil, transientErr("resy")
	}
	f.opentable.findSlots = func(context.Context, booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
		return nil, botChallengeErr("opentable")
	}

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err, "an exhausted cascade is a degraded result, not an error")
	assert.Nil(t, result.Reservation)
	assert.Contains(t, result.ManualLink, "resy.com", "the manual link prefers the cascade order's platforms")
	assert.Contains(t, result.ManualLink, "ny/carbone")

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, booking.OutcomeTransient, result.Attempts[0].Outcome)
	assert.Equal(t, booking.OutcomeBotChallenge, result.Attempts[1].Outcome)
	assert.Contains(t, result.Summary, "Resy")
	assert.Contains(t, result.Summary, "OpenTable")
}

func TestMakeReservation_NoMatchingSlotAdvances(t *testing.T) {
	f := newFixture(t)
	f.resy.findSlots = slotsOf(booking.PlatformResy, "17:00", "21:30")
	f.opentable.findSlots = slotsOf(booking.PlatformOpenTable, "19:00")
	f.opentable.book = confirmOn(booking.PlatformOpenTable, "OT-9003")

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, booking.OutcomePermanent, result.Attempts[0].Outcome)
	assert.Contains(t, result.Attempts[0].Detail, "no slot matches")
	assert.Zero(t, f.resy.bookCalls, "without a matching slot nothing may be dispatched")
	assert.True(t, result.Confirmed())
}

func TestMakeReservation_AmbiguousSubmissionReconcilesToConfirmed(t *testing.T) {
	f := newFixture(t)
	f.resy.findSlots = slotsOf(booking.PlatformResy, "19:00")
	f.resy.book = func(context.Context, booking.BookOrder) (*booking.Confirmation, error) {
		return nil, ambiguousErr("resy")
	}
	f.resy.reconcile = func(context.Context, string, string, int) (*booking.Confirmation, error) {
		return &booking.Confirmation{Platform: booking.PlatformResy, ExternalRef: "resy-token-2", Verified: true}, nil
	}

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	assert.Equal(t, 1, f.resy.bookCalls, "an ambiguous submission is never re-dispatched")
	assert.Equal(t, 1, f.resy.reconCalls, "exactly one reconciliation read decides the outcome")
	require.True(t, result.Confirmed())
	assert.Equal(t, "resy-token-2", result.Reservation.ExternalRef)
	assert.Zero(t, f.opentable.findCalls, "the cascade halts once a submission is in flight")
}

func TestMakeReservation_AmbiguousSubmissionUnverifiedStaysUnknown(t *testing.T) {
	f := newFixture(t)
	f.resy.findSlots = slotsOf(booking.PlatformResy, "19:00")
	f.resy.book = func(context.Context, booking.BookOrder) (*booking.Confirmation, error) {
		return nil, ambiguousErr("resy")
	}
	// reconcile not scripted: ErrNotReconciled

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	require.NotNil(t, result.Reservation)
	assert.Equal(t, booking.StatusUnknown, result.Reservation.Status)
	assert.False(t, result.Confirmed())

	last := result.Attempts[len(result.Attempts)-1]
	assert.Equal(t, booking.OutcomeUnknown, last.Outcome)
	assert.Zero(t, f.opentable.findCalls,
		"no later layer may dispatch after an ambiguous submission: it may have seated a table")

	stored := f.resRepo.stored(result.Reservation.ID)
	require.NotNil(t, stored)
	assert.Equal(t, booking.StatusUnknown, stored.Status, "the unknown outcome must be durable for manual verification")
}

func TestMakeReservation_OpenBreakerCountsAsFailedLayer(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < resilience.DefaultBreakerSettings().FailureThreshold; i++ {
		f.breakers.RecordFailure(booking.PlatformResy.String())
	}
	f.opentable.findSlots = slotsOf(booking.PlatformOpenTable, "19:00")
	f.opentable.book = confirmOn(booking.PlatformOpenTable, "OT-9004")

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	assert.Zero(t, f.resy.findCalls, "an open breaker refuses without a network attempt")
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, booking.OutcomeCircuitOpen, result.Attempts[0].Outcome)
	assert.True(t, result.Confirmed())
}

func TestMakeReservation_BookFailureMarksRowFailed(t *testing.T) {
	f := newFixture(t)
	f.resy.findSlots = slotsOf(booking.PlatformResy, "19:00")
	f.resy.book = func(context.Context, booking.BookOrder) (*booking.Confirmation, error) {
		return nil, resilience.NewClassified("resy", "book", resilience.ClassPermanent, errors.New("upstream status 400"))
	}
	f.opentable.findSlots = slotsOf(booking.PlatformOpenTable, "19:00")
	f.opentable.book = confirmOn(booking.PlatformOpenTable, "OT-9005")

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	assert.True(t, result.Confirmed())
	assert.Equal(t, booking.PlatformOpenTable, result.Reservation.Platform)

	// The failed resy row stays tracked
	rows, err := f.resRepo.List(context.Background(), true)
	require.NoError(t, err)
	var failed int
	for _, r := range rows {
		if r.Status == booking.StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestMakeReservation_AuthFailureRefreshesOnceThenRetries(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.resy.findSlots = func(context.Context, booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
		calls++
		if calls == 1 {
			return nil, resilience.NewClassified("resy", "find", resilience.ClassAuth, errors.New("upstream status 401"))
		}
		return []booking.TimeSlot{slotAt(booking.PlatformResy, testDay, testTime)}, nil
	}
	f.resy.book = confirmOn(booking.PlatformResy, "resy-token-3")

	result, err := f.svc.MakeReservation(context.Background(), f.bookRequest())

	require.NoError(t, err)
	assert.Equal(t, 1, f.vault.refreshCount(), "one credential refresh, one re-attempt")
	assert.Equal(t, 2, calls)
	assert.True(t, result.Confirmed())
}

func TestMakeReservation_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		mut  func(*BookRequest)
		want error
	}{
		{name: "missing venue", mut: func(r *BookRequest) { r.VenueID = uuid.Nil }},
		{name: "bad day", mut: func(r *BookRequest) { r.Day = "tomorrow" }, want: booking.ErrInvalidDay},
		{name: "bad time", mut: func(r *BookRequest) { r.Time = "7pm" }, want: booking.ErrInvalidTime},
		{name: "party too small", mut: func(r *BookRequest) { r.PartySize = 0 }, want: booking.ErrInvalidParty},
		{name: "party too large", mut: func(r *BookRequest) { r.PartySize = 21 }, want: booking.ErrInvalidParty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.bookRequest()
			tt.mut(&req)
			_, err := f.svc.MakeReservation(context.Background(), req)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

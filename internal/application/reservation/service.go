// Package reservation orchestrates booking operations across the upstream
// platforms, walking a fixed fallback cascade and recording every attempt.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/domain/venue"
	"github.com/reserva/backend/internal/infrastructure/resilience"
	"github.com/reserva/backend/internal/infrastructure/telemetry"
)

// IdentityResolver supplies per-platform venue identifiers, searching the
// platform only when no cached mapping exists.
type IdentityResolver interface {
	Resolve(ctx context.Context, v *venue.CanonicalVenue, p booking.Platform) (venue.PlatformIdentifier, error)
}

// AttemptObserver reports one recorded cascade attempt for metrics
type AttemptObserver func(platform, outcome string)

// Service runs the orchestrated reservation operations. Every upstream call
// goes through the platform's circuit breaker; retries live inside the
// transport layer, so the cascade itself never re-dispatches.
type Service struct {
	venues       venue.Repository
	reservations booking.ReservationRepository
	providers    map[booking.Platform]booking.Provider
	resolver     IdentityResolver
	breakers     *resilience.Registry
	vault        credential.Vault
	logger       *zap.Logger
	observe      AttemptObserver
}

// Option is a functional option for configuring the service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAttemptObserver registers a per-attempt observer for metrics
func WithAttemptObserver(fn AttemptObserver) Option {
	return func(s *Service) {
		s.observe = fn
	}
}

// NewService creates the reservation orchestrator
func NewService(
	venues venue.Repository,
	reservations booking.ReservationRepository,
	providers map[booking.Platform]booking.Provider,
	resolver IdentityResolver,
	breakers *resilience.Registry,
	vault credential.Vault,
	opts ...Option,
) *Service {
	s := &Service{
		venues:       venues,
		reservations: reservations,
		providers:    providers,
		resolver:     resolver,
		breakers:     breakers,
		vault:        vault,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ---------------------------------------------------------------------------
// Availability
// ---------------------------------------------------------------------------

// AvailabilityResult is the merged view of one venue's open slots
type AvailabilityResult struct {
	// VenueID references the canonical venue
	VenueID uuid.UUID
	// Day is the requested calendar day
	Day string
	// PartySize is the requested number of covers
	PartySize int
	// Slots holds every platform's open slots, annotated by platform and
	// sorted by start time
	Slots []booking.TimeSlot
	// Failures records per-platform failure detail; a platform absent from
	// both Slots and Failures was skipped for lack of an identifier
	Failures map[booking.Platform]string
	// Skipped lists platforms without a resolved identifier
	Skipped []booking.Platform
}

// CheckAvailability fans the slot lookup out across every platform the venue
// is resolved on. Platforms fail independently: one platform's error is
// captured in the result and never cancels another's in-flight check.
func (s *Service) CheckAvailability(ctx context.Context, venueID uuid.UUID, day string, partySize int) (*AvailabilityResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "booking", "check_availability",
		telemetry.WithAttribute(telemetry.SpanAttrVenueID, venueID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrDay, day),
		telemetry.WithAttribute(telemetry.SpanAttrPartySize, partySize))
	defer span.End()

	if _, err := time.Parse(booking.DayFormat, day); err != nil {
		return nil, booking.ErrInvalidDay
	}
	if partySize < 1 || partySize > 20 {
		return nil, booking.ErrInvalidParty
	}

	v, err := s.venues.FindByID(ctx, venueID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	result := &AvailabilityResult{
		VenueID:   venueID,
		Day:       day,
		PartySize: partySize,
		Failures:  make(map[booking.Platform]string),
	}

	// Resolution mutates the venue record, so it runs before the fan-out.
	type target struct {
		platform booking.Platform
		provider booking.Provider
		external string
	}
	var targets []target
	for _, p := range booking.DefaultLayerOrder() {
		provider, ok := s.providers[p]
		if !ok {
			continue
		}
		pi, err := s.resolver.Resolve(ctx, v, p)
		if err != nil {
			result.Failures[p] = truncateDetail(err.Error())
			continue
		}
		if pi.NotFound || pi.ExternalID == "" {
			result.Skipped = append(result.Skipped, p)
			continue
		}
		targets = append(targets, target{platform: p, provider: provider, external: pi.ExternalID})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			q := booking.AvailabilityQuery{ExternalID: t.external, Day: day, PartySize: partySize}
			var slots []booking.TimeSlot
			err := s.call(gctx, t.platform, func(ctx context.Context) error {
				var ferr error
				slots, ferr = t.provider.FindSlots(ctx, q)
				return ferr
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures[t.platform] = truncateDetail(err.Error())
				return nil
			}
			result.Slots = append(result.Slots, slots...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(result.Slots, func(i, j int) bool {
		if !result.Slots[i].Start.Equal(result.Slots[j].Start) {
			return result.Slots[i].Start.Before(result.Slots[j].Start)
		}
		return result.Slots[i].Platform < result.Slots[j].Platform
	})

	telemetry.SetAttributes(span,
		"slots", len(result.Slots),
		"failures", len(result.Failures))
	s.logger.Info("availability checked",
		zap.String("venue_id", venueID.String()),
		zap.String("day", day),
		zap.Int("party_size", partySize),
		zap.Int("slots", len(result.Slots)),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}

// ---------------------------------------------------------------------------
// Listing / lookup
// ---------------------------------------------------------------------------

// ListReservations returns tracked reservations, newest seating first.
// Cancelled and failed reservations appear only when includeClosed is set.
func (s *Service) ListReservations(ctx context.Context, includeClosed bool) ([]*booking.Reservation, error) {
	return s.reservations.List(ctx, includeClosed)
}

// GetReservation loads one tracked reservation
func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*booking.Reservation, error) {
	return s.reservations.FindByID(ctx, id)
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

// CancelReservation cancels a tracked reservation on its platform. A
// reservation with an unknown outcome and no platform reference cannot be
// cancelled upstream; it stays unknown for manual verification.
func (s *Service) CancelReservation(ctx context.Context, id uuid.UUID) (*booking.Reservation, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "booking", "cancel",
		telemetry.WithAttribute(telemetry.SpanAttrReservationID, id.String()))
	defer span.End()

	r, err := s.reservations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != booking.StatusConfirmed && r.Status != booking.StatusUnknown {
		return nil, fmt.Errorf("%w: reservation is %s", shared.ErrInvalidState, r.Status)
	}
	if r.ExternalRef == "" {
		return nil, fmt.Errorf("%w: no platform reference to cancel", shared.ErrInvalidState)
	}

	provider, ok := s.providers[r.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for platform %q", shared.ErrInvalidInput, r.Platform)
	}

	err = s.call(ctx, r.Platform, func(ctx context.Context) error {
		return provider.Cancel(ctx, r.ExternalRef)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if err := r.Cancel(); err != nil {
		return nil, err
	}
	if err := s.reservations.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}

	s.logger.Info("reservation cancelled",
		zap.String("reservation_id", r.ID.String()),
		zap.String("platform", r.Platform.String()),
		zap.String("external_ref", r.ExternalRef))
	return r, nil
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// ReconcileReservation re-checks an unverified reservation against the
// platform's own records. A confirmed match promotes the reservation; a
// confirmed absence leaves it unknown for manual verification, never an
// automatic re-dispatch.
func (s *Service) ReconcileReservation(ctx context.Context, id uuid.UUID) (*booking.Reservation, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "booking", "reconcile",
		telemetry.WithAttribute(telemetry.SpanAttrReservationID, id.String()))
	defer span.End()

	r, err := s.reservations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Status.NeedsVerification() {
		return nil, fmt.Errorf("%w: reservation is %s", shared.ErrInvalidState, r.Status)
	}

	provider, ok := s.providers[r.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for platform %q", shared.ErrInvalidInput, r.Platform)
	}

	v, err := s.venues.FindByID(ctx, r.VenueID)
	if err != nil {
		return nil, err
	}
	pi, err := s.resolver.Resolve(ctx, v, r.Platform)
	if err != nil {
		return nil, err
	}
	if pi.NotFound || pi.ExternalID == "" {
		return nil, fmt.Errorf("%w: venue has no identifier on %s", shared.ErrInvalidState, r.Platform)
	}

	// A definitive "not listed upstream" is a successful read, not an
	// upstream failure; it must not trip the breaker.
	var conf *booking.Confirmation
	var absent bool
	err = s.call(ctx, r.Platform, func(ctx context.Context) error {
		var rerr error
		conf, rerr = provider.Reconcile(ctx, pi.ExternalID, r.Day, r.PartySize)
		if errors.Is(rerr, booking.ErrNotReconciled) {
			absent = true
			return nil
		}
		return rerr
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if absent {
		telemetry.AddEvent(span, "confirmed_absence",
			telemetry.SpanAttrPlatform, r.Platform.String())
		s.logger.Info("reconciliation found no upstream reservation",
			zap.String("reservation_id", r.ID.String()),
			zap.String("platform", r.Platform.String()))
		return r, nil
	}

	if err := r.Confirm(conf.ExternalRef); err != nil {
		return nil, err
	}
	if err := s.reservations.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to persist reconciliation: %w", err)
	}

	s.logger.Info("reservation reconciled",
		zap.String("reservation_id", r.ID.String()),
		zap.String("platform", r.Platform.String()),
		zap.String("external_ref", r.ExternalRef),
		zap.Bool("verified", conf.Verified))
	return r, nil
}

// ---------------------------------------------------------------------------
// Shared plumbing
// ---------------------------------------------------------------------------

// call runs op inside the platform's circuit breaker, allowing one
// credential refresh and a single re-attempt after an auth failure.
func (s *Service) call(ctx context.Context, p booking.Platform, op func(context.Context) error) error {
	guarded := func(ctx context.Context) error {
		return s.breakers.Execute(ctx, p.String(), op)
	}

	err := guarded(ctx)
	if class, ok := resilience.ClassOf(err); !ok || class != resilience.ClassAuth {
		return err
	}
	if _, rerr := s.vault.Refresh(ctx, p); rerr != nil {
		s.logger.Warn("credential refresh failed",
			zap.String("platform", p.String()),
			zap.Error(rerr))
		return err
	}
	return guarded(ctx)
}

const maxDetailLen = 200

// truncateDetail bounds free-text error detail for attempt records
func truncateDetail(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	return s[:maxDetailLen-3] + "..."
}

package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/domain/venue"
	"github.com/reserva/backend/internal/infrastructure/resilience"
	"github.com/reserva/backend/internal/infrastructure/telemetry"
)

// BookRequest asks for one reservation at a canonical venue
type BookRequest struct {
	// VenueID references the canonical venue
	VenueID uuid.UUID
	// Day is the calendar day, YYYY-MM-DD
	Day string
	// Time is the requested seating time, HH:MM
	Time string
	// PartySize is the number of covers
	PartySize int
	// GuestFirstName and GuestLastName override the vault's diner identity
	// on platforms that require names on the submission
	GuestFirstName string
	GuestLastName  string
}

// Validate checks the request fields
func (r BookRequest) Validate() error {
	if r.VenueID == uuid.Nil {
		return fmt.Errorf("%w: venue id required", shared.ErrInvalidInput)
	}
	if _, err := time.Parse(booking.DayFormat, r.Day); err != nil {
		return booking.ErrInvalidDay
	}
	if _, err := time.Parse(booking.ClockFormat, r.Time); err != nil {
		return booking.ErrInvalidTime
	}
	if r.PartySize < 1 || r.PartySize > 20 {
		return booking.ErrInvalidParty
	}
	return nil
}

// BookingResult is the structured outcome of one orchestrated booking. When
// no automated layer confirmed, ManualLink carries a prefilled booking URL
// and Summary explains, layer by layer, why automation did not finish.
type BookingResult struct {
	// Reservation is the tracked row, nil when no submission was dispatched
	Reservation *booking.Reservation
	// Attempts is the ordered, append-only cascade record
	Attempts []booking.BookingAttempt
	// ManualLink is a booking URL for the manual fallback, empty on success
	ManualLink string
	// Summary is the human-readable cause chain assembled from Attempts
	Summary string
}

// Confirmed reports whether an automated layer completed the booking
func (r *BookingResult) Confirmed() bool {
	return r.Reservation != nil && r.Reservation.Status == booking.StatusConfirmed
}

// MakeReservation walks the fallback cascade until a layer confirms. Layers
// without a resolved venue identifier are skipped; a failed layer is
// recorded and the next one runs. An ambiguous submission stops the cascade
// after a single reconciliation read: the submission may have seated a
// table, so no later layer may dispatch again.
func (s *Service) MakeReservation(ctx context.Context, req BookRequest) (*BookingResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "booking", "make_reservation",
		telemetry.WithAttribute(telemetry.SpanAttrVenueID, req.VenueID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrDay, req.Day),
		telemetry.WithAttribute(telemetry.SpanAttrPartySize, req.PartySize))
	defer span.End()

	v, err := s.venues.FindByID(ctx, req.VenueID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	result := &BookingResult{}
	for i, p := range booking.DefaultLayerOrder() {
		layer := i + 1

		provider, ok := s.providers[p]
		if !ok {
			s.record(result, layer, p, booking.OutcomeSkipped, "no adapter configured")
			continue
		}

		pi, err := s.resolver.Resolve(ctx, v, p)
		if err != nil {
			outcome, detail := outcomeFromError(err)
			s.record(result, layer, p, outcome, detail)
			continue
		}
		if pi.NotFound || pi.ExternalID == "" {
			s.record(result, layer, p, booking.OutcomeSkipped, "venue not listed on platform")
			continue
		}

		done, err := s.attemptLayer(ctx, result, layer, v, provider, pi, req)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if done {
			recordCascadeSpan(span, result)
			result.Summary = booking.SummarizeAttempts(result.Attempts)
			return result, nil
		}
	}

	// Manual layer: always produces an actionable path.
	telemetry.AddEvent(span, "manual_fallback",
		telemetry.SpanAttrVenueName, v.Name,
		telemetry.SpanAttrLayer, len(result.Attempts))
	result.ManualLink = s.manualLink(v, req)
	result.Summary = booking.SummarizeAttempts(result.Attempts)
	s.logger.Warn("booking fell through to manual",
		zap.String("venue_id", v.ID.String()),
		zap.String("venue", v.Name),
		zap.String("day", req.Day),
		zap.String("time", req.Time),
		zap.String("summary", result.Summary))
	return result, nil
}

// attemptLayer runs one cascade layer end to end: slot lookup, slot match,
// dispatch, and the ambiguity policy. done=true stops the cascade, either
// because the layer confirmed or because an ambiguous submission forbids
// any further dispatch. A non-nil error aborts the whole operation; it is
// reserved for local persistence failures, not upstream ones.
func (s *Service) attemptLayer(
	ctx context.Context,
	result *BookingResult,
	layer int,
	v *venue.CanonicalVenue,
	provider booking.Provider,
	pi venue.PlatformIdentifier,
	req BookRequest,
) (bool, error) {
	p := provider.Platform()

	q := booking.AvailabilityQuery{ExternalID: pi.ExternalID, Day: req.Day, PartySize: req.PartySize}
	var slots []booking.TimeSlot
	err := s.call(ctx, p, func(ctx context.Context) error {
		var ferr error
		slots, ferr = provider.FindSlots(ctx, q)
		return ferr
	})
	if err != nil {
		outcome, detail := outcomeFromError(err)
		s.record(result, layer, p, outcome, detail)
		return false, nil
	}

	slot, ok := matchSlot(slots, req.Day, req.Time)
	if !ok {
		if len(slots) == 0 {
			s.record(result, layer, p, booking.OutcomePermanent, booking.ErrNoAvailability.Error())
		} else {
			s.record(result, layer, p, booking.OutcomePermanent, booking.ErrNoMatchingSlot.Error())
		}
		return false, nil
	}

	// The row exists before dispatch: if the process dies mid-submission
	// the pending reservation is still visible for reconciliation.
	r, err := booking.NewReservation(v.ID, v.Name, p, req.Day, req.Time, req.PartySize)
	if err != nil {
		return false, err
	}
	if err := s.reservations.Save(ctx, r); err != nil {
		return false, fmt.Errorf("failed to track reservation: %w", err)
	}

	order := booking.BookOrder{
		ExternalID:     pi.ExternalID,
		Slot:           slot,
		Day:            req.Day,
		PartySize:      req.PartySize,
		GuestFirstName: req.GuestFirstName,
		GuestLastName:  req.GuestLastName,
	}
	var conf *booking.Confirmation
	err = s.call(ctx, p, func(ctx context.Context) error {
		var berr error
		conf, berr = provider.Book(ctx, order)
		return berr
	})

	switch {
	case err == nil:
		if err := r.Confirm(conf.ExternalRef); err != nil {
			return false, err
		}
		if err := s.reservations.Update(ctx, r); err != nil {
			return false, fmt.Errorf("failed to persist confirmation: %w", err)
		}
		s.record(result, layer, p, booking.OutcomeSuccess, "")
		result.Reservation = r
		s.logger.Info("reservation confirmed",
			zap.String("reservation_id", r.ID.String()),
			zap.String("venue", v.Name),
			zap.String("platform", p.String()),
			zap.String("external_ref", r.ExternalRef))
		return true, nil

	case errors.Is(err, booking.ErrOutcomeUnknown):
		return true, s.settleAmbiguous(ctx, result, layer, r, provider, pi, req)

	default:
		if ferr := r.MarkFailed(); ferr == nil {
			if uerr := s.reservations.Update(ctx, r); uerr != nil {
				s.logger.Warn("failed to persist failed attempt",
					zap.String("reservation_id", r.ID.String()),
					zap.Error(uerr))
			}
		}
		outcome, detail := outcomeFromError(err)
		s.record(result, layer, p, outcome, detail)
		return false, nil
	}
}

// settleAmbiguous applies the ambiguity policy: the submission was
// dispatched but its outcome is unknowable from the response, so exactly one
// read-only reconciliation lookup decides between confirmed and unknown.
// The cascade never continues past this point and never re-dispatches.
func (s *Service) settleAmbiguous(
	ctx context.Context,
	result *BookingResult,
	layer int,
	r *booking.Reservation,
	provider booking.Provider,
	pi venue.PlatformIdentifier,
	req BookRequest,
) error {
	p := provider.Platform()
	s.logger.Warn("booking submission outcome unknown, reconciling",
		zap.String("reservation_id", r.ID.String()),
		zap.String("platform", p.String()))

	var conf *booking.Confirmation
	var absent bool
	err := s.call(ctx, p, func(ctx context.Context) error {
		var rerr error
		conf, rerr = provider.Reconcile(ctx, pi.ExternalID, req.Day, req.PartySize)
		if errors.Is(rerr, booking.ErrNotReconciled) {
			absent = true
			return nil
		}
		return rerr
	})

	if err == nil && !absent {
		if cerr := r.Confirm(conf.ExternalRef); cerr != nil {
			return cerr
		}
		if uerr := s.reservations.Update(ctx, r); uerr != nil {
			return fmt.Errorf("failed to persist confirmation: %w", uerr)
		}
		s.record(result, layer, p, booking.OutcomeSuccess, "")
		result.Reservation = r
		s.logger.Info("ambiguous submission verified upstream",
			zap.String("reservation_id", r.ID.String()),
			zap.String("platform", p.String()),
			zap.String("external_ref", r.ExternalRef))
		return nil
	}

	if err != nil {
		s.logger.Warn("reconciliation failed after ambiguous submission",
			zap.String("reservation_id", r.ID.String()),
			zap.String("platform", p.String()),
			zap.Error(err))
	}

	if merr := r.MarkUnknown(); merr != nil {
		return merr
	}
	if uerr := s.reservations.Update(ctx, r); uerr != nil {
		return fmt.Errorf("failed to persist unknown outcome: %w", uerr)
	}
	s.record(result, layer, p, booking.OutcomeUnknown, "submission dispatched, outcome unverified")
	result.Reservation = r
	return nil
}

// record appends one attempt and reports it to the observer
func (s *Service) record(result *BookingResult, layer int, p booking.Platform, outcome booking.AttemptOutcome, detail string) {
	result.Attempts = append(result.Attempts, booking.BookingAttempt{
		Layer:    layer,
		Platform: p,
		Success:  outcome == booking.OutcomeSuccess,
		Outcome:  outcome,
		Detail:   truncateDetail(detail),
	})
	if s.observe != nil {
		s.observe(p.String(), outcome.String())
	}
	if outcome != booking.OutcomeSuccess {
		s.logger.Info("cascade layer did not complete",
			zap.Int("layer", layer),
			zap.String("platform", p.String()),
			zap.String("outcome", outcome.String()),
			zap.String("detail", detail))
	}
}

// recordCascadeSpan annotates the booking span with how the cascade ended
func recordCascadeSpan(span trace.Span, result *BookingResult) {
	last := result.Attempts[len(result.Attempts)-1]
	telemetry.SetAttributes(span,
		telemetry.SpanAttrPlatform, last.Platform.String(),
		telemetry.SpanAttrLayer, last.Layer,
		telemetry.SpanAttrOutcome, last.Outcome.String())
	if result.Reservation != nil {
		telemetry.SetAttribute(span, telemetry.SpanAttrReservationID, result.Reservation.ID.String())
	}
}

// manualLink builds the deepest booking URL the venue's identifiers allow,
// preferring the cascade order's platforms.
func (s *Service) manualLink(v *venue.CanonicalVenue, req BookRequest) string {
	ref := booking.DeepLinkRef{
		Name:      v.Name,
		Day:       req.Day,
		Time:      req.Time,
		PartySize: req.PartySize,
	}
	for _, p := range booking.DefaultLayerOrder() {
		pi, ok := v.PlatformIDs[p]
		if !ok || pi.NotFound || pi.ExternalID == "" {
			continue
		}
		ref.ExternalID = pi.ExternalID
		ref.Slug = pi.Slug
		return booking.DeepLink(p, ref)
	}
	return booking.DeepLink(booking.PlatformGooglePlaces, ref)
}

// matchSlot finds the slot starting at the requested day and time
func matchSlot(slots []booking.TimeSlot, day, clock string) (booking.TimeSlot, bool) {
	for _, s := range slots {
		if s.Start.Format(booking.DayFormat) == day && s.Start.Format(booking.ClockFormat) == clock {
			return s, true
		}
	}
	return booking.TimeSlot{}, false
}

// outcomeFromError maps a classified error onto an attempt outcome
func outcomeFromError(err error) (booking.AttemptOutcome, string) {
	detail := truncateDetail(err.Error())

	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		return booking.OutcomeCircuitOpen, detail
	}
	if errors.Is(err, booking.ErrOutcomeUnknown) {
		return booking.OutcomeUnknown, detail
	}

	class, ok := resilience.ClassOf(err)
	if !ok {
		class = resilience.ClassifyErr(err)
	}
	switch class {
	case resilience.ClassPermanent:
		return booking.OutcomePermanent, detail
	case resilience.ClassAuth:
		return booking.OutcomeAuth, detail
	case resilience.ClassSchemaChange:
		return booking.OutcomeSchemaChange, detail
	case resilience.ClassBotChallenge:
		return booking.OutcomeBotChallenge, detail
	default:
		return booking.OutcomeTransient, detail
	}
}

package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reserva/backend/internal/domain/shared"
)

// ---------------------------------------------------------------------------
// Value Objects
// ---------------------------------------------------------------------------

// TimeSlot represents one bookable seating offered by a platform
type TimeSlot struct {
	// Start is the seating time in the venue's local time
	Start time.Time
	// Token is the platform's opaque slot token
	Token string
	// ConfigType describes the seating (e.g. "Dining Room", "Patio")
	ConfigType string
	// Platform identifies which platform offered the slot
	Platform Platform
}

// AvailabilityQuery asks one platform for open slots at one venue
type AvailabilityQuery struct {
	// ExternalID is the platform's own venue identifier
	ExternalID string
	// Day is the calendar day, YYYY-MM-DD
	Day string
	// PartySize is the number of covers
	PartySize int
}

// Validate checks the query fields
func (q AvailabilityQuery) Validate() error {
	if q.ExternalID == "" {
		return shared.ErrInvalidInput
	}
	if _, err := time.Parse(DayFormat, q.Day); err != nil {
		return ErrInvalidDay
	}
	if q.PartySize < 1 || q.PartySize > 20 {
		return ErrInvalidParty
	}
	return nil
}

// BookOrder carries everything a platform needs to submit one reservation
type BookOrder struct {
	// ExternalID is the platform's own venue identifier
	ExternalID string
	// Slot is the slot being booked, previously returned by FindSlots
	Slot TimeSlot
	// Day is the calendar day, YYYY-MM-DD
	Day string
	// PartySize is the number of covers
	PartySize int
	// GuestFirstName and GuestLastName identify the diner where the
	// platform requires names on the submission
	GuestFirstName string
	GuestLastName  string
}

// Validate checks the order fields
func (o BookOrder) Validate() error {
	if o.ExternalID == "" || o.Slot.Token == "" {
		return shared.ErrInvalidInput
	}
	if _, err := time.Parse(DayFormat, o.Day); err != nil {
		return ErrInvalidDay
	}
	if o.PartySize < 1 || o.PartySize > 20 {
		return ErrInvalidParty
	}
	return nil
}

// Confirmation is a platform's acknowledgement of a reservation
type Confirmation struct {
	// Platform identifies the confirming platform
	Platform Platform
	// ExternalRef is the platform's reservation reference (cancel key)
	ExternalRef string
	// Verified is true when the confirmation was read back from the
	// platform rather than inferred from the submission response
	Verified bool
}

// VenueCandidate is one hit from a platform's own venue search
type VenueCandidate struct {
	// ExternalID is the platform's identifier for the candidate
	ExternalID string
	// Name is the candidate's display name on the platform
	Name string
	// Address is the street address, when the platform returns one
	Address string
	// Locality is the neighborhood or city label
	Locality string
	// Lat and Lng are the candidate's coordinates, zero when unknown
	Lat float64
	Lng float64
	// Slug is the platform's URL slug, when one exists
	Slug string
}

// ---------------------------------------------------------------------------
// AttemptOutcome classifies how one cascade layer ended
// ---------------------------------------------------------------------------

// AttemptOutcome classifies how one cascade layer ended
type AttemptOutcome string

const (
	// OutcomeSuccess indicates the layer completed the operation
	OutcomeSuccess AttemptOutcome = "success"
	// OutcomeTransient indicates retries were exhausted on a transient failure
	OutcomeTransient AttemptOutcome = "transient"
	// OutcomePermanent indicates the upstream rejected the operation
	OutcomePermanent AttemptOutcome = "permanent"
	// OutcomeAuth indicates credentials were missing or rejected
	OutcomeAuth AttemptOutcome = "auth"
	// OutcomeSchemaChange indicates the response no longer matches the expected shape
	OutcomeSchemaChange AttemptOutcome = "schema_change"
	// OutcomeBotChallenge indicates the upstream served a bot challenge
	OutcomeBotChallenge AttemptOutcome = "bot_challenge"
	// OutcomeCircuitOpen indicates the breaker refused the call without a network attempt
	OutcomeCircuitOpen AttemptOutcome = "circuit_open"
	// OutcomeSkipped indicates the layer had no resolved venue identifier
	OutcomeSkipped AttemptOutcome = "skipped"
	// OutcomeUnknown indicates an ambiguous submission needing manual verification
	OutcomeUnknown AttemptOutcome = "unknown"
)

// IsValid returns true if the outcome is valid
func (o AttemptOutcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeTransient, OutcomePermanent, OutcomeAuth,
		OutcomeSchemaChange, OutcomeBotChallenge, OutcomeCircuitOpen,
		OutcomeSkipped, OutcomeUnknown:
		return true
	default:
		return false
	}
}

// String returns the string representation of AttemptOutcome
func (o AttemptOutcome) String() string {
	return string(o)
}

// BookingAttempt records one layer of a fallback cascade. The sequence for a
// single orchestrated operation is ordered and append-only.
type BookingAttempt struct {
	// Layer is the 1-based position in the cascade
	Layer int
	// Platform is the layer's platform
	Platform Platform
	// Success is true when the layer completed the operation
	Success bool
	// Outcome classifies how the layer ended
	Outcome AttemptOutcome
	// Detail is a short human-readable cause, empty on success
	Detail string
}

// SummarizeAttempts renders an attempt sequence as a short cause chain for
// the manual fallback explanation.
func SummarizeAttempts(attempts []BookingAttempt) string {
	if len(attempts) == 0 {
		return "no automated layers were attempted"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Success {
			parts = append(parts, fmt.Sprintf("%s succeeded", a.Platform.DisplayName()))
			continue
		}
		if a.Detail != "" {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.Platform.DisplayName(), a.Outcome, a.Detail))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", a.Platform.DisplayName(), a.Outcome))
	}
	return strings.Join(parts, "; ")
}

// ---------------------------------------------------------------------------
// Reservation is the tracked result of a booking operation
// ---------------------------------------------------------------------------

// Reservation is the tracked result of a booking operation
type Reservation struct {
	shared.BaseEntity
	// VenueID references the canonical venue
	VenueID uuid.UUID
	// Platform is the platform the reservation was made on
	Platform Platform
	// ExternalRef is the platform's reservation reference (cancel key),
	// empty while the outcome is unknown
	ExternalRef string
	// Day is the calendar day, YYYY-MM-DD
	Day string
	// Time is the confirmed seating time, HH:MM
	Time string
	// PartySize is the number of covers
	PartySize int
	// Status is the lifecycle state
	Status ReservationStatus
	// VenueName is denormalized for listings
	VenueName string
}

// NewReservation creates a pending reservation for a dispatched submission
func NewReservation(venueID uuid.UUID, venueName string, platform Platform, day, clock string, partySize int) (*Reservation, error) {
	if !platform.Bookable() {
		return nil, ErrNotBookable
	}
	if _, err := time.Parse(DayFormat, day); err != nil {
		return nil, ErrInvalidDay
	}
	if _, err := time.Parse(ClockFormat, clock); err != nil {
		return nil, ErrInvalidTime
	}
	if partySize < 1 || partySize > 20 {
		return nil, ErrInvalidParty
	}
	return &Reservation{
		BaseEntity: shared.NewBaseEntity(),
		VenueID:    venueID,
		VenueName:  venueName,
		Platform:   platform,
		Day:        day,
		Time:       clock,
		PartySize:  partySize,
		Status:     StatusPending,
	}, nil
}

// Confirm records a platform confirmation
func (r *Reservation) Confirm(externalRef string) error {
	if r.Status.IsFinal() {
		return shared.ErrInvalidState
	}
	r.ExternalRef = externalRef
	r.Status = StatusConfirmed
	r.Touch()
	return nil
}

// MarkUnknown records an ambiguous submission outcome
func (r *Reservation) MarkUnknown() error {
	if r.Status != StatusPending {
		return shared.ErrInvalidState
	}
	r.Status = StatusUnknown
	r.Touch()
	return nil
}

// MarkFailed records that every automated layer failed
func (r *Reservation) MarkFailed() error {
	if r.Status.IsFinal() {
		return shared.ErrInvalidState
	}
	r.Status = StatusFailed
	r.Touch()
	return nil
}

// Cancel records a cancellation
func (r *Reservation) Cancel() error {
	if r.Status != StatusConfirmed && r.Status != StatusUnknown {
		return shared.ErrInvalidState
	}
	r.Status = StatusCancelled
	r.Touch()
	return nil
}

// ---------------------------------------------------------------------------
// Ports
// ---------------------------------------------------------------------------

// Provider is the port a reservation platform adapter implements. Adapters
// classify their own failures; callers see classified errors only.
type Provider interface {
	// Platform identifies the adapter
	Platform() Platform
	// FindSlots lists open slots for a venue and day
	FindSlots(ctx context.Context, q AvailabilityQuery) ([]TimeSlot, error)
	// Book submits one reservation. Implementations must dispatch the
	// submission at most once per call.
	Book(ctx context.Context, order BookOrder) (*Confirmation, error)
	// Cancel cancels a reservation by its platform reference
	Cancel(ctx context.Context, externalRef string) error
	// Reconcile checks whether a reservation exists upstream for the venue
	// and day, used after ambiguous submissions. Returns ErrNotReconciled
	// when no matching reservation is found.
	Reconcile(ctx context.Context, externalID, day string, partySize int) (*Confirmation, error)
}

// VenueSearcher is the port the identity resolver uses to query a platform's
// own venue search.
type VenueSearcher interface {
	// SearchVenues queries the platform by free-text name near a location
	SearchVenues(ctx context.Context, query string, lat, lng float64) ([]VenueCandidate, error)
}

// ReservationRepository persists tracked reservations
type ReservationRepository interface {
	Save(ctx context.Context, r *Reservation) error
	FindByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// List returns reservations, cancelled and failed ones only when
	// includeClosed is set
	List(ctx context.Context, includeClosed bool) ([]*Reservation, error)
	Update(ctx context.Context, r *Reservation) error
}

package booking

import "errors"

// ---------------------------------------------------------------------------
// Booking Errors
// ---------------------------------------------------------------------------

var (
	// Request errors
	ErrInvalidDay   = errors.New("booking: day must be formatted YYYY-MM-DD")
	ErrInvalidTime  = errors.New("booking: time must be formatted HH:MM")
	ErrInvalidParty = errors.New("booking: party size out of range")

	// Availability errors
	ErrNoAvailability = errors.New("booking: venue has no availability for the requested day")
	ErrNoMatchingSlot = errors.New("booking: no slot matches the requested time")

	// Submission errors
	ErrNotBookable    = errors.New("booking: platform does not support automated booking")
	ErrOutcomeUnknown = errors.New("booking: submission outcome unknown, verify manually")
	ErrNotReconciled  = errors.New("booking: reservation not found during reconciliation")
)

// Wire formats shared by the booking platforms.
const (
	// DayFormat is the calendar-day layout used in requests and upstream payloads
	DayFormat = "2006-01-02"
	// ClockFormat is the wall-clock layout used in requests
	ClockFormat = "15:04"
	// SlotTimeFormat is the layout upstream slot listings use for start times
	SlotTimeFormat = "2006-01-02 15:04:05"
)

// ---------------------------------------------------------------------------
// Platform represents one upstream reservation platform
// ---------------------------------------------------------------------------

// Platform represents one upstream reservation platform
type Platform string

const (
	// PlatformResy represents Resy
	PlatformResy Platform = "resy"
	// PlatformOpenTable represents OpenTable
	PlatformOpenTable Platform = "opentable"
	// PlatformGooglePlaces represents Google Places, the discovery upstream.
	// It carries venue identity only and is never a booking layer.
	PlatformGooglePlaces Platform = "google_places"
)

// IsValid returns true if the platform is valid
func (p Platform) IsValid() bool {
	switch p {
	case PlatformResy, PlatformOpenTable, PlatformGooglePlaces:
		return true
	default:
		return false
	}
}

// String returns the string representation of Platform
func (p Platform) String() string {
	return string(p)
}

// DisplayName returns a human-readable name for the platform
func (p Platform) DisplayName() string {
	switch p {
	case PlatformResy:
		return "Resy"
	case PlatformOpenTable:
		return "OpenTable"
	case PlatformGooglePlaces:
		return "Google Places"
	default:
		return string(p)
	}
}

// Bookable returns true if the platform accepts automated reservations
func (p Platform) Bookable() bool {
	switch p {
	case PlatformResy, PlatformOpenTable:
		return true
	default:
		return false
	}
}

// TransportStrategies returns the ordered transport escalation ladder for the
// platform. The order is data, not branching code: callers walk it without
// knowing which platform they are talking to.
func (p Platform) TransportStrategies() []TransportStrategy {
	switch p {
	case PlatformResy:
		return []TransportStrategy{StrategyHTTP, StrategyCurl, StrategyBrowser}
	case PlatformOpenTable:
		return []TransportStrategy{StrategyHTTP, StrategyBrowser}
	case PlatformGooglePlaces:
		// An official API behind a key; escalation would violate its terms.
		return []TransportStrategy{StrategyHTTP}
	default:
		return nil
	}
}

// MatchThreshold returns the minimum identity-resolution confidence the
// platform requires before a candidate match is accepted.
func (p Platform) MatchThreshold() float64 {
	switch p {
	case PlatformOpenTable:
		// Slug scraping is noisier than a structured search, demand more.
		return 0.85
	default:
		return 0.80
	}
}

// DefaultLayerOrder returns the booking cascade order: cheapest, most
// reliable automation first.
func DefaultLayerOrder() []Platform {
	return []Platform{PlatformResy, PlatformOpenTable}
}

// ---------------------------------------------------------------------------
// TransportStrategy identifies one rung of the transport escalation ladder
// ---------------------------------------------------------------------------

// TransportStrategy identifies one rung of the transport escalation ladder
type TransportStrategy string

const (
	// StrategyHTTP is a standard in-process HTTP client call
	StrategyHTTP TransportStrategy = "http"
	// StrategyCurl shells out to the system curl binary for a different
	// network fingerprint; read-style fetches only
	StrategyCurl TransportStrategy = "curl"
	// StrategyBrowser drives a real browser session and either intercepts
	// the response the page triggers or issues the call from page context
	StrategyBrowser TransportStrategy = "browser"
)

// IsValid returns true if the strategy is valid
func (s TransportStrategy) IsValid() bool {
	switch s {
	case StrategyHTTP, StrategyCurl, StrategyBrowser:
		return true
	default:
		return false
	}
}

// String returns the string representation of TransportStrategy
func (s TransportStrategy) String() string {
	return string(s)
}

// ---------------------------------------------------------------------------
// ReservationStatus represents the lifecycle state of a tracked reservation
// ---------------------------------------------------------------------------

// ReservationStatus represents the lifecycle state of a tracked reservation
type ReservationStatus string

const (
	// StatusPending indicates the submission has been dispatched but not confirmed
	StatusPending ReservationStatus = "pending"
	// StatusConfirmed indicates the platform confirmed the reservation
	StatusConfirmed ReservationStatus = "confirmed"
	// StatusUnknown indicates an ambiguous submission outcome awaiting manual verification
	StatusUnknown ReservationStatus = "unknown"
	// StatusCancelled indicates the reservation was cancelled
	StatusCancelled ReservationStatus = "cancelled"
	// StatusFailed indicates every automated layer failed
	StatusFailed ReservationStatus = "failed"
)

// IsValid returns true if the status is valid
func (s ReservationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusUnknown, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of ReservationStatus
func (s ReservationStatus) String() string {
	return string(s)
}

// IsFinal returns true if the status is a terminal state
func (s ReservationStatus) IsFinal() bool {
	switch s {
	case StatusConfirmed, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// NeedsVerification returns true if the reservation requires a manual or
// reconciliation check before it can be trusted.
func (s ReservationStatus) NeedsVerification() bool {
	return s == StatusPending || s == StatusUnknown
}

package venue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/shared"
)

var (
	// ErrVenueNotFound indicates no canonical venue matches the lookup
	ErrVenueNotFound = errors.New("venue: not found")
	// ErrIdentifierNotFound indicates the venue has no mapping for the platform,
	// and none has been looked up yet
	ErrIdentifierNotFound = errors.New("venue: platform identifier not found")
	// ErrNotOnPlatform indicates a confirmed absence: the platform was searched
	// and the venue is not listed there
	ErrNotOnPlatform = errors.New("venue: not listed on platform")
	// ErrLowConfidence indicates no search candidate cleared the match threshold
	ErrLowConfidence = errors.New("venue: no candidate above confidence threshold")
)

// PlatformIdentifier maps a canonical venue to one platform's own identifier.
// Once Confidence clears the platform threshold the mapping is permanent and
// is only re-resolved after an explicit invalidation.
type PlatformIdentifier struct {
	// Platform the identifier belongs to
	Platform booking.Platform
	// ExternalID is the platform's identifier, empty when NotFound is true
	ExternalID string
	// Slug is the platform's URL slug, when one exists
	Slug string
	// Confidence is the match score in [0,1] at resolution time
	Confidence float64
	// ResolvedAt is when the mapping was accepted
	ResolvedAt time.Time
	// NotFound records a confirmed absence, distinct from "not yet checked"
	NotFound bool
}

// Confident reports whether the mapping cleared the platform's threshold.
// A confirmed absence counts: it was resolved, the answer is "not there".
func (pi PlatformIdentifier) Confident() bool {
	if pi.NotFound {
		return true
	}
	return pi.ExternalID != "" && pi.Confidence >= pi.Platform.MatchThreshold()
}

// CanonicalVenue is the single record for one real-world restaurant, created
// by discovery and enriched in place with per-platform identifiers.
type CanonicalVenue struct {
	shared.BaseEntity
	// Name is the display name from discovery
	Name string
	// Address is the street address
	Address string
	// Locality is the neighborhood or city label
	Locality string
	// Lat and Lng locate the venue
	Lat float64
	Lng float64
	// PlatformIDs holds the resolved per-platform identifiers
	PlatformIDs map[booking.Platform]PlatformIdentifier
}

// NewCanonicalVenue creates a venue record from discovery output
func NewCanonicalVenue(name, address, locality string, lat, lng float64) (*CanonicalVenue, error) {
	if name == "" {
		return nil, shared.ErrInvalidInput
	}
	return &CanonicalVenue{
		BaseEntity:  shared.NewBaseEntity(),
		Name:        name,
		Address:     address,
		Locality:    locality,
		Lat:         lat,
		Lng:         lng,
		PlatformIDs: make(map[booking.Platform]PlatformIdentifier),
	}, nil
}

// IdentifierFor returns the venue's confident mapping for the platform.
// ErrIdentifierNotFound means nothing was resolved yet; ErrNotOnPlatform
// means the platform was searched and the venue is confirmed absent.
func (v *CanonicalVenue) IdentifierFor(p booking.Platform) (PlatformIdentifier, error) {
	pi, ok := v.PlatformIDs[p]
	if !ok || !pi.Confident() {
		return PlatformIdentifier{}, ErrIdentifierNotFound
	}
	if pi.NotFound {
		return PlatformIdentifier{}, ErrNotOnPlatform
	}
	return pi, nil
}

// SetIdentifier records a resolved mapping on the venue
func (v *CanonicalVenue) SetIdentifier(pi PlatformIdentifier) {
	if v.PlatformIDs == nil {
		v.PlatformIDs = make(map[booking.Platform]PlatformIdentifier)
	}
	v.PlatformIDs[pi.Platform] = pi
	v.Touch()
}

// ClearIdentifier drops the mapping for one platform, forcing re-resolution
func (v *CanonicalVenue) ClearIdentifier(p booking.Platform) {
	delete(v.PlatformIDs, p)
	v.Touch()
}

// StreetNumber extracts the leading street number of the venue's address,
// empty when the address does not start with one.
func (v *CanonicalVenue) StreetNumber() string {
	return streetNumber(v.Address)
}

func streetNumber(address string) string {
	i := 0
	for i < len(address) && address[i] >= '0' && address[i] <= '9' {
		i++
	}
	return address[:i]
}

// CandidateStreetNumber extracts the leading street number from a platform
// search candidate's address.
func CandidateStreetNumber(c booking.VenueCandidate) string {
	return streetNumber(c.Address)
}

var _ shared.Entity = (*CanonicalVenue)(nil)

// Repository persists canonical venues
type Repository interface {
	Save(ctx context.Context, v *CanonicalVenue) error
	FindByID(ctx context.Context, id uuid.UUID) (*CanonicalVenue, error)
	FindByName(ctx context.Context, name string) ([]*CanonicalVenue, error)
	List(ctx context.Context) ([]*CanonicalVenue, error)
}

// Discovery finds real-world venues from a free-text query, producing
// canonical records ready to persist.
type Discovery interface {
	// Discover searches near a location; lat/lng zero means no bias
	Discover(ctx context.Context, query string, lat, lng float64, limit int) ([]*CanonicalVenue, error)
	// Details re-reads one venue's fields by its discovery identifier
	Details(ctx context.Context, externalID string) (*CanonicalVenue, error)
}

// CrossReferenceStore persists the venue-to-platform identifier mappings
// independently of the venue rows, so resolution survives venue edits.
type CrossReferenceStore interface {
	// Lookup returns the stored mapping; ErrIdentifierNotFound when the
	// platform has never been resolved for the venue
	Lookup(ctx context.Context, venueID uuid.UUID, p booking.Platform) (PlatformIdentifier, error)
	// Upsert stores or replaces the mapping
	Upsert(ctx context.Context, venueID uuid.UUID, pi PlatformIdentifier) error
	// Invalidate removes the mapping so the next resolve runs a fresh search
	Invalidate(ctx context.Context, venueID uuid.UUID, p booking.Platform) error
	// FindVenue reverse-looks-up the venue holding a platform identifier;
	// uuid.Nil with no error when no venue holds it
	FindVenue(ctx context.Context, p booking.Platform, externalID string) (uuid.UUID, error)
}

// Package venues holds the application services for venue discovery and
// cross-platform identity resolution.
package venues

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/domain/venue"
	"github.com/reserva/backend/internal/infrastructure/cache"
	"github.com/reserva/backend/internal/infrastructure/resilience"
)

// Resolver maps canonical venues to per-platform identifiers. Resolution is
// expensive and bot-hostile, so accepted mappings and confirmed absences are
// both cached permanently; only an explicit Invalidate forces a re-search.
type Resolver struct {
	venues    venue.Repository
	refs      venue.CrossReferenceStore
	searchers map[booking.Platform]booking.VenueSearcher
	discovery venue.Discovery
	breakers  *resilience.Registry
	vault     credential.Vault
	cache     *cache.Tiered[venue.PlatformIdentifier]
	logger    *zap.Logger
	now       func() time.Time
}

// ResolverOption is a functional option for configuring the resolver
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithResolverClock overrides the wall clock, for tests
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithDiscovery lets the resolver backfill missing coordinates from the
// discovery upstream before scoring candidates by address proximity.
func WithDiscovery(d venue.Discovery) ResolverOption {
	return func(r *Resolver) {
		r.discovery = d
	}
}

// NewResolver creates a resolver over the given platform searchers. The
// identifier cache may be nil, dropping straight to the persistent store.
func NewResolver(
	venues venue.Repository,
	refs venue.CrossReferenceStore,
	searchers map[booking.Platform]booking.VenueSearcher,
	breakers *resilience.Registry,
	vault credential.Vault,
	idCache *cache.Tiered[venue.PlatformIdentifier],
	opts ...ResolverOption,
) *Resolver {
	r := &Resolver{
		venues:    venues,
		refs:      refs,
		searchers: searchers,
		breakers:  breakers,
		vault:     vault,
		cache:     idCache,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the venue's identifier on the platform, searching the
// platform only when no stored mapping exists. A confirmed absence comes
// back as a NotFound identifier with a nil error; callers treat it as "this
// venue is not listed there", not as a failure.
func (r *Resolver) Resolve(ctx context.Context, v *venue.CanonicalVenue, p booking.Platform) (venue.PlatformIdentifier, error) {
	if v == nil {
		return venue.PlatformIdentifier{}, fmt.Errorf("%w: venue required", shared.ErrInvalidInput)
	}

	if pi, ok := r.cached(ctx, v.ID, p); ok {
		v.SetIdentifier(pi)
		return pi, nil
	}

	pi, err := r.refs.Lookup(ctx, v.ID, p)
	if err == nil && pi.Confident() {
		r.remember(ctx, v.ID, pi)
		v.SetIdentifier(pi)
		return pi, nil
	}
	if err != nil && !errors.Is(err, venue.ErrIdentifierNotFound) {
		return venue.PlatformIdentifier{}, fmt.Errorf("failed to look up identifier: %w", err)
	}

	return r.search(ctx, v, p)
}

// Invalidate drops the stored mapping so the next Resolve searches afresh
func (r *Resolver) Invalidate(ctx context.Context, venueID uuid.UUID, p booking.Platform) error {
	if r.cache != nil {
		if err := r.cache.Delete(ctx, refKey(venueID, p)); err != nil {
			r.logger.Warn("failed to drop cached identifier",
				zap.String("venue_id", venueID.String()),
				zap.String("platform", p.String()),
				zap.Error(err))
		}
	}
	if err := r.refs.Invalidate(ctx, venueID, p); err != nil {
		return fmt.Errorf("failed to invalidate identifier: %w", err)
	}
	r.logger.Info("platform identifier invalidated",
		zap.String("venue_id", venueID.String()),
		zap.String("platform", p.String()))
	return nil
}

// search runs one platform search and persists whatever it learns, including
// a confirmed absence. The same inputs always produce the same mapping: the
// candidate list is scored deterministically and nothing is guessed.
func (r *Resolver) search(ctx context.Context, v *venue.CanonicalVenue, p booking.Platform) (venue.PlatformIdentifier, error) {
	searcher, ok := r.searchers[p]
	if !ok {
		return venue.PlatformIdentifier{}, fmt.Errorf("%w: no searcher for platform %q", shared.ErrInvalidInput, p)
	}

	r.backfillCoordinates(ctx, v)

	query := strings.TrimSpace(v.Name + " " + v.Locality)
	var candidates []booking.VenueCandidate
	err := platformCall(ctx, r.breakers, r.vault, r.logger, p, func(ctx context.Context) error {
		var serr error
		candidates, serr = searcher.SearchVenues(ctx, query, v.Lat, v.Lng)
		return serr
	})
	if err != nil {
		return venue.PlatformIdentifier{}, err
	}

	winner, confidence, matched := scoreCandidates(v, candidates, p.MatchThreshold())

	pi := venue.PlatformIdentifier{
		Platform:   p,
		Confidence: confidence,
		ResolvedAt: r.now(),
	}
	if matched {
		pi.ExternalID = winner.ExternalID
		pi.Slug = winner.Slug
	} else {
		pi.NotFound = true
	}

	if err := r.refs.Upsert(ctx, v.ID, pi); err != nil {
		return venue.PlatformIdentifier{}, fmt.Errorf("failed to store identifier: %w", err)
	}
	r.remember(ctx, v.ID, pi)
	v.SetIdentifier(pi)

	if matched {
		r.logger.Info("venue resolved on platform",
			zap.String("venue_id", v.ID.String()),
			zap.String("venue", v.Name),
			zap.String("platform", p.String()),
			zap.String("external_id", pi.ExternalID),
			zap.Float64("confidence", confidence))
	} else {
		r.logger.Info("venue confirmed absent from platform",
			zap.String("venue_id", v.ID.String()),
			zap.String("venue", v.Name),
			zap.String("platform", p.String()),
			zap.Int("candidates", len(candidates)),
			zap.Float64("best_score", confidence))
	}
	return pi, nil
}

// backfillCoordinates fills missing coordinates from the discovery upstream
// so address proximity can gate candidates. Failures degrade to name-only
// matching rather than blocking resolution.
func (r *Resolver) backfillCoordinates(ctx context.Context, v *venue.CanonicalVenue) {
	if r.discovery == nil || v.Lat != 0 || v.Lng != 0 {
		return
	}
	pi, ok := v.PlatformIDs[booking.PlatformGooglePlaces]
	if !ok || pi.ExternalID == "" {
		return
	}

	fresh, err := r.discovery.Details(ctx, pi.ExternalID)
	if err != nil {
		r.logger.Warn("coordinate backfill failed",
			zap.String("venue_id", v.ID.String()),
			zap.Error(err))
		return
	}
	v.Lat, v.Lng = fresh.Lat, fresh.Lng
	if v.Address == "" {
		v.Address = fresh.Address
	}
	if err := r.venues.Save(ctx, v); err != nil {
		r.logger.Warn("failed to persist backfilled coordinates",
			zap.String("venue_id", v.ID.String()),
			zap.Error(err))
	}
}

func (r *Resolver) cached(ctx context.Context, venueID uuid.UUID, p booking.Platform) (venue.PlatformIdentifier, bool) {
	if r.cache == nil {
		return venue.PlatformIdentifier{}, false
	}
	pi, ok, err := r.cache.Get(ctx, refKey(venueID, p))
	if err != nil {
		r.logger.Warn("identifier cache read failed",
			zap.String("venue_id", venueID.String()),
			zap.String("platform", p.String()),
			zap.Error(err))
		return venue.PlatformIdentifier{}, false
	}
	return pi, ok && pi.Confident()
}

func (r *Resolver) remember(ctx context.Context, venueID uuid.UUID, pi venue.PlatformIdentifier) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, refKey(venueID, pi.Platform), pi); err != nil {
		r.logger.Warn("identifier cache write failed",
			zap.String("venue_id", venueID.String()),
			zap.String("platform", pi.Platform.String()),
			zap.Error(err))
	}
}

func refKey(venueID uuid.UUID, p booking.Platform) string {
	return "xref:" + venueID.String() + ":" + p.String()
}

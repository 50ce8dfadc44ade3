package venues

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/domain/venue"
	"github.com/reserva/backend/internal/infrastructure/resilience"
)

// defaultDiscoverLimit bounds how many venues one discovery query may create
const defaultDiscoverLimit = 10

// Service answers venue queries. Known venues come from the local repository;
// unknown queries fall through to the paid discovery upstream and the results
// are persisted so the spend happens once per venue, not once per request.
type Service struct {
	venues    venue.Repository
	refs      venue.CrossReferenceStore
	discovery venue.Discovery
	breakers  *resilience.Registry
	vault     credential.Vault
	logger    *zap.Logger
}

// ServiceOption is a functional option for configuring the service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates the venue query service
func NewService(
	venues venue.Repository,
	refs venue.CrossReferenceStore,
	discovery venue.Discovery,
	breakers *resilience.Registry,
	vault credential.Vault,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		venues:    venues,
		refs:      refs,
		discovery: discovery,
		breakers:  breakers,
		vault:     vault,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get loads one canonical venue with its platform identifiers
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*venue.CanonicalVenue, error) {
	return s.venues.FindByID(ctx, id)
}

// Search returns venues matching the query. Local matches short-circuit the
// discovery upstream; an empty query lists everything already known. Newly
// discovered venues are persisted before they are returned, deduplicated
// against earlier discoveries by their discovery identifier.
func (s *Service) Search(ctx context.Context, query string, lat, lng float64, limit int) ([]*venue.CanonicalVenue, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.venues.List(ctx)
	}
	if limit <= 0 {
		limit = defaultDiscoverLimit
	}

	local, err := s.venues.FindByName(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search venues: %w", err)
	}
	if len(local) > 0 {
		return local, nil
	}

	return s.discover(ctx, query, lat, lng, limit)
}

func (s *Service) discover(ctx context.Context, query string, lat, lng float64, limit int) ([]*venue.CanonicalVenue, error) {
	if s.discovery == nil {
		return nil, fmt.Errorf("%w: discovery not configured", shared.ErrInvalidInput)
	}

	var found []*venue.CanonicalVenue
	err := platformCall(ctx, s.breakers, s.vault, s.logger, booking.PlatformGooglePlaces, func(ctx context.Context) error {
		var derr error
		found, derr = s.discovery.Discover(ctx, query, lat, lng, limit)
		return derr
	})
	if err != nil {
		return nil, err
	}

	venues := make([]*venue.CanonicalVenue, 0, len(found))
	for _, v := range found {
		persisted, err := s.persistDiscovered(ctx, v)
		if err != nil {
			s.logger.Warn("failed to persist discovered venue",
				zap.String("venue", v.Name),
				zap.Error(err))
			continue
		}
		venues = append(venues, persisted)
	}

	s.logger.Info("venues discovered",
		zap.String("query", query),
		zap.Int("count", len(venues)))
	return venues, nil
}

// persistDiscovered saves a discovery hit, reusing the existing canonical
// record when a venue with the same discovery identifier is already known.
func (s *Service) persistDiscovered(ctx context.Context, v *venue.CanonicalVenue) (*venue.CanonicalVenue, error) {
	pi, ok := v.PlatformIDs[booking.PlatformGooglePlaces]
	if ok && pi.ExternalID != "" {
		existingID, err := s.refs.FindVenue(ctx, booking.PlatformGooglePlaces, pi.ExternalID)
		if err != nil {
			return nil, err
		}
		if existingID != uuid.Nil {
			return s.venues.FindByID(ctx, existingID)
		}
	}

	if err := s.venues.Save(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// platformCall runs op inside the platform's circuit breaker, allowing one
// credential refresh and a single re-attempt after an auth failure.
func platformCall(ctx context.Context, breakers *resilience.Registry, vault credential.Vault, logger *zap.Logger, p booking.Platform, op func(context.Context) error) error {
	guarded := func(ctx context.Context) error {
		return breakers.Execute(ctx, p.String(), op)
	}

	err := guarded(ctx)
	if class, ok := resilience.ClassOf(err); !ok || class != resilience.ClassAuth {
		return err
	}
	if _, rerr := vault.Refresh(ctx, p); rerr != nil {
		logger.Warn("credential refresh failed",
			zap.String("platform", p.String()),
			zap.Error(rerr))
		return err
	}
	return guarded(ctx)
}

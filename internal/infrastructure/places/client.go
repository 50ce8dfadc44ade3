// Package places adapts the Google Places (New) API to the venue discovery
// port. Every call is metered in cents against a budget ledger; the field
// masks request only the fields the canonical venue model keeps.
package places

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/domain/venue"
	"github.com/reserva/backend/internal/infrastructure/resilience"
	"github.com/reserva/backend/internal/infrastructure/transport"
)

const (
	// ServiceName keys the breaker registry, retry logs and metrics
	ServiceName = "google_places"

	defaultBaseURL = "https://places.googleapis.com"

	// searchRadiusMeters biases text search to a walkable neighborhood
	searchRadiusMeters = 1500.0

	searchFieldMask  = "places.id,places.displayName,places.formattedAddress,places.location"
	detailsFieldMask = "id,displayName,formattedAddress,location"
)

// Doer performs one logical upstream request
type Doer interface {
	Do(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResult, error)
}

// Client is the Google Places discovery adapter
type Client struct {
	doer    Doer
	vault   credential.Vault
	ledger  *CostLedger
	baseURL string
	logger  *zap.Logger
}

// Option is a functional option for configuring the client
type Option func(*Client)

// WithBaseURL overrides the API base URL
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Places adapter over a transport ladder, a credential
// vault and a cost ledger.
func NewClient(doer Doer, vault credential.Vault, ledger *CostLedger, opts ...Option) *Client {
	c := &Client{
		doer:    doer,
		vault:   vault,
		ledger:  ledger,
		baseURL: defaultBaseURL,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ venue.Discovery = (*Client)(nil)

// Ledger exposes the spend ledger for health reporting
func (c *Client) Ledger() *CostLedger {
	return c.ledger
}

// header builds the per-call headers with the key and a field mask
func (c *Client) header(ctx context.Context, fieldMask string) (http.Header, error) {
	creds, err := c.vault.Credentials(ctx, booking.PlatformGooglePlaces)
	if err != nil {
		return nil, resilience.NewClassified(ServiceName, "credentials", resilience.ClassAuth, err)
	}
	if creds.APIKey == "" {
		return nil, resilience.NewClassified(ServiceName, "credentials", resilience.ClassAuth,
			credential.ErrCredentialsAbsent)
	}
	h := http.Header{}
	h.Set("X-Goog-Api-Key", creds.APIKey)
	h.Set("X-Goog-FieldMask", fieldMask)
	h.Set("Accept", "application/json")
	return h, nil
}

// place is the subset of a Places response the canonical model keeps
type place struct {
	ID          string `json:"id"`
	DisplayName struct {
		Text string `json:"text"`
	} `json:"displayName"`
	FormattedAddress string `json:"formattedAddress"`
	Location         struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

type searchResponse struct {
	Places []place `json:"places"`
}

// Discover searches for venues matching a free-text query, biased to the
// given location when one is set.
func (c *Client) Discover(ctx context.Context, query string, lat, lng float64, limit int) ([]*venue.CanonicalVenue, error) {
	if err := c.ledger.Authorize("searchText"); err != nil {
		return nil, err
	}
	header, err := c.header(ctx, searchFieldMask)
	if err != nil {
		return nil, err
	}
	header.Set("Content-Type", "application/json")

	if limit <= 0 || limit > 20 {
		limit = 10
	}
	body := map[string]any{
		"textQuery":      query,
		"maxResultCount": limit,
		"languageCode":   "en",
	}
	if lat != 0 || lng != 0 {
		body["locationBias"] = map[string]any{
			"circle": map[string]any{
				"center": map[string]float64{"latitude": lat, "longitude": lng},
				"radius": searchRadiusMeters,
			},
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	res, err := c.doer.Do(ctx, &transport.FetchRequest{
		Service:     ServiceName,
		Op:          "searchText",
		Method:      http.MethodPost,
		URL:         c.baseURL + "/v1/places:searchText",
		Header:      header,
		Body:        payload,
		CheckSchema: checkJSON("searchText"),
	})
	c.ledger.Record(ctx, "searchText", resultStatus(res), false)
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, resilience.NewSchemaChange(ServiceName, "searchText",
			resilience.Fingerprint(res.Status, "search-body", res.Body), err)
	}

	venues := make([]*venue.CanonicalVenue, 0, len(parsed.Places))
	for _, p := range parsed.Places {
		v, err := toCanonical(p)
		if err != nil {
			continue
		}
		venues = append(venues, v)
	}
	return venues, nil
}

// Details re-reads one place by id, used to backfill venue coordinates
func (c *Client) Details(ctx context.Context, externalID string) (*venue.CanonicalVenue, error) {
	if err := c.ledger.Authorize("details"); err != nil {
		return nil, err
	}
	header, err := c.header(ctx, detailsFieldMask)
	if err != nil {
		return nil, err
	}

	res, err := c.doer.Do(ctx, &transport.FetchRequest{
		Service:     ServiceName,
		Op:          "details",
		Method:      http.MethodGet,
		URL:         c.baseURL + "/v1/places/" + url.PathEscape(externalID),
		Header:      header,
		CheckSchema: checkJSON("details"),
	})
	c.ledger.Record(ctx, "details", resultStatus(res), false)
	if err != nil {
		return nil, err
	}

	var parsed place
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, resilience.NewSchemaChange(ServiceName, "details",
			resilience.Fingerprint(res.Status, "details-body", res.Body), err)
	}
	return toCanonical(parsed)
}

// toCanonical builds a canonical venue from a place, recording the place id
// as a fully-confident identifier so later detail reads keep their handle.
func toCanonical(p place) (*venue.CanonicalVenue, error) {
	v, err := venue.NewCanonicalVenue(
		p.DisplayName.Text,
		p.FormattedAddress,
		parseLocality(p.FormattedAddress),
		p.Location.Latitude,
		p.Location.Longitude,
	)
	if err != nil {
		return nil, err
	}
	if p.ID != "" {
		v.SetIdentifier(venue.PlatformIdentifier{
			Platform:   booking.PlatformGooglePlaces,
			ExternalID: p.ID,
			Confidence: 1,
			ResolvedAt: time.Now(),
		})
	}
	return v, nil
}

// parseLocality extracts the city component from a formatted address like
// "55 W 3rd St, New York, NY 10012, USA".
func parseLocality(address string) string {
	parts := strings.Split(address, ",")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// resultStatus reads a status off a possibly-nil result
func resultStatus(res *transport.FetchResult) int {
	if res == nil {
		return 0
	}
	return res.Status
}

// checkJSON rejects non-JSON bodies, catching quota interstitials and
// rewrites before parsing.
func checkJSON(op string) func(*transport.FetchResult) error {
	return func(res *transport.FetchResult) error {
		if !json.Valid(res.Body) {
			return fmt.Errorf("places %s: response is not JSON", op)
		}
		return nil
	}
}

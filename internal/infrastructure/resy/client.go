// Package resy adapts the Resy consumer API to the booking provider and
// venue-search ports. Every call travels through the transport escalation
// client with browser-shaped headers; failures come back classified.
package resy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/infrastructure/resilience"
	"github.com/reserva/backend/internal/infrastructure/transport"
)

const (
	// ServiceName keys the breaker registry, retry logs and metrics
	ServiceName = "resy"

	defaultBaseURL = "https://api.resy.com"
	sitePage       = "https://resy.com/"
	siteOrigin     = "https://resy.com"

	// bookingSource is the source_id Resy's own frontend sends on /3/book
	bookingSource = "resy.com-venue-details"
)

var (
	// errTokenMissing indicates the auth response carried no session token
	errTokenMissing = errors.New("resy: auth response carries no token")
	// errBookTokenMissing indicates the details response carried no book token,
	// which in practice means the slot is no longer offered
	errBookTokenMissing = errors.New("resy: no book token for slot")
)

// Doer performs one logical upstream request. Implemented by the transport
// escalation client; narrowed to an interface so tests can substitute ladders.
type Doer interface {
	Do(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResult, error)
}

// Client is the Resy adapter
type Client struct {
	doer    Doer
	vault   credential.Vault
	baseURL string
	logger  *zap.Logger

	mu        sync.Mutex
	authToken string
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

// NewClient creates a Resy adapter over a transport ladder and a credential
// vault.
func NewClient(doer Doer, vault credential.Vault, opts ...Option) *Client {
	c := &Client{
		doer:    doer,
		vault:   vault,
		baseURL: defaultBaseURL,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ booking.Provider      = (*Client)(nil)
	_ booking.VenueSearcher = (*Client)(nil)
)

// Platform identifies the adapter
func (c *Client) Platform() booking.Platform {
	return booking.PlatformResy
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

type authResponse struct {
	Token string `json:"token"`
}

// sessionToken returns the cached session token, logging in when none is
// held. Login travels the full ladder: the browser rung replays the password
// call from page context when the API route serves a challenge.
func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.authToken != "" {
		tok := c.authToken
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	creds, err := c.vault.Credentials(ctx, booking.PlatformResy)
	if err != nil {
		return "", resilience.NewClassified(ServiceName, "auth", resilience.ClassAuth, err)
	}
	if !creds.HasLogin() {
		return "", resilience.NewClassified(ServiceName, "auth", resilience.ClassAuth, credential.ErrCredentialsAbsent)
	}

	form := url.Values{}
	form.Set("email", creds.Email)
	form.Set("password", creds.Password)

	header := c.baseHeader(creds.APIKey)
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.doer.Do(ctx, &transport.FetchRequest{
		Service: ServiceName,
		Op:      "auth",
		Method:  http.MethodPost,
		URL:     c.baseURL + "/3/auth/password",
		Header:  header,
		Body:    []byte(form.Encode()),
		PageURL: sitePage,
		CheckSchema: func(res *transport.FetchResult) error {
			var parsed authResponse
			if err := json.Unmarshal(res.Body, &parsed); err != nil {
				return err
			}
			if parsed.Token == "" {
				return errTokenMissing
			}
			return nil
		},
	})
	if err != nil {
		return "", err
	}

	var parsed authResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return "", resilience.NewSchemaChange(ServiceName, "auth",
			resilience.Fingerprint(res.Status, "auth-body", res.Body), err)
	}

	c.mu.Lock()
	c.authToken = parsed.Token
	c.mu.Unlock()
	c.logger.Info("resy session established", zap.String("strategy", res.Strategy.String()))
	return parsed.Token, nil
}

// clearSession drops the cached token so the next call re-authenticates
func (c *Client) clearSession() {
	c.mu.Lock()
	c.authToken = ""
	c.mu.Unlock()
}

// baseHeader builds the browser-shaped headers Resy expects on every call.
// The transport strategies fill the user agent.
func (c *Client) baseHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", fmt.Sprintf("ResyAPI api_key=%q", apiKey))
	h.Set("Accept", "application/json")
	h.Set("Origin", siteOrigin)
	h.Set("Referer", sitePage)
	h.Set("X-Origin", siteOrigin)
	h.Set("Cache-Control", "no-cache")
	return h
}

// header returns call headers, optionally establishing a session first
func (c *Client) header(ctx context.Context, authed bool) (http.Header, error) {
	creds, err := c.vault.Credentials(ctx, booking.PlatformResy)
	if err != nil {
		return nil, resilience.NewClassified(ServiceName, "credentials", resilience.ClassAuth, err)
	}
	h := c.baseHeader(creds.APIKey)
	if authed {
		tok, err := c.sessionToken(ctx)
		if err != nil {
			return nil, err
		}
		h.Set("X-Resy-Auth-Token", tok)
		h.Set("X-Resy-Universal-Auth", tok)
	}
	return h, nil
}

// do forwards to the ladder, dropping the cached session on auth rejections
// so the next attempt re-authenticates with fresh credentials.
func (c *Client) do(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResult, error) {
	res, err := c.doer.Do(ctx, req)
	if err != nil {
		if class, ok := resilience.ClassOf(err); ok && class == resilience.ClassAuth {
			c.clearSession()
		}
		return nil, err
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Availability
// ---------------------------------------------------------------------------

type findResponse struct {
	Results struct {
		Venues []struct {
			Slots []findSlot `json:"slots"`
		} `json:"venues"`
	} `json:"results"`
}

type findSlot struct {
	Config struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	} `json:"config"`
	Date struct {
		Start string `json:"start"`
	} `json:"date"`
}

// FindSlots lists open slots for a venue and day via /4/find
func (c *Client) FindSlots(ctx context.Context, q booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	header, err := c.header(ctx, false)
	if err != nil {
		return nil, err
	}

	qs := url.Values{}
	qs.Set("venue_id", q.ExternalID)
	qs.Set("day", q.Day)
	qs.Set("party_size", strconv.Itoa(q.PartySize))
	qs.Set("lat", "0")
	qs.Set("long", "0")

	res, err := c.do(ctx, &transport.FetchRequest{
		Service:     ServiceName,
		Op:          "find",
		Method:      http.MethodGet,
		URL:         c.baseURL + "/4/find?" + qs.Encode(),
		Header:      header,
		PageURL:     sitePage,
		CheckSchema: checkJSON("find"),
	})
	if err != nil {
		return nil, err
	}

	var parsed findResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, resilience.NewSchemaChange(ServiceName, "find",
			resilience.Fingerprint(res.Status, "find-body", res.Body), err)
	}
	if len(parsed.Results.Venues) == 0 {
		return nil, nil
	}

	slots := make([]booking.TimeSlot, 0, len(parsed.Results.Venues[0].Slots))
	for _, s := range parsed.Results.Venues[0].Slots {
		if s.Config.Token == "" {
			continue
		}
		start, err := time.Parse(booking.SlotTimeFormat, s.Date.Start)
		if err != nil {
			c.logger.Warn("resy slot with unparseable start",
				zap.String("start", s.Date.Start))
			continue
		}
		slots = append(slots, booking.TimeSlot{
			Start:      start,
			Token:      s.Config.Token,
			ConfigType: s.Config.Type,
			Platform:   booking.PlatformResy,
		})
	}
	return slots, nil
}

// ---------------------------------------------------------------------------
// Booking
// ---------------------------------------------------------------------------

type detailsResponse struct {
	BookToken struct {
		Value string `json:"value"`
	} `json:"book_token"`
	User struct {
		PaymentMethods []struct {
			ID int64 `json:"id"`
		} `json:"payment_methods"`
	} `json:"user"`
}

type bookResponse struct {
	ResyToken     string      `json:"resy_token"`
	ReservationID json.Number `json:"reservation_id"`
}

// Book submits one reservation: a details read mints the book token, then a
// single form post dispatches it. The post runs on exactly one strategy and
// is never retried; a lost response surfaces as an unknown outcome.
func (c *Client) Book(ctx context.Context, order booking.BookOrder) (*booking.Confirmation, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	header, err := c.header(ctx, true)
	if err != nil {
		return nil, err
	}

	details, err := c.fetchDetails(ctx, header, order)
	if err != nil {
		return nil, err
	}
	if details.BookToken.Value == "" {
		return nil, resilience.NewClassified(ServiceName, "details", resilience.ClassPermanent, errBookTokenMissing)
	}

	form := url.Values{}
	form.Set("book_token", details.BookToken.Value)
	form.Set("source_id", bookingSource)
	if len(details.User.PaymentMethods) > 0 {
		pm, merr := json.Marshal(struct {
			ID int64 `json:"id"`
		}{ID: details.User.PaymentMethods[0].ID})
		if merr == nil {
			form.Set("struct_payment_method", string(pm))
		}
	}

	bookHeader := header.Clone()
	bookHeader.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.do(ctx, &transport.FetchRequest{
		Service:       ServiceName,
		Op:            "book",
		Method:        http.MethodPost,
		URL:           c.baseURL + "/3/book",
		Header:        bookHeader,
		Body:          []byte(form.Encode()),
		StateChanging: true,
		PageURL:       sitePage,
	})
	if err != nil {
		if transport.OutcomeLost(err) {
			return nil, ambiguousSubmit("book", err)
		}
		return nil, err
	}

	var parsed bookResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, ambiguousSubmit("book", err)
	}
	ref := parsed.ResyToken
	if ref == "" {
		ref = parsed.ReservationID.String()
	}
	if ref == "" || ref == "0" {
		return nil, ambiguousSubmit("book", errors.New("confirmation carries no reference"))
	}
	return &booking.Confirmation{
		Platform:    booking.PlatformResy,
		ExternalRef: ref,
	}, nil
}

// fetchDetails exchanges a slot token for a book token via /3/details
func (c *Client) fetchDetails(ctx context.Context, header http.Header, order booking.BookOrder) (*detailsResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"config_id":  order.Slot.Token,
		"day":        order.Day,
		"party_size": order.PartySize,
	})
	if err != nil {
		return nil, err
	}
	detailsHeader := header.Clone()
	detailsHeader.Set("Content-Type", "application/json")

	res, err := c.do(ctx, &transport.FetchRequest{
		Service:     ServiceName,
		Op:          "details",
		Method:      http.MethodPost,
		URL:         c.baseURL + "/3/details",
		Header:      detailsHeader,
		Body:        payload,
		PageURL:     sitePage,
		CheckSchema: checkJSON("details"),
	})
	if err != nil {
		return nil, err
	}

	var parsed detailsResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, resilience.NewSchemaChange(ServiceName, "details",
			resilience.Fingerprint(res.Status, "details-body", res.Body), err)
	}
	return &parsed, nil
}

// Cancel cancels a reservation by its resy token
func (c *Client) Cancel(ctx context.Context, externalRef string) error {
	header, err := c.header(ctx, true)
	if err != nil {
		return err
	}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	form := url.Values{}
	form.Set("resy_token", externalRef)

	_, err = c.do(ctx, &transport.FetchRequest{
		Service:       ServiceName,
		Op:            "cancel",
		Method:        http.MethodPost,
		URL:           c.baseURL + "/3/cancel",
		Header:        header,
		Body:          []byte(form.Encode()),
		StateChanging: true,
		PageURL:       sitePage,
	})
	return err
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

type userReservation struct {
	ResyToken string `json:"resy_token"`
	Day       string `json:"day"`
	NumSeats  int    `json:"num_seats"`
	Venue     struct {
		ID json.Number `json:"id"`
	} `json:"venue"`
}

// Reconcile reads the account's reservations and looks for one matching the
// venue and day, used after an ambiguous submission. The read is authed and
// may escalate like any other read.
func (c *Client) Reconcile(ctx context.Context, externalID, day string, partySize int) (*booking.Confirmation, error) {
	header, err := c.header(ctx, true)
	if err != nil {
		return nil, err
	}

	res, err := c.do(ctx, &transport.FetchRequest{
		Service:     ServiceName,
		Op:          "reconcile",
		Method:      http.MethodGet,
		URL:         c.baseURL + "/3/user/reservations",
		Header:      header,
		PageURL:     sitePage,
		CheckSchema: checkJSON("reconcile"),
	})
	if err != nil {
		return nil, err
	}

	for _, r := range parseUserReservations(res.Body) {
		if r.Venue.ID.String() != externalID || r.Day != day {
			continue
		}
		if partySize > 0 && r.NumSeats > 0 && r.NumSeats != partySize {
			continue
		}
		return &booking.Confirmation{
			Platform:    booking.PlatformResy,
			ExternalRef: r.ResyToken,
			Verified:    true,
		}, nil
	}
	return nil, booking.ErrNotReconciled
}

// parseUserReservations accepts both response shapes the endpoint has served:
// a bare array and an object wrapping a reservations array.
func parseUserReservations(body []byte) []userReservation {
	var list []userReservation
	if err := json.Unmarshal(body, &list); err == nil {
		return list
	}
	var wrapped struct {
		Reservations []userReservation `json:"reservations"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Reservations
	}
	return nil
}

// ---------------------------------------------------------------------------
// Venue search
// ---------------------------------------------------------------------------

type venueSearchResponse struct {
	Search struct {
		Hits []venueHit `json:"hits"`
	} `json:"search"`
}

// venueHit is one search hit. The id field has shipped as both a nested
// object keyed by platform and a bare scalar; both decode here.
type venueHit struct {
	ID       json.RawMessage `json:"id"`
	ObjectID string          `json:"objectID"`
	Name     string          `json:"name"`
	URLSlug  string          `json:"url_slug"`
	Location struct {
		Name          string `json:"name"`
		StreetAddress string `json:"street_address"`
	} `json:"location"`
	Geoloc struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"_geoloc"`
}

// SearchVenues queries Resy's own venue search for the identity resolver
func (c *Client) SearchVenues(ctx context.Context, query string, lat, lng float64) ([]booking.VenueCandidate, error) {
	header, err := c.header(ctx, false)
	if err != nil {
		return nil, err
	}
	header.Set("Content-Type", "application/json")

	payload := map[string]any{"query": query}
	if lat != 0 || lng != 0 {
		payload["geo"] = map[string]float64{"latitude": lat, "longitude": lng}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	res, err := c.do(ctx, &transport.FetchRequest{
		Service:     ServiceName,
		Op:          "venuesearch",
		Method:      http.MethodPost,
		URL:         c.baseURL + "/3/venuesearch/search",
		Header:      header,
		Body:        body,
		PageURL:     sitePage,
		CheckSchema: checkJSON("venuesearch"),
	})
	if err != nil {
		return nil, err
	}

	var parsed venueSearchResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, resilience.NewSchemaChange(ServiceName, "venuesearch",
			resilience.Fingerprint(res.Status, "venuesearch-body", res.Body), err)
	}

	candidates := make([]booking.VenueCandidate, 0, len(parsed.Search.Hits))
	for _, hit := range parsed.Search.Hits {
		id := hit.venueID()
		if id == "" {
			continue
		}
		candidates = append(candidates, booking.VenueCandidate{
			ExternalID: id,
			Name:       hit.Name,
			Address:    hit.Location.StreetAddress,
			Locality:   hit.Location.Name,
			Lat:        hit.Geoloc.Lat,
			Lng:        hit.Geoloc.Lng,
			Slug:       hit.URLSlug,
		})
	}
	return candidates, nil
}

// venueID extracts the hit's venue id from its historical encodings
func (h venueHit) venueID() string {
	if len(h.ID) > 0 {
		var nested struct {
			Resy json.Number `json:"resy"`
		}
		if err := json.Unmarshal(h.ID, &nested); err == nil && nested.Resy.String() != "" && nested.Resy.String() != "0" {
			return nested.Resy.String()
		}
		var scalar json.Number
		if err := json.Unmarshal(h.ID, &scalar); err == nil && scalar.String() != "" && scalar.String() != "0" {
			return scalar.String()
		}
		var str string
		if err := json.Unmarshal(h.ID, &str); err == nil && str != "" {
			return str
		}
	}
	return h.ObjectID
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// checkJSON rejects responses whose body is not a JSON document, catching
// challenge interstitials and layout rewrites that slip past the signature
// checks.
func checkJSON(op string) func(*transport.FetchResult) error {
	return func(res *transport.FetchResult) error {
		if !json.Valid(res.Body) {
			return fmt.Errorf("resy %s: response is not JSON", op)
		}
		return nil
	}
}

// ambiguousSubmit wraps a post-dispatch failure so callers run the
// reconciliation policy instead of treating the submission as failed.
func ambiguousSubmit(op string, cause error) error {
	return resilience.NewClassified(ServiceName, op, resilience.ClassTransient,
		fmt.Errorf("%w: %v", booking.ErrOutcomeUnknown, cause))
}

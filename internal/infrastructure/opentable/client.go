// Package opentable adapts OpenTable's frontend DAPI to the booking provider
// and venue-search ports. Venue identity rides on numeric restaurant ids
// scraped from restaurant pages; submissions require session trust material
// from the vault or a logged-in browser profile.
package opentable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/credential"
	"github.com/reserva/backend/internal/infrastructure/resilience"
	"github.com/reserva/backend/internal/infrastructure/transport"
)

const (
	// ServiceName keys the breaker registry, retry logs and metrics
	ServiceName = "opentable"

	defaultBaseURL = "https://www.opentable.com"

	// defaultPivotTime centers the availability window when the caller has
	// no preference; the DAPI requires one
	defaultPivotTime = "19:00"

	// maxSlugProbes bounds the page fetches one venue search may issue
	maxSlugProbes = 4
)

// errNoSession indicates neither a CSRF token nor a browser page is available
// for a state-changing call
var errNoSession = errors.New("opentable: no session trust material configured")

// The restaurant page embeds its numeric id in several shapes depending on
// the rendering path; all three have been observed in the wild.
var ridPatterns = []*regexp.Regexp{
	regexp.MustCompile(`data-rid="(\d+)"`),
	regexp.MustCompile(`"rid"\s*:\s*(\d+)`),
	regexp.MustCompile(`"restaurantId"\s*:\s*(\d+)`),
}

var (
	ogTitlePattern   = regexp.MustCompile(`<meta\s+property="og:title"\s+content="([^"]+)"`)
	pageTitlePattern = regexp.MustCompile(`<title>([^<]+)</title>`)
)

// Doer performs one logical upstream request
type Doer interface {
	Do(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResult, error)
}

// Client is the OpenTable adapter
type Client struct {
	doer    Doer
	vault   credential.Vault
	baseURL string
	logger  *zap.Logger
}

// Option is a functional option for configuring the client
type Option func(*Client)

// WithBaseURL overrides the site base URL
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

// NewClient creates an OpenTable adapter over a transport ladder and a
// credential vault.
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
	return booking.PlatformOpenTable
}

// header builds the browser-shaped headers for DAPI calls, attaching any
// stored session cookies so the plain HTTP rung can carry session trust.
func (c *Client) header(ctx context.Context) (http.Header, *credential.Credentials, error) {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Origin", c.baseURL)
	h.Set("Referer", c.baseURL+"/")

	creds, err := c.vault.Credentials(ctx, booking.PlatformOpenTable)
	if err != nil {
		if errors.Is(err, credential.ErrCredentialsAbsent) {
			return h, nil, nil
		}
		return nil, nil, resilience.NewClassified(ServiceName, "credentials", resilience.ClassAuth, err)
	}
	if cookie := cookieHeader(creds.Cookies); cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h, creds, nil
}

// cookieHeader renders a cookie map as a request header value
func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for name, value := range cookies {
		pairs = append(pairs, name+"="+value)
	}
	return strings.Join(pairs, "; ")
}

// ---------------------------------------------------------------------------
// Availability
// ---------------------------------------------------------------------------

// availabilityQuery is the GraphQL operation the OpenTable frontend issues
// for its own availability widget.
const availabilityQuery = `
query RestaurantsAvailability($onlyPop: Boolean, $requestedDate: String!,
  $requestedTime: String!, $covers: Int!, $restaurantIds: [Int!]!) {
  availability(
    onlyPop: $onlyPop
    requestedDate: $requestedDate
    requestedTime: $requestedTime
    covers: $covers
    restaurantIds: $restaurantIds
  ) {
    restaurantId
    availabilityDays {
      date
      slots {
        dateTime
        timeString
        slotAvailabilityToken
        slotHash
      }
    }
  }
}
`

type availabilityResponse struct {
	Data struct {
		Availability []struct {
			AvailabilityDays []struct {
				Date  string `json:"date"`
				Slots []struct {
					DateTime              string `json:"dateTime"`
					TimeString            string `json:"timeString"`
					SlotAvailabilityToken string `json:"slotAvailabilityToken"`
					SlotHash              string `json:"slotHash"`
				} `json:"slots"`
			} `json:"availabilityDays"`
		} `json:"availability"`
	} `json:"data"`
}

// FindSlots lists open slots via the DAPI availability GraphQL operation.
// The slot token and hash pack into one pipe-separated token so a slot stays
// a single opaque value across the booking flow.
func (c *Client) FindSlots(ctx context.Context, q booking.AvailabilityQuery) ([]booking.TimeSlot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	rid, err := strconv.Atoi(q.ExternalID)
	if err != nil {
		return nil, resilience.NewClassified(ServiceName, "availability", resilience.ClassPermanent,
			fmt.Errorf("restaurant id %q is not numeric", q.ExternalID))
	}

	header, _, err := c.header(ctx)
	if err != nil {
		return nil, err
	}
	header.Set("Content-Type", "application/json")

	payload, err := json.Marshal(map[string]any{
		"operationName": "RestaurantsAvailability",
		"query":         availabilityQuery,
		"variables": map[string]any{
			"onlyPop":       false,
			"requestedDate": q.Day,
			"requestedTime": defaultPivotTime,
			"covers":        q.PartySize,
			"restaurantIds": []int{rid},
		},
	})
	if err != nil {
		return nil, err
	}

	res, err := c.doer.Do(ctx, &transport.FetchRequest{
		Service: ServiceName,
		Op:      "availability",
		Method:  http.MethodPost,
		URL:     c.baseURL + "/dapi/fe/gql?optype=query&opname=RestaurantsAvailability",
		Header:  header,
		Body:    payload,
		PageURL: c.baseURL + "/",
		CheckSchema: func(res *transport.FetchResult) error {
			var parsed availabilityResponse
			if err := json.Unmarshal(res.Body, &parsed); err != nil {
				return err
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	var parsed availabilityResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, resilience.NewSchemaChange(ServiceName, "availability",
			resilience.Fingerprint(res.Status, "availability-body", res.Body), err)
	}

	var slots []booking.TimeSlot
	for _, avail := range parsed.Data.Availability {
		for _, day := range avail.AvailabilityDays {
			for _, s := range day.Slots {
				if s.SlotAvailabilityToken == "" {
					continue
				}
				start, ok := slotStart(s.DateTime, day.Date, s.TimeString, q.Day)
				if !ok {
					continue
				}
				slots = append(slots, booking.TimeSlot{
					Start:      start,
					Token:      s.SlotAvailabilityToken + "|" + s.SlotHash,
					ConfigType: "Standard",
					Platform:   booking.PlatformOpenTable,
				})
			}
		}
	}
	return slots, nil
}

// slotStart derives a slot's start from the fields the DAPI populates:
// dateTime when present, otherwise the day's date plus the display time.
func slotStart(dateTime, dayDate, timeString, fallbackDay string) (time.Time, bool) {
	if dateTime != "" {
		if t, err := time.Parse("2006-01-02T15:04", dateTime); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02T15:04:05", dateTime); err == nil {
			return t, true
		}
	}
	day := dayDate
	if day == "" {
		day = fallbackDay
	}
	clock := parseClock(timeString)
	if clock == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02 15:04", day+" "+clock)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseClock normalizes slot display times to HH:MM. The DAPI has served
// both 24h strings and 12h strings like "7:00 PM".
func parseClock(text string) string {
	text = strings.ToUpper(strings.TrimSpace(text))
	if text == "" {
		return ""
	}

	isPM := strings.Contains(text, "PM")
	isAM := strings.Contains(text, "AM")
	if !isPM && !isAM {
		return strings.ReplaceAll(text, " ", "")
	}

	text = strings.TrimSpace(strings.NewReplacer("AM", "", "PM", "").Replace(text))
	parts := strings.SplitN(text, ":", 2)
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return ""
	}
	minute := "00"
	if len(parts) == 2 {
		minute = strings.TrimSpace(parts[1])
	}
	if isPM && hour != 12 {
		hour += 12
	} else if isAM && hour == 12 {
		hour = 0
	}
	return fmt.Sprintf("%02d:%s", hour, minute)
}

// ---------------------------------------------------------------------------
// Booking
// ---------------------------------------------------------------------------

type makeReservationResponse struct {
	ConfirmationNumber json.RawMessage `json:"confirmationNumber"`
	ReservationID      json.RawMessage `json:"reservationId"`
}

// Book submits one reservation through the make-reservation endpoint. The
// call carries session trust: either stored cookies plus the CSRF token on
// the plain HTTP rung, or a logged-in browser profile issuing the call from
// page context. One dispatch, no escalation.
func (c *Client) Book(ctx context.Context, order booking.BookOrder) (*booking.Confirmation, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	rid, err := strconv.Atoi(order.ExternalID)
	if err != nil {
		return nil, resilience.NewClassified(ServiceName, "book", resilience.ClassPermanent,
			fmt.Errorf("restaurant id %q is not numeric", order.ExternalID))
	}

	header, creds, err := c.header(ctx)
	if err != nil {
		return nil, err
	}
	if creds == nil || creds.CSRFToken == "" {
		return nil, resilience.NewClassified(ServiceName, "book", resilience.ClassAuth, errNoSession)
	}
	header.Set("Content-Type", "application/json")
	header.Set("x-csrf-token", creds.CSRFToken)

	token, hash := splitSlotToken(order.Slot.Token)
	dateTime := order.Day + "T" + order.Slot.Start.Format("15:04")

	first := order.GuestFirstName
	last := order.GuestLastName
	if first == "" {
		first = creds.GuestFirstName
	}
	if last == "" {
		last = creds.GuestLastName
	}

	payload, err := json.Marshal(map[string]any{
		"restaurantId":          rid,
		"slotAvailabilityToken": token,
		"slotHash":              hash,
		"covers":                order.PartySize,
		"dateTime":              dateTime,
		"firstName":             first,
		"lastName":              last,
		"email":                 creds.Email,
		"phoneNumber":           creds.Phone,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.doer.Do(ctx, &transport.FetchRequest{
		Service:         ServiceName,
		Op:              "book",
		Method:          http.MethodPost,
		URL:             c.baseURL + "/dapi/booking/make-reservation",
		Header:          header,
		Body:            payload,
		StateChanging:   true,
		RequiresSession: true,
		PageURL:         c.restaurantPage(order),
	})
	if err != nil {
		if transport.OutcomeLost(err) {
			return nil, ambiguousSubmit("book", err)
		}
		return nil, err
	}

	var parsed makeReservationResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, ambiguousSubmit("book", err)
	}
	ref := rawString(parsed.ConfirmationNumber)
	if ref == "" {
		ref = rawString(parsed.ReservationID)
	}
	if ref == "" {
		return nil, ambiguousSubmit("book", errors.New("confirmation carries no reference"))
	}
	return &booking.Confirmation{
		Platform:    booking.PlatformOpenTable,
		ExternalRef: ref,
	}, nil
}

// restaurantPage builds the prefilled booking-widget page the browser rung
// visits before issuing a page-context call.
func (c *Client) restaurantPage(order booking.BookOrder) string {
	qs := url.Values{}
	qs.Set("rid", order.ExternalID)
	qs.Set("covers", strconv.Itoa(order.PartySize))
	qs.Set("dateTime", order.Day+"T"+order.Slot.Start.Format("15:04"))
	return c.baseURL + "/restref/client/?" + qs.Encode()
}

// splitSlotToken unpacks the pipe-separated availability token and slot hash
func splitSlotToken(packed string) (token, hash string) {
	if i := strings.LastIndex(packed, "|"); i >= 0 {
		return packed[:i], packed[i+1:]
	}
	return packed, ""
}

// rawString renders a JSON value that has shipped as both a string and a
// number.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n.String() != "0" {
		return n.String()
	}
	return ""
}

// Cancel cancels a reservation by its confirmation number
func (c *Client) Cancel(ctx context.Context, externalRef string) error {
	header, creds, err := c.header(ctx)
	if err != nil {
		return err
	}
	if creds == nil || creds.CSRFToken == "" {
		return resilience.NewClassified(ServiceName, "cancel", resilience.ClassAuth, errNoSession)
	}
	header.Set("Content-Type", "application/json")
	header.Set("x-csrf-token", creds.CSRFToken)

	payload, err := json.Marshal(map[string]string{"confirmationNumber": externalRef})
	if err != nil {
		return err
	}

	_, err = c.doer.Do(ctx, &transport.FetchRequest{
		Service:         ServiceName,
		Op:              "cancel",
		Method:          http.MethodPost,
		URL:             c.baseURL + "/dapi/booking/cancel-reservation",
		Header:          header,
		Body:            payload,
		StateChanging:   true,
		RequiresSession: true,
		PageURL:         c.baseURL + "/",
	})
	return err
}

// Reconcile is unsupported: the DAPI exposes no stable reservations read, so
// ambiguous submissions stay unknown until verified manually.
func (c *Client) Reconcile(ctx context.Context, externalID, day string, partySize int) (*booking.Confirmation, error) {
	c.logger.Debug("opentable reconciliation unavailable",
		zap.String("restaurant_id", externalID),
		zap.String("day", day))
	return nil, booking.ErrNotReconciled
}

// ---------------------------------------------------------------------------
// Venue search
// ---------------------------------------------------------------------------

// SearchVenues probes candidate restaurant-page slugs derived from the query
// and extracts the numeric restaurant id from pages that resolve. Slug
// probing is noisier than a structured search; the resolver compensates with
// a stricter acceptance threshold.
func (c *Client) SearchVenues(ctx context.Context, query string, lat, lng float64) ([]booking.VenueCandidate, error) {
	header, _, err := c.header(ctx)
	if err != nil {
		return nil, err
	}
	header.Set("Accept", "text/html")

	var candidates []booking.VenueCandidate
	seen := make(map[string]bool)

	for _, slug := range slugCandidates(query) {
		page, finalSlug, err := c.fetchRestaurantPage(ctx, header, slug)
		if err != nil {
			var ce *resilience.ClassifiedError
			if errors.As(err, &ce) && ce.Class == resilience.ClassPermanent {
				// Slug does not resolve; try the next shape.
				continue
			}
			return nil, err
		}

		rid := extractRestaurantID(page)
		if rid == 0 || seen[strconv.Itoa(rid)] {
			continue
		}
		seen[strconv.Itoa(rid)] = true
		candidates = append(candidates, booking.VenueCandidate{
			ExternalID: strconv.Itoa(rid),
			Name:       extractPageName(page),
			Slug:       finalSlug,
		})
	}
	return candidates, nil
}

// fetchRestaurantPage fetches /r/{slug}, following one same-site redirect to
// the canonical slug. Challenge redirects never reach here; the transport
// classifies them first.
func (c *Client) fetchRestaurantPage(ctx context.Context, header http.Header, slug string) (body string, finalSlug string, err error) {
	target := c.baseURL + "/r/" + url.PathEscape(slug)

	for hop := 0; hop < 2; hop++ {
		res, err := c.doer.Do(ctx, &transport.FetchRequest{
			Service: ServiceName,
			Op:      "page",
			Method:  http.MethodGet,
			URL:     target,
			Header:  header,
			PageURL: target,
		})
		if err != nil {
			return "", "", err
		}

		if res.Status >= 300 && res.Status < 400 {
			loc := res.Header.Get("Location")
			next, ok := c.sameSiteSlugRedirect(loc)
			if !ok {
				return "", "", resilience.NewClassified(ServiceName, "page", resilience.ClassPermanent,
					fmt.Errorf("page for %q redirects off the restaurant path", slug))
			}
			target = next
			continue
		}

		parts := strings.Split(strings.TrimSuffix(target, "/"), "/r/")
		if len(parts) == 2 {
			finalSlug = strings.SplitN(parts[1], "?", 2)[0]
		}
		return string(res.Body), finalSlug, nil
	}
	return "", "", resilience.NewClassified(ServiceName, "page", resilience.ClassPermanent,
		fmt.Errorf("page for %q keeps redirecting", slug))
}

// sameSiteSlugRedirect resolves a redirect target when it stays on the
// restaurant path.
func (c *Client) sameSiteSlugRedirect(location string) (string, bool) {
	if location == "" {
		return "", false
	}
	if strings.HasPrefix(location, "/r/") {
		return c.baseURL + location, true
	}
	if strings.HasPrefix(location, c.baseURL+"/r/") {
		return location, true
	}
	return "", false
}

// extractRestaurantID pulls the numeric restaurant id out of page markup
func extractRestaurantID(page string) int {
	for _, pattern := range ridPatterns {
		if m := pattern.FindStringSubmatch(page); m != nil {
			rid, err := strconv.Atoi(m[1])
			if err == nil && rid > 0 {
				return rid
			}
		}
	}
	return 0
}

// extractPageName pulls the restaurant's display name from page metadata,
// trimming the site's title suffixes.
func extractPageName(page string) string {
	var title string
	if m := ogTitlePattern.FindStringSubmatch(page); m != nil {
		title = m[1]
	} else if m := pageTitlePattern.FindStringSubmatch(page); m != nil {
		title = m[1]
	}
	if i := strings.Index(title, "|"); i >= 0 {
		title = title[:i]
	}
	if i := strings.Index(title, " - "); i >= 0 {
		title = title[:i]
	}
	return strings.TrimSpace(title)
}

// slugCandidates derives probe slugs from a free-text query: the full slug
// first, then progressively shorter prefixes, bounded by maxSlugProbes.
func slugCandidates(query string) []string {
	words := strings.Fields(slugify(query))
	if len(words) == 0 {
		return nil
	}

	var out []string
	for n := len(words); n >= 1 && len(out) < maxSlugProbes; n-- {
		out = append(out, strings.Join(words[:n], "-"))
	}
	return out
}

// slugify lowercases and strips a name down to hyphen-joinable words
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '\'', r == '&', r == '/':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ambiguousSubmit wraps a post-dispatch failure so callers run the
// reconciliation policy instead of treating the submission as failed.
func ambiguousSubmit(op string, cause error) error {
	return resilience.NewClassified(ServiceName, op, resilience.ClassTransient,
		fmt.Errorf("%w: %v", booking.ErrOutcomeUnknown, cause))
}

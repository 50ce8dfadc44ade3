package booking

import (
	"fmt"
	"net/url"
	"strconv"
)

// DeepLinkRef carries the fields a manual booking link is built from. Every
// field except Name may be empty; the builder degrades to the richest link
// the available fields allow.
type DeepLinkRef struct {
	// ExternalID is the platform's venue identifier, when resolved
	ExternalID string
	// Slug is the platform's URL slug, when known
	Slug string
	// Name is the venue's display name
	Name string
	// Day is the calendar day, YYYY-MM-DD
	Day string
	// Time is the requested seating time, HH:MM
	Time string
	// PartySize is the number of covers
	PartySize int
}

// DeepLink builds a manually-actionable booking URL for the platform. It is
// a pure function: the manual fallback layer and failure results both use it
// and it never errors, the weakest output being a web search for the venue.
func DeepLink(p Platform, ref DeepLinkRef) string {
	switch p {
	case PlatformResy:
		return resyDeepLink(ref)
	case PlatformOpenTable:
		return opentableDeepLink(ref)
	default:
		return searchDeepLink(ref)
	}
}

func resyDeepLink(ref DeepLinkRef) string {
	q := url.Values{}
	if ref.Day != "" {
		q.Set("date", ref.Day)
	}
	if ref.PartySize > 0 {
		q.Set("seats", strconv.Itoa(ref.PartySize))
	}
	if ref.Slug != "" {
		u := url.URL{Scheme: "https", Host: "resy.com", Path: "/cities/" + ref.Slug, RawQuery: q.Encode()}
		return u.String()
	}
	if ref.Name != "" {
		q.Set("query", ref.Name)
	}
	u := url.URL{Scheme: "https", Host: "resy.com", Path: "/", RawQuery: q.Encode()}
	return u.String()
}

func opentableDeepLink(ref DeepLinkRef) string {
	q := url.Values{}
	if ref.PartySize > 0 {
		q.Set("covers", strconv.Itoa(ref.PartySize))
	}
	if ref.Day != "" && ref.Time != "" {
		q.Set("dateTime", ref.Day+"T"+ref.Time)
	}
	if ref.ExternalID != "" {
		q.Set("rid", ref.ExternalID)
		u := url.URL{Scheme: "https", Host: "www.opentable.com", Path: "/restref/client/", RawQuery: q.Encode()}
		return u.String()
	}
	if ref.Slug != "" {
		u := url.URL{Scheme: "https", Host: "www.opentable.com", Path: "/r/" + ref.Slug, RawQuery: q.Encode()}
		return u.String()
	}
	return searchDeepLink(ref)
}

func searchDeepLink(ref DeepLinkRef) string {
	query := fmt.Sprintf("%s reservations", ref.Name)
	if ref.Day != "" {
		query = fmt.Sprintf("%s %s", query, ref.Day)
	}
	q := url.Values{}
	q.Set("q", query)
	u := url.URL{Scheme: "https", Host: "www.google.com", Path: "/search", RawQuery: q.Encode()}
	return u.String()
}

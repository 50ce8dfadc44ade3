package handler

import (
	"sort"
	"time"

	"github.com/reserva/backend/internal/application/reservation"
	"github.com/reserva/backend/internal/domain/venue"
)

// VenueResponse represents a canonical venue in API responses
type VenueResponse struct {
	ID        string                       `json:"id"`
	Name      string                       `json:"name"`
	Address   string                       `json:"address,omitempty"`
	Locality  string                       `json:"locality,omitempty"`
	Lat       float64                      `json:"lat"`
	Lng       float64                      `json:"lng"`
	Platforms []PlatformIdentifierResponse `json:"platforms"`
	CreatedAt string                       `json:"created_at"`
	UpdatedAt string                       `json:"updated_at"`
}

// PlatformIdentifierResponse represents one resolved platform mapping.
// Listed=false records a confirmed absence: the platform was searched and
// the venue is not there.
type PlatformIdentifierResponse struct {
	Platform   string  `json:"platform"`
	ExternalID string  `json:"external_id,omitempty"`
	Slug       string  `json:"slug,omitempty"`
	Confidence float64 `json:"confidence"`
	ResolvedAt string  `json:"resolved_at"`
	Listed     bool    `json:"listed"`
}

// SearchVenuesRequest represents venue search query parameters
type SearchVenuesRequest struct {
	Query string  `form:"q"`
	Lat   float64 `form:"lat"`
	Lng   float64 `form:"lng"`
	Limit int     `form:"limit" binding:"omitempty,min=1,max=20"`
}

// AvailabilityRequest represents availability query parameters
type AvailabilityRequest struct {
	Day       string `form:"day" binding:"required,datetime=2006-01-02"`
	PartySize int    `form:"party_size" binding:"required,min=1,max=20"`
}

// SlotResponse represents one bookable seating
type SlotResponse struct {
	Start      string `json:"start"`
	ConfigType string `json:"config_type,omitempty"`
	Platform   string `json:"platform"`
}

// AvailabilityResponse represents the merged availability across platforms
type AvailabilityResponse struct {
	VenueID   string            `json:"venue_id"`
	Day       string            `json:"day"`
	PartySize int               `json:"party_size"`
	Slots     []SlotResponse    `json:"slots"`
	Failures  map[string]string `json:"failures,omitempty"`
	Skipped   []string          `json:"skipped,omitempty"`
}

// toVenueResponse converts a domain venue to its API representation
func toVenueResponse(v *venue.CanonicalVenue) VenueResponse {
	platforms := make([]PlatformIdentifierResponse, 0, len(v.PlatformIDs))
	for _, pi := range v.PlatformIDs {
		platforms = append(platforms, PlatformIdentifierResponse{
			Platform:   pi.Platform.String(),
			ExternalID: pi.ExternalID,
			Slug:       pi.Slug,
			Confidence: pi.Confidence,
			ResolvedAt: pi.ResolvedAt.Format(time.RFC3339),
			Listed:     !pi.NotFound,
		})
	}
	sort.Slice(platforms, func(i, j int) bool {
		return platforms[i].Platform < platforms[j].Platform
	})

	return VenueResponse{
		ID:        v.ID.String(),
		Name:      v.Name,
		Address:   v.Address,
		Locality:  v.Locality,
		Lat:       v.Lat,
		Lng:       v.Lng,
		Platforms: platforms,
		CreatedAt: v.CreatedAt.Format(time.RFC3339),
		UpdatedAt: v.UpdatedAt.Format(time.RFC3339),
	}
}

// toVenueResponses converts a venue list
func toVenueResponses(vs []*venue.CanonicalVenue) []VenueResponse {
	out := make([]VenueResponse, len(vs))
	for i, v := range vs {
		out[i] = toVenueResponse(v)
	}
	return out
}

// toIdentifierResponse converts a platform identifier
func toIdentifierResponse(pi venue.PlatformIdentifier) PlatformIdentifierResponse {
	return PlatformIdentifierResponse{
		Platform:   pi.Platform.String(),
		ExternalID: pi.ExternalID,
		Slug:       pi.Slug,
		Confidence: pi.Confidence,
		ResolvedAt: pi.ResolvedAt.Format(time.RFC3339),
		Listed:     !pi.NotFound,
	}
}

// toAvailabilityResponse converts an availability result
func toAvailabilityResponse(r *reservation.AvailabilityResult) AvailabilityResponse {
	slots := make([]SlotResponse, len(r.Slots))
	for i, s := range r.Slots {
		slots[i] = SlotResponse{
			Start:      s.Start.Format(time.RFC3339),
			ConfigType: s.ConfigType,
			Platform:   s.Platform.String(),
		}
	}

	resp := AvailabilityResponse{
		VenueID:   r.VenueID.String(),
		Day:       r.Day,
		PartySize: r.PartySize,
		Slots:     slots,
	}
	if len(r.Failures) > 0 {
		resp.Failures = make(map[string]string, len(r.Failures))
		for p, detail := range r.Failures {
			resp.Failures[p.String()] = detail
		}
	}
	for _, p := range r.Skipped {
		resp.Skipped = append(resp.Skipped, p.String())
	}
	return resp
}

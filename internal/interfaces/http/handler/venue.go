package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	reservationapp "github.com/reserva/backend/internal/application/reservation"
	venuesapp "github.com/reserva/backend/internal/application/venues"
	"github.com/reserva/backend/internal/domain/booking"
)

// VenueHandler handles venue discovery, resolution, and availability endpoints
type VenueHandler struct {
	BaseHandler
	venueService   *venuesapp.Service
	resolver       *venuesapp.Resolver
	bookingService *reservationapp.Service
}

// NewVenueHandler creates a new VenueHandler
func NewVenueHandler(
	venueService *venuesapp.Service,
	resolver *venuesapp.Resolver,
	bookingService *reservationapp.Service,
) *VenueHandler {
	return &VenueHandler{
		venueService:   venueService,
		resolver:       resolver,
		bookingService: bookingService,
	}
}

// Search finds venues by free-text query. Known venues answer locally; an
// unknown query falls through to the paid discovery upstream, and the hits
// are persisted so the spend happens once.
func (h *VenueHandler) Search(c *gin.Context) {
	var req SearchVenuesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.bindError(c, err)
		return
	}

	venues, err := h.venueService.Search(c.Request.Context(), req.Query, req.Lat, req.Lng, req.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toVenueResponses(venues))
}

// GetByID returns one canonical venue with its platform identifiers
func (h *VenueHandler) GetByID(c *gin.Context) {
	venueID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid venue ID format")
		return
	}

	v, err := h.venueService.Get(c.Request.Context(), venueID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toVenueResponse(v))
}

// Resolve maps the venue onto one platform's own identifier, searching the
// platform only when no stored mapping exists. A confirmed absence returns
// 200 with listed=false rather than an error.
func (h *VenueHandler) Resolve(c *gin.Context) {
	venueID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid venue ID format")
		return
	}
	platform, ok := parsePlatform(c.Param("platform"))
	if !ok {
		h.BadRequest(c, "Unknown platform")
		return
	}

	v, err := h.venueService.Get(c.Request.Context(), venueID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	pi, err := h.resolver.Resolve(c.Request.Context(), v, platform)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toIdentifierResponse(pi))
}

// Invalidate drops the stored platform mapping so the next resolve runs a
// fresh search.
func (h *VenueHandler) Invalidate(c *gin.Context) {
	venueID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid venue ID format")
		return
	}
	platform, ok := parsePlatform(c.Param("platform"))
	if !ok {
		h.BadRequest(c, "Unknown platform")
		return
	}

	if err := h.resolver.Invalidate(c.Request.Context(), venueID, platform); err != nil {
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}

// Availability merges open slots across every platform the venue is resolved
// on. Platforms fail independently; per-platform failures are reported in
// the response body, not as an HTTP error.
func (h *VenueHandler) Availability(c *gin.Context) {
	venueID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid venue ID format")
		return
	}

	var req AvailabilityRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.bindError(c, err)
		return
	}

	result, err := h.bookingService.CheckAvailability(c.Request.Context(), venueID, req.Day, req.PartySize)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toAvailabilityResponse(result))
}

// parsePlatform validates a platform path parameter
func parsePlatform(raw string) (booking.Platform, bool) {
	p := booking.Platform(raw)
	return p, p.IsValid()
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	reservationapp "github.com/reserva/backend/internal/application/reservation"
	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/interfaces/http/dto"
)

// ReservationHandler handles reservation booking and lifecycle endpoints
type ReservationHandler struct {
	BaseHandler
	bookingService *reservationapp.Service
}

// NewReservationHandler creates a new ReservationHandler
func NewReservationHandler(bookingService *reservationapp.Service) *ReservationHandler {
	return &ReservationHandler{
		bookingService: bookingService,
	}
}

// Create books a table by walking the fallback cascade. A confirmed or
// dispatched-but-unverified booking returns 201 with the tracked
// reservation; when every automated layer failed the response is 502 with
// the attempt audit and a prefilled manual booking link in data.
func (h *ReservationHandler) Create(c *gin.Context) {
	var req CreateReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	venueID, err := uuid.Parse(req.VenueID)
	if err != nil {
		h.BadRequest(c, "Invalid venue ID format")
		return
	}

	result, err := h.bookingService.MakeReservation(c.Request.Context(), reservationapp.BookRequest{
		VenueID:        venueID,
		Day:            req.Day,
		Time:           req.Time,
		PartySize:      req.PartySize,
		GuestFirstName: req.GuestFirstName,
		GuestLastName:  req.GuestLastName,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if result.Reservation != nil {
		h.Created(c, toBookingResultResponse(result))
		return
	}

	// Every automated layer failed; the manual link still gives the caller
	// an actionable path, so it rides along in data.
	resp := dto.NewErrorResponseWithRequestID(
		dto.ErrCodePlatformExhausted,
		shared.ErrPlatformExhausted.Message,
		getRequestID(c),
	)
	resp.Data = toBookingResultResponse(result)
	c.JSON(http.StatusBadGateway, resp)
}

// List returns tracked reservations, newest seating first. Cancelled and
// failed reservations appear only with ?include_closed=true.
func (h *ReservationHandler) List(c *gin.Context) {
	includeClosed := c.Query("include_closed") == "true"

	reservations, err := h.bookingService.ListReservations(c.Request.Context(), includeClosed)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toReservationResponses(reservations))
}

// GetByID returns one tracked reservation
func (h *ReservationHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid reservation ID format")
		return
	}

	r, err := h.bookingService.GetReservation(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toReservationResponse(r))
}

// Cancel cancels a reservation on its platform
func (h *ReservationHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid reservation ID format")
		return
	}

	r, err := h.bookingService.CancelReservation(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toReservationResponse(r))
}

// Reconcile re-checks an unverified reservation against the platform's own
// records. A confirmed match promotes it; a confirmed absence leaves it
// unknown for manual verification.
func (h *ReservationHandler) Reconcile(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid reservation ID format")
		return
	}

	r, err := h.bookingService.ReconcileReservation(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toReservationResponse(r))
}

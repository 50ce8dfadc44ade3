package handler

import (
	"time"

	reservationapp "github.com/reserva/backend/internal/application/reservation"
	"github.com/reserva/backend/internal/domain/booking"
)

// CreateReservationRequest represents a request to book a table
type CreateReservationRequest struct {
	VenueID        string `json:"venue_id" binding:"required,uuid"`
	Day            string `json:"day" binding:"required,datetime=2006-01-02"`
	Time           string `json:"time" binding:"required,datetime=15:04"`
	PartySize      int    `json:"party_size" binding:"required,min=1,max=20"`
	GuestFirstName string `json:"guest_first_name" binding:"omitempty,max=100"`
	GuestLastName  string `json:"guest_last_name" binding:"omitempty,max=100"`
}

// ReservationResponse represents a tracked reservation
type ReservationResponse struct {
	ID          string `json:"id"`
	VenueID     string `json:"venue_id"`
	VenueName   string `json:"venue_name"`
	Platform    string `json:"platform"`
	ExternalRef string `json:"external_ref,omitempty"`
	Day         string `json:"day"`
	Time        string `json:"time"`
	PartySize   int    `json:"party_size"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// BookingAttemptResponse records one layer of the booking cascade
type BookingAttemptResponse struct {
	Layer    int    `json:"layer"`
	Platform string `json:"platform"`
	Success  bool   `json:"success"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// BookingResultResponse is the structured outcome of one booking operation.
// When no automated layer confirmed, ManualLink carries a prefilled booking
// URL and Summary explains, layer by layer, why automation did not finish.
type BookingResultResponse struct {
	Reservation *ReservationResponse     `json:"reservation,omitempty"`
	Attempts    []BookingAttemptResponse `json:"attempts"`
	ManualLink  string                   `json:"manual_link,omitempty"`
	Summary     string                   `json:"summary,omitempty"`
}

// toReservationResponse converts a domain reservation
func toReservationResponse(r *booking.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:          r.ID.String(),
		VenueID:     r.VenueID.String(),
		VenueName:   r.VenueName,
		Platform:    r.Platform.String(),
		ExternalRef: r.ExternalRef,
		Day:         r.Day,
		Time:        r.Time,
		PartySize:   r.PartySize,
		Status:      r.Status.String(),
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
	}
}

// toReservationResponses converts a reservation list
func toReservationResponses(rs []*booking.Reservation) []ReservationResponse {
	out := make([]ReservationResponse, len(rs))
	for i, r := range rs {
		out[i] = toReservationResponse(r)
	}
	return out
}

// toBookingResultResponse converts a cascade outcome
func toBookingResultResponse(result *reservationapp.BookingResult) BookingResultResponse {
	attempts := make([]BookingAttemptResponse, len(result.Attempts))
	for i, a := range result.Attempts {
		attempts[i] = BookingAttemptResponse{
			Layer:    a.Layer,
			Platform: a.Platform.String(),
			Success:  a.Success,
			Outcome:  a.Outcome.String(),
			Detail:   a.Detail,
		}
	}

	resp := BookingResultResponse{
		Attempts:   attempts,
		ManualLink: result.ManualLink,
		Summary:    result.Summary,
	}
	if result.Reservation != nil {
		r := toReservationResponse(result.Reservation)
		resp.Reservation = &r
	}
	return resp
}

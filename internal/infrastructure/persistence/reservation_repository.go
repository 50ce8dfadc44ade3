package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/shared"
)

// ReservationModel is the GORM model for tracked reservations
type ReservationModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	VenueID     uuid.UUID `gorm:"type:uuid;index;not null"`
	VenueName   string    `gorm:"size:255"`
	Platform    string    `gorm:"size:32;not null"`
	ExternalRef string    `gorm:"size:255;index"`
	Day         string    `gorm:"size:10;not null;index"`
	Time        string    `gorm:"size:5;not null"`
	PartySize   int       `gorm:"not null"`
	Status      string    `gorm:"size:16;not null;index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (ReservationModel) TableName() string {
	return "reservations"
}

// ToEntity converts the model to a domain entity
func (m *ReservationModel) ToEntity() *booking.Reservation {
	return &booking.Reservation{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		VenueID:     m.VenueID,
		VenueName:   m.VenueName,
		Platform:    booking.Platform(m.Platform),
		ExternalRef: m.ExternalRef,
		Day:         m.Day,
		Time:        m.Time,
		PartySize:   m.PartySize,
		Status:      booking.ReservationStatus(m.Status),
	}
}

// ReservationModelFromEntity creates a model from a domain entity
func ReservationModelFromEntity(e *booking.Reservation) *ReservationModel {
	return &ReservationModel{
		ID:          e.ID,
		VenueID:     e.VenueID,
		VenueName:   e.VenueName,
		Platform:    e.Platform.String(),
		ExternalRef: e.ExternalRef,
		Day:         e.Day,
		Time:        e.Time,
		PartySize:   e.PartySize,
		Status:      e.Status.String(),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// ReservationRepository implements the booking.ReservationRepository interface
type ReservationRepository struct {
	db *gorm.DB
}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository(db *gorm.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

var _ booking.ReservationRepository = (*ReservationRepository)(nil)

// Save persists a new reservation
func (r *ReservationRepository) Save(ctx context.Context, res *booking.Reservation) error {
	model := ReservationModelFromEntity(res)
	return r.db.WithContext(ctx).Create(model).Error
}

// FindByID retrieves a reservation by its ID
func (r *ReservationRepository) FindByID(ctx context.Context, id uuid.UUID) (*booking.Reservation, error) {
	var model ReservationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// List retrieves reservations, newest day first. Cancelled and failed rows
// are filtered out unless includeClosed is set.
func (r *ReservationRepository) List(ctx context.Context, includeClosed bool) ([]*booking.Reservation, error) {
	query := r.db.WithContext(ctx).Model(&ReservationModel{})
	if !includeClosed {
		query = query.Where("status IN ?", []string{
			booking.StatusPending.String(),
			booking.StatusConfirmed.String(),
			booking.StatusUnknown.String(),
		})
	}

	var models []ReservationModel
	if err := query.Order("day DESC, time DESC").Find(&models).Error; err != nil {
		return nil, err
	}

	reservations := make([]*booking.Reservation, len(models))
	for i := range models {
		reservations[i] = models[i].ToEntity()
	}
	return reservations, nil
}

// Update persists state changes to an existing reservation
func (r *ReservationRepository) Update(ctx context.Context, res *booking.Reservation) error {
	model := ReservationModelFromEntity(res)
	return r.db.WithContext(ctx).
		Model(&ReservationModel{}).
		Where("id = ?", model.ID).
		Updates(map[string]any{
			"external_ref": model.ExternalRef,
			"status":       model.Status,
			"updated_at":   model.UpdatedAt,
		}).Error
}

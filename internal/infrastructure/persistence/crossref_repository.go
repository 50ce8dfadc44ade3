package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/venue"
)

// VenuePlatformRefModel is the GORM model for venue-to-platform identifier
// mappings. A row with not_found set records a confirmed absence.
type VenuePlatformRefModel struct {
	VenueID    uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Platform   string    `gorm:"size:32;primaryKey"`
	ExternalID string    `gorm:"size:128;index"`
	Slug       string    `gorm:"size:255"`
	Confidence float64   `gorm:"not null;default:0"`
	ResolvedAt time.Time
	NotFound   bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (VenuePlatformRefModel) TableName() string {
	return "venue_platform_refs"
}

// ToIdentifier converts the model to a domain value
func (m *VenuePlatformRefModel) ToIdentifier() venue.PlatformIdentifier {
	return venue.PlatformIdentifier{
		Platform:   booking.Platform(m.Platform),
		ExternalID: m.ExternalID,
		Slug:       m.Slug,
		Confidence: m.Confidence,
		ResolvedAt: m.ResolvedAt,
		NotFound:   m.NotFound,
	}
}

// refModelFromIdentifier creates a model from a domain value
func refModelFromIdentifier(venueID uuid.UUID, pi venue.PlatformIdentifier) *VenuePlatformRefModel {
	return &VenuePlatformRefModel{
		VenueID:    venueID,
		Platform:   pi.Platform.String(),
		ExternalID: pi.ExternalID,
		Slug:       pi.Slug,
		Confidence: pi.Confidence,
		ResolvedAt: pi.ResolvedAt,
		NotFound:   pi.NotFound,
	}
}

// CrossReferenceRepository implements the venue.CrossReferenceStore interface
type CrossReferenceRepository struct {
	db *gorm.DB
}

// NewCrossReferenceRepository creates a new cross-reference repository
func NewCrossReferenceRepository(db *gorm.DB) *CrossReferenceRepository {
	return &CrossReferenceRepository{db: db}
}

var _ venue.CrossReferenceStore = (*CrossReferenceRepository)(nil)

// Lookup returns the stored mapping for a venue and platform
func (r *CrossReferenceRepository) Lookup(ctx context.Context, venueID uuid.UUID, p booking.Platform) (venue.PlatformIdentifier, error) {
	var model VenuePlatformRefModel
	if err := r.db.WithContext(ctx).
		Where("venue_id = ? AND platform = ?", venueID, p.String()).
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return venue.PlatformIdentifier{}, venue.ErrIdentifierNotFound
		}
		return venue.PlatformIdentifier{}, err
	}
	return model.ToIdentifier(), nil
}

// Upsert stores or replaces the mapping
func (r *CrossReferenceRepository) Upsert(ctx context.Context, venueID uuid.UUID, pi venue.PlatformIdentifier) error {
	model := refModelFromIdentifier(venueID, pi)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "venue_id"}, {Name: "platform"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_id", "slug", "confidence", "resolved_at", "not_found", "updated_at"}),
	}).Create(model).Error
}

// Invalidate removes the mapping so the next resolve runs a fresh search
func (r *CrossReferenceRepository) Invalidate(ctx context.Context, venueID uuid.UUID, p booking.Platform) error {
	return r.db.WithContext(ctx).
		Where("venue_id = ? AND platform = ?", venueID, p.String()).
		Delete(&VenuePlatformRefModel{}).Error
}

// FindVenue reverse-looks-up the venue holding a platform identifier
func (r *CrossReferenceRepository) FindVenue(ctx context.Context, p booking.Platform, externalID string) (uuid.UUID, error) {
	var model VenuePlatformRefModel
	if err := r.db.WithContext(ctx).
		Where("platform = ? AND external_id = ? AND not_found = ?", p.String(), externalID, false).
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}
	return model.VenueID, nil
}

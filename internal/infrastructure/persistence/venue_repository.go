package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/shared"
	"github.com/reserva/backend/internal/domain/venue"
)

// VenueModel is the GORM model for canonical venues
type VenueModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"size:255;not null;index"`
	Address   string    `gorm:"size:512"`
	Locality  string    `gorm:"size:255"`
	Lat       float64   `gorm:"not null;default:0"`
	Lng       float64   `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (VenueModel) TableName() string {
	return "venues"
}

// ToEntity converts the model to a domain entity without its platform refs
func (m *VenueModel) ToEntity() *venue.CanonicalVenue {
	return &venue.CanonicalVenue{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Name:        m.Name,
		Address:     m.Address,
		Locality:    m.Locality,
		Lat:         m.Lat,
		Lng:         m.Lng,
		PlatformIDs: make(map[booking.Platform]venue.PlatformIdentifier),
	}
}

// VenueModelFromEntity creates a model from a domain entity
func VenueModelFromEntity(e *venue.CanonicalVenue) *VenueModel {
	return &VenueModel{
		ID:        e.ID,
		Name:      e.Name,
		Address:   e.Address,
		Locality:  e.Locality,
		Lat:       e.Lat,
		Lng:       e.Lng,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// VenueRepository implements the venue.Repository interface
type VenueRepository struct {
	db *gorm.DB
}

// NewVenueRepository creates a new venue repository
func NewVenueRepository(db *gorm.DB) *VenueRepository {
	return &VenueRepository{db: db}
}

var _ venue.Repository = (*VenueRepository)(nil)

// Save upserts the venue row and every platform ref it carries
func (r *VenueRepository) Save(ctx context.Context, v *venue.CanonicalVenue) error {
	model := VenueModelFromEntity(v)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "address", "locality", "lat", "lng", "updated_at"}),
		}).Create(model).Error; err != nil {
			return err
		}

		for _, pi := range v.PlatformIDs {
			ref := refModelFromIdentifier(v.ID, pi)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "venue_id"}, {Name: "platform"}},
				DoUpdates: clause.AssignmentColumns([]string{"external_id", "slug", "confidence", "resolved_at", "not_found", "updated_at"}),
			}).Create(ref).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// FindByID retrieves a venue with its platform refs
func (r *VenueRepository) FindByID(ctx context.Context, id uuid.UUID) (*venue.CanonicalVenue, error) {
	var model VenueModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, venue.ErrVenueNotFound
		}
		return nil, err
	}

	v := model.ToEntity()
	if err := r.attachRefs(ctx, []*venue.CanonicalVenue{v}); err != nil {
		return nil, err
	}
	return v, nil
}

// FindByName retrieves venues whose name contains the query, refs attached
func (r *VenueRepository) FindByName(ctx context.Context, name string) ([]*venue.CanonicalVenue, error) {
	var models []VenueModel
	if err := r.db.WithContext(ctx).
		Where("LOWER(name) LIKE LOWER(?)", "%"+name+"%").
		Order("name ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toEntities(ctx, models)
}

// List retrieves every venue, refs attached
func (r *VenueRepository) List(ctx context.Context) ([]*venue.CanonicalVenue, error) {
	var models []VenueModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toEntities(ctx, models)
}

func (r *VenueRepository) toEntities(ctx context.Context, models []VenueModel) ([]*venue.CanonicalVenue, error) {
	venues := make([]*venue.CanonicalVenue, len(models))
	for i := range models {
		venues[i] = models[i].ToEntity()
	}
	if err := r.attachRefs(ctx, venues); err != nil {
		return nil, err
	}
	return venues, nil
}

// attachRefs loads the platform refs for a venue batch in one query
func (r *VenueRepository) attachRefs(ctx context.Context, venues []*venue.CanonicalVenue) error {
	if len(venues) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(venues))
	byID := make(map[uuid.UUID]*venue.CanonicalVenue, len(venues))
	for i, v := range venues {
		ids[i] = v.ID
		byID[v.ID] = v
	}

	var refs []VenuePlatformRefModel
	if err := r.db.WithContext(ctx).Where("venue_id IN ?", ids).Find(&refs).Error; err != nil {
		return err
	}
	for i := range refs {
		if v, ok := byID[refs[i].VenueID]; ok {
			v.PlatformIDs[booking.Platform(refs[i].Platform)] = refs[i].ToIdentifier()
		}
	}
	return nil
}

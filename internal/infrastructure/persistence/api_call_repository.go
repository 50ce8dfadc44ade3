package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// APICallModel is the GORM model for metered upstream calls, the durable
// side of the discovery cost ledger.
type APICallModel struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Provider   string          `gorm:"size:32;not null;index"`
	Endpoint   string          `gorm:"size:64;not null"`
	CostCents  decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`
	StatusCode int             `gorm:"not null;default:0"`
	Cached     bool            `gorm:"not null;default:false"`
	CreatedAt  time.Time       `gorm:"autoCreateTime;index"`
}

// TableName returns the table name for the model
func (APICallModel) TableName() string {
	return "api_calls"
}

// APICallRepository persists metered upstream calls
type APICallRepository struct {
	db *gorm.DB
}

// NewAPICallRepository creates a new API call repository
func NewAPICallRepository(db *gorm.DB) *APICallRepository {
	return &APICallRepository{db: db}
}

// RecordCall appends one metered call
func (r *APICallRepository) RecordCall(ctx context.Context, provider, endpoint string, costCents decimal.Decimal, status int, cached bool) error {
	return r.db.WithContext(ctx).Create(&APICallModel{
		ID:         uuid.New(),
		Provider:   provider,
		Endpoint:   endpoint,
		CostCents:  costCents,
		StatusCode: status,
		Cached:     cached,
	}).Error
}

// CostSince sums the recorded spend for a provider from a point in time,
// seeding the in-memory ledger across restarts.
func (r *APICallRepository) CostSince(ctx context.Context, provider string, since time.Time) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := r.db.WithContext(ctx).
		Model(&APICallModel{}).
		Select("COALESCE(SUM(cost_cents), 0) as total").
		Where("provider = ? AND created_at >= ?", provider, since).
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, err
	}
	return result.Total, nil
}

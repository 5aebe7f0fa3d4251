package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/shopspring/decimal"
)

// Partner holds the commission terms that get denormalized onto jobs at
// assignment time. The invoice rule reads the job's copy, not this row, so
// later partner edits never retroactively change a job's commission.
type Partner struct {
	ID              int             `gorm:"primary_key" json:"id"`
	Name            string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Email           string          `gorm:"size:255" json:"email"`
	CommissionModel CommissionModel `gorm:"size:30" json:"commission_model"`
	CommissionRate  decimal.Decimal `gorm:"type:decimal(10,4)" json:"commission_rate"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetPartner(ctx context.Context, id int) (*Partner, error) {
	return utils.FetchModel[Partner](ctx, id)
}

// CreatePartner rejects duplicate names up front; partners are few and
// entered by the office staff.
func CreatePartner(ctx context.Context, partner *Partner) error {
	if err := utils.ValidateUnique[Partner](ctx, "name", partner.Name, 0); err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Create(partner).Error
}

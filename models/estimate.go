package models

import (
	"context"
	"errors"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Estimate is a read-only input to invoicing. One active estimate per job.
type Estimate struct {
	ID           int             `gorm:"primary_key" json:"id"`
	JobId        int             `gorm:"index;not null" json:"job_id" binding:"required"`
	CustomerName string          `gorm:"size:100" json:"customer_name"`
	Total        decimal.Decimal `gorm:"type:decimal(20,2)" json:"total"`
	TaxRate      decimal.Decimal `gorm:"type:decimal(10,4)" json:"tax_rate"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetEstimateForJob returns the job's active estimate, newest first when the
// one-per-job assumption is violated by manual data entry.
func GetEstimateForJob(ctx context.Context, jobId int) (*Estimate, error) {
	db := config.GetDB()
	var estimate Estimate
	err := db.WithContext(ctx).
		Where("job_id = ?", jobId).
		Order("id DESC").
		First(&estimate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorReferenceNotFound
	}
	if err != nil {
		// Transient failures must surface so the event is redelivered;
		// only a genuinely missing row is a skip.
		return nil, err
	}
	return &estimate, nil
}

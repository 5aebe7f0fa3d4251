package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Job is owned by the operational workflow. The automation engine only reads
// it and writes the derived stall fields; invoice linkage is indirect via new
// Invoice records.
type Job struct {
	ID            int           `gorm:"primary_key" json:"id"`
	JobNumber     string        `gorm:"size:50;index" json:"job_number"`
	CustomerId    int           `gorm:"index;not null" json:"customer_id" binding:"required"`
	JobType       string        `gorm:"size:50" json:"job_type"`
	WorkflowState WorkflowState `gorm:"size:30;index;not null;default:new" json:"workflow_state"`
	AddressStreet string        `gorm:"size:255" json:"address_street"`
	AddressCity   string        `gorm:"size:100" json:"address_city"`

	// Denormalized from Partner at assignment time.
	PartnerId       *int            `gorm:"index" json:"partner_id"`
	PartnerName     string          `gorm:"size:100" json:"partner_name"`
	CommissionModel CommissionModel `gorm:"size:30" json:"commission_model"`
	CommissionRate  decimal.Decimal `gorm:"type:decimal(10,4)" json:"commission_rate"`

	SystemSizeKw decimal.Decimal `gorm:"type:decimal(10,2)" json:"system_size_kw"`

	// Derived by the stalled-job automation.
	IsStalled    bool       `gorm:"default:false" json:"is_stalled"`
	DaysStalled  int        `json:"days_stalled"`
	StalledSince *time.Time `json:"stalled_since"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetJob(ctx context.Context, id int) (*Job, error) {
	return utils.FetchModel[Job](ctx, id)
}

// GetOpenJobs returns jobs still in flight, for the stalled-job scan.
func GetOpenJobs(ctx context.Context) ([]*Job, error) {
	db := config.GetDB()
	var jobs []*Job
	err := db.WithContext(ctx).
		Where("workflow_state NOT IN ?", []WorkflowState{WorkflowStateClosed, WorkflowStateCancelled}).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkJobStalled writes the derived stall fields. It deliberately bypasses
// UpdatedAt so that flagging a job does not reset its own staleness clock.
func MarkJobStalled(tx *gorm.DB, jobId int, daysStalled int, stalledSince time.Time) error {
	return tx.Model(&Job{}).Where("id = ?", jobId).
		UpdateColumns(map[string]interface{}{
			"is_stalled":    true,
			"days_stalled":  daysStalled,
			"stalled_since": stalledSince,
		}).Error
}

// UpdateJobWorkflowState moves a job along the ladder and enqueues the
// change event in the same transaction.
func UpdateJobWorkflowState(ctx context.Context, id int, state WorkflowState) (*Job, error) {
	job, err := utils.FetchModel[Job](ctx, id)
	if err != nil {
		return nil, err
	}

	before := *job
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(job).Updates(map[string]interface{}{
			"workflow_state": state,
		}).Error; err != nil {
			return err
		}
		job.WorkflowState = state
		return EnqueueChangeEvent(tx, FamilyJobs, job.ID, EventUpdated, &before, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/utils"
	"gorm.io/gorm"
)

// Lead inputs are nullable: the scoring rule treats a missing value as zero
// contribution rather than refusing to score.
type Lead struct {
	ID    int    `gorm:"primary_key" json:"id"`
	Name  string `gorm:"size:100" json:"name"`
	Email string `gorm:"size:255" json:"email"`
	Phone string `gorm:"size:30" json:"phone"`

	Distance  *float64 `json:"distance"`   // miles from shop
	RoofPitch *float64 `json:"roof_pitch"` // rise over 12
	SystemAge *float64 `json:"system_age"` // years

	// Derived by the lead-scoring rule, 0-100.
	Score int `gorm:"default:0" json:"score"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (l *Lead) AfterCreate(tx *gorm.DB) (err error) {
	return EnqueueChangeEvent(tx, FamilyLeads, l.ID, EventCreated, nil, l)
}

func GetLead(ctx context.Context, id int) (*Lead, error) {
	return utils.FetchModel[Lead](ctx, id)
}

// WriteLeadScore is the equality-guarded write-back: the WHERE on the stored
// score means a redelivered event whose score already matches writes nothing.
func WriteLeadScore(tx *gorm.DB, leadId int, score int) (bool, error) {
	result := tx.Model(&Lead{}).
		Where("id = ?", leadId).
		Where("score <> ?", score).
		Update("score", score)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateLeadInputs mutates scoring inputs and enqueues the change event in
// the same transaction.
func UpdateLeadInputs(ctx context.Context, id int, distance, roofPitch, systemAge *float64) (*Lead, error) {
	lead, err := utils.FetchModel[Lead](ctx, id)
	if err != nil {
		return nil, err
	}

	before := *lead
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(lead).Updates(map[string]interface{}{
			"distance":   distance,
			"roof_pitch": roofPitch,
			"system_age": systemAge,
		}).Error; err != nil {
			return err
		}
		lead.Distance = distance
		lead.RoofPitch = roofPitch
		lead.SystemAge = systemAge
		return EnqueueChangeEvent(tx, FamilyLeads, lead.ID, EventUpdated, &before, lead)
	})
	if err != nil {
		return nil, err
	}
	return lead, nil
}

package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/shopspring/decimal"
)

// BOMRule is static reference data mapping a job type to the components the
// reset consumes. Cached in redis since it changes rarely and the deduction
// rule reads it on every reset_complete transition.
type BOMRule struct {
	ID         int                `gorm:"primary_key" json:"id"`
	JobType    string             `gorm:"size:50;index;not null" json:"job_type" binding:"required"`
	Components []BOMRuleComponent `gorm:"foreignKey:RuleId" json:"components"`
	CreatedAt  time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type BOMRuleComponent struct {
	ID       int             `gorm:"primary_key" json:"id"`
	RuleId   int             `gorm:"index;not null" json:"rule_id"`
	ItemId   int             `gorm:"not null" json:"item_id" binding:"required"`
	Quantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity" binding:"required"`
}

// GetBOMRulesForJobType returns the rules for a job type, redis-cached.
func GetBOMRulesForJobType(ctx context.Context, jobType string) ([]*BOMRule, error) {
	cacheKey := "BOMRuleList:" + jobType

	var cached []*BOMRule
	exists, err := config.GetRedisObject(cacheKey, &cached)
	if err == nil && exists {
		return cached, nil
	}

	db := config.GetDB()
	var rules []*BOMRule
	if err := db.WithContext(ctx).
		Where("job_type = ?", jobType).
		Preload("Components").
		Find(&rules).Error; err != nil {
		return nil, err
	}

	// Cache failures are not worth failing the rule over.
	_ = config.SetRedisObject(cacheKey, &rules, time.Hour)
	return rules, nil
}

// InvalidateBOMRuleCache drops the cached rules after reference-data edits.
func InvalidateBOMRuleCache(jobType string) error {
	return config.RemoveRedisKey("BOMRuleList:" + jobType)
}

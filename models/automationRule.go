package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/utils"
)

// AutomationRule is the admin-facing on/off switch and metadata for a fixed
// rule. Rules are not user-authored; the row only toggles and describes the
// handler compiled into the engine.
type AutomationRule struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;uniqueIndex;not null" json:"name" binding:"required"`
	Trigger   string    `gorm:"size:100" json:"trigger"`
	Action    string    `gorm:"size:100" json:"action"`
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AutomationRunLog records one execution of a scheduled rule.
type AutomationRunLog struct {
	ID             int       `gorm:"primary_key" json:"id"`
	AutomationName string    `gorm:"size:100;index;not null" json:"automation_name"`
	Status         string    `gorm:"size:20" json:"status"`
	ItemsScanned   int       `json:"items_scanned"`
	ItemsAffected  int       `json:"items_affected"`
	Detail         string    `gorm:"type:text" json:"detail"`
	ExecutedAt     time.Time `gorm:"autoCreateTime;index" json:"executed_at"`
}

func ListAutomationRules(ctx context.Context) ([]*AutomationRule, error) {
	return utils.FetchAllModels[AutomationRule](ctx)
}

// RuleEnabled consults the DB toggle; a missing row means enabled, matching
// the env-level default in config.AutomationEnabled.
func RuleEnabled(ctx context.Context, name string) bool {
	db := config.GetDB()
	var rule AutomationRule
	err := db.WithContext(ctx).Where("name = ?", name).First(&rule).Error
	if err != nil {
		return true
	}
	return rule.Enabled
}

func SetAutomationRuleEnabled(ctx context.Context, id int, enabled bool) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&AutomationRule{}).
		Where("id = ?", id).
		Update("enabled", enabled).Error
}

func SaveAutomationRunLog(ctx context.Context, logEntry *AutomationRunLog) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(logEntry).Error
}

func GetAutomationRunLogs(ctx context.Context, automationName string, limit int) ([]*AutomationRunLog, error) {
	db := config.GetDB()
	q := db.WithContext(ctx).Order("executed_at DESC").Limit(limit)
	if automationName != "" {
		q = q.Where("automation_name = ?", automationName)
	}
	var logs []*AutomationRunLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

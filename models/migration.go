package models

import "github.com/dtrspro/fieldops_backend/config"

// Migrate runs GORM auto-migration for every table this service owns.
func Migrate() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&User{},
		&Partner{},
		&Job{},
		&Estimate{},
		&Invoice{},
		&InvoiceLineItem{},
		&InvoiceReminder{},
		&InventoryItem{},
		&BOMRule{},
		&BOMRuleComponent{},
		&ScheduleEntry{},
		&Lead{},
		&Notification{},
		&AuditLogEntry{},
		&JSASubmission{},
		&DamageScan{},
		&DetachReport{},
		&ResetReport{},
		&KPISnapshot{},
		&NumberSequence{},
		&IdempotencyKey{},
		&ChangeEvent{},
		&AutomationRule{},
		&AutomationRunLog{},
	)
}

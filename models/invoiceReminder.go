package models

import (
	"time"
)

// InvoiceReminder is both the reminder log and the collection bot's dedup
// guard: the unique (invoice_id, days_overdue) index makes the exact-day
// check plus the append one idempotency unit.
type InvoiceReminder struct {
	ID           int       `gorm:"primary_key" json:"id"`
	InvoiceId    int       `gorm:"not null;index:uniq_reminder,unique" json:"invoice_id"`
	DaysOverdue  int       `gorm:"not null;index:uniq_reminder,unique" json:"days_overdue"`
	CustomerId   int       `gorm:"index" json:"customer_id"`
	ReminderType string    `gorm:"size:20" json:"reminder_type"`
	EmailSent    bool      `json:"email_sent"`
	SMSSent      bool      `json:"sms_sent"`
	SentAt       time.Time `gorm:"autoCreateTime" json:"sent_at"`
}

// ReminderTypeForDays maps the overdue-day ladder to reminder names.
func ReminderTypeForDays(daysOverdue int) string {
	switch daysOverdue {
	case 7:
		return ReminderTypeFirst
	case 14:
		return ReminderTypeSecond
	case 21:
		return ReminderTypeThird
	default:
		return ReminderTypeFinal
	}
}

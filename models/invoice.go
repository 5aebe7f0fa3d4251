package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Invoice is created only by the auto-invoice rule or manually; the engine
// never mutates it except reminder bookkeeping.
// Invariant: at most one invoice per (job_id, invoice_type), enforced by a
// unique index so the existence guard survives concurrent redelivery.
type Invoice struct {
	ID            int           `gorm:"primary_key" json:"id"`
	InvoiceNumber string        `gorm:"size:50;uniqueIndex" json:"invoice_number"`
	JobId         int           `gorm:"not null;index:uniq_job_type,unique" json:"job_id" binding:"required"`
	InvoiceType   InvoiceType   `gorm:"size:20;not null;index:uniq_job_type,unique" json:"invoice_type" binding:"required"`
	CustomerId    int           `gorm:"index" json:"customer_id"`
	CustomerName  string        `gorm:"size:100" json:"customer_name"`
	Status        InvoiceStatus `gorm:"size:20;index;default:Pending" json:"status"`

	LineItems []InvoiceLineItem `gorm:"foreignKey:InvoiceId" json:"line_items"`

	Subtotal   decimal.Decimal `gorm:"type:decimal(20,2)" json:"subtotal"`
	TaxAmount  decimal.Decimal `gorm:"type:decimal(20,2)" json:"tax_amount"`
	Total      decimal.Decimal `gorm:"type:decimal(20,2)" json:"total"`
	PaidAmount decimal.Decimal `gorm:"type:decimal(20,2)" json:"paid_amount"`
	BalanceDue decimal.Decimal `gorm:"type:decimal(20,2)" json:"balance_due"`

	DueDate     time.Time `json:"due_date"`
	DocumentURL string    `gorm:"size:500" json:"document_url"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceLineItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	InvoiceId   int             `gorm:"index;not null" json:"invoice_id"`
	Description string          `gorm:"size:255" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4)" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,2)" json:"unit_price"`
	Total       decimal.Decimal `gorm:"type:decimal(20,2)" json:"total"`
}

// InvoiceExists is the existence guard for the auto-invoice rule.
func InvoiceExists(tx *gorm.DB, jobId int, invoiceType InvoiceType) (bool, error) {
	var count int64
	err := tx.Model(&Invoice{}).
		Where("job_id = ? AND invoice_type = ?", jobId, invoiceType).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetOverdueInvoices returns Pending invoices with an outstanding balance and
// a due date strictly before the given day, for the collection bot.
func GetOverdueInvoices(ctx context.Context, today time.Time) ([]*Invoice, error) {
	db := config.GetDB()
	var invoices []*Invoice
	err := db.WithContext(ctx).
		Where("status = ?", InvoiceStatusPending).
		Where("balance_due > 0").
		Where("due_date < ?", today).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// SumInvoicedBetween aggregates invoice totals for KPI snapshots.
func SumInvoicedBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	db := config.GetDB()
	var total decimal.NullDecimal
	err := db.WithContext(ctx).Model(&Invoice{}).
		Select("SUM(total)").
		Where("created_at >= ? AND created_at < ?", from, to).
		Where("status <> ?", InvoiceStatusVoid).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// SumCollectedBetween aggregates paid amounts for KPI snapshots.
func SumCollectedBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	db := config.GetDB()
	var total decimal.NullDecimal
	err := db.WithContext(ctx).Model(&Invoice{}).
		Select("SUM(paid_amount)").
		Where("updated_at >= ? AND updated_at < ?", from, to).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

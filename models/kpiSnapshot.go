package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// KPISnapshot is append-only, one per (kind, period). The unique key makes a
// re-run of the aggregation job an idempotent upsert instead of a duplicate
// snapshot.
type KPISnapshot struct {
	ID     int    `gorm:"primary_key" json:"id"`
	Kind   string `gorm:"size:30;not null;index:uniq_kpi,unique" json:"kind"`
	Period string `gorm:"size:10;not null;index:uniq_kpi,unique" json:"period"` // YYYY-MM-DD or ISO week

	JobsOpen          int             `json:"jobs_open"`
	JobsClosed        int             `json:"jobs_closed"`
	JobsStalled       int             `json:"jobs_stalled"`
	LeadsNew          int             `json:"leads_new"`
	InvoicedTotal     decimal.Decimal `gorm:"type:decimal(20,2)" json:"invoiced_total"`
	CollectedTotal    decimal.Decimal `gorm:"type:decimal(20,2)" json:"collected_total"`
	OverdueInvoices   int             `json:"overdue_invoices"`
	ItemsBelowReorder int             `json:"items_below_reorder"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

const (
	KPIKindDaily      = "daily"
	KPIKindCompliance = "compliance_weekly"
)

// UpsertKPISnapshot writes the snapshot for its period, replacing an earlier
// run of the same period.
func UpsertKPISnapshot(ctx context.Context, snapshot *KPISnapshot) error {
	db := config.GetDB()
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kind"}, {Name: "period"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"jobs_open", "jobs_closed", "jobs_stalled", "leads_new",
			"invoiced_total", "collected_total", "overdue_invoices",
			"items_below_reorder",
		}),
	}).Create(snapshot).Error
}

func GetKPISnapshots(ctx context.Context, kind string, limit int) ([]*KPISnapshot, error) {
	db := config.GetDB()
	var snapshots []*KPISnapshot
	err := db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("period DESC").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// CountRowsWhere is a small aggregation helper for snapshot building.
func CountRowsWhere(ctx context.Context, model any, query string, args ...any) (int, error) {
	db := config.GetDB()
	var count int64
	q := db.WithContext(ctx).Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

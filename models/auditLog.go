package models

import (
	"context"
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"time"
)

// AuditLogEntry is the append-only trail under a job. SourceKey carries the
// dedup identity: mirrors key it by the source record, the BOM deduction by
// (job transition, component), the low-stock marker by (item, latch firing).
// The unique index turns a redelivered append into a duplicate-key no-op.
type AuditLogEntry struct {
	ID             int             `gorm:"primary_key" json:"id"`
	JobId          int             `gorm:"index" json:"job_id"`
	SourceKey      string          `gorm:"size:150;uniqueIndex" json:"source_key"`
	ReferenceType  string          `gorm:"size:50" json:"reference_type"`
	ReferenceId    int             `gorm:"index" json:"reference_id"`
	Description    string          `gorm:"type:text;not null" json:"description"`
	QuantityChange decimal.Decimal `gorm:"type:decimal(20,4)" json:"quantity_change"`
	Actor          string          `gorm:"size:100" json:"actor"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// AppendAuditLog appends one entry. A duplicate source key reports
// ErrorGuardAlreadySatisfied so redelivered events come through as no-ops.
func AppendAuditLog(tx *gorm.DB, entry *AuditLogEntry) error {
	if entry.Actor == "" {
		entry.Actor = utils.GetActorFromContext(tx.Statement.Context)
	}
	if err := tx.Create(entry).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return utils.ErrorGuardAlreadySatisfied
		}
		return err
	}
	return nil
}

func GetAuditLogForJob(ctx context.Context, jobId int, limit int) ([]*AuditLogEntry, error) {
	db := config.GetDB()
	var entries []*AuditLogEntry
	err := db.WithContext(ctx).
		Where("job_id = ?", jobId).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

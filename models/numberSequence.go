package models

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NumberSequence is a per-scope, per-year counter. The original system built
// invoice numbers from a random 4-digit suffix, which collides; an atomic
// counter row keeps the INV-<year>-<4 digit> shape while guaranteeing
// uniqueness.
type NumberSequence struct {
	ID      int    `gorm:"primary_key" json:"id"`
	Scope   string `gorm:"size:30;not null;index:uniq_seq,unique" json:"scope"`
	Year    int    `gorm:"not null;index:uniq_seq,unique" json:"year"`
	Counter int    `gorm:"not null;default:0" json:"counter"`
}

// NextSequenceNumber increments and returns the counter for (scope, year)
// inside the caller's transaction. The upsert plus atomic increment keeps
// concurrent allocations collision-free.
func NextSequenceNumber(tx *gorm.DB, scope string, year int) (int, error) {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "year"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"counter": gorm.Expr("counter + 1")}),
	}).Create(&NumberSequence{Scope: scope, Year: year, Counter: 1}).Error
	if err != nil {
		return 0, err
	}

	var seq NumberSequence
	if err := tx.Where("scope = ? AND year = ?", scope, year).First(&seq).Error; err != nil {
		return 0, err
	}
	return seq.Counter, nil
}

// FormatInvoiceNumber renders INV-<year>-<4-digit zero-padded sequence>.
// Sequences past 9999 widen rather than wrap.
func FormatInvoiceNumber(year int, seq int) string {
	return fmt.Sprintf("INV-%d-%04d", year, seq)
}

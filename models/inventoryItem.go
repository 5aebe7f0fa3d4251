package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryItem carries the low-stock latch. The engine only ever sets
// low_stock_alert_sent; clearing it on restock is the receiving workflow's
// responsibility.
type InventoryItem struct {
	ID            int             `gorm:"primary_key" json:"id"`
	SKU           string          `gorm:"size:50;uniqueIndex" json:"sku"`
	Name          string          `gorm:"size:100;not null" json:"name" binding:"required"`
	TotalQuantity decimal.Decimal `gorm:"type:decimal(20,4)" json:"total_quantity"`
	ReorderPoint  decimal.Decimal `gorm:"type:decimal(20,4)" json:"reorder_point"`

	LowStockAlertSent   bool       `gorm:"default:false" json:"low_stock_alert_sent"`
	LowStockAlertSentAt *time.Time `json:"low_stock_alert_sent_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AdjustInventoryQuantity applies delta with an atomic SQL decrement.
// Concurrent deductions must not go through read-modify-write.
func AdjustInventoryQuantity(tx *gorm.DB, itemId int, delta decimal.Decimal) error {
	result := tx.Model(&InventoryItem{}).
		Where("id = ?", itemId).
		Update("total_quantity", gorm.Expr("total_quantity + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetLowStockLatch sets the alert latch only when it is still unset and the
// quantity is still below the reorder point, so a racing restock or a second
// delivery cannot double fire. Returns true when this call won the latch.
func SetLowStockLatch(tx *gorm.DB, itemId int, now time.Time) (bool, error) {
	result := tx.Model(&InventoryItem{}).
		Where("id = ?", itemId).
		Where("low_stock_alert_sent = ?", false).
		Where("total_quantity < reorder_point").
		Updates(map[string]interface{}{
			"low_stock_alert_sent":    true,
			"low_stock_alert_sent_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ApplyInventoryAdjustment is the entry point for manual stock corrections:
// atomic quantity change plus the change event, in one transaction, so the
// reactive low-stock rule sees the write.
func ApplyInventoryAdjustment(ctx context.Context, itemId int, delta decimal.Decimal) (*InventoryItem, error) {
	db := config.GetDB()
	var after InventoryItem
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var before InventoryItem
		if err := tx.First(&before, itemId).Error; err != nil {
			return err
		}
		if err := AdjustInventoryQuantity(tx, itemId, delta); err != nil {
			return err
		}
		if err := tx.First(&after, itemId).Error; err != nil {
			return err
		}
		return EnqueueChangeEvent(tx, FamilyInventoryItems, itemId, EventUpdated, &before, &after)
	})
	if err != nil {
		return nil, err
	}
	return &after, nil
}

func GetAllInventoryItems(ctx context.Context) ([]*InventoryItem, error) {
	db := config.GetDB()
	var items []*InventoryItem
	if err := db.WithContext(ctx).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"gorm.io/gorm"
)

// Notification is the in-app inbox record. Delivery over email/SMS is the
// notify package's concern; this row exists even when transports fail.
type Notification struct {
	ID       int              `gorm:"primary_key" json:"id"`
	UserId   int              `gorm:"index" json:"user_id"`
	UserRole UserRole         `gorm:"size:20;index" json:"user_role"`
	Title    string           `gorm:"size:255;not null" json:"title" binding:"required"`
	Message  string           `gorm:"type:text" json:"message"`
	Type     NotificationType `gorm:"size:20;default:info" json:"type"`

	RelatedEntityType string `gorm:"size:50" json:"related_entity_type"`
	RelatedEntityId   int    `gorm:"index" json:"related_entity_id"`

	IsRead    bool      `gorm:"default:false" json:"is_read"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateNotification(tx *gorm.DB, n *Notification) error {
	return tx.Create(n).Error
}

func GetUnreadNotifications(ctx context.Context, userId int, limit int) ([]*Notification, error) {
	db := config.GetDB()
	var notifications []*Notification
	err := db.WithContext(ctx).
		Where("user_id = ? AND is_read = ?", userId, false).
		Order("id DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

func MarkNotificationRead(ctx context.Context, id int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Notification{}).
		Where("id = ?", id).
		Update("is_read", true).Error
}

package models

import (
	"context"
	"errors"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/utils"
	"gorm.io/gorm"
)

type User struct {
	ID         int      `gorm:"primary_key" json:"id"`
	Username   string   `gorm:"size:100;uniqueIndex;not null" json:"username" binding:"required"`
	Password   string   `gorm:"size:255;not null" json:"-"`
	Name       string   `gorm:"size:100" json:"name"`
	Email      string   `gorm:"size:255" json:"email"`
	Phone      string   `gorm:"size:30" json:"phone"`
	Role       UserRole `gorm:"size:20;index;default:customer" json:"role"`
	CustomerId *int     `gorm:"index" json:"customer_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AfterSave drops the cached copy so edited contact details take effect
// before the cache TTL runs out.
func (u *User) AfterSave(tx *gorm.DB) error {
	if u.CustomerId != nil {
		return utils.RemoveRedisItem[User](*u.CustomerId)
	}
	return nil
}

// GetAdminUsers returns recipients for operational alerts.
func GetAdminUsers(ctx context.Context) ([]*User, error) {
	db := config.GetDB()
	var users []*User
	err := db.WithContext(ctx).Where("role = ?", UserRoleAdmin).Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

// GetCustomerUser resolves a customer's portal user for outbound messages.
// Cached in redis keyed by customer id; contact details drift slowly and the
// scheduled rules hit this for every reminder.
func GetCustomerUser(ctx context.Context, customerId int) (*User, error) {
	if cached, err := utils.RetrieveRedis[User](customerId); err == nil && cached != nil {
		return cached, nil
	}
	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).
		Where("customer_id = ?", customerId).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorReferenceNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = utils.StoreRedis[User](&user, customerId)
	return &user, nil
}

func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

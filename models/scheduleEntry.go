package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"gorm.io/gorm"
)

// WeatherSnapshot is the forecast stored on a schedule entry by the weather
// collaborator. Serialized as a JSON column.
type WeatherSnapshot struct {
	Condition     string    `json:"condition"`
	Description   string    `json:"description"`
	Temperature   float64   `json:"temperature"`
	Humidity      int       `json:"humidity"`
	WindSpeed     float64   `json:"wind_speed"`
	Precipitation float64   `json:"precipitation"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// ScheduleEntry dates are stored as YYYY-MM-DD strings; schedule slots are
// whole days, and string comparison gives the range scan for free.
type ScheduleEntry struct {
	ID    int    `gorm:"primary_key" json:"id"`
	JobId int    `gorm:"index;not null" json:"job_id" binding:"required"`
	Date  string `gorm:"size:10;index;not null" json:"date" binding:"required"`
	Crew  string `gorm:"size:100" json:"crew"`

	Weather *WeatherSnapshot `gorm:"serializer:json" json:"weather"`

	// One-way latch set by the rain-check automation.
	RescheduledDueToWeather bool       `gorm:"default:false" json:"rescheduled_due_to_weather"`
	OriginalDate            string     `gorm:"size:10" json:"original_date"`
	RescheduledAt           *time.Time `json:"rescheduled_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AfterCreate enqueues the change event that lets the reactive weather rule
// attach a forecast to the new entry.
func (s *ScheduleEntry) AfterCreate(tx *gorm.DB) (err error) {
	return EnqueueChangeEvent(tx, FamilyScheduleEntries, s.ID, EventCreated, nil, s)
}

func CreateScheduleEntry(ctx context.Context, entry *ScheduleEntry) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(entry).Error
}

// GetScheduleEntriesBetween returns entries with date in [from, to]
// inclusive, both YYYY-MM-DD.
func GetScheduleEntriesBetween(ctx context.Context, from, to string) ([]*ScheduleEntry, error) {
	db := config.GetDB()
	var entries []*ScheduleEntry
	err := db.WithContext(ctx).
		Where("date >= ? AND date <= ?", from, to).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// RescheduleForWeather moves the entry and sets the latch in one guarded
// update: the WHERE on the latch makes a second scan over unchanged data a
// no-op. Returns true when this call performed the reschedule.
func RescheduleForWeather(tx *gorm.DB, entryId int, oldDate, newDate string, now time.Time) (bool, error) {
	result := tx.Model(&ScheduleEntry{}).
		Where("id = ?", entryId).
		Where("rescheduled_due_to_weather = ?", false).
		Updates(map[string]interface{}{
			"date":                       newDate,
			"rescheduled_due_to_weather": true,
			"original_date":              oldDate,
			"rescheduled_at":             now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateScheduleEntryWeather stores a fresh forecast snapshot.
func UpdateScheduleEntryWeather(ctx context.Context, entryId int, weather *WeatherSnapshot) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&ScheduleEntry{}).
		Where("id = ?", entryId).
		Update("weather", weather).Error
}

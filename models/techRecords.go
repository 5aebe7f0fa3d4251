package models

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"gorm.io/gorm"
)

// Field-crew records. Each creation is mirrored into the job's audit log by
// a reactive rule; the AfterCreate hooks only enqueue the change event.

// JSASubmission is a job safety analysis signed off before work starts.
type JSASubmission struct {
	ID          int       `gorm:"primary_key" json:"id"`
	JobId       int       `gorm:"index;not null" json:"job_id" binding:"required"`
	CrewLead    string    `gorm:"size:100" json:"crew_lead"`
	Hazards     string    `gorm:"type:text" json:"hazards"`
	SubmittedAt time.Time `gorm:"autoCreateTime" json:"submitted_at"`
}

func (s *JSASubmission) AfterCreate(tx *gorm.DB) (err error) {
	return EnqueueChangeEvent(tx, FamilyJSASubmissions, s.ID, EventCreated, nil, s)
}

type DamageScan struct {
	ID           int       `gorm:"primary_key" json:"id"`
	JobId        int       `gorm:"index;not null" json:"job_id" binding:"required"`
	PhotoURL     string    `gorm:"size:500" json:"photo_url"`
	ThumbnailURL string    `gorm:"size:500" json:"thumbnail_url"`
	Notes        string    `gorm:"type:text" json:"notes"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (d *DamageScan) AfterCreate(tx *gorm.DB) (err error) {
	return EnqueueChangeEvent(tx, FamilyDamageScans, d.ID, EventCreated, nil, d)
}

// DetachReport closes out the panel-detach visit.
type DetachReport struct {
	ID         int       `gorm:"primary_key" json:"id"`
	JobId      int       `gorm:"index;not null" json:"job_id" binding:"required"`
	PanelCount int       `json:"panel_count"`
	Notes      string    `gorm:"type:text" json:"notes"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (d *DetachReport) AfterCreate(tx *gorm.DB) (err error) {
	return EnqueueChangeEvent(tx, FamilyDetachReports, d.ID, EventCreated, nil, d)
}

// ResetReport closes out the panel-reset visit after reroofing.
type ResetReport struct {
	ID         int       `gorm:"primary_key" json:"id"`
	JobId      int       `gorm:"index;not null" json:"job_id" binding:"required"`
	PanelCount int       `json:"panel_count"`
	Notes      string    `gorm:"type:text" json:"notes"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (r *ResetReport) AfterCreate(tx *gorm.DB) (err error) {
	return EnqueueChangeEvent(tx, FamilyResetReports, r.ID, EventCreated, nil, r)
}

func CreateJSASubmission(ctx context.Context, submission *JSASubmission) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(submission).Error
}

func CreateDamageScan(ctx context.Context, scan *DamageScan) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(scan).Error
}

func CreateDetachReport(ctx context.Context, report *DetachReport) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(report).Error
}

func CreateResetReport(ctx context.Context, report *ResetReport) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(report).Error
}

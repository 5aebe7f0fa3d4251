package models

import (
	"encoding/json"
	"time"

	"github.com/dtrspro/fieldops_backend/appctx"
	"github.com/dtrspro/fieldops_backend/config"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox publish statuses for ChangeEvent.PublishStatus (Pub/Sub fan-out).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// ChangeEvent is the transactional outbox row behind every reactive rule.
// It is appended in the same transaction as the record mutation, so a
// committed write always has its event and a rolled-back write never does.
// Delivery to handlers is at-least-once and unordered; handlers carry their
// own guards.
type ChangeEvent struct {
	ID           int    `gorm:"primary_key" json:"id"`
	RecordFamily string `gorm:"size:50;not null;index" json:"record_family"`
	RecordId     int    `gorm:"not null;index" json:"record_id"`
	EventKind    string `gorm:"size:20;not null" json:"event_kind"`

	// Before/after snapshots as JSON. Before is empty for creations.
	OldObj []byte `gorm:"type:mediumblob" json:"old_obj"`
	NewObj []byte `gorm:"type:mediumblob" json:"new_obj"`

	CorrelationId string `gorm:"size:64;index" json:"correlation_id"`

	// Worker-side handling state.
	IsProcessed     bool       `gorm:"default:false;index" json:"is_processed"`
	ProcessAttempts int        `gorm:"default:0" json:"process_attempts"`
	LastError       *string    `gorm:"type:text" json:"last_error"`
	LockedAt        *time.Time `json:"locked_at"`
	LockedBy        *string    `gorm:"size:100" json:"locked_by"`
	NextAttemptAt   *time.Time `json:"next_attempt_at"`

	// External fan-out state, managed separately from local processing.
	PublishStatus    string  `gorm:"size:20;default:PENDING;index" json:"publish_status"`
	PublishAttempts  int     `gorm:"default:0" json:"publish_attempts"`
	LastPublishError *string `gorm:"type:text" json:"last_publish_error"`
	PubSubMessageId  *string `gorm:"size:100" json:"pubsub_message_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueChangeEvent appends an outbox row inside the caller's transaction.
// before may be nil (creation); after may be nil (deletion).
func EnqueueChangeEvent(tx *gorm.DB, family string, recordId int, kind string, before, after any) error {
	var oldObj, newObj []byte
	var err error
	if before != nil {
		if oldObj, err = json.Marshal(before); err != nil {
			return err
		}
	}
	if after != nil {
		if newObj, err = json.Marshal(after); err != nil {
			return err
		}
	}

	correlationId, _ := appctx.GetString(tx.Statement.Context, appctx.ContextKeyCorrelationId)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	event := ChangeEvent{
		RecordFamily:  family,
		RecordId:      recordId,
		EventKind:     kind,
		OldObj:        oldObj,
		NewObj:        newObj,
		CorrelationId: correlationId,
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&event).Error
}

// ConvertToPubSubMessage maps an outbox row to the external wire form.
func ConvertToPubSubMessage(event ChangeEvent) config.PubSubMessage {
	return config.PubSubMessage{
		ID:            event.ID,
		OccurredAt:    event.CreatedAt,
		RecordFamily:  event.RecordFamily,
		RecordId:      event.RecordId,
		EventKind:     event.EventKind,
		OldObj:        event.OldObj,
		NewObj:        event.NewObj,
		CorrelationId: event.CorrelationId,
	}
}

package automation

import (
	"context"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dispatcher drains the change_events outbox and drives the reactive rules.
// Claims use row locks with SKIP LOCKED so multiple workers can poll the
// same table; a crashed worker's claims age out via the lock TTL. Delivery
// to the engine is at-least-once and unordered, which the handlers' guards
// are built for.
type Dispatcher struct {
	DB        *gorm.DB
	Engine    *Engine
	Logger    *logrus.Logger
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewDispatcher(db *gorm.DB, engine *Engine, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		DB:        db,
		Engine:    engine,
		Logger:    logger,
		WorkerID:  "dispatcher-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

type dispatchRetryConfig struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getDispatchRetryConfig() dispatchRetryConfig {
	cfg := dispatchRetryConfig{
		maxAttempts: 10,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}
	if v := os.Getenv("OUTBOX_PROCESS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxAttempts = n
		}
	}
	if v := os.Getenv("OUTBOX_PROCESS_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("OUTBOX_PROCESS_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}
	return cfg
}

func dispatchBackoff(attempt int, cfg dispatchRetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.baseBackoff
	}
	// base * 2^(attempt-1), capped.
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

func (d *Dispatcher) Run(ctx context.Context) {
	if d == nil || d.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.Interval):
		}
	}
}

func (d *Dispatcher) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTTL)

	var claimed []models.ChangeEvent
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("is_processed = 0").
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if err := tx.Model(&models.ChangeEvent{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"locked_at": &now,
					"locked_by": &d.WorkerID,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, row := range claimed {
		d.dispatchOne(ctx, row)
		if config.PubSubConfigured() {
			d.publishOne(ctx, row)
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, row models.ChangeEvent) {
	procCtx := context.WithValue(ctx, utils.ContextKeyUserId, 0)
	procCtx = context.WithValue(procCtx, utils.ContextKeyUserName, "System")
	procCtx = context.WithValue(procCtx, utils.ContextKeyCorrelationId, row.CorrelationId)

	err := d.Engine.HandleChange(procCtx, EventFromChangeEvent(row))
	if err != nil {
		d.markFailure(ctx, row, err)
		return
	}

	_ = d.DB.WithContext(ctx).Model(&models.ChangeEvent{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"is_processed":    true,
			"last_error":      nil,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

// markFailure schedules the retry, or parks the row after max attempts. A
// parked row is marked processed with the error retained, so it stops
// cycling but stays visible for operator replay.
func (d *Dispatcher) markFailure(ctx context.Context, row models.ChangeEvent, cause error) {
	cfg := getDispatchRetryConfig()
	now := time.Now().UTC()
	errMsg := cause.Error()
	attempts := row.ProcessAttempts + 1

	updates := map[string]interface{}{
		"last_error":       &errMsg,
		"process_attempts": attempts,
		"locked_at":        nil,
		"locked_by":        nil,
	}
	dead := attempts >= cfg.maxAttempts
	if dead {
		updates["is_processed"] = true
		updates["next_attempt_at"] = nil
	} else {
		next := now.Add(dispatchBackoff(attempts, cfg))
		updates["next_attempt_at"] = &next
	}

	_ = d.DB.WithContext(ctx).Model(&models.ChangeEvent{}).
		Where("id = ?", row.ID).
		Updates(updates).Error

	if d.Logger != nil {
		entry := d.Logger.WithFields(logrus.Fields{
			"record_family":    row.RecordFamily,
			"record_id":        row.RecordId,
			"event_id":         row.ID,
			"process_attempts": attempts,
			"dead":             dead,
		})
		if dead {
			entry.Error("change event parked after max attempts: " + errMsg)
		} else {
			entry.Warn("change event dispatch failed, will retry: " + errMsg)
		}
	}
}

// publishOne fans the event out to Pub/Sub for external consumers. Fan-out
// state is tracked separately from local processing; a publish failure never
// blocks the rules.
func (d *Dispatcher) publishOne(ctx context.Context, row models.ChangeEvent) {
	if row.PublishStatus == models.OutboxPublishStatusSent ||
		row.PublishStatus == models.OutboxPublishStatusDead {
		return
	}

	msgId, err := config.PublishChangeEventWithResult(ctx, models.ConvertToPubSubMessage(row))
	if err != nil {
		errMsg := err.Error()
		attempts := row.PublishAttempts + 1
		status := models.OutboxPublishStatusFailed
		if attempts >= getDispatchRetryConfig().maxAttempts {
			status = models.OutboxPublishStatusDead
		}
		_ = d.DB.WithContext(ctx).Model(&models.ChangeEvent{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"publish_status":     status,
				"publish_attempts":   attempts,
				"last_publish_error": &errMsg,
			}).Error
		return
	}

	_ = d.DB.WithContext(ctx).Model(&models.ChangeEvent{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"publish_attempts":   row.PublishAttempts + 1,
			"last_publish_error": nil,
			"pubsub_message_id":  &msgId,
		}).Error
}

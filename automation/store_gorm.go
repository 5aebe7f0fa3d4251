package automation

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrIdempotencyInProgress asks the dispatcher to retry later: another
// worker currently holds the same (handler, message) unit.
var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// gormStore is the production Store over GORM/MySQL. Most methods delegate
// to the models layer; what lives here is transaction scoping.
type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) GetJob(ctx context.Context, id int) (*models.Job, error) {
	job, err := models.GetJob(ctx, id)
	return job, asReferenceError(err)
}

func (s *gormStore) GetEstimateForJob(ctx context.Context, jobId int) (*models.Estimate, error) {
	return models.GetEstimateForJob(ctx, jobId)
}

func (s *gormStore) GetLead(ctx context.Context, id int) (*models.Lead, error) {
	lead, err := models.GetLead(ctx, id)
	return lead, asReferenceError(err)
}

// asReferenceError turns a missing row into the skip sentinel the engine
// understands. Any other error keeps its identity so the dispatcher retries.
func asReferenceError(err error) error {
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return utils.ErrorReferenceNotFound
	}
	return err
}

func (s *gormStore) GetBOMRulesForJobType(ctx context.Context, jobType string) ([]*models.BOMRule, error) {
	return models.GetBOMRulesForJobType(ctx, jobType)
}

func (s *gormStore) GetAllInventoryItems(ctx context.Context) ([]*models.InventoryItem, error) {
	return models.GetAllInventoryItems(ctx)
}

func (s *gormStore) GetScheduleEntriesBetween(ctx context.Context, from, to string) ([]*models.ScheduleEntry, error) {
	return models.GetScheduleEntriesBetween(ctx, from, to)
}

func (s *gormStore) GetOpenJobs(ctx context.Context) ([]*models.Job, error) {
	return models.GetOpenJobs(ctx)
}

func (s *gormStore) GetOverdueInvoices(ctx context.Context, today time.Time) ([]*models.Invoice, error) {
	return models.GetOverdueInvoices(ctx, today)
}

func (s *gormStore) GetAdminUsers(ctx context.Context) ([]*models.User, error) {
	return models.GetAdminUsers(ctx)
}

func (s *gormStore) GetCustomerUser(ctx context.Context, customerId int) (*models.User, error) {
	return models.GetCustomerUser(ctx, customerId)
}

func (s *gormStore) InvoiceExists(ctx context.Context, jobId int, invoiceType models.InvoiceType) (bool, error) {
	return models.InvoiceExists(s.db.WithContext(ctx), jobId, invoiceType)
}

// CreateInvoice allocates the invoice number and inserts the invoice with
// its line items in one transaction. A concurrent duplicate for the same
// (job, type) trips the unique index and reports the guard as satisfied.
func (s *gormStore) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		year := time.Now().Year()
		seq, err := models.NextSequenceNumber(tx, "invoice", year)
		if err != nil {
			return err
		}
		invoice.InvoiceNumber = models.FormatInvoiceNumber(year, seq)
		if err := tx.Create(invoice).Error; err != nil {
			return err
		}
		return models.EnqueueChangeEvent(tx, models.FamilyInvoices, invoice.ID, models.EventCreated, nil, invoice)
	})
	if err != nil && isDuplicateKeyError(err) {
		return utils.ErrorGuardAlreadySatisfied
	}
	return err
}

func (s *gormStore) WriteLeadScore(ctx context.Context, leadId int, score int) (bool, error) {
	return models.WriteLeadScore(s.db.WithContext(ctx), leadId, score)
}

func (s *gormStore) SetLowStockLatch(ctx context.Context, itemId int, now time.Time) (bool, error) {
	return models.SetLowStockLatch(s.db.WithContext(ctx), itemId, now)
}

func (s *gormStore) RescheduleForWeather(ctx context.Context, entryId int, oldDate, newDate string, now time.Time) (bool, error) {
	return models.RescheduleForWeather(s.db.WithContext(ctx), entryId, oldDate, newDate, now)
}

func (s *gormStore) MarkJobStalled(ctx context.Context, jobId int, daysStalled int, stalledSince time.Time) error {
	return models.MarkJobStalled(s.db.WithContext(ctx), jobId, daysStalled, stalledSince)
}

func (s *gormStore) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	return models.AppendAuditLog(s.db.WithContext(ctx), entry)
}

func (s *gormStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	return models.CreateNotification(s.db.WithContext(ctx), n)
}

func (s *gormStore) CreateInvoiceReminder(ctx context.Context, reminder *models.InvoiceReminder) error {
	if err := s.db.WithContext(ctx).Create(reminder).Error; err != nil {
		if isDuplicateKeyError(err) {
			return utils.ErrorGuardAlreadySatisfied
		}
		return err
	}
	return nil
}

func (s *gormStore) UpdateReminderDelivery(ctx context.Context, reminderId int, emailSent, smsSent bool) error {
	return s.db.WithContext(ctx).Model(&models.InvoiceReminder{}).
		Where("id = ?", reminderId).
		Updates(map[string]interface{}{"email_sent": emailSent, "sms_sent": smsSent}).Error
}

func (s *gormStore) UpdateScheduleEntryWeather(ctx context.Context, entryId int, weather *models.WeatherSnapshot) error {
	return models.UpdateScheduleEntryWeather(ctx, entryId, weather)
}

// AtomicBatch applies every op or none. Handlers may run in separate
// processes, so atomicity comes from the DB transaction, not in-process
// locking; the jobId only scopes the cross-process record lock.
func (s *gormStore) AtomicBatch(ctx context.Context, jobId int, ops []BatchOp) error {
	release, err := utils.RecordLock(ctx, models.FamilyJobs, jobId, "automation", "AtomicBatch")
	if err != nil {
		return err
	}
	defer release()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			switch concrete := op.(type) {
			case AdjustInventoryOp:
				var before models.InventoryItem
				if err := tx.First(&before, concrete.ItemId).Error; err != nil {
					return err
				}
				if err := models.AdjustInventoryQuantity(tx, concrete.ItemId, concrete.Delta); err != nil {
					return err
				}
				var after models.InventoryItem
				if err := tx.First(&after, concrete.ItemId).Error; err != nil {
					return err
				}
				if err := models.EnqueueChangeEvent(tx, models.FamilyInventoryItems, concrete.ItemId, models.EventUpdated, &before, &after); err != nil {
					return err
				}
			case AppendAuditOp:
				entry := concrete.Entry
				if err := models.AppendAuditLog(tx, &entry); err != nil {
					return err
				}
			default:
				return errors.New("unknown batch op")
			}
		}
		return nil
	})
	return err
}

func (s *gormStore) BeginIdempotency(ctx context.Context, handlerName, messageId string) (bool, error) {
	return beginIdempotency(s.db.WithContext(ctx), handlerName, messageId)
}

func (s *gormStore) MarkIdempotencySucceeded(ctx context.Context, handlerName, messageId string) error {
	return s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func (s *gormStore) MarkIdempotencyFailed(ctx context.Context, handlerName, messageId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// beginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil)
// meaning "skip safely". A STARTED row younger than five minutes means
// another worker is on it; older rows are presumed crashed and reclaimed.
func beginIdempotency(tx *gorm.DB, handlerName, messageId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyError(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return false, ErrIdempotencyInProgress
		}
		fallthrough
	default:
		return false, tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	}
}

func (s *gormStore) CountRows(ctx context.Context, family string, filter RowFilter) (int, error) {
	switch filter.Kind {
	case CountOpenJobs:
		return models.CountRowsWhere(ctx, &models.Job{}, "workflow_state NOT IN ?",
			[]models.WorkflowState{models.WorkflowStateClosed, models.WorkflowStateCancelled})
	case CountStalledJobs:
		return models.CountRowsWhere(ctx, &models.Job{}, "is_stalled = ?", true)
	case CountClosedJobs:
		return models.CountRowsWhere(ctx, &models.Job{}, "workflow_state = ? AND updated_at >= ? AND updated_at < ?",
			models.WorkflowStateClosed, filter.From, filter.To)
	case CountNewLeads:
		return models.CountRowsWhere(ctx, &models.Lead{}, "created_at >= ? AND created_at < ?", filter.From, filter.To)
	case CountOverdueInvoices:
		return models.CountRowsWhere(ctx, &models.Invoice{}, "status = ? AND balance_due > 0 AND due_date < ?",
			models.InvoiceStatusPending, filter.To)
	case CountItemsBelowReorder:
		return models.CountRowsWhere(ctx, &models.InventoryItem{}, "total_quantity < reorder_point")
	case CountJSASubmissions:
		return models.CountRowsWhere(ctx, &models.JSASubmission{}, "submitted_at >= ? AND submitted_at < ?", filter.From, filter.To)
	case CountDamageScans:
		return models.CountRowsWhere(ctx, &models.DamageScan{}, "created_at >= ? AND created_at < ?", filter.From, filter.To)
	default:
		return 0, errors.New("unknown count kind: " + filter.Kind)
	}
}

func (s *gormStore) SumInvoicedBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	return models.SumInvoicedBetween(ctx, from, to)
}

func (s *gormStore) SumCollectedBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	return models.SumCollectedBetween(ctx, from, to)
}

func (s *gormStore) UpsertKPISnapshot(ctx context.Context, snapshot *models.KPISnapshot) error {
	return models.UpsertKPISnapshot(ctx, snapshot)
}

func (s *gormStore) RuleEnabled(ctx context.Context, name string) bool {
	return models.RuleEnabled(ctx, name)
}

func (s *gormStore) SaveRunLog(ctx context.Context, entry *models.AutomationRunLog) error {
	return models.SaveAutomationRunLog(ctx, entry)
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, utils.ErrorGuardAlreadySatisfied)
}

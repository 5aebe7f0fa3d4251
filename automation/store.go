package automation

import (
	"context"
	"time"

	"github.com/dtrspro/fieldops_backend/models"
	"github.com/shopspring/decimal"
)

// BatchOp is one operation inside an atomic batch: either an inventory
// mutation or an audit append. The batch applies all or none.
type BatchOp interface {
	isBatchOp()
}

// AdjustInventoryOp changes an item's quantity by Delta using an atomic
// SQL-level increment, never read-modify-write.
type AdjustInventoryOp struct {
	ItemId int
	Delta  decimal.Decimal
}

func (AdjustInventoryOp) isBatchOp() {}

// AppendAuditOp appends one audit entry. A duplicate source key anywhere in
// the batch aborts it with ErrorGuardAlreadySatisfied, which callers treat
// as "this batch already committed on an earlier delivery".
type AppendAuditOp struct {
	Entry models.AuditLogEntry
}

func (AppendAuditOp) isBatchOp() {}

// Store is the record-store collaborator handed to the engine. Handlers hold
// no state of their own; every decision is recomputed from the event's
// snapshots plus these reads. The production implementation is GORM/MySQL;
// tests substitute an in-memory fake.
type Store interface {
	// reads
	GetJob(ctx context.Context, id int) (*models.Job, error)
	GetEstimateForJob(ctx context.Context, jobId int) (*models.Estimate, error)
	GetLead(ctx context.Context, id int) (*models.Lead, error)
	GetBOMRulesForJobType(ctx context.Context, jobType string) ([]*models.BOMRule, error)
	GetAllInventoryItems(ctx context.Context) ([]*models.InventoryItem, error)
	GetScheduleEntriesBetween(ctx context.Context, from, to string) ([]*models.ScheduleEntry, error)
	GetOpenJobs(ctx context.Context) ([]*models.Job, error)
	GetOverdueInvoices(ctx context.Context, today time.Time) ([]*models.Invoice, error)
	GetAdminUsers(ctx context.Context) ([]*models.User, error)
	GetCustomerUser(ctx context.Context, customerId int) (*models.User, error)

	// guarded writes
	InvoiceExists(ctx context.Context, jobId int, invoiceType models.InvoiceType) (bool, error)
	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	WriteLeadScore(ctx context.Context, leadId int, score int) (bool, error)
	SetLowStockLatch(ctx context.Context, itemId int, now time.Time) (bool, error)
	RescheduleForWeather(ctx context.Context, entryId int, oldDate, newDate string, now time.Time) (bool, error)
	MarkJobStalled(ctx context.Context, jobId int, daysStalled int, stalledSince time.Time) error
	AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
	CreateNotification(ctx context.Context, n *models.Notification) error
	CreateInvoiceReminder(ctx context.Context, reminder *models.InvoiceReminder) error
	UpdateReminderDelivery(ctx context.Context, reminderId int, emailSent, smsSent bool) error
	UpdateScheduleEntryWeather(ctx context.Context, entryId int, weather *models.WeatherSnapshot) error

	// atomic batch (multi-record effects)
	AtomicBatch(ctx context.Context, jobId int, ops []BatchOp) error

	// durable dispatch idempotency
	BeginIdempotency(ctx context.Context, handlerName, messageId string) (skip bool, err error)
	MarkIdempotencySucceeded(ctx context.Context, handlerName, messageId string) error
	MarkIdempotencyFailed(ctx context.Context, handlerName, messageId string, cause error) error

	// aggregation and bookkeeping
	CountRows(ctx context.Context, family string, filter RowFilter) (int, error)
	SumInvoicedBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	SumCollectedBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	UpsertKPISnapshot(ctx context.Context, snapshot *models.KPISnapshot) error
	RuleEnabled(ctx context.Context, name string) bool
	SaveRunLog(ctx context.Context, entry *models.AutomationRunLog) error
}

// RowFilter is the small set of count predicates the KPI and compliance
// snapshots need. One enum beats a method per count.
type RowFilter struct {
	Kind string
	From time.Time
	To   time.Time
}

// CountRows kinds.
const (
	CountOpenJobs          = "open_jobs"
	CountStalledJobs       = "stalled_jobs"
	CountClosedJobs        = "closed_jobs"    // closed in [From, To)
	CountNewLeads          = "new_leads"      // created in [From, To)
	CountOverdueInvoices   = "overdue_invoices"
	CountItemsBelowReorder = "items_below_reorder"
	CountJSASubmissions    = "jsa_submissions" // submitted in [From, To)
	CountDamageScans       = "damage_scans"    // created in [From, To)
)

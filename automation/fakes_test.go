package automation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/notify"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/dtrspro/fieldops_backend/weather"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NOTE: These tests are intentionally DB-free. The fake store reproduces the
// guard semantics the MySQL schema provides (unique indexes, conditional
// updates, transactional batches) so the rules' behavior under redelivery
// can be exercised without a database.

var _ Store = (*fakeStore)(nil)

type fakeStore struct {
	jobs      map[int]*models.Job
	estimates map[int]*models.Estimate // by job id
	leads     map[int]*models.Lead
	bomRules  map[string][]*models.BOMRule
	items     map[int]*models.InventoryItem
	entries   map[int]*models.ScheduleEntry
	admins    []*models.User
	customers map[int]*models.User // by customer id

	invoices      []*models.Invoice
	reminders     map[string]*models.InvoiceReminder // invoiceId:daysOverdue
	notifications []*models.Notification
	auditEntries  map[string]*models.AuditLogEntry // by source key
	idemStatus    map[string]models.IdempotencyStatus
	runLogs       []*models.AutomationRunLog
	kpiSnapshots  map[string]*models.KPISnapshot // kind:period
	disabledRules map[string]bool

	invoicedSum  decimal.Decimal
	collectedSum decimal.Decimal

	estimateErr error // injected into GetEstimateForJob when set

	nextId int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:          map[int]*models.Job{},
		estimates:     map[int]*models.Estimate{},
		leads:         map[int]*models.Lead{},
		bomRules:      map[string][]*models.BOMRule{},
		items:         map[int]*models.InventoryItem{},
		entries:       map[int]*models.ScheduleEntry{},
		customers:     map[int]*models.User{},
		reminders:     map[string]*models.InvoiceReminder{},
		auditEntries:  map[string]*models.AuditLogEntry{},
		idemStatus:    map[string]models.IdempotencyStatus{},
		kpiSnapshots:  map[string]*models.KPISnapshot{},
		disabledRules: map[string]bool{},
		nextId:        1000,
	}
}

func (s *fakeStore) nextID() int {
	s.nextId++
	return s.nextId
}

func (s *fakeStore) GetJob(ctx context.Context, id int) (*models.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, utils.ErrorReferenceNotFound
	}
	return job, nil
}

func (s *fakeStore) GetEstimateForJob(ctx context.Context, jobId int) (*models.Estimate, error) {
	if s.estimateErr != nil {
		return nil, s.estimateErr
	}
	estimate, ok := s.estimates[jobId]
	if !ok {
		return nil, utils.ErrorReferenceNotFound
	}
	return estimate, nil
}

func (s *fakeStore) GetLead(ctx context.Context, id int) (*models.Lead, error) {
	lead, ok := s.leads[id]
	if !ok {
		return nil, utils.ErrorReferenceNotFound
	}
	return lead, nil
}

func (s *fakeStore) GetBOMRulesForJobType(ctx context.Context, jobType string) ([]*models.BOMRule, error) {
	return s.bomRules[jobType], nil
}

func (s *fakeStore) GetAllInventoryItems(ctx context.Context) ([]*models.InventoryItem, error) {
	var items []*models.InventoryItem
	for _, item := range s.items {
		items = append(items, item)
	}
	return items, nil
}

func (s *fakeStore) GetScheduleEntriesBetween(ctx context.Context, from, to string) ([]*models.ScheduleEntry, error) {
	var entries []*models.ScheduleEntry
	for _, entry := range s.entries {
		if entry.Date >= from && entry.Date <= to {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *fakeStore) GetOpenJobs(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.WorkflowState != models.WorkflowStateClosed && job.WorkflowState != models.WorkflowStateCancelled {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *fakeStore) GetOverdueInvoices(ctx context.Context, today time.Time) ([]*models.Invoice, error) {
	var overdue []*models.Invoice
	for _, invoice := range s.invoices {
		if invoice.Status == models.InvoiceStatusPending &&
			invoice.BalanceDue.GreaterThan(decimal.Zero) &&
			invoice.DueDate.Before(today) {
			overdue = append(overdue, invoice)
		}
	}
	return overdue, nil
}

func (s *fakeStore) GetAdminUsers(ctx context.Context) ([]*models.User, error) {
	return s.admins, nil
}

func (s *fakeStore) GetCustomerUser(ctx context.Context, customerId int) (*models.User, error) {
	user, ok := s.customers[customerId]
	if !ok {
		return nil, utils.ErrorReferenceNotFound
	}
	return user, nil
}

func (s *fakeStore) InvoiceExists(ctx context.Context, jobId int, invoiceType models.InvoiceType) (bool, error) {
	for _, invoice := range s.invoices {
		if invoice.JobId == jobId && invoice.InvoiceType == invoiceType {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	// Unique (job_id, invoice_type) index.
	exists, _ := s.InvoiceExists(ctx, invoice.JobId, invoice.InvoiceType)
	if exists {
		return utils.ErrorGuardAlreadySatisfied
	}
	invoice.ID = s.nextID()
	invoice.InvoiceNumber = models.FormatInvoiceNumber(2026, len(s.invoices)+1)
	s.invoices = append(s.invoices, invoice)
	return nil
}

func (s *fakeStore) WriteLeadScore(ctx context.Context, leadId int, score int) (bool, error) {
	lead, ok := s.leads[leadId]
	if !ok {
		return false, utils.ErrorReferenceNotFound
	}
	if lead.Score == score {
		return false, nil
	}
	lead.Score = score
	return true, nil
}

func (s *fakeStore) SetLowStockLatch(ctx context.Context, itemId int, now time.Time) (bool, error) {
	item, ok := s.items[itemId]
	if !ok {
		return false, nil
	}
	if item.LowStockAlertSent || item.TotalQuantity.GreaterThanOrEqual(item.ReorderPoint) {
		return false, nil
	}
	item.LowStockAlertSent = true
	item.LowStockAlertSentAt = &now
	return true, nil
}

func (s *fakeStore) RescheduleForWeather(ctx context.Context, entryId int, oldDate, newDate string, now time.Time) (bool, error) {
	entry, ok := s.entries[entryId]
	if !ok || entry.RescheduledDueToWeather {
		return false, nil
	}
	entry.Date = newDate
	entry.OriginalDate = oldDate
	entry.RescheduledDueToWeather = true
	entry.RescheduledAt = &now
	return true, nil
}

func (s *fakeStore) MarkJobStalled(ctx context.Context, jobId int, daysStalled int, stalledSince time.Time) error {
	job, ok := s.jobs[jobId]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	job.IsStalled = true
	job.DaysStalled = daysStalled
	job.StalledSince = &stalledSince
	return nil
}

func (s *fakeStore) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	if _, dup := s.auditEntries[entry.SourceKey]; dup {
		return utils.ErrorGuardAlreadySatisfied
	}
	entry.ID = s.nextID()
	s.auditEntries[entry.SourceKey] = entry
	return nil
}

func (s *fakeStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	n.ID = s.nextID()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *fakeStore) CreateInvoiceReminder(ctx context.Context, reminder *models.InvoiceReminder) error {
	key := strconv.Itoa(reminder.InvoiceId) + ":" + strconv.Itoa(reminder.DaysOverdue)
	if _, dup := s.reminders[key]; dup {
		return utils.ErrorGuardAlreadySatisfied
	}
	reminder.ID = s.nextID()
	s.reminders[key] = reminder
	return nil
}

func (s *fakeStore) UpdateReminderDelivery(ctx context.Context, reminderId int, emailSent, smsSent bool) error {
	for _, reminder := range s.reminders {
		if reminder.ID == reminderId {
			reminder.EmailSent = emailSent
			reminder.SMSSent = smsSent
			return nil
		}
	}
	return utils.ErrorRecordNotFound
}

func (s *fakeStore) UpdateScheduleEntryWeather(ctx context.Context, entryId int, snapshot *models.WeatherSnapshot) error {
	entry, ok := s.entries[entryId]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	entry.Weather = snapshot
	return nil
}

// AtomicBatch mirrors the transactional semantics: validate every op first,
// apply only when all of them can succeed.
func (s *fakeStore) AtomicBatch(ctx context.Context, jobId int, ops []BatchOp) error {
	for _, op := range ops {
		switch concrete := op.(type) {
		case AdjustInventoryOp:
			if _, ok := s.items[concrete.ItemId]; !ok {
				return fmt.Errorf("inventory item %d not found", concrete.ItemId)
			}
		case AppendAuditOp:
			if _, dup := s.auditEntries[concrete.Entry.SourceKey]; dup {
				return utils.ErrorGuardAlreadySatisfied
			}
		}
	}
	for _, op := range ops {
		switch concrete := op.(type) {
		case AdjustInventoryOp:
			item := s.items[concrete.ItemId]
			item.TotalQuantity = item.TotalQuantity.Add(concrete.Delta)
		case AppendAuditOp:
			entry := concrete.Entry
			entry.ID = s.nextID()
			s.auditEntries[entry.SourceKey] = &entry
		}
	}
	return nil
}

func (s *fakeStore) BeginIdempotency(ctx context.Context, handlerName, messageId string) (bool, error) {
	key := handlerName + "|" + messageId
	if s.idemStatus[key] == models.IdempotencyStatusSucceeded {
		return true, nil
	}
	s.idemStatus[key] = models.IdempotencyStatusStarted
	return false, nil
}

func (s *fakeStore) MarkIdempotencySucceeded(ctx context.Context, handlerName, messageId string) error {
	s.idemStatus[handlerName+"|"+messageId] = models.IdempotencyStatusSucceeded
	return nil
}

func (s *fakeStore) MarkIdempotencyFailed(ctx context.Context, handlerName, messageId string, cause error) error {
	s.idemStatus[handlerName+"|"+messageId] = models.IdempotencyStatusFailed
	return nil
}

func (s *fakeStore) CountRows(ctx context.Context, family string, filter RowFilter) (int, error) {
	count := 0
	switch filter.Kind {
	case CountOpenJobs:
		for _, job := range s.jobs {
			if job.WorkflowState != models.WorkflowStateClosed && job.WorkflowState != models.WorkflowStateCancelled {
				count++
			}
		}
	case CountStalledJobs:
		for _, job := range s.jobs {
			if job.IsStalled {
				count++
			}
		}
	case CountClosedJobs:
		for _, job := range s.jobs {
			if job.WorkflowState == models.WorkflowStateClosed {
				count++
			}
		}
	case CountNewLeads:
		count = len(s.leads)
	case CountOverdueInvoices:
		overdue, _ := s.GetOverdueInvoices(ctx, filter.To)
		count = len(overdue)
	case CountItemsBelowReorder:
		for _, item := range s.items {
			if item.TotalQuantity.LessThan(item.ReorderPoint) {
				count++
			}
		}
	case CountJSASubmissions, CountDamageScans:
		count = 0
	}
	return count, nil
}

func (s *fakeStore) SumInvoicedBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	return s.invoicedSum, nil
}

func (s *fakeStore) SumCollectedBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	return s.collectedSum, nil
}

func (s *fakeStore) UpsertKPISnapshot(ctx context.Context, snapshot *models.KPISnapshot) error {
	s.kpiSnapshots[snapshot.Kind+":"+snapshot.Period] = snapshot
	return nil
}

func (s *fakeStore) RuleEnabled(ctx context.Context, name string) bool {
	return !s.disabledRules[name]
}

func (s *fakeStore) SaveRunLog(ctx context.Context, entry *models.AutomationRunLog) error {
	s.runLogs = append(s.runLogs, entry)
	return nil
}

// fakeSink records every outbound message.
type fakeSink struct {
	sent []notify.Message
}

func (f *fakeSink) Send(ctx context.Context, msg notify.Message) notify.Result {
	f.sent = append(f.sent, msg)
	return notify.Result{Success: true, ProviderId: "fake"}
}

func (f *fakeSink) countByChannel(channel notify.Channel) int {
	count := 0
	for _, msg := range f.sent {
		if msg.Channel == channel {
			count++
		}
	}
	return count
}

// fakeWeather serves canned forecasts by date.
type fakeWeather struct {
	byDate  map[string]models.WeatherSnapshot
	fetches int
}

func (f *fakeWeather) Forecast(ctx context.Context, coords weather.Coordinates, date string) models.WeatherSnapshot {
	f.fetches++
	if snapshot, ok := f.byDate[date]; ok {
		return snapshot
	}
	return models.WeatherSnapshot{Condition: weather.ConditionClear, FetchedAt: time.Now()}
}

type fakeGeocoder struct{}

func (fakeGeocoder) Geocode(ctx context.Context, address string) weather.Coordinates {
	return weather.Coordinates{Lat: 39.7392, Lon: -104.9903}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestEngine(store *fakeStore, sink *fakeSink, fw *fakeWeather, at time.Time) *Engine {
	if sink == nil {
		sink = &fakeSink{}
	}
	if fw == nil {
		fw = &fakeWeather{byDate: map[string]models.WeatherSnapshot{}}
	}
	return NewEngine(EngineOptions{
		Store:    store,
		Sink:     sink,
		Weather:  fw,
		Geocoder: fakeGeocoder{},
		Logger:   quietLogger(),
		Now:      func() time.Time { return at },
		Location: time.UTC,
	})
}

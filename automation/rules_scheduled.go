package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/notify"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/dtrspro/fieldops_backend/weather"
)

// Scheduled rules. Each run is a full scan: no state is carried between
// runs, and every effect sits behind the same guards the reactive rules
// use, so overlapping or repeated runs stay safe.

const (
	stalledAfterDays    = 7
	rescheduleDays      = 3
	rainPrecipThreshold = 0.1
)

// reminderDays is the collection ladder. Days outside it never fire, so a
// skipped run does not send a burst of catch-up reminders.
var reminderDays = []int{7, 14, 21, 30}

const smsFromDaysOverdue = 30

// runScan wraps a scheduled rule with the enable checks, actor context and
// the run log.
func (e *Engine) runScan(ctx context.Context, name string, scan func(ctx context.Context) (scanned, affected int, err error)) error {
	if !config.AutomationEnabled(name) || !e.store.RuleEnabled(ctx, name) {
		return nil
	}
	ruleCtx := utils.SetActorInContext(ctx, name)

	scanned, affected, err := scan(ruleCtx)

	entry := &models.AutomationRunLog{
		AutomationName: name,
		Status:         "success",
		ItemsScanned:   scanned,
		ItemsAffected:  affected,
	}
	if err != nil {
		entry.Status = "failed"
		entry.Detail = err.Error()
		config.LogError(e.logger, "automation", name, "scheduled run failed", nil, err)
	}
	if logErr := e.store.SaveRunLog(ctx, entry); logErr != nil {
		config.LogError(e.logger, "automation", name, "run log write failed", nil, logErr)
	}
	return err
}

func (e *Engine) localDate(t time.Time) string {
	return t.In(e.loc).Format("2006-01-02")
}

// RunRainCheck scans today's and tomorrow's schedule entries and pushes the
// rained-out ones three days forward. The reschedule latch makes each entry
// fire at most once.
func (e *Engine) RunRainCheck(ctx context.Context) error {
	return e.runScan(ctx, RuleRainCheck, func(ctx context.Context) (int, int, error) {
		now := e.now()
		today := e.localDate(now)
		tomorrow := e.localDate(now.AddDate(0, 0, 1))

		entries, err := e.store.GetScheduleEntriesBetween(ctx, today, tomorrow)
		if err != nil {
			return 0, 0, err
		}

		affected := 0
		for _, entry := range entries {
			if entry.RescheduledDueToWeather {
				continue
			}

			snapshot := entry.Weather
			if snapshot == nil || now.Sub(snapshot.FetchedAt) >= weatherFreshness {
				coords := e.geocoder.Geocode(ctx, e.jobAddress(ctx, entry.JobId))
				fresh := e.weather.Forecast(ctx, coords, entry.Date)
				snapshot = &fresh
				if err := e.store.UpdateScheduleEntryWeather(ctx, entry.ID, snapshot); err != nil {
					config.LogError(e.logger, "automation", RuleRainCheck, "weather snapshot write failed", entry.ID, err)
				}
			}
			if !isRainedOut(snapshot) {
				continue
			}

			oldDate := entry.Date
			parsed, err := time.ParseInLocation("2006-01-02", entry.Date, e.loc)
			if err != nil {
				config.LogError(e.logger, "automation", RuleRainCheck, "bad entry date", entry, err)
				continue
			}
			newDate := parsed.AddDate(0, 0, rescheduleDays).Format("2006-01-02")

			won, err := e.store.RescheduleForWeather(ctx, entry.ID, oldDate, newDate, now)
			if err != nil {
				return len(entries), affected, err
			}
			if !won {
				continue
			}
			affected++
			e.notifyRainReschedule(ctx, entry, newDate)
		}
		return len(entries), affected, nil
	})
}

func isRainedOut(snapshot *models.WeatherSnapshot) bool {
	if snapshot == nil {
		return false
	}
	return snapshot.Condition == weather.ConditionRain || snapshot.Precipitation > rainPrecipThreshold
}

func (e *Engine) notifyRainReschedule(ctx context.Context, entry *models.ScheduleEntry, newDate string) {
	job, err := e.store.GetJob(ctx, entry.JobId)
	if err != nil {
		config.LogError(e.logger, "automation", RuleRainCheck, "job lookup failed", entry.JobId, err)
		return
	}

	customer, err := e.store.GetCustomerUser(ctx, job.CustomerId)
	if err == nil {
		content := notify.RainCheckEmail(job.JobNumber, job.AddressStreet, newDate)
		if customer.Email != "" {
			e.sink.Send(ctx, notify.Message{
				Channel:   notify.ChannelEmail,
				Recipient: customer.Email,
				Subject:   content.Subject,
				Body:      content.Body,
			})
		}
		if customer.Phone != "" {
			e.sink.Send(ctx, notify.Message{
				Channel:   notify.ChannelSMS,
				Recipient: customer.Phone,
				Body:      notify.RainCheckSMS(job.JobNumber, newDate),
			})
		}
	} else if !errors.Is(err, utils.ErrorReferenceNotFound) {
		config.LogError(e.logger, "automation", RuleRainCheck, "customer lookup failed", job.CustomerId, err)
	}

	admins, err := e.store.GetAdminUsers(ctx)
	if err != nil {
		config.LogError(e.logger, "automation", RuleRainCheck, "admin lookup failed", nil, err)
		return
	}
	for _, admin := range admins {
		notification := &models.Notification{
			UserId:            admin.ID,
			UserRole:          models.UserRoleAdmin,
			Title:             fmt.Sprintf("Job %s Rescheduled (Weather)", job.JobNumber),
			Message:           fmt.Sprintf("Job %s moved from %s to %s due to forecasted rain.", job.JobNumber, entry.Date, newDate),
			Type:              models.NotificationTypeWarning,
			RelatedEntityType: models.FamilyScheduleEntries,
			RelatedEntityId:   entry.ID,
		}
		if err := e.store.CreateNotification(ctx, notification); err != nil {
			config.LogError(e.logger, "automation", RuleRainCheck, "notification failed", admin.ID, err)
		}
	}
}

// RunStalledJobDetection flags open jobs with no writes in a week. The flag
// write bypasses the job's own timestamp, so flagging does not un-stall the
// job; a still-stalled job gets its day count refreshed on every run, but
// the admins are only notified the day it crosses the threshold.
func (e *Engine) RunStalledJobDetection(ctx context.Context) error {
	return e.runScan(ctx, RuleStalledJobs, func(ctx context.Context) (int, int, error) {
		now := e.now()
		jobs, err := e.store.GetOpenJobs(ctx)
		if err != nil {
			return 0, 0, err
		}

		affected := 0
		for _, job := range jobs {
			lastActivity := job.UpdatedAt
			if job.CreatedAt.After(lastActivity) {
				lastActivity = job.CreatedAt
			}
			idleDays := int(now.Sub(lastActivity).Hours() / 24)
			if idleDays < stalledAfterDays {
				continue
			}

			newlyStalled := !job.IsStalled
			stalledSince := job.StalledSince
			if stalledSince == nil {
				stalledSince = &lastActivity
			}
			if err := e.store.MarkJobStalled(ctx, job.ID, idleDays, *stalledSince); err != nil {
				return len(jobs), affected, err
			}
			affected++
			if newlyStalled {
				e.notifyStalledJob(ctx, job, idleDays)
			}
		}
		return len(jobs), affected, nil
	})
}

func (e *Engine) notifyStalledJob(ctx context.Context, job *models.Job, idleDays int) {
	customer, err := e.store.GetCustomerUser(ctx, job.CustomerId)
	if err == nil && customer.Email != "" {
		content := notify.StalledJobEmail(job.JobNumber, job.AddressStreet, idleDays)
		e.sink.Send(ctx, notify.Message{
			Channel:   notify.ChannelEmail,
			Recipient: customer.Email,
			Subject:   content.Subject,
			Body:      content.Body,
		})
	} else if err != nil && !errors.Is(err, utils.ErrorReferenceNotFound) {
		config.LogError(e.logger, "automation", RuleStalledJobs, "customer lookup failed", job.CustomerId, err)
	}

	admins, err := e.store.GetAdminUsers(ctx)
	if err != nil {
		config.LogError(e.logger, "automation", RuleStalledJobs, "admin lookup failed", nil, err)
		return
	}
	for _, admin := range admins {
		notification := &models.Notification{
			UserId:            admin.ID,
			UserRole:          models.UserRoleAdmin,
			Title:             fmt.Sprintf("Stalled Job: %s", job.JobNumber),
			Message:           fmt.Sprintf("Job %s has not progressed in %d days.", job.JobNumber, idleDays),
			Type:              models.NotificationTypeWarning,
			RelatedEntityType: models.FamilyJobs,
			RelatedEntityId:   job.ID,
		}
		if err := e.store.CreateNotification(ctx, notification); err != nil {
			config.LogError(e.logger, "automation", RuleStalledJobs, "notification failed", admin.ID, err)
		}
	}
}

// RunInventoryAlert is the daily sweep behind the reactive low-stock rule:
// it catches items that dropped below reorder without a change event, such
// as direct data fixes. Same latch, so the two paths cannot double fire.
func (e *Engine) RunInventoryAlert(ctx context.Context) error {
	return e.runScan(ctx, RuleInventoryAlert, func(ctx context.Context) (int, int, error) {
		items, err := e.store.GetAllInventoryItems(ctx)
		if err != nil {
			return 0, 0, err
		}

		affected := 0
		for _, item := range items {
			if item.LowStockAlertSent || item.TotalQuantity.GreaterThanOrEqual(item.ReorderPoint) {
				continue
			}
			if err := e.fireLowStockAlert(ctx, item); err != nil {
				return len(items), affected, err
			}
			affected++
		}
		return len(items), affected, nil
	})
}

// RunCollectionBot sends payment reminders on the exact overdue-day ladder.
// Creating the reminder row is the idempotency claim; the sends follow only
// when that insert wins, so a redundant run or a concurrent worker sends
// nothing twice.
func (e *Engine) RunCollectionBot(ctx context.Context) error {
	return e.runScan(ctx, RuleCollectionBot, func(ctx context.Context) (int, int, error) {
		now := e.now().In(e.loc)
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)

		invoices, err := e.store.GetOverdueInvoices(ctx, today)
		if err != nil {
			return 0, 0, err
		}

		affected := 0
		for _, invoice := range invoices {
			due := invoice.DueDate.In(e.loc)
			dueDay := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, e.loc)
			daysOverdue := int(today.Sub(dueDay).Hours() / 24)
			if !isReminderDay(daysOverdue) {
				continue
			}

			reminder := &models.InvoiceReminder{
				InvoiceId:    invoice.ID,
				DaysOverdue:  daysOverdue,
				CustomerId:   invoice.CustomerId,
				ReminderType: models.ReminderTypeForDays(daysOverdue),
			}
			if err := e.store.CreateInvoiceReminder(ctx, reminder); err != nil {
				if errors.Is(err, utils.ErrorGuardAlreadySatisfied) {
					continue
				}
				return len(invoices), affected, err
			}
			affected++
			e.sendCollectionReminder(ctx, invoice, reminder, daysOverdue)
		}
		return len(invoices), affected, nil
	})
}

func isReminderDay(daysOverdue int) bool {
	for _, day := range reminderDays {
		if daysOverdue == day {
			return true
		}
	}
	return false
}

func (e *Engine) sendCollectionReminder(ctx context.Context, invoice *models.Invoice, reminder *models.InvoiceReminder, daysOverdue int) {
	customer, err := e.store.GetCustomerUser(ctx, invoice.CustomerId)
	if err != nil {
		config.LogError(e.logger, "automation", RuleCollectionBot, "customer lookup failed", invoice.CustomerId, err)
		return
	}

	amount := invoice.BalanceDue.StringFixed(2)
	emailSent, smsSent := false, false

	if customer.Email != "" {
		content := notify.CollectionReminderEmail(invoice.InvoiceNumber, invoice.CustomerName, amount, daysOverdue)
		result := e.sink.Send(ctx, notify.Message{
			Channel:   notify.ChannelEmail,
			Recipient: customer.Email,
			Subject:   content.Subject,
			Body:      content.Body,
		})
		emailSent = result.Success
	}
	if daysOverdue >= smsFromDaysOverdue && customer.Phone != "" {
		result := e.sink.Send(ctx, notify.Message{
			Channel:   notify.ChannelSMS,
			Recipient: customer.Phone,
			Body:      notify.CollectionReminderSMS(invoice.InvoiceNumber, daysOverdue, amount),
		})
		smsSent = result.Success
	}

	// Delivery bookkeeping is best effort; the reminder row already exists.
	if err := e.store.UpdateReminderDelivery(ctx, reminder.ID, emailSent, smsSent); err != nil {
		config.LogError(e.logger, "automation", RuleCollectionBot, "reminder bookkeeping failed", reminder.ID, err)
	}

	notification := &models.Notification{
		UserId:            customer.ID,
		UserRole:          models.UserRoleCustomer,
		Title:             fmt.Sprintf("Payment Reminder: Invoice %s", invoice.InvoiceNumber),
		Message:           fmt.Sprintf("Invoice %s is %d days overdue. Amount due: $%s.", invoice.InvoiceNumber, daysOverdue, amount),
		Type:              models.NotificationTypeWarning,
		RelatedEntityType: models.FamilyInvoices,
		RelatedEntityId:   invoice.ID,
	}
	if err := e.store.CreateNotification(ctx, notification); err != nil {
		config.LogError(e.logger, "automation", RuleCollectionBot, "notification failed", customer.ID, err)
	}
}

// RunKPIAggregation snapshots yesterday's numbers, keyed by the day so a
// re-run replaces rather than duplicates.
func (e *Engine) RunKPIAggregation(ctx context.Context) error {
	return e.runScan(ctx, RuleKPIAggregation, func(ctx context.Context) (int, int, error) {
		now := e.now().In(e.loc)
		dayEnd := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
		dayStart := dayEnd.AddDate(0, 0, -1)
		period := dayStart.Format("2006-01-02")

		snapshot := &models.KPISnapshot{Kind: models.KPIKindDaily, Period: period}
		window := RowFilter{From: dayStart, To: dayEnd}

		var err error
		if snapshot.JobsOpen, err = e.store.CountRows(ctx, models.FamilyJobs, RowFilter{Kind: CountOpenJobs}); err != nil {
			return 0, 0, err
		}
		if snapshot.JobsStalled, err = e.store.CountRows(ctx, models.FamilyJobs, RowFilter{Kind: CountStalledJobs}); err != nil {
			return 0, 0, err
		}
		closedFilter := window
		closedFilter.Kind = CountClosedJobs
		if snapshot.JobsClosed, err = e.store.CountRows(ctx, models.FamilyJobs, closedFilter); err != nil {
			return 0, 0, err
		}
		leadsFilter := window
		leadsFilter.Kind = CountNewLeads
		if snapshot.LeadsNew, err = e.store.CountRows(ctx, models.FamilyLeads, leadsFilter); err != nil {
			return 0, 0, err
		}
		if snapshot.OverdueInvoices, err = e.store.CountRows(ctx, models.FamilyInvoices, RowFilter{Kind: CountOverdueInvoices, To: dayEnd}); err != nil {
			return 0, 0, err
		}
		if snapshot.ItemsBelowReorder, err = e.store.CountRows(ctx, models.FamilyInventoryItems, RowFilter{Kind: CountItemsBelowReorder}); err != nil {
			return 0, 0, err
		}
		if snapshot.InvoicedTotal, err = e.store.SumInvoicedBetween(ctx, dayStart, dayEnd); err != nil {
			return 0, 0, err
		}
		if snapshot.CollectedTotal, err = e.store.SumCollectedBetween(ctx, dayStart, dayEnd); err != nil {
			return 0, 0, err
		}

		if err := e.store.UpsertKPISnapshot(ctx, snapshot); err != nil {
			return 0, 0, err
		}
		return 1, 1, nil
	})
}

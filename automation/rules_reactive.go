package automation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/notify"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/shopspring/decimal"
)

// scoringInputs is the projection the lead-scoring rule reacts to. Pointer
// inputs are flattened to value+presence so the comparison is by value.
type scoringInputs struct {
	distance, pitch, age          float64
	hasDistance, hasPitch, hasAge bool
}

func projectScoringInputs(l *models.Lead) scoringInputs {
	var p scoringInputs
	if l.Distance != nil {
		p.distance, p.hasDistance = *l.Distance, true
	}
	if l.RoofPitch != nil {
		p.pitch, p.hasPitch = *l.RoofPitch, true
	}
	if l.SystemAge != nil {
		p.age, p.hasAge = *l.SystemAge, true
	}
	return p
}

// handleLeadScoring recomputes the score and writes it back with the
// equality guard. The snapshots only gate relevance; the score itself comes
// from a fresh read, so a stale event delivered late converges to the
// current row instead of persisting old inputs. The rule's own write-back
// changes no scoring input, so the event it produces projects to the same
// inputs and is ignored here: no feedback loop.
func (e *Engine) handleLeadScoring(ctx context.Context, ev Event) error {
	before, after, err := decodeSnapshots[models.Lead](ev)
	if err != nil {
		return err
	}
	if after == nil {
		return nil
	}
	if ev.Kind == models.EventUpdated && !HasRelevantTransition(before, after, projectScoringInputs) {
		return nil
	}

	lead, err := e.store.GetLead(ctx, after.ID)
	if err != nil {
		return err
	}
	score := LeadScore(lead.Distance, lead.RoofPitch, lead.SystemAge)
	wrote, err := e.store.WriteLeadScore(ctx, lead.ID, score)
	if err != nil {
		return err
	}
	if wrote {
		e.logger.WithField("lead_id", lead.ID).WithField("score", score).Info("lead scored")
	}
	return nil
}

// handleAutoInvoicing creates the milestone invoice when a job enters a
// billing state. The unique (job, type) index backs the existence guard, so
// concurrent redeliveries collapse to one invoice.
func (e *Engine) handleAutoInvoicing(ctx context.Context, ev Event) error {
	before, after, err := decodeSnapshots[models.Job](ev)
	if err != nil {
		return err
	}
	if after == nil {
		return nil
	}

	plan, ok := InvoicePlanForState(after.WorkflowState)
	if !ok {
		return nil
	}
	if !EnteredState(before, after, func(j *models.Job) models.WorkflowState { return j.WorkflowState }, after.WorkflowState) {
		return nil
	}

	exists, err := e.store.InvoiceExists(ctx, after.ID, plan.Type)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	estimate, err := e.store.GetEstimateForJob(ctx, after.ID)
	if err != nil {
		return err
	}

	subtotal := estimate.Total.Mul(plan.Fraction).Round(2)
	lineItems := []models.InvoiceLineItem{{
		Description: fmt.Sprintf("%s payment (%s%%) - Job %s",
			plan.Type, plan.Fraction.Mul(decimal.NewFromInt(100)).String(), after.JobNumber),
		Quantity:  decimal.NewFromInt(1),
		UnitPrice: subtotal,
		Total:     subtotal,
	}}

	if plan.Type == models.InvoiceTypeFinal && after.PartnerId != nil {
		deduction := CommissionDeduction(after.CommissionModel, after.CommissionRate, estimate.Total, after.SystemSizeKw)
		if deduction.GreaterThan(decimal.Zero) {
			deduction, clamped := ClampCommission(deduction, subtotal)
			description := fmt.Sprintf("Partner commission - %s", after.PartnerName)
			if clamped {
				description += " (capped at invoice amount)"
			}
			lineItems = append(lineItems, models.InvoiceLineItem{
				Description: description,
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   deduction.Neg(),
				Total:       deduction.Neg(),
			})
			subtotal = subtotal.Sub(deduction)
		}
	}

	taxAmount := subtotal.Mul(estimate.TaxRate).Div(decimal.NewFromInt(100)).Round(2)
	total := subtotal.Add(taxAmount)

	invoice := &models.Invoice{
		JobId:        after.ID,
		InvoiceType:  plan.Type,
		CustomerId:   after.CustomerId,
		CustomerName: estimate.CustomerName,
		Status:       models.InvoiceStatusPending,
		LineItems:    lineItems,
		Subtotal:     subtotal,
		TaxAmount:    taxAmount,
		Total:        total,
		PaidAmount:   decimal.Zero,
		BalanceDue:   total,
		DueDate:      e.now().AddDate(0, 0, 30),
	}
	if err := e.store.CreateInvoice(ctx, invoice); err != nil {
		return err
	}
	e.logger.WithField("invoice_number", invoice.InvoiceNumber).
		WithField("job_id", after.ID).
		WithField("type", string(plan.Type)).
		Info("invoice created")

	// Document rendering is best effort; the invoice record is the source
	// of truth and a later manual render can fill the URL.
	if e.UploadInvoiceDocument != nil {
		if _, err := e.UploadInvoiceDocument(ctx, invoice); err != nil {
			config.LogError(e.logger, "automation", RuleAutoInvoicing, "invoice document upload failed", invoice.InvoiceNumber, err)
		}
	}

	// The inbox filters by portal user id, not customer record id.
	customer, err := e.store.GetCustomerUser(ctx, after.CustomerId)
	if err != nil {
		if !errors.Is(err, utils.ErrorReferenceNotFound) {
			config.LogError(e.logger, "automation", RuleAutoInvoicing, "customer lookup failed", after.CustomerId, err)
		}
		return nil
	}
	notification := &models.Notification{
		UserId:            customer.ID,
		UserRole:          models.UserRoleCustomer,
		Title:             fmt.Sprintf("New Invoice %s", invoice.InvoiceNumber),
		Message:           fmt.Sprintf("Invoice %s for $%s is due %s.", invoice.InvoiceNumber, total.StringFixed(2), invoice.DueDate.Format("2006-01-02")),
		Type:              models.NotificationTypeInfo,
		RelatedEntityType: models.FamilyInvoices,
		RelatedEntityId:   invoice.ID,
	}
	if err := e.store.CreateNotification(ctx, notification); err != nil {
		config.LogError(e.logger, "automation", RuleAutoInvoicing, "invoice notification failed", invoice.InvoiceNumber, err)
	}
	return nil
}

// handleBOMDeduction consumes the job type's bill-of-materials when the job
// enters reset_complete. Decrements and audit appends commit as one batch;
// the audit source keys double as the batch's redelivery guard, because a
// second delivery replays the same keys and aborts before any decrement
// commits.
func (e *Engine) handleBOMDeduction(ctx context.Context, ev Event) error {
	before, after, err := decodeSnapshots[models.Job](ev)
	if err != nil {
		return err
	}
	if !EnteredState(before, after, func(j *models.Job) models.WorkflowState { return j.WorkflowState }, models.WorkflowStateResetComplete) {
		return nil
	}

	rules, err := e.store.GetBOMRulesForJobType(ctx, after.JobType)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	var ops []BatchOp
	for _, rule := range rules {
		for _, component := range rule.Components {
			ops = append(ops,
				AdjustInventoryOp{ItemId: component.ItemId, Delta: component.Quantity.Neg()},
				AppendAuditOp{Entry: models.AuditLogEntry{
					JobId:          after.ID,
					SourceKey:      fmt.Sprintf("bom:%d:%d", after.ID, component.ItemId),
					ReferenceType:  models.FamilyInventoryItems,
					ReferenceId:    component.ItemId,
					Description:    fmt.Sprintf("Deducted %s for job %s reset", component.Quantity.String(), after.JobNumber),
					QuantityChange: component.Quantity.Neg(),
				}},
			)
		}
	}
	if err := e.store.AtomicBatch(ctx, after.ID, ops); err != nil {
		return err
	}
	e.logger.WithField("job_id", after.ID).WithField("components", len(ops)/2).Info("BOM deducted")
	return nil
}

// handleLowStockAlert fires when an inventory write leaves the quantity
// below the reorder point. The latch claim is the idempotency unit: only
// the call that flips the latch sends anything.
func (e *Engine) handleLowStockAlert(ctx context.Context, ev Event) error {
	_, after, err := decodeSnapshots[models.InventoryItem](ev)
	if err != nil {
		return err
	}
	if after == nil {
		return nil
	}
	if after.LowStockAlertSent || after.TotalQuantity.GreaterThanOrEqual(after.ReorderPoint) {
		return nil
	}
	return e.fireLowStockAlert(ctx, after)
}

// fireLowStockAlert is shared with the daily inventory scan; both paths
// race on the same latch.
func (e *Engine) fireLowStockAlert(ctx context.Context, item *models.InventoryItem) error {
	now := e.now()
	won, err := e.store.SetLowStockLatch(ctx, item.ID, now)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	content := notify.InventoryAlertEmail(item.Name, item.SKU,
		item.TotalQuantity.String(), item.ReorderPoint.String())

	admins, err := e.store.GetAdminUsers(ctx)
	if err != nil {
		config.LogError(e.logger, "automation", RuleLowStockAlert, "admin lookup failed", item.ID, err)
		admins = nil
	}
	for _, admin := range admins {
		notification := &models.Notification{
			UserId:            admin.ID,
			UserRole:          models.UserRoleAdmin,
			Title:             content.Subject,
			Message:           fmt.Sprintf("%s (%s) is below reorder point: %s on hand, reorder at %s.", item.Name, item.SKU, item.TotalQuantity.String(), item.ReorderPoint.String()),
			Type:              models.NotificationTypeWarning,
			RelatedEntityType: models.FamilyInventoryItems,
			RelatedEntityId:   item.ID,
		}
		if err := e.store.CreateNotification(ctx, notification); err != nil {
			config.LogError(e.logger, "automation", RuleLowStockAlert, "notification failed", admin.ID, err)
		}
		if admin.Email != "" {
			e.sink.Send(ctx, notify.Message{
				Channel:   notify.ChannelEmail,
				Recipient: admin.Email,
				Subject:   content.Subject,
				Body:      content.Body,
			})
		}
	}

	// Zero-quantity marker records the firing in the trail. Keyed by the
	// latch timestamp so a future restock-and-refire gets its own entry.
	entry := &models.AuditLogEntry{
		SourceKey:      fmt.Sprintf("low_stock:%d:%d", item.ID, now.Unix()),
		ReferenceType:  models.FamilyInventoryItems,
		ReferenceId:    item.ID,
		Description:    fmt.Sprintf("Low stock alert sent for %s (%s)", item.Name, item.SKU),
		QuantityChange: decimal.Zero,
	}
	if err := e.store.AppendAuditLog(ctx, entry); err != nil && !errors.Is(err, utils.ErrorGuardAlreadySatisfied) {
		config.LogError(e.logger, "automation", RuleLowStockAlert, "audit marker failed", item.ID, err)
	}
	e.logger.WithField("item_id", item.ID).Info("low stock alert sent")
	return nil
}

// auditSource is the slice of a crew record the mirror needs; every mirrored
// family carries at least these fields.
type auditSource struct {
	ID    int `json:"id"`
	JobId int `json:"job_id"`
}

var auditMirrorDescriptions = map[string]string{
	models.FamilyJSASubmissions: "JSA submitted",
	models.FamilyDamageScans:    "Damage scan recorded",
	models.FamilyDetachReports:  "Detach report filed",
	models.FamilyResetReports:   "Reset report filed",
}

// handleAuditMirror appends one audit entry per created crew record. The
// source key is the record identity, so a redelivered creation is a
// duplicate-key no-op.
func (e *Engine) handleAuditMirror(ctx context.Context, ev Event) error {
	_, after, err := decodeSnapshots[auditSource](ev)
	if err != nil {
		return err
	}
	if after == nil {
		return nil
	}

	description, ok := auditMirrorDescriptions[ev.Family]
	if !ok {
		return nil
	}
	return e.store.AppendAuditLog(ctx, &models.AuditLogEntry{
		JobId:         after.JobId,
		SourceKey:     ev.Family + ":" + strconv.Itoa(after.ID),
		ReferenceType: ev.Family,
		ReferenceId:   after.ID,
		Description:   description,
	})
}

const weatherFreshness = time.Hour

// handleScheduleWeather attaches a forecast to a newly created schedule
// entry so the crews see conditions immediately instead of waiting for the
// morning scan.
func (e *Engine) handleScheduleWeather(ctx context.Context, ev Event) error {
	_, after, err := decodeSnapshots[models.ScheduleEntry](ev)
	if err != nil {
		return err
	}
	if after == nil {
		return nil
	}
	if after.Weather != nil && e.now().Sub(after.Weather.FetchedAt) < weatherFreshness {
		return nil
	}
	return e.refreshEntryWeather(ctx, after)
}

// refreshEntryWeather fetches and stores one entry's forecast, geocoding
// from the job address.
func (e *Engine) refreshEntryWeather(ctx context.Context, entry *models.ScheduleEntry) error {
	coords := e.geocoder.Geocode(ctx, e.jobAddress(ctx, entry.JobId))
	snapshot := e.weather.Forecast(ctx, coords, entry.Date)
	return e.store.UpdateScheduleEntryWeather(ctx, entry.ID, &snapshot)
}

func (e *Engine) jobAddress(ctx context.Context, jobId int) string {
	job, err := e.store.GetJob(ctx, jobId)
	if err != nil {
		return ""
	}
	return job.AddressStreet + ", " + job.AddressCity
}

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/notify"
	"github.com/dtrspro/fieldops_backend/weather"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func mustEvent(t *testing.T, messageId, family, kind string, before, after any) Event {
	t.Helper()
	ev := Event{MessageId: messageId, Family: family, RecordId: 0, Kind: kind}
	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			t.Fatalf("marshal before: %v", err)
		}
		ev.Before = raw
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			t.Fatalf("marshal after: %v", err)
		}
		ev.After = raw
	}
	return ev
}

func TestAutoInvoicing_DepositCreatedExactlyOnce(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, JobNumber: "J-100", CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach}
	store.estimates[1] = &models.Estimate{ID: 1, JobId: 1, CustomerName: "Pat Doe", Total: decimal.NewFromInt(10000)}
	engine := newTestEngine(store, nil, nil, testNow)

	before := &models.Job{ID: 1, JobNumber: "J-100", CustomerId: 7, WorkflowState: models.WorkflowStateNew}
	after := &models.Job{ID: 1, JobNumber: "J-100", CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach}
	ev := mustEvent(t, "outbox-1", models.FamilyJobs, models.EventUpdated, before, after)

	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if len(store.invoices) != 1 {
		t.Fatalf("got %d invoices, want 1", len(store.invoices))
	}
	invoice := store.invoices[0]
	if invoice.InvoiceType != models.InvoiceTypeDeposit {
		t.Fatalf("invoice type = %s, want Deposit", invoice.InvoiceType)
	}
	if !invoice.Total.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("deposit total = %s, want 3000", invoice.Total)
	}
	if !invoice.DueDate.Equal(testNow.AddDate(0, 0, 30)) {
		t.Fatalf("due date = %v, want +30 days", invoice.DueDate)
	}

	// Same message redelivered: skipped by the durable idempotency key.
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	// Same transition on a fresh message: stopped by the existence guard.
	ev2 := mustEvent(t, "outbox-2", models.FamilyJobs, models.EventUpdated, before, after)
	if err := engine.HandleChange(context.Background(), ev2); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if len(store.invoices) != 1 {
		t.Fatalf("got %d invoices after redeliveries, want 1", len(store.invoices))
	}
}

func TestAutoInvoicing_NoInvoiceForNonBillingStates(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, CustomerId: 7, WorkflowState: models.WorkflowStateDetachComplete}
	store.estimates[1] = &models.Estimate{ID: 1, JobId: 1, Total: decimal.NewFromInt(10000)}
	engine := newTestEngine(store, nil, nil, testNow)

	before := &models.Job{ID: 1, WorkflowState: models.WorkflowStateScheduledDetach}
	after := &models.Job{ID: 1, WorkflowState: models.WorkflowStateDetachComplete}
	ev := mustEvent(t, "outbox-10", models.FamilyJobs, models.EventUpdated, before, after)

	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if len(store.invoices) != 0 {
		t.Fatalf("got %d invoices, want 0", len(store.invoices))
	}
}

func TestAutoInvoicing_FinalCarriesCommissionDeduction(t *testing.T) {
	store := newFakeStore()
	partnerId := 3
	job := &models.Job{
		ID: 2, JobNumber: "J-200", CustomerId: 8,
		WorkflowState:   models.WorkflowStateResetComplete,
		PartnerId:       &partnerId,
		PartnerName:     "Acme Roofing",
		CommissionModel: models.CommissionModelPercentOfProfit,
		CommissionRate:  decimal.NewFromInt(20),
	}
	store.jobs[2] = job
	store.estimates[2] = &models.Estimate{ID: 2, JobId: 2, Total: decimal.NewFromInt(5000)}
	engine := newTestEngine(store, nil, nil, testNow)

	before := &models.Job{ID: 2, WorkflowState: models.WorkflowStateRoofingComplete}
	ev := mustEvent(t, "outbox-20", models.FamilyJobs, models.EventUpdated, before, job)
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	if len(store.invoices) != 1 {
		t.Fatalf("got %d invoices, want 1", len(store.invoices))
	}
	invoice := store.invoices[0]
	if invoice.InvoiceType != models.InvoiceTypeFinal {
		t.Fatalf("invoice type = %s, want Final", invoice.InvoiceType)
	}
	// 5000 * 30% = 1500, minus 5000 * 0.20 * 20% = 200 commission.
	if !invoice.Subtotal.Equal(decimal.NewFromInt(1300)) {
		t.Fatalf("final subtotal = %s, want 1300", invoice.Subtotal)
	}
	if len(invoice.LineItems) != 2 {
		t.Fatalf("got %d line items, want 2", len(invoice.LineItems))
	}
	if !invoice.LineItems[1].Total.Equal(decimal.NewFromInt(-200)) {
		t.Fatalf("commission line = %s, want -200", invoice.LineItems[1].Total)
	}
}

func TestAutoInvoicing_CommissionClampedAtSubtotal(t *testing.T) {
	store := newFakeStore()
	partnerId := 3
	job := &models.Job{
		ID: 3, CustomerId: 9,
		WorkflowState:   models.WorkflowStateResetComplete,
		PartnerId:       &partnerId,
		PartnerName:     "Acme Roofing",
		CommissionModel: models.CommissionModelFlatFeePerKw,
		CommissionRate:  decimal.NewFromInt(100),
		SystemSizeKw:    decimal.NewFromInt(10),
	}
	store.jobs[3] = job
	store.estimates[3] = &models.Estimate{ID: 3, JobId: 3, Total: decimal.NewFromInt(1000)}
	engine := newTestEngine(store, nil, nil, testNow)

	before := &models.Job{ID: 3, WorkflowState: models.WorkflowStateRoofingComplete}
	ev := mustEvent(t, "outbox-30", models.FamilyJobs, models.EventUpdated, before, job)
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	invoice := store.invoices[0]
	// 1000 * 30% = 300 milestone; 10 kW * 100 = 1000 deduction, clamped.
	if !invoice.Subtotal.Equal(decimal.Zero) {
		t.Fatalf("clamped subtotal = %s, want 0", invoice.Subtotal)
	}
	if !strings.Contains(invoice.LineItems[1].Description, "capped") {
		t.Fatalf("commission line should note the cap: %q", invoice.LineItems[1].Description)
	}
}

func TestLeadScoring_WritesAndIgnoresOwnWriteBack(t *testing.T) {
	store := newFakeStore()
	lead := &models.Lead{ID: 5, Distance: fp(20), RoofPitch: fp(8), SystemAge: fp(15)}
	store.leads[5] = lead
	engine := newTestEngine(store, nil, nil, testNow)

	created := mustEvent(t, "outbox-50", models.FamilyLeads, models.EventCreated, nil, lead)
	if err := engine.HandleChange(context.Background(), created); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if lead.Score != 69 {
		t.Fatalf("score = %d, want 69", lead.Score)
	}

	// The score write-back produces an update event whose inputs did not
	// move. The rule must not react, or every score write would loop.
	beforeWriteBack := &models.Lead{ID: 5, Distance: fp(20), RoofPitch: fp(8), SystemAge: fp(15), Score: 0}
	afterWriteBack := &models.Lead{ID: 5, Distance: fp(20), RoofPitch: fp(8), SystemAge: fp(15), Score: 69}
	writeBack := mustEvent(t, "outbox-51", models.FamilyLeads, models.EventUpdated, beforeWriteBack, afterWriteBack)

	lead.Score = 42 // detect any write
	if err := engine.HandleChange(context.Background(), writeBack); err != nil {
		t.Fatalf("write-back event: %v", err)
	}
	if lead.Score != 42 {
		t.Fatalf("rule reacted to its own write-back, score = %d", lead.Score)
	}

	// A real input change scores again.
	lead.Distance, lead.RoofPitch, lead.SystemAge = fp(5), fp(4), fp(2)
	changed := mustEvent(t, "outbox-52", models.FamilyLeads, models.EventUpdated,
		afterWriteBack, &models.Lead{ID: 5, Distance: fp(5), RoofPitch: fp(4), SystemAge: fp(2)})
	if err := engine.HandleChange(context.Background(), changed); err != nil {
		t.Fatalf("input change event: %v", err)
	}
	if lead.Score != 100 {
		t.Fatalf("score after input change = %d, want 100", lead.Score)
	}
}

func TestLeadScoring_StaleEventConvergesToCurrentRow(t *testing.T) {
	store := newFakeStore()
	// The row already reflects the newest write: distance 5.
	lead := &models.Lead{ID: 5, Distance: fp(5)}
	store.leads[5] = lead
	engine := newTestEngine(store, nil, nil, testNow)

	// The newer event arrives first.
	newer := mustEvent(t, "outbox-61", models.FamilyLeads, models.EventUpdated,
		&models.Lead{ID: 5, Distance: fp(20)}, &models.Lead{ID: 5, Distance: fp(5)})
	if err := engine.HandleChange(context.Background(), newer); err != nil {
		t.Fatalf("newer event: %v", err)
	}
	if lead.Score != 100 {
		t.Fatalf("score = %d, want 100", lead.Score)
	}

	// The older event straggles in afterwards. Its snapshot says distance
	// 20, but the score must come from the current row, not the snapshot.
	older := mustEvent(t, "outbox-60", models.FamilyLeads, models.EventUpdated,
		&models.Lead{ID: 5, Distance: fp(30)}, &models.Lead{ID: 5, Distance: fp(20)})
	if err := engine.HandleChange(context.Background(), older); err != nil {
		t.Fatalf("stale event: %v", err)
	}
	if lead.Score != 100 {
		t.Fatalf("stale snapshot persisted: score = %d, want 100", lead.Score)
	}
}

func TestBOMDeduction_AppliesOnceAtomically(t *testing.T) {
	store := newFakeStore()
	store.items[11] = &models.InventoryItem{ID: 11, Name: "Flashing kit", TotalQuantity: decimal.NewFromInt(10), ReorderPoint: decimal.NewFromInt(1)}
	store.items[12] = &models.InventoryItem{ID: 12, Name: "Rail set", TotalQuantity: decimal.NewFromInt(10), ReorderPoint: decimal.NewFromInt(1)}
	store.bomRules["reroof"] = []*models.BOMRule{{
		ID: 1, JobType: "reroof",
		Components: []models.BOMRuleComponent{
			{RuleId: 1, ItemId: 11, Quantity: decimal.NewFromInt(2)},
			{RuleId: 1, ItemId: 12, Quantity: decimal.NewFromInt(5)},
		},
	}}
	engine := newTestEngine(store, nil, nil, testNow)

	before := &models.Job{ID: 9, JobNumber: "J-900", JobType: "reroof", WorkflowState: models.WorkflowStateRoofingComplete}
	after := &models.Job{ID: 9, JobNumber: "J-900", JobType: "reroof", WorkflowState: models.WorkflowStateResetComplete}
	ev := mustEvent(t, "outbox-90", models.FamilyJobs, models.EventUpdated, before, after)

	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if got := store.items[11].TotalQuantity; !got.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("item 11 quantity = %s, want 8", got)
	}
	if got := store.items[12].TotalQuantity; !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("item 12 quantity = %s, want 5", got)
	}
	if len(store.auditEntries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(store.auditEntries))
	}

	// Redelivery on a fresh message id: the audit keys already exist, the
	// whole batch aborts, quantities stay put.
	ev2 := mustEvent(t, "outbox-91", models.FamilyJobs, models.EventUpdated, before, after)
	if err := engine.HandleChange(context.Background(), ev2); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := store.items[11].TotalQuantity; !got.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("item 11 double-deducted: %s", got)
	}
	if got := store.items[12].TotalQuantity; !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("item 12 double-deducted: %s", got)
	}
}

func TestBOMDeduction_FailureLeavesNothingApplied(t *testing.T) {
	store := newFakeStore()
	store.items[11] = &models.InventoryItem{ID: 11, TotalQuantity: decimal.NewFromInt(10), ReorderPoint: decimal.NewFromInt(1)}
	store.bomRules["reroof"] = []*models.BOMRule{{
		ID: 1, JobType: "reroof",
		Components: []models.BOMRuleComponent{
			{RuleId: 1, ItemId: 11, Quantity: decimal.NewFromInt(2)},
			{RuleId: 1, ItemId: 99, Quantity: decimal.NewFromInt(1)}, // no such item
		},
	}}
	engine := newTestEngine(store, nil, nil, testNow)

	before := &models.Job{ID: 9, JobType: "reroof", WorkflowState: models.WorkflowStateRoofingComplete}
	after := &models.Job{ID: 9, JobType: "reroof", WorkflowState: models.WorkflowStateResetComplete}
	ev := mustEvent(t, "outbox-95", models.FamilyJobs, models.EventUpdated, before, after)

	if err := engine.HandleChange(context.Background(), ev); err == nil {
		t.Fatal("expected an error so the event is retried")
	}
	if got := store.items[11].TotalQuantity; !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("partial batch applied: item 11 = %s, want 10", got)
	}
	if len(store.auditEntries) != 0 {
		t.Fatalf("partial batch applied: %d audit entries", len(store.auditEntries))
	}
}

func TestLowStockAlert_LatchFiresOnce(t *testing.T) {
	store := newFakeStore()
	item := &models.InventoryItem{ID: 11, Name: "Flashing kit", SKU: "FLK-1", TotalQuantity: decimal.NewFromInt(3), ReorderPoint: decimal.NewFromInt(5)}
	store.items[11] = item
	store.admins = []*models.User{
		{ID: 1, Role: models.UserRoleAdmin, Email: "ops@example.com"},
		{ID: 2, Role: models.UserRoleAdmin, Email: "owner@example.com"},
	}
	sink := &fakeSink{}
	engine := newTestEngine(store, sink, nil, testNow)

	ev := mustEvent(t, "outbox-60", models.FamilyInventoryItems, models.EventUpdated,
		&models.InventoryItem{ID: 11, TotalQuantity: decimal.NewFromInt(6), ReorderPoint: decimal.NewFromInt(5)}, item)
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	if len(store.notifications) != 2 {
		t.Fatalf("got %d notifications, want one per admin", len(store.notifications))
	}
	if got := sink.countByChannel(notify.ChannelEmail); got != 2 {
		t.Fatalf("got %d emails, want 2", got)
	}
	if !item.LowStockAlertSent {
		t.Fatal("latch not set")
	}

	// A further decrement delivers another event; the latch blocks it.
	lower := &models.InventoryItem{ID: 11, TotalQuantity: decimal.NewFromInt(2), ReorderPoint: decimal.NewFromInt(5)}
	ev2 := mustEvent(t, "outbox-61", models.FamilyInventoryItems, models.EventUpdated, item, lower)
	if err := engine.HandleChange(context.Background(), ev2); err != nil {
		t.Fatalf("second event: %v", err)
	}
	if len(store.notifications) != 2 || len(sink.sent) != 2 {
		t.Fatalf("latch did not hold: %d notifications, %d sends", len(store.notifications), len(sink.sent))
	}
}

func TestAuditMirror_DedupedBySourceRecord(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, nil, nil, testNow)

	submission := map[string]any{"id": 33, "job_id": 4, "crew_lead": "R. Alvarez"}
	ev := mustEvent(t, "outbox-70", models.FamilyJSASubmissions, models.EventCreated, nil, submission)
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	entry, ok := store.auditEntries["jsa_submissions:33"]
	if !ok {
		t.Fatal("mirror entry missing")
	}
	if entry.JobId != 4 {
		t.Fatalf("mirror job id = %d, want 4", entry.JobId)
	}

	ev2 := mustEvent(t, "outbox-71", models.FamilyJSASubmissions, models.EventCreated, nil, submission)
	if err := engine.HandleChange(context.Background(), ev2); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(store.auditEntries) != 1 {
		t.Fatalf("got %d audit entries after redelivery, want 1", len(store.auditEntries))
	}
}

func TestHandleChange_DisabledRuleSkips(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach}
	store.estimates[1] = &models.Estimate{ID: 1, JobId: 1, Total: decimal.NewFromInt(10000)}
	store.disabledRules[RuleAutoInvoicing] = true
	engine := newTestEngine(store, nil, nil, testNow)

	ev := mustEvent(t, "outbox-80", models.FamilyJobs, models.EventUpdated,
		&models.Job{ID: 1, WorkflowState: models.WorkflowStateNew},
		&models.Job{ID: 1, CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach})
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if len(store.invoices) != 0 {
		t.Fatalf("disabled rule still ran: %d invoices", len(store.invoices))
	}
}

func TestHandleChange_MissingReferenceIsSkippedNotRetried(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach}
	// No estimate for the job.
	engine := newTestEngine(store, nil, nil, testNow)

	ev := mustEvent(t, "outbox-85", models.FamilyJobs, models.EventUpdated,
		&models.Job{ID: 1, WorkflowState: models.WorkflowStateNew},
		&models.Job{ID: 1, CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach})
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("missing reference should not request a retry: %v", err)
	}
	if store.idemStatus[RuleAutoInvoicing+"|outbox-85"] != models.IdempotencyStatusSucceeded {
		t.Fatal("skip should complete the idempotency unit")
	}
}

func TestHandleChange_TransientStoreErrorIsRetried(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach}
	store.estimateErr = errors.New("driver: bad connection")
	engine := newTestEngine(store, nil, nil, testNow)

	ev := mustEvent(t, "outbox-86", models.FamilyJobs, models.EventUpdated,
		&models.Job{ID: 1, WorkflowState: models.WorkflowStateNew},
		&models.Job{ID: 1, CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach})
	if err := engine.HandleChange(context.Background(), ev); err == nil {
		t.Fatal("a transient store failure must surface so the event is retried")
	}
	if store.idemStatus[RuleAutoInvoicing+"|outbox-86"] != models.IdempotencyStatusFailed {
		t.Fatalf("idempotency status = %s, want FAILED", store.idemStatus[RuleAutoInvoicing+"|outbox-86"])
	}
	if len(store.invoices) != 0 {
		t.Fatalf("got %d invoices during the outage, want 0", len(store.invoices))
	}

	// The outage clears; the redelivered message completes the unit.
	store.estimateErr = nil
	store.estimates[1] = &models.Estimate{ID: 1, JobId: 1, Total: decimal.NewFromInt(10000)}
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("redelivery after recovery: %v", err)
	}
	if len(store.invoices) != 1 {
		t.Fatalf("got %d invoices after recovery, want 1", len(store.invoices))
	}
}

func TestAutoInvoicing_NotifiesPortalUserNotCustomerRecord(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, JobNumber: "J-100", CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach}
	store.estimates[1] = &models.Estimate{ID: 1, JobId: 1, Total: decimal.NewFromInt(10000)}
	// The portal login tied to customer 7 is user 70; the inbox query
	// filters by that user id.
	store.customers[7] = &models.User{ID: 70, Email: "pat@example.com", Role: models.UserRoleCustomer}
	engine := newTestEngine(store, nil, nil, testNow)

	ev := mustEvent(t, "outbox-87", models.FamilyJobs, models.EventUpdated,
		&models.Job{ID: 1, WorkflowState: models.WorkflowStateNew},
		&models.Job{ID: 1, CustomerId: 7, WorkflowState: models.WorkflowStateScheduledDetach})
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	if len(store.notifications) != 1 {
		t.Fatalf("got %d notifications, want 1", len(store.notifications))
	}
	notification := store.notifications[0]
	if notification.UserId != 70 {
		t.Fatalf("notification user id = %d, want the portal user 70", notification.UserId)
	}
	if notification.UserRole != models.UserRoleCustomer {
		t.Fatalf("notification role = %s, want customer", notification.UserRole)
	}
}

func TestScheduleEntryCreated_AttachesForecast(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, AddressStreet: "12 Elm St", AddressCity: "Denver"}
	entry := &models.ScheduleEntry{ID: 21, JobId: 1, Date: "2026-09-02"}
	store.entries[21] = entry
	fw := &fakeWeather{byDate: map[string]models.WeatherSnapshot{
		"2026-09-02": {Condition: weather.ConditionRain, Precipitation: 0.4, FetchedAt: testNow},
	}}
	engine := newTestEngine(store, nil, fw, testNow)

	ev := mustEvent(t, "outbox-88", models.FamilyScheduleEntries, models.EventCreated, nil, entry)
	if err := engine.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	if fw.fetches != 1 {
		t.Fatalf("got %d forecast fetches, want 1", fw.fetches)
	}
	if entry.Weather == nil || entry.Weather.Condition != weather.ConditionRain {
		t.Fatalf("forecast not attached: %+v", entry.Weather)
	}
}

package automation

import (
	"context"
	"testing"
	"time"

	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/notify"
	"github.com/dtrspro/fieldops_backend/weather"
	"github.com/shopspring/decimal"
)

func TestRainCheck_ReschedulesOnce(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, JobNumber: "J-100", CustomerId: 7, AddressStreet: "12 Elm St"}
	store.customers[7] = &models.User{ID: 70, Email: "pat@example.com", Phone: "+13035550100"}
	store.admins = []*models.User{{ID: 1, Role: models.UserRoleAdmin}}

	today := testNow.Format("2006-01-02")
	rainy := &models.ScheduleEntry{ID: 1, JobId: 1, Date: today,
		Weather: &models.WeatherSnapshot{Condition: weather.ConditionRain, FetchedAt: testNow}}
	clear := &models.ScheduleEntry{ID: 2, JobId: 1, Date: today,
		Weather: &models.WeatherSnapshot{Condition: weather.ConditionClear, FetchedAt: testNow}}
	store.entries[1] = rainy
	store.entries[2] = clear

	sink := &fakeSink{}
	engine := newTestEngine(store, sink, nil, testNow)

	if err := engine.RunRainCheck(context.Background()); err != nil {
		t.Fatalf("RunRainCheck: %v", err)
	}

	wantDate := testNow.AddDate(0, 0, 3).Format("2006-01-02")
	if rainy.Date != wantDate {
		t.Fatalf("rescheduled date = %s, want %s", rainy.Date, wantDate)
	}
	if rainy.OriginalDate != today || !rainy.RescheduledDueToWeather {
		t.Fatalf("latch state wrong: %+v", rainy)
	}
	if clear.Date != today {
		t.Fatalf("clear-weather entry moved to %s", clear.Date)
	}
	if got := sink.countByChannel(notify.ChannelEmail); got != 1 {
		t.Fatalf("got %d customer emails, want 1", got)
	}
	if got := sink.countByChannel(notify.ChannelSMS); got != 1 {
		t.Fatalf("got %d customer SMS, want 1", got)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("got %d admin notifications, want 1", len(store.notifications))
	}

	// Second run same morning: the latch holds even though the entry moved
	// only three days out.
	store.entries[1].Date = today // pretend a manual move back into the window
	if err := engine.RunRainCheck(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(sink.sent) != 2 {
		t.Fatalf("latch did not hold: %d sends", len(sink.sent))
	}
}

func TestRainCheck_PrecipitationThreshold(t *testing.T) {
	cases := []struct {
		name     string
		snapshot models.WeatherSnapshot
		want     bool
	}{
		{"rain condition", models.WeatherSnapshot{Condition: weather.ConditionRain}, true},
		{"heavy drizzle", models.WeatherSnapshot{Condition: "Drizzle", Precipitation: 0.2}, true},
		{"trace precipitation", models.WeatherSnapshot{Condition: "Clouds", Precipitation: 0.1}, false},
		{"clear", models.WeatherSnapshot{Condition: weather.ConditionClear}, false},
		{"unknown treated as workable", models.WeatherSnapshot{Condition: weather.ConditionUnknown}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRainedOut(&tc.snapshot); got != tc.want {
				t.Fatalf("isRainedOut = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStalledJobDetection(t *testing.T) {
	store := newFakeStore()
	store.admins = []*models.User{{ID: 1, Role: models.UserRoleAdmin, Email: "ops@example.com"}}
	store.customers[7] = &models.User{ID: 70, Email: "pat@example.com"}

	staleTime := testNow.AddDate(0, 0, -8)
	freshTime := testNow.AddDate(0, 0, -2)
	store.jobs[1] = &models.Job{ID: 1, JobNumber: "J-1", CustomerId: 7, WorkflowState: models.WorkflowStateDetachComplete, CreatedAt: staleTime, UpdatedAt: staleTime}
	store.jobs[2] = &models.Job{ID: 2, JobNumber: "J-2", WorkflowState: models.WorkflowStateDetachComplete, CreatedAt: staleTime, UpdatedAt: freshTime}
	// Recently created but never updated: creation counts as activity.
	store.jobs[3] = &models.Job{ID: 3, JobNumber: "J-3", WorkflowState: models.WorkflowStateNew, CreatedAt: freshTime, UpdatedAt: staleTime}

	sink := &fakeSink{}
	engine := newTestEngine(store, sink, nil, testNow)

	if err := engine.RunStalledJobDetection(context.Background()); err != nil {
		t.Fatalf("RunStalledJobDetection: %v", err)
	}

	if !store.jobs[1].IsStalled || store.jobs[1].DaysStalled != 8 {
		t.Fatalf("job 1 not flagged correctly: %+v", store.jobs[1])
	}
	if store.jobs[2].IsStalled || store.jobs[3].IsStalled {
		t.Fatal("active jobs flagged as stalled")
	}
	if len(store.notifications) != 1 {
		t.Fatalf("got %d notifications, want 1", len(store.notifications))
	}
	if got := sink.countByChannel(notify.ChannelEmail); got != 1 {
		t.Fatalf("got %d customer emails, want 1", got)
	}

	// Next day: the count refreshes but nobody is re-notified for an
	// already-flagged job.
	later := newTestEngine(store, sink, nil, testNow.AddDate(0, 0, 1))
	if err := later.RunStalledJobDetection(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if store.jobs[1].DaysStalled != 9 {
		t.Fatalf("days stalled = %d, want 9", store.jobs[1].DaysStalled)
	}
	if len(store.notifications) != 1 || len(sink.sent) != 1 {
		t.Fatalf("re-notified for already-flagged job: %d notifications, %d sends", len(store.notifications), len(sink.sent))
	}
}

func TestCollectionBot_ExactDayLadder(t *testing.T) {
	store := newFakeStore()
	store.customers[7] = &models.User{ID: 70, Email: "pat@example.com", Phone: "+13035550100"}

	mkInvoice := func(id, daysOverdue int) *models.Invoice {
		return &models.Invoice{
			ID: id, InvoiceNumber: models.FormatInvoiceNumber(2026, id),
			CustomerId: 7, Status: models.InvoiceStatusPending,
			BalanceDue: decimal.NewFromInt(500),
			DueDate:    testNow.AddDate(0, 0, -daysOverdue),
		}
	}
	for i, days := range []int{6, 7, 8, 14, 30, 31} {
		store.invoices = append(store.invoices, mkInvoice(i+1, days))
	}

	sink := &fakeSink{}
	engine := newTestEngine(store, sink, nil, testNow)

	if err := engine.RunCollectionBot(context.Background()); err != nil {
		t.Fatalf("RunCollectionBot: %v", err)
	}

	// Only the exact-day invoices fire: 7, 14 and 30.
	if len(store.reminders) != 3 {
		t.Fatalf("got %d reminders, want 3", len(store.reminders))
	}
	wantTypes := map[string]string{"2:7": "first", "4:14": "second", "5:30": "final"}
	for key, wantType := range wantTypes {
		reminder, ok := store.reminders[key]
		if !ok {
			t.Fatalf("missing reminder %s", key)
		}
		if reminder.ReminderType != wantType {
			t.Fatalf("reminder %s type = %s, want %s", key, reminder.ReminderType, wantType)
		}
	}
	if got := sink.countByChannel(notify.ChannelEmail); got != 3 {
		t.Fatalf("got %d emails, want 3", got)
	}
	// SMS only from 30 days.
	if got := sink.countByChannel(notify.ChannelSMS); got != 1 {
		t.Fatalf("got %d SMS, want 1", got)
	}
	if reminder := store.reminders["5:30"]; !reminder.EmailSent || !reminder.SMSSent {
		t.Fatalf("final reminder delivery flags wrong: %+v", reminder)
	}
	if reminder := store.reminders["2:7"]; reminder.SMSSent {
		t.Fatal("first reminder should not send SMS")
	}

	// Re-run the same day: the (invoice, daysOverdue) rows already exist.
	if err := engine.RunCollectionBot(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(store.reminders) != 3 || len(sink.sent) != 4 {
		t.Fatalf("re-run sent again: %d reminders, %d sends", len(store.reminders), len(sink.sent))
	}
}

func TestInventoryAlertScan_SharesLatchWithReactiveRule(t *testing.T) {
	store := newFakeStore()
	store.admins = []*models.User{{ID: 1, Role: models.UserRoleAdmin, Email: "ops@example.com"}}
	low := &models.InventoryItem{ID: 11, Name: "Flashing kit", SKU: "FLK-1", TotalQuantity: decimal.NewFromInt(2), ReorderPoint: decimal.NewFromInt(5)}
	sent := true
	already := &models.InventoryItem{ID: 12, Name: "Rail set", SKU: "RLS-1", TotalQuantity: decimal.NewFromInt(1), ReorderPoint: decimal.NewFromInt(5), LowStockAlertSent: sent}
	fine := &models.InventoryItem{ID: 13, Name: "Sealant", SKU: "SEA-1", TotalQuantity: decimal.NewFromInt(9), ReorderPoint: decimal.NewFromInt(5)}
	store.items[11], store.items[12], store.items[13] = low, already, fine

	sink := &fakeSink{}
	engine := newTestEngine(store, sink, nil, testNow)

	if err := engine.RunInventoryAlert(context.Background()); err != nil {
		t.Fatalf("RunInventoryAlert: %v", err)
	}
	if got := sink.countByChannel(notify.ChannelEmail); got != 1 {
		t.Fatalf("got %d emails, want 1 (only the unlatched low item)", got)
	}
	if !low.LowStockAlertSent {
		t.Fatal("latch not set by scan")
	}

	if err := engine.RunInventoryAlert(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("second scan re-alerted: %d sends", len(sink.sent))
	}
}

func TestKPIAggregation_UpsertsByPeriod(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, WorkflowState: models.WorkflowStateDetachComplete}
	store.jobs[2] = &models.Job{ID: 2, WorkflowState: models.WorkflowStateClosed}
	store.jobs[3] = &models.Job{ID: 3, WorkflowState: models.WorkflowStateNew, IsStalled: true}
	store.leads[1] = &models.Lead{ID: 1}
	store.invoicedSum = decimal.NewFromInt(12000)
	store.collectedSum = decimal.NewFromInt(8000)

	engine := newTestEngine(store, nil, nil, testNow)
	if err := engine.RunKPIAggregation(context.Background()); err != nil {
		t.Fatalf("RunKPIAggregation: %v", err)
	}

	period := testNow.AddDate(0, 0, -1).Format("2006-01-02")
	snapshot, ok := store.kpiSnapshots[models.KPIKindDaily+":"+period]
	if !ok {
		t.Fatalf("no snapshot for %s", period)
	}
	if snapshot.JobsOpen != 2 || snapshot.JobsStalled != 1 || snapshot.LeadsNew != 1 {
		t.Fatalf("snapshot counts wrong: %+v", snapshot)
	}
	if !snapshot.InvoicedTotal.Equal(decimal.NewFromInt(12000)) {
		t.Fatalf("invoiced total = %s", snapshot.InvoicedTotal)
	}

	// A second run for the same day replaces, not duplicates.
	store.jobs[4] = &models.Job{ID: 4, WorkflowState: models.WorkflowStateNew}
	if err := engine.RunKPIAggregation(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(store.kpiSnapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(store.kpiSnapshots))
	}
	if store.kpiSnapshots[models.KPIKindDaily+":"+period].JobsOpen != 3 {
		t.Fatal("re-run did not refresh the snapshot")
	}
}

func TestComplianceReport_SnapshotKeyedByWeek(t *testing.T) {
	store := newFakeStore()
	store.admins = []*models.User{{ID: 1, Role: models.UserRoleAdmin}}
	store.jobs[1] = &models.Job{ID: 1, WorkflowState: models.WorkflowStateClosed}
	store.jobs[2] = &models.Job{ID: 2, WorkflowState: models.WorkflowStateNew, IsStalled: true}

	engine := newTestEngine(store, nil, nil, testNow)
	if err := engine.RunComplianceReport(context.Background()); err != nil {
		t.Fatalf("RunComplianceReport: %v", err)
	}

	period := testNow.AddDate(0, 0, -7).Format("2006-01-02")
	snapshot, ok := store.kpiSnapshots[models.KPIKindCompliance+":"+period]
	if !ok {
		t.Fatalf("no compliance snapshot for week of %s", period)
	}
	if snapshot.JobsClosed != 1 || snapshot.JobsStalled != 1 {
		t.Fatalf("snapshot counts wrong: %+v", snapshot)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("got %d admin notifications, want 1", len(store.notifications))
	}

	// A re-run replaces the same week's row.
	if err := engine.RunComplianceReport(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(store.kpiSnapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(store.kpiSnapshots))
	}
}

func TestScheduledRun_WritesRunLog(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, nil, nil, testNow)

	if err := engine.RunCollectionBot(context.Background()); err != nil {
		t.Fatalf("RunCollectionBot: %v", err)
	}
	if len(store.runLogs) != 1 {
		t.Fatalf("got %d run logs, want 1", len(store.runLogs))
	}
	entry := store.runLogs[0]
	if entry.AutomationName != RuleCollectionBot || entry.Status != "success" {
		t.Fatalf("run log wrong: %+v", entry)
	}

	// Disabled rules do not run and do not log.
	store.disabledRules[RuleCollectionBot] = true
	if err := engine.RunCollectionBot(context.Background()); err != nil {
		t.Fatalf("disabled run: %v", err)
	}
	if len(store.runLogs) != 1 {
		t.Fatalf("disabled rule logged a run: %d entries", len(store.runLogs))
	}
}

func TestWeatherRefresh_SkipsFreshSnapshots(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &models.Job{ID: 1, AddressStreet: "12 Elm St"}
	today := testNow.Format("2006-01-02")
	stale := &models.ScheduleEntry{ID: 1, JobId: 1, Date: today,
		Weather: &models.WeatherSnapshot{Condition: weather.ConditionClear, FetchedAt: testNow.Add(-2 * time.Hour)}}
	fresh := &models.ScheduleEntry{ID: 2, JobId: 1, Date: today,
		Weather: &models.WeatherSnapshot{Condition: weather.ConditionClear, FetchedAt: testNow.Add(-10 * time.Minute)}}
	missing := &models.ScheduleEntry{ID: 3, JobId: 1, Date: today}
	store.entries[1], store.entries[2], store.entries[3] = stale, fresh, missing

	fw := &fakeWeather{byDate: map[string]models.WeatherSnapshot{
		today: {Condition: weather.ConditionClear, Temperature: 80, FetchedAt: testNow},
	}}
	engine := newTestEngine(store, nil, fw, testNow)

	if err := engine.RunWeatherRefresh(context.Background()); err != nil {
		t.Fatalf("RunWeatherRefresh: %v", err)
	}
	if fw.fetches != 2 {
		t.Fatalf("got %d forecast fetches, want 2 (stale + missing)", fw.fetches)
	}
	if missing.Weather == nil || missing.Weather.Temperature != 80 {
		t.Fatalf("missing snapshot not filled: %+v", missing.Weather)
	}
	if fresh.Weather.FetchedAt != testNow.Add(-10*time.Minute) {
		t.Fatal("fresh snapshot should not be refetched")
	}
}

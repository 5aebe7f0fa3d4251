package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/xuri/excelize/v2"
)

// RunComplianceReport builds the weekly safety and operations workbook and
// uploads it for the admins. The snapshot row keyed by week start makes
// re-runs replace the numbers; the workbook object is simply overwritten.
func (e *Engine) RunComplianceReport(ctx context.Context) error {
	return e.runScan(ctx, RuleComplianceReport, func(ctx context.Context) (int, int, error) {
		now := e.now().In(e.loc)
		weekEnd := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
		weekStart := weekEnd.AddDate(0, 0, -7)
		period := weekStart.Format("2006-01-02")
		window := RowFilter{From: weekStart, To: weekEnd}

		jsaFilter := window
		jsaFilter.Kind = CountJSASubmissions
		jsaCount, err := e.store.CountRows(ctx, models.FamilyJSASubmissions, jsaFilter)
		if err != nil {
			return 0, 0, err
		}
		scanFilter := window
		scanFilter.Kind = CountDamageScans
		scanCount, err := e.store.CountRows(ctx, models.FamilyDamageScans, scanFilter)
		if err != nil {
			return 0, 0, err
		}
		closedFilter := window
		closedFilter.Kind = CountClosedJobs
		closedCount, err := e.store.CountRows(ctx, models.FamilyJobs, closedFilter)
		if err != nil {
			return 0, 0, err
		}
		stalledCount, err := e.store.CountRows(ctx, models.FamilyJobs, RowFilter{Kind: CountStalledJobs})
		if err != nil {
			return 0, 0, err
		}

		snapshot := &models.KPISnapshot{
			Kind:        models.KPIKindCompliance,
			Period:      period,
			JobsClosed:  closedCount,
			JobsStalled: stalledCount,
		}
		if err := e.store.UpsertKPISnapshot(ctx, snapshot); err != nil {
			return 0, 0, err
		}

		reportURL, err := e.uploadComplianceWorkbook(ctx, period, map[string]int{
			"JSA Submissions": jsaCount,
			"Damage Scans":    scanCount,
			"Jobs Closed":     closedCount,
			"Jobs Stalled":    stalledCount,
		})
		if err != nil {
			// The snapshot stands on its own; report the upload failure
			// without failing the run.
			config.LogError(e.logger, "automation", RuleComplianceReport, "workbook upload failed", period, err)
		}

		e.notifyComplianceReport(ctx, period, reportURL, jsaCount, scanCount)
		return 1, 1, nil
	})
}

func (e *Engine) uploadComplianceWorkbook(ctx context.Context, period string, metrics map[string]int) (string, error) {
	workbook := excelize.NewFile()
	defer workbook.Close()

	sheet := workbook.GetSheetName(0)
	workbook.SetCellValue(sheet, "A1", "DTRS PRO Weekly Compliance Report")
	workbook.SetCellValue(sheet, "A2", "Week starting")
	workbook.SetCellValue(sheet, "B2", period)

	row := 4
	workbook.SetCellValue(sheet, fmt.Sprintf("A%d", row), "Metric")
	workbook.SetCellValue(sheet, fmt.Sprintf("B%d", row), "Count")
	for _, name := range []string{"JSA Submissions", "Damage Scans", "Jobs Closed", "Jobs Stalled"} {
		row++
		workbook.SetCellValue(sheet, fmt.Sprintf("A%d", row), name)
		workbook.SetCellValue(sheet, fmt.Sprintf("B%d", row), metrics[name])
	}

	buf, err := workbook.WriteToBuffer()
	if err != nil {
		return "", err
	}
	objectName := fmt.Sprintf("reports/compliance-%s.xlsx", period)
	return utils.SaveDocumentToGCS(ctx, objectName,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (e *Engine) notifyComplianceReport(ctx context.Context, period, reportURL string, jsaCount, scanCount int) {
	admins, err := e.store.GetAdminUsers(ctx)
	if err != nil {
		config.LogError(e.logger, "automation", RuleComplianceReport, "admin lookup failed", nil, err)
		return
	}

	message := fmt.Sprintf("Weekly compliance report for week of %s: %d JSA submissions, %d damage scans.", period, jsaCount, scanCount)
	if reportURL != "" {
		message += " Report: " + reportURL
	}
	for _, admin := range admins {
		notification := &models.Notification{
			UserId:   admin.ID,
			UserRole: models.UserRoleAdmin,
			Title:    fmt.Sprintf("Compliance Report - Week of %s", period),
			Message:  message,
			Type:     models.NotificationTypeInfo,
		}
		if err := e.store.CreateNotification(ctx, notification); err != nil {
			config.LogError(e.logger, "automation", RuleComplianceReport, "notification failed", admin.ID, err)
		}
	}
}

// RunWeatherRefresh keeps forecasts on the next two days of schedule entries
// no staler than an hour, so the morning rain check mostly reads cached
// snapshots.
func (e *Engine) RunWeatherRefresh(ctx context.Context) error {
	return e.runScan(ctx, RuleWeatherRefresh, func(ctx context.Context) (int, int, error) {
		now := e.now()
		entries, err := e.store.GetScheduleEntriesBetween(ctx, e.localDate(now), e.localDate(now.AddDate(0, 0, 1)))
		if err != nil {
			return 0, 0, err
		}

		affected := 0
		for _, entry := range entries {
			if entry.Weather != nil && now.Sub(entry.Weather.FetchedAt) < weatherFreshness {
				continue
			}
			if err := e.refreshEntryWeather(ctx, entry); err != nil {
				config.LogError(e.logger, "automation", RuleWeatherRefresh, "refresh failed", entry.ID, err)
				continue
			}
			affected++
		}
		return len(entries), affected, nil
	})
}

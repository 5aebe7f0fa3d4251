// seed-rules inserts the AutomationRule toggle rows for every compiled-in
// rule. Missing rows default to enabled, so this only matters for showing
// the full list in the admin console.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dtrspro/fieldops_backend/automation"
	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/models"
	"gorm.io/gorm/clause"
)

type ruleSeed struct {
	name    string
	trigger string
	action  string
}

var ruleSeeds = []ruleSeed{
	{automation.RuleLeadScoring, "lead created/updated", "recompute lead score"},
	{automation.RuleAutoInvoicing, "job workflow state change", "create milestone invoice"},
	{automation.RuleBOMDeduction, "job enters reset_complete", "deduct bill of materials"},
	{automation.RuleLowStockAlert, "inventory below reorder point", "alert admins"},
	{automation.RuleAuditMirror, "crew record created", "append audit entry"},
	{automation.RuleWeatherRefresh, "schedule entry created / daily 05:30", "fetch forecast"},
	{automation.RuleRainCheck, "daily 06:00", "reschedule rained-out entries"},
	{automation.RuleStalledJobs, "daily 08:00", "flag jobs idle 7+ days"},
	{automation.RuleInventoryAlert, "daily 09:00", "sweep for low stock"},
	{automation.RuleCollectionBot, "daily 10:00", "send overdue invoice reminders"},
	{automation.RuleKPIAggregation, "daily 06:15", "snapshot yesterday's KPIs"},
	{automation.RuleComplianceReport, "weekly Monday 07:00", "build compliance workbook"},
}

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	for _, seed := range ruleSeeds {
		rule := models.AutomationRule{
			Name:    seed.name,
			Trigger: seed.trigger,
			Action:  seed.action,
			Enabled: true,
		}
		err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"trigger", "action"}),
		}).Create(&rule).Error
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed rule %s: %v\n", seed.name, err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded %d automation rules\n", len(ruleSeeds))
}

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/notify"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/dtrspro/fieldops_backend/weather"
	"github.com/sirupsen/logrus"
)

// Rule names. These appear as idempotency handler names, audit actors, run
// log entries and admin toggles, so they are stable identifiers.
const (
	RuleLeadScoring      = "lead_scoring"
	RuleAutoInvoicing    = "auto_invoicing"
	RuleBOMDeduction     = "bom_deduction"
	RuleLowStockAlert    = "low_stock_alert"
	RuleAuditMirror      = "audit_mirror"
	RuleWeatherRefresh   = "weather_refresh"
	RuleRainCheck        = "rain_check"
	RuleStalledJobs      = "stalled_job_detection"
	RuleInventoryAlert   = "inventory_alert"
	RuleCollectionBot    = "collection_bot"
	RuleKPIAggregation   = "kpi_aggregation"
	RuleComplianceReport = "compliance_report"
)

// Event is one change delivered to the reactive rules. Delivery is
// at-least-once and unordered; MessageId is stable across redeliveries of
// the same outbox row and anchors the durable idempotency key.
type Event struct {
	MessageId string
	Family    string
	RecordId  int
	Kind      string
	Before    json.RawMessage
	After     json.RawMessage
}

// EventFromChangeEvent maps an outbox row onto the handler-facing form.
func EventFromChangeEvent(row models.ChangeEvent) Event {
	return Event{
		MessageId: "outbox-" + strconv.Itoa(row.ID),
		Family:    row.RecordFamily,
		RecordId:  row.RecordId,
		Kind:      row.EventKind,
		Before:    row.OldObj,
		After:     row.NewObj,
	}
}

// Engine holds every collaborator the rules touch. Rules themselves are
// stateless methods; all state lives behind the Store.
type Engine struct {
	store    Store
	sink     notify.Sink
	weather  weather.Service
	geocoder weather.Geocoder
	logger   *logrus.Logger
	now      func() time.Time
	loc      *time.Location

	// Optional: renders and uploads the invoice document, returning its URL.
	// Nil in tests and in deployments without a bucket.
	UploadInvoiceDocument func(ctx context.Context, invoice *models.Invoice) (string, error)
}

type EngineOptions struct {
	Store    Store
	Sink     notify.Sink
	Weather  weather.Service
	Geocoder weather.Geocoder
	Logger   *logrus.Logger
	Now      func() time.Time
	Location *time.Location
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		loc, err := time.LoadLocation("America/Denver")
		if err != nil {
			loc = time.UTC
		}
		opts.Location = loc
	}
	return &Engine{
		store:    opts.Store,
		sink:     opts.Sink,
		weather:  opts.Weather,
		geocoder: opts.Geocoder,
		logger:   opts.Logger,
		now:      opts.Now,
		loc:      opts.Location,
	}
}

type reactiveHandler struct {
	name string
	fn   func(*Engine, context.Context, Event) error
}

// routes is the static reactive registry, keyed family:kind. Rules are
// compiled in; the DB only toggles them.
var routes = map[string][]reactiveHandler{
	models.FamilyLeads + ":" + models.EventCreated: {
		{RuleLeadScoring, (*Engine).handleLeadScoring},
	},
	models.FamilyLeads + ":" + models.EventUpdated: {
		{RuleLeadScoring, (*Engine).handleLeadScoring},
	},
	models.FamilyJobs + ":" + models.EventUpdated: {
		{RuleAutoInvoicing, (*Engine).handleAutoInvoicing},
		{RuleBOMDeduction, (*Engine).handleBOMDeduction},
	},
	models.FamilyInventoryItems + ":" + models.EventUpdated: {
		{RuleLowStockAlert, (*Engine).handleLowStockAlert},
	},
	models.FamilyScheduleEntries + ":" + models.EventCreated: {
		{RuleWeatherRefresh, (*Engine).handleScheduleWeather},
	},
	models.FamilyJSASubmissions + ":" + models.EventCreated: {
		{RuleAuditMirror, (*Engine).handleAuditMirror},
	},
	models.FamilyDamageScans + ":" + models.EventCreated: {
		{RuleAuditMirror, (*Engine).handleAuditMirror},
	},
	models.FamilyDetachReports + ":" + models.EventCreated: {
		{RuleAuditMirror, (*Engine).handleAuditMirror},
	},
	models.FamilyResetReports + ":" + models.EventCreated: {
		{RuleAuditMirror, (*Engine).handleAuditMirror},
	},
}

// HandleChange routes one delivered event through every matching reactive
// rule. Each (rule, message) pair is one durable idempotency unit: a crash
// mid-rule retries that rule only, a completed rule is skipped on
// redelivery. Returns an error only when a retry is wanted.
func (e *Engine) HandleChange(ctx context.Context, ev Event) error {
	handlers := routes[ev.Family+":"+ev.Kind]
	if len(handlers) == 0 {
		return nil
	}

	for _, h := range handlers {
		if !config.AutomationEnabled(h.name) || !e.store.RuleEnabled(ctx, h.name) {
			continue
		}
		if err := e.runGuarded(ctx, h, ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runGuarded(ctx context.Context, h reactiveHandler, ev Event) error {
	skip, err := e.store.BeginIdempotency(ctx, h.name, ev.MessageId)
	if err != nil {
		return fmt.Errorf("begin idempotency %s/%s: %w", h.name, ev.MessageId, err)
	}
	if skip {
		return nil
	}

	ruleCtx := utils.SetActorInContext(ctx, h.name)
	err = h.fn(e, ruleCtx, ev)

	switch {
	case err == nil, errors.Is(err, utils.ErrorGuardAlreadySatisfied):
		// Guard hits mean the effect already exists; done either way.
		return e.store.MarkIdempotencySucceeded(ctx, h.name, ev.MessageId)
	case errors.Is(err, utils.ErrorReferenceNotFound):
		// Linked record gone. Nothing was written, nothing to retry.
		config.LogError(e.logger, "automation", h.name, "referenced record missing, skipping", ev, err)
		return e.store.MarkIdempotencySucceeded(ctx, h.name, ev.MessageId)
	default:
		config.LogError(e.logger, "automation", h.name, "rule failed", ev, err)
		if markErr := e.store.MarkIdempotencyFailed(ctx, h.name, ev.MessageId, err); markErr != nil {
			e.logger.WithError(markErr).Warn("could not record idempotency failure")
		}
		return err
	}
}

// decodeSnapshots unmarshals the event's before/after pair. A missing side
// stays nil.
func decodeSnapshots[T any](ev Event) (before, after *T, err error) {
	if len(ev.Before) > 0 {
		before = new(T)
		if err = utils.UnmarshalFromJSON(ev.Before, before); err != nil {
			return nil, nil, fmt.Errorf("decode before snapshot: %w", err)
		}
	}
	if len(ev.After) > 0 {
		after = new(T)
		if err = utils.UnmarshalFromJSON(ev.After, after); err != nil {
			return nil, nil, fmt.Errorf("decode after snapshot: %w", err)
		}
	}
	return before, after, nil
}

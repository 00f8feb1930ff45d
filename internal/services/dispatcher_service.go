package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	appmetrics "flowcrm/internal/metrics"
	"flowcrm/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TriggerEvent is the inbound event contract. Producers fill in whichever of
// contact/email/deal the event carries plus any trigger-specific data.
type TriggerEvent struct {
	Type    string
	Contact *models.Contact
	Email   *models.EmailMessage
	Deal    *models.Deal
	Data    map[string]interface{}
}

// Dispatcher matches incoming events against active rules and runs the
// matching actions. Notify is fire-and-forget: events go onto a bounded
// queue drained by a fixed worker pool, so producers never wait on
// automation outcomes.
type Dispatcher struct {
	rules      *RuleService
	executions *ExecutionService
	executor   *ActionExecutor
	logger     *logrus.Logger
	tracer     trace.Tracer

	queue         chan TriggerEvent
	workers       int
	actionTimeout time.Duration
	retryFailed   bool

	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewDispatcher(rules *RuleService, executions *ExecutionService, executor *ActionExecutor, logger *logrus.Logger, workers, queueSize int, actionTimeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if workers < 1 {
		workers = 4
	}
	if queueSize < 1 {
		queueSize = 256
	}
	if actionTimeout <= 0 {
		actionTimeout = 30 * time.Second
	}
	return &Dispatcher{
		rules:         rules,
		executions:    executions,
		executor:      executor,
		logger:        logger,
		tracer:        otel.Tracer("flowcrm.automation.dispatch"),
		queue:         make(chan TriggerEvent, queueSize),
		workers:       workers,
		actionTimeout: actionTimeout,
	}
}

// SetRetryFailedContexts switches the failure policy: when enabled, a failed
// execution releases its dedup claim so a later event may retry the same
// context. Default keeps the claim (never duplicate a side effect).
func (d *Dispatcher) SetRetryFailedContexts(retry bool) {
	d.retryFailed = retry
}

// Start launches the worker pool. Workers exit when ctx is cancelled or the
// queue is closed by Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(worker int) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-d.queue:
					if !ok {
						return
					}
					d.Dispatch(context.Background(), evt)
				}
			}
		}(i)
	}
	d.logger.Infof("automation: dispatcher started with %d workers (queue=%d)", d.workers, cap(d.queue))
}

// Stop drains no further events and waits for in-flight dispatches.
func (d *Dispatcher) Stop() {
	if d.stopped.CompareAndSwap(false, true) {
		close(d.queue)
	}
	d.wg.Wait()
}

// Notify enqueues an event without blocking the producer. A full queue drops
// the event; the producer's own operation already succeeded and must not be
// held up by automation.
func (d *Dispatcher) Notify(evt TriggerEvent) bool {
	if d.stopped.Load() {
		return false
	}
	select {
	case d.queue <- evt:
		appmetrics.IncEventEnqueued()
		return true
	default:
		appmetrics.IncEventDropped()
		d.logger.Warnf("automation: event queue full, dropping %s event", evt.Type)
		return false
	}
}

// Dispatch evaluates and executes all matching rules for one event,
// sequentially in priority order so an earlier action's side effects are
// visible to later rules in the same dispatch. One rule failing never stops
// its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, evt TriggerEvent) {
	ctx, span := d.tracer.Start(ctx, "automation.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", evt.Type))

	var ownerID *uint
	if evt.Contact != nil {
		ownerID = evt.Contact.OwnerID
	}

	rules, err := d.rules.ListActiveRulesForTrigger(ctx, evt.Type, ownerID)
	if err != nil {
		span.RecordError(err)
		d.logger.Warnf("automation: loading rules for %s failed: %v", evt.Type, err)
		return
	}

	for i := range rules {
		d.dispatchRule(ctx, &rules[i], evt)
	}
}

func (d *Dispatcher) dispatchRule(ctx context.Context, rule *models.AutomationRule, evt TriggerEvent) {
	if !d.shouldExecute(rule, evt) {
		return
	}

	contactID, emailID, dealID := eventEntityIDs(evt)
	triggerData := models.JSONMap(evt.Data)

	key := ""
	claimed := false
	if !rule.AllowMultipleExecutions {
		key = BuildExecutionKey(contactID, emailID, dealID)
		exists, err := d.executions.HasKey(ctx, rule.ID, key)
		if err != nil {
			d.logger.Warnf("automation: dedup check failed for rule %d: %v", rule.ID, err)
			return
		}
		if exists {
			if err := d.executions.RecordSkipped(ctx, rule, contactID, emailID, dealID, triggerData,
				"already executed for this context"); err != nil {
				d.logger.Warnf("automation: recording skip failed for rule %d: %v", rule.ID, err)
			}
			appmetrics.IncExecution(models.ExecutionStatusSkipped)
			return
		}
	}

	exec, err := d.executions.Begin(ctx, rule, contactID, emailID, dealID, triggerData)
	if err != nil {
		d.logger.Warnf("automation: starting execution for rule %d failed: %v", rule.ID, err)
		return
	}

	if !rule.AllowMultipleExecutions {
		// Write-ahead claim: the key is taken before the action runs so a
		// crash mid-action cannot lead to a duplicate on retry.
		ok, err := d.executions.ClaimKey(ctx, rule.ID, key)
		if err != nil {
			_ = d.executions.Fail(ctx, exec, err)
			appmetrics.IncExecution(models.ExecutionStatusFailed)
			return
		}
		if !ok {
			_ = d.executions.Skip(ctx, exec, "execution key already claimed by a concurrent dispatch")
			appmetrics.IncExecution(models.ExecutionStatusSkipped)
			return
		}
		claimed = true
	}

	actionCtx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	result, actionErr := d.executor.Execute(actionCtx, rule.ActionType, rule.ActionConfig, evt.Contact, evt.Email, evt.Deal)
	cancel()

	if actionErr != nil {
		d.logger.Warnf("automation: rule %d (%s) action %s failed: %v", rule.ID, rule.Name, rule.ActionType, actionErr)
		if err := d.executions.Fail(ctx, exec, actionErr); err != nil {
			d.logger.Warnf("automation: recording failure for rule %d: %v", rule.ID, err)
		}
		appmetrics.IncExecution(models.ExecutionStatusFailed)
		if claimed && d.retryFailed {
			if err := d.executions.ReleaseKey(ctx, rule.ID, key); err != nil {
				d.logger.Warnf("automation: releasing key for rule %d: %v", rule.ID, err)
			}
		}
		return
	}

	if err := d.executions.Complete(ctx, exec, result); err != nil {
		d.logger.Warnf("automation: recording completion for rule %d: %v", rule.ID, err)
	}
	if err := d.rules.IncrementExecutionCount(ctx, rule.ID, time.Now()); err != nil {
		d.logger.Warnf("automation: counter bump for rule %d: %v", rule.ID, err)
	}
	appmetrics.IncExecution(models.ExecutionStatusCompleted)
	d.logger.Infof("automation: rule %d (%s) completed for event %s", rule.ID, rule.Name, evt.Type)
}

// shouldExecute applies the trigger-specific filter config. A config key
// that also appears in the event data constrains the match; keys absent from
// the data impose nothing (permissive by default).
func (d *Dispatcher) shouldExecute(rule *models.AutomationRule, evt TriggerEvent) bool {
	if rule.TriggerType == models.TriggerLeadScoreChanged {
		if !scoreThresholdCrossed(rule.TriggerConfig, evt.Data) {
			return false
		}
	}

	for key, want := range rule.TriggerConfig {
		switch key {
		case "thresholdAbove", "thresholdBelow":
			continue // handled above
		}
		got, present := evt.Data[key]
		if !present {
			continue
		}
		if filterValue(want) != filterValue(got) {
			return false
		}
	}
	return true
}

// scoreThresholdCrossed implements the crossing semantics for score rules:
// thresholdAbove fires only when the score moves from below to at-or-above
// the threshold, thresholdBelow only on the downward crossing. A rule with
// neither key matches every score change.
func scoreThresholdCrossed(cfg models.JSONMap, data map[string]interface{}) bool {
	oldScore, okOld := numericValue(data["oldScore"])
	newScore, okNew := numericValue(data["newScore"])

	if above, ok := numericValue(cfg["thresholdAbove"]); ok {
		if !okOld || !okNew {
			return false
		}
		return oldScore < above && newScore >= above
	}
	if below, ok := numericValue(cfg["thresholdBelow"]); ok {
		if !okOld || !okNew {
			return false
		}
		return oldScore > below && newScore <= below
	}
	return true
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}

// filterValue normalizes config and event values so 5, 5.0 and uint(5)
// compare equal after the JSON round-trips both sides go through.
func filterValue(v interface{}) string {
	if n, ok := numericValue(v); ok {
		if n == math.Trunc(n) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	}
	return fmt.Sprintf("%v", v)
}

func eventEntityIDs(evt TriggerEvent) (contactID, emailID, dealID *uint) {
	if evt.Contact != nil {
		contactID = &evt.Contact.ID
	}
	if evt.Email != nil {
		emailID = &evt.Email.ID
	}
	if evt.Deal != nil {
		dealID = &evt.Deal.ID
	}
	return contactID, emailID, dealID
}

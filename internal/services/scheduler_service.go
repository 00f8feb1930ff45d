package services

import (
	"context"
	"time"

	appmetrics "flowcrm/internal/metrics"
	"flowcrm/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// SchedulerService runs the time-driven side of the engine: no discrete
// event ever fires a "no reply in N days" trigger, so a periodic scan
// synthesizes those contexts and runs them through the same execution path
// as discrete dispatch. A second, slower loop trims the execution ledger.
type SchedulerService struct {
	db         *gorm.DB
	rules      *RuleService
	executions *ExecutionService
	executor   *ActionExecutor
	logger     *logrus.Logger
	tracer     trace.Tracer

	retention   time.Duration
	retryFailed bool
}

func NewSchedulerService(db *gorm.DB, rules *RuleService, executions *ExecutionService, executor *ActionExecutor, logger *logrus.Logger) *SchedulerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SchedulerService{
		db:         db,
		rules:      rules,
		executions: executions,
		executor:   executor,
		logger:     logger,
		tracer:     otel.Tracer("flowcrm.automation.scheduler"),
		retention:  90 * 24 * time.Hour,
	}
}

// SetRetention overrides the ledger retention window.
func (s *SchedulerService) SetRetention(d time.Duration) {
	if d > 0 {
		s.retention = d
	}
}

// SetRetryFailedContexts mirrors the dispatcher policy for scanner-driven
// executions.
func (s *SchedulerService) SetRetryFailedContexts(retry bool) {
	s.retryFailed = retry
}

// Start runs the scan and cleanup loops until ctx is cancelled.
func (s *SchedulerService) Start(ctx context.Context, scanInterval, cleanupInterval time.Duration) {
	if scanInterval <= 0 {
		scanInterval = time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 24 * time.Hour
	}
	s.logger.Infof("automation: scheduler started (scan=%s cleanup=%s)", scanInterval, cleanupInterval)

	go s.loop(ctx, scanInterval, func(c context.Context) {
		if _, err := s.ScanNoReply(c); err != nil {
			s.logger.Warnf("automation: no-reply scan failed: %v", err)
		}
	})
	go s.loop(ctx, cleanupInterval, func(c context.Context) {
		if _, err := s.executions.CleanupOldExecutions(c, s.retention); err != nil {
			s.logger.Warnf("automation: ledger cleanup failed: %v", err)
		}
	})
}

func (s *SchedulerService) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// noReplyConfig carries the trigger config of a no_reply rule.
type noReplyConfig struct {
	Days       int  `json:"days"`
	SequenceID uint `json:"sequenceId"`
}

// ScanNoReply finds outbound messages older than each rule's window whose
// contact has not replied since, and executes the rule for every uncovered
// (contact, message) pair. Returns how many executions were fired. A failing
// context never aborts the rest of the scan.
func (s *SchedulerService) ScanNoReply(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.scan_no_reply")
	defer span.End()

	rules, err := s.rules.ListActiveRulesOfType(ctx, models.TriggerNoReply)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(rules) == 0 {
		return 0, nil
	}

	fired := 0
	for i := range rules {
		n, err := s.scanRule(ctx, &rules[i])
		if err != nil {
			s.logger.Warnf("automation: no-reply scan for rule %d failed: %v", rules[i].ID, err)
			continue
		}
		fired += n
	}
	span.SetAttributes(attribute.Int("scan.fired", fired))
	return fired, nil
}

func (s *SchedulerService) scanRule(ctx context.Context, rule *models.AutomationRule) (int, error) {
	var cfg noReplyConfig
	if err := decodeParams(rule.TriggerConfig, &cfg); err != nil {
		return 0, err
	}
	if cfg.Days <= 0 {
		cfg.Days = 3
	}
	cutoff := time.Now().AddDate(0, 0, -cfg.Days)

	query := s.db.WithContext(ctx).
		Where("direction = ? AND sent_at IS NOT NULL AND sent_at < ?", "outbound", cutoff)
	if cfg.SequenceID != 0 {
		query = query.Where("sequence_id = ?", cfg.SequenceID)
	}
	if rule.OwnerID != nil {
		query = query.Where("owner_id = ?", *rule.OwnerID)
	}

	var messages []models.EmailMessage
	if err := query.Order("id ASC").Find(&messages).Error; err != nil {
		return 0, err
	}

	fired := 0
	for i := range messages {
		ok, err := s.fireNoReply(ctx, rule, &messages[i], cfg)
		if err != nil {
			s.logger.Warnf("automation: no-reply context (rule=%d message=%d) failed: %v",
				rule.ID, messages[i].ID, err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// fireNoReply executes the rule for one stale outbound message unless the
// contact replied after the send or the dedup index already covers the
// context. Both checks matter: the reply check keeps a late reply from
// triggering a "did not reply" action, the dedup check keeps every scan
// cycle from re-firing on the same stale message.
func (s *SchedulerService) fireNoReply(ctx context.Context, rule *models.AutomationRule, msg *models.EmailMessage, cfg noReplyConfig) (bool, error) {
	var replies int64
	if err := s.db.WithContext(ctx).Model(&models.EmailMessage{}).
		Where("contact_id = ? AND direction = ? AND created_at > ?", msg.ContactID, "inbound", msg.SentAt).
		Count(&replies).Error; err != nil {
		return false, err
	}
	if replies > 0 {
		return false, nil
	}

	contactID := msg.ContactID
	key := BuildExecutionKey(&contactID, &msg.ID, nil)
	claimed, err := s.executions.ClaimKey(ctx, rule.ID, key)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, msg.ContactID).Error; err != nil {
		// Contact gone since the send; release so the claim does not mask a
		// future import of the same id.
		_ = s.executions.ReleaseKey(ctx, rule.ID, key)
		return false, err
	}

	triggerData := models.JSONMap{
		"days":    cfg.Days,
		"emailId": msg.ID,
	}
	if msg.SequenceID != nil {
		triggerData["sequenceId"] = *msg.SequenceID
	}

	exec, err := s.executions.Begin(ctx, rule, &contactID, &msg.ID, nil, triggerData)
	if err != nil {
		return false, err
	}

	result, actionErr := s.executor.Execute(ctx, rule.ActionType, rule.ActionConfig, &contact, msg, nil)
	if actionErr != nil {
		_ = s.executions.Fail(ctx, exec, actionErr)
		appmetrics.IncExecution(models.ExecutionStatusFailed)
		if s.retryFailed {
			_ = s.executions.ReleaseKey(ctx, rule.ID, key)
		}
		return false, actionErr
	}

	if err := s.executions.Complete(ctx, exec, result); err != nil {
		return true, err
	}
	if err := s.rules.IncrementExecutionCount(ctx, rule.ID, time.Now()); err != nil {
		s.logger.Warnf("automation: counter bump for rule %d: %v", rule.ID, err)
	}
	appmetrics.IncExecution(models.ExecutionStatusCompleted)
	return true, nil
}

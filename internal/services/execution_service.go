package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"flowcrm/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// dedupKeyTTL bounds the Redis fast-path entries. The database row remains
// the authoritative record after expiry.
const dedupKeyTTL = 30 * 24 * time.Hour

// ExecutionService is the append-only execution ledger plus the dedup index
// that enforces at-most-once execution per (rule, context).
type ExecutionService struct {
	db     *gorm.DB
	rdb    *redis.Client
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewExecutionService(db *gorm.DB, logger *logrus.Logger) *ExecutionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("flowcrm.automation.executions"),
	}
}

// SetRedis attaches an optional Redis client used as a fast existence check
// in front of the authoritative database insert.
func (s *ExecutionService) SetRedis(rdb *redis.Client) {
	s.rdb = rdb
}

// BuildExecutionKey derives the dedup unit from the context's entity ids in
// a fixed order: contact, then email, then deal. A context with none of the
// three collapses to a single global key per rule.
func BuildExecutionKey(contactID, emailID, dealID *uint) string {
	parts := make([]string, 0, 3)
	if contactID != nil {
		parts = append(parts, fmt.Sprintf("c%d", *contactID))
	}
	if emailID != nil {
		parts = append(parts, fmt.Sprintf("e%d", *emailID))
	}
	if dealID != nil {
		parts = append(parts, fmt.Sprintf("d%d", *dealID))
	}
	if len(parts) == 0 {
		return "global"
	}
	return strings.Join(parts, "_")
}

// HasKey reports whether the (rule, key) pair is already claimed.
func (s *ExecutionService) HasKey(ctx context.Context, ruleID uint, key string) (bool, error) {
	if s.rdb != nil {
		n, err := s.rdb.Exists(ctx, redisDedupKey(ruleID, key)).Result()
		if err == nil && n > 0 {
			return true, nil
		}
		// Redis miss or failure falls through to the database.
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ExecutionDedup{}).
		Where("rule_id = ? AND execution_key = ?", ruleID, key).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ClaimKey atomically claims the (rule, key) pair. The insert happens before
// the action runs; a uniqueness conflict means another dispatch already
// claimed this execution and the caller must treat it as a no-op.
func (s *ExecutionService) ClaimKey(ctx context.Context, ruleID uint, key string) (bool, error) {
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, redisDedupKey(ruleID, key), 1, dedupKeyTTL).Result()
		if err == nil && !ok {
			return false, nil
		}
		if err != nil {
			s.logger.Warnf("automation: redis dedup claim failed, using database only: %v", err)
		}
	}

	entry := models.ExecutionDedup{
		RuleID:       ruleID,
		ExecutionKey: key,
		CreatedAt:    time.Now(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim execution key: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ReleaseKey drops a claim. Only the retry-failed-contexts policy uses this,
// after an execution ends in failed.
func (s *ExecutionService) ReleaseKey(ctx context.Context, ruleID uint, key string) error {
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, redisDedupKey(ruleID, key)).Err(); err != nil {
			s.logger.Warnf("automation: redis dedup release failed: %v", err)
		}
	}
	return s.db.WithContext(ctx).
		Where("rule_id = ? AND execution_key = ?", ruleID, key).
		Delete(&models.ExecutionDedup{}).Error
}

func redisDedupKey(ruleID uint, key string) string {
	return fmt.Sprintf("flowcrm:dedup:%d:%s", ruleID, key)
}

// Begin writes a running execution record for the rule and context. The
// record is persisted before the dedup key so the ledger always shows the
// attempt, whatever happens next.
func (s *ExecutionService) Begin(ctx context.Context, rule *models.AutomationRule, contactID, emailID, dealID *uint, triggerData models.JSONMap) (*models.RuleExecution, error) {
	if triggerData == nil {
		triggerData = models.JSONMap{}
	}
	exec := &models.RuleExecution{
		RuleID:      rule.ID,
		ContactID:   contactID,
		EmailID:     emailID,
		DealID:      dealID,
		Status:      models.ExecutionStatusRunning,
		TriggerData: triggerData,
		CreatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}
	return exec, nil
}

// Complete moves a running execution to completed and stores the action
// result.
func (s *ExecutionService) Complete(ctx context.Context, exec *models.RuleExecution, result models.JSONMap) error {
	return s.finish(ctx, exec, models.ExecutionStatusCompleted, result, "")
}

// Fail moves a running execution to failed, preserving the cause.
func (s *ExecutionService) Fail(ctx context.Context, exec *models.RuleExecution, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, exec, models.ExecutionStatusFailed, nil, msg)
}

// Skip moves a running execution to skipped with a human-readable reason.
func (s *ExecutionService) Skip(ctx context.Context, exec *models.RuleExecution, reason string) error {
	return s.finish(ctx, exec, models.ExecutionStatusSkipped, nil, reason)
}

// RecordSkipped writes a terminal skipped record directly, used when a rule
// is short-circuited before any running record exists (the dedup index
// already covers the context).
func (s *ExecutionService) RecordSkipped(ctx context.Context, rule *models.AutomationRule, contactID, emailID, dealID *uint, triggerData models.JSONMap, reason string) error {
	if triggerData == nil {
		triggerData = models.JSONMap{}
	}
	now := time.Now()
	exec := &models.RuleExecution{
		RuleID:       rule.ID,
		ContactID:    contactID,
		EmailID:      emailID,
		DealID:       dealID,
		Status:       models.ExecutionStatusSkipped,
		TriggerData:  triggerData,
		ErrorMessage: reason,
		CreatedAt:    now,
		CompletedAt:  &now,
	}
	return s.db.WithContext(ctx).Create(exec).Error
}

func (s *ExecutionService) finish(ctx context.Context, exec *models.RuleExecution, status string, result models.JSONMap, message string) error {
	if exec.Status != models.ExecutionStatusRunning {
		return fmt.Errorf("execution %d already finished with status %s", exec.ID, exec.Status)
	}
	now := time.Now()
	exec.Status = status
	exec.ActionResult = result
	exec.ErrorMessage = message
	exec.CompletedAt = &now
	exec.ExecutionTimeMs = now.Sub(exec.CreatedAt).Milliseconds()

	return s.db.WithContext(ctx).Model(&models.RuleExecution{}).
		Where("id = ?", exec.ID).
		Updates(map[string]interface{}{
			"status":            exec.Status,
			"action_result":     exec.ActionResult,
			"error_message":     exec.ErrorMessage,
			"completed_at":      exec.CompletedAt,
			"execution_time_ms": exec.ExecutionTimeMs,
		}).Error
}

// ExecutionListRequest filters the audit listing.
type ExecutionListRequest struct {
	Page      int    `form:"page,default=1"`
	PageSize  int    `form:"page_size,default=20"`
	RuleID    *uint  `form:"rule_id"`
	ContactID *uint  `form:"contact_id"`
	Status    string `form:"status"`
}

// ListExecutions returns ledger entries, newest first.
func (s *ExecutionService) ListExecutions(ctx context.Context, req *ExecutionListRequest) ([]models.RuleExecution, int64, error) {
	ctx, span := s.tracer.Start(ctx, "automation.list_executions")
	defer span.End()

	query := s.db.WithContext(ctx).Model(&models.RuleExecution{})
	if req.RuleID != nil {
		query = query.Where("rule_id = ?", *req.RuleID)
	}
	if req.ContactID != nil {
		query = query.Where("contact_id = ?", *req.ContactID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var execs []models.RuleExecution
	if err := query.Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&execs).Error; err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// StatusCounts returns ledger totals grouped by status.
func (s *ExecutionService) StatusCounts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&models.RuleExecution{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// CleanupOldExecutions deletes terminal ledger entries older than the
// retention window. Running records and the dedup index are never touched;
// dedup claims outlive their ledger entries so at-most-once still holds.
func (s *ExecutionService) CleanupOldExecutions(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "automation.cleanup_ledger")
	defer span.End()

	cutoff := time.Now().Add(-retention)

	result := s.db.WithContext(ctx).
		Where("created_at < ? AND status <> ?", cutoff, models.ExecutionStatusRunning).
		Delete(&models.RuleExecution{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clean execution ledger: %w", result.Error)
	}
	removed := result.RowsAffected

	if removed > 0 {
		s.logger.Infof("automation: cleaned %d ledger entries older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

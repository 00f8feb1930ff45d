package services

import (
	"context"
	"fmt"
	"time"

	"flowcrm/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// RuleService owns automation rule definitions and their counters.
type RuleService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewRuleService(db *gorm.DB, logger *logrus.Logger) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("flowcrm.automation.rules"),
	}
}

// AutomationRuleRequest creates or replaces a rule definition.
type AutomationRuleRequest struct {
	Name                    string         `json:"name" binding:"required"`
	Description             string         `json:"description"`
	TriggerType             string         `json:"trigger_type" binding:"required"`
	TriggerConfig           models.JSONMap `json:"trigger_config"`
	ActionType              string         `json:"action_type" binding:"required"`
	ActionConfig            models.JSONMap `json:"action_config"`
	Active                  *bool          `json:"active"`
	Priority                *int           `json:"priority"`
	AllowMultipleExecutions bool           `json:"allow_multiple_executions"`
	OwnerID                 *uint          `json:"owner_id"`
}

// RuleListRequest filters the rule listing.
type RuleListRequest struct {
	Page        int    `form:"page,default=1"`
	PageSize    int    `form:"page_size,default=20"`
	TriggerType string `form:"trigger_type"`
	ActionType  string `form:"action_type"`
	Active      *bool  `form:"active"`
	OwnerID     *uint  `form:"owner_id"`
}

// configValueKinds lists the expected kind per known config key. Values of a
// known key with the wrong kind are rejected; unknown keys pass untouched so
// configs written by newer clients keep round-tripping.
var configValueKinds = map[string]string{
	"tagId":          "number",
	"sequenceId":     "number",
	"pipelineId":     "number",
	"stageId":        "number",
	"days":           "number",
	"thresholdAbove": "number",
	"thresholdBelow": "number",
	"dueDays":        "number",
	"scoreChange":    "number",
	"value":          "number",
	"targetUserId":   "number",
	"sentiment":      "string",
	"title":          "string",
	"description":    "string",
	"type":           "string",
	"priority":       "string",
	"message":        "string",
}

func validateConfigMap(cfg models.JSONMap) error {
	for key, val := range cfg {
		kind, known := configValueKinds[key]
		if !known || val == nil {
			continue
		}
		switch kind {
		case "number":
			switch val.(type) {
			case float64, float32, int, int64, uint:
			default:
				return fmt.Errorf("config key %q expects a number, got %T", key, val)
			}
		case "string":
			if _, ok := val.(string); !ok {
				return fmt.Errorf("config key %q expects a string, got %T", key, val)
			}
		}
	}
	return nil
}

// CreateRule validates and persists a rule definition.
func (s *RuleService) CreateRule(ctx context.Context, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.create_rule")
	defer span.End()

	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if !models.ValidTriggerType(req.TriggerType) {
		return nil, fmt.Errorf("unsupported trigger type: %s", req.TriggerType)
	}
	if !models.ValidActionType(req.ActionType) {
		return nil, fmt.Errorf("unsupported action type: %s", req.ActionType)
	}
	if err := validateConfigMap(req.TriggerConfig); err != nil {
		return nil, fmt.Errorf("invalid trigger config: %w", err)
	}
	if err := validateConfigMap(req.ActionConfig); err != nil {
		return nil, fmt.Errorf("invalid action config: %w", err)
	}

	span.SetAttributes(
		attribute.String("rule.name", req.Name),
		attribute.String("rule.trigger_type", req.TriggerType),
		attribute.String("rule.action_type", req.ActionType),
	)

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	priority := 100
	if req.Priority != nil {
		priority = *req.Priority
	}

	rule := &models.AutomationRule{
		Name:                    req.Name,
		Description:             req.Description,
		TriggerType:             req.TriggerType,
		TriggerConfig:           req.TriggerConfig,
		ActionType:              req.ActionType,
		ActionConfig:            req.ActionConfig,
		Active:                  active,
		Priority:                priority,
		AllowMultipleExecutions: req.AllowMultipleExecutions,
		OwnerID:                 req.OwnerID,
		CreatedAt:               time.Now(),
		UpdatedAt:               time.Now(),
	}
	if rule.TriggerConfig == nil {
		rule.TriggerConfig = models.JSONMap{}
	}
	if rule.ActionConfig == nil {
		rule.ActionConfig = models.JSONMap{}
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	s.logger.Infof("automation: created rule %d (%s) trigger=%s action=%s priority=%d",
		rule.ID, rule.Name, rule.TriggerType, rule.ActionType, rule.Priority)
	return rule, nil
}

// UpdateRule replaces the mutable fields of a rule.
func (s *RuleService) UpdateRule(ctx context.Context, id uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.update_rule")
	defer span.End()

	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.ValidTriggerType(req.TriggerType) {
		return nil, fmt.Errorf("unsupported trigger type: %s", req.TriggerType)
	}
	if !models.ValidActionType(req.ActionType) {
		return nil, fmt.Errorf("unsupported action type: %s", req.ActionType)
	}
	if err := validateConfigMap(req.TriggerConfig); err != nil {
		return nil, fmt.Errorf("invalid trigger config: %w", err)
	}
	if err := validateConfigMap(req.ActionConfig); err != nil {
		return nil, fmt.Errorf("invalid action config: %w", err)
	}

	rule.Name = req.Name
	rule.Description = req.Description
	rule.TriggerType = req.TriggerType
	rule.TriggerConfig = req.TriggerConfig
	rule.ActionType = req.ActionType
	rule.ActionConfig = req.ActionConfig
	rule.AllowMultipleExecutions = req.AllowMultipleExecutions
	rule.OwnerID = req.OwnerID
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	rule.UpdatedAt = time.Now()

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	return rule, nil
}

// GetRule loads one rule by id.
func (s *RuleService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("rule not found")
		}
		return nil, err
	}
	return &rule, nil
}

// ListRules returns rules matching the filter, newest first.
func (s *RuleService) ListRules(ctx context.Context, req *RuleListRequest) ([]models.AutomationRule, int64, error) {
	ctx, span := s.tracer.Start(ctx, "automation.list_rules")
	defer span.End()

	query := s.db.WithContext(ctx).Model(&models.AutomationRule{})
	if req.TriggerType != "" {
		query = query.Where("trigger_type = ?", req.TriggerType)
	}
	if req.ActionType != "" {
		query = query.Where("action_type = ?", req.ActionType)
	}
	if req.Active != nil {
		query = query.Where("active = ?", *req.Active)
	}
	if req.OwnerID != nil {
		query = query.Where("owner_id = ?", *req.OwnerID)
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

	var rules []models.AutomationRule
	if err := query.Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// ListActiveRulesForTrigger returns the candidate rules for a dispatch:
// active rules of the trigger type that are either global or owned by the
// given owner, ordered by priority ascending with id as the stable tiebreak.
func (s *RuleService) ListActiveRulesForTrigger(ctx context.Context, triggerType string, ownerID *uint) ([]models.AutomationRule, error) {
	query := s.db.WithContext(ctx).
		Where("trigger_type = ? AND active = ?", triggerType, true)
	if ownerID != nil {
		query = query.Where("owner_id IS NULL OR owner_id = ?", *ownerID)
	} else {
		query = query.Where("owner_id IS NULL")
	}

	var rules []models.AutomationRule
	if err := query.Order("priority ASC, id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load rules for %s: %w", triggerType, err)
	}
	return rules, nil
}

// ListActiveRulesOfType returns every active rule of the trigger type across
// all owners. Used by the time-based scanner, which scopes candidates per
// rule owner itself.
func (s *RuleService) ListActiveRulesOfType(ctx context.Context, triggerType string) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("trigger_type = ? AND active = ?", triggerType, true).
		Order("priority ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// IncrementExecutionCount bumps the rule counter with an atomic column
// expression so concurrent executions of the same rule cannot lose updates.
func (s *RuleService) IncrementExecutionCount(ctx context.Context, ruleID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", ruleID).
		UpdateColumns(map[string]interface{}{
			"execution_count":  gorm.Expr("execution_count + 1"),
			"last_executed_at": at,
		}).Error
}

// SetActive flips the active flag.
func (s *RuleService) SetActive(ctx context.Context, id uint, active bool) error {
	result := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"active": active, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule not found")
	}
	return nil
}

// DeleteRule removes a rule definition. Its execution history is kept.
func (s *RuleService) DeleteRule(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule not found")
	}
	return nil
}

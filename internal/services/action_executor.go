package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowcrm/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ActionExecutor performs the concrete effect of a matched rule. One handler
// per action type, dispatched over a flat switch.
//
// Error contract: a missing or unusable config value, or a context missing
// the entity an action needs, comes back as a result map with an "error"
// field (the execution still completes). A referenced entity that genuinely
// cannot be found, or a collaborator failure, returns an error and the
// execution is recorded as failed.
type ActionExecutor struct {
	db            *gorm.DB
	logger        *logrus.Logger
	tracer        trace.Tracer
	sequences     *SequenceService
	notifications *NotificationService
}

func NewActionExecutor(db *gorm.DB, logger *logrus.Logger, sequences *SequenceService, notifications *NotificationService) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		db:            db,
		logger:        logger,
		tracer:        otel.Tracer("flowcrm.automation.actions"),
		sequences:     sequences,
		notifications: notifications,
	}
}

// Typed parameter structs per action. Decoded from the loosely-typed config
// map via a JSON round-trip: unknown keys are dropped, missing keys take the
// zero value and are defaulted by the handler.

type createTaskParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	DueDays     int    `json:"dueDays"`
}

type createDealParams struct {
	Title      string  `json:"title"`
	Value      float64 `json:"value"`
	PipelineID uint    `json:"pipelineId"`
}

type moveDealParams struct {
	StageID uint `json:"stageId"`
}

type tagParams struct {
	TagID uint `json:"tagId"`
}

type leadScoreParams struct {
	ScoreChange int `json:"scoreChange"`
}

type sequenceParams struct {
	SequenceID uint `json:"sequenceId"`
}

type notifyParams struct {
	Message      string `json:"message"`
	TargetUserID uint   `json:"targetUserId"`
}

func decodeParams(cfg models.JSONMap, out interface{}) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func errResult(format string, args ...interface{}) models.JSONMap {
	return models.JSONMap{"error": fmt.Sprintf(format, args...)}
}

// Execute runs one action and returns its structured result for the ledger.
func (e *ActionExecutor) Execute(ctx context.Context, actionType string, cfg models.JSONMap, contact *models.Contact, email *models.EmailMessage, deal *models.Deal) (models.JSONMap, error) {
	ctx, span := e.tracer.Start(ctx, "automation.execute_action")
	defer span.End()
	span.SetAttributes(attribute.String("action.type", actionType))

	switch actionType {
	case models.ActionCreateTask:
		return e.createTask(ctx, cfg, contact, deal)
	case models.ActionCreateDeal:
		return e.createDeal(ctx, cfg, contact)
	case models.ActionMoveDeal:
		return e.moveDeal(ctx, cfg, deal)
	case models.ActionAddTag:
		return e.addTag(ctx, cfg, contact)
	case models.ActionRemoveTag:
		return e.removeTag(ctx, cfg, contact)
	case models.ActionUpdateLeadScore:
		return e.updateLeadScore(ctx, cfg, contact)
	case models.ActionStartSequence:
		return e.startSequence(ctx, cfg, contact, deal)
	case models.ActionStopSequence:
		return e.stopSequence(ctx, cfg, contact)
	case models.ActionSendNotification:
		return e.sendNotification(ctx, cfg, contact)
	default:
		return errResult("unsupported action type: %s", actionType), nil
	}
}

func (e *ActionExecutor) createTask(ctx context.Context, cfg models.JSONMap, contact *models.Contact, deal *models.Deal) (models.JSONMap, error) {
	var p createTaskParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid task config: %v", err), nil
	}
	if contact == nil {
		return errResult("create_task requires a contact in the trigger context"), nil
	}

	if p.Title == "" {
		p.Title = "Follow up"
	}
	if p.Type == "" {
		p.Type = "follow_up"
	}
	if p.Priority == "" {
		p.Priority = "normal"
	}
	if p.DueDays <= 0 {
		p.DueDays = 1
	}
	due := time.Now().AddDate(0, 0, p.DueDays)

	task := &models.Task{
		OwnerID:     contact.OwnerID,
		ContactID:   &contact.ID,
		Title:       p.Title,
		Description: p.Description,
		Type:        p.Type,
		Priority:    p.Priority,
		DueDate:     &due,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if deal != nil {
		task.DealID = &deal.ID
	}
	if err := e.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return models.JSONMap{
		"taskId":  task.ID,
		"title":   task.Title,
		"dueDate": due.Format(time.RFC3339),
	}, nil
}

func (e *ActionExecutor) createDeal(ctx context.Context, cfg models.JSONMap, contact *models.Contact) (models.JSONMap, error) {
	var p createDealParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid deal config: %v", err), nil
	}
	if contact == nil {
		return errResult("create_deal requires a contact in the trigger context"), nil
	}

	if p.Title == "" {
		p.Title = fmt.Sprintf("%s %s deal", contact.FirstName, contact.LastName)
	}

	deal := &models.Deal{
		ContactID: contact.ID,
		OwnerID:   contact.OwnerID,
		Title:     p.Title,
		Value:     p.Value,
		Status:    "open",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if p.PipelineID != 0 {
		var stage models.PipelineStage
		err := e.db.WithContext(ctx).
			Where("pipeline_id = ?", p.PipelineID).
			Order("position ASC").
			First(&stage).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, fmt.Errorf("pipeline %d has no stages", p.PipelineID)
			}
			return nil, err
		}
		deal.PipelineID = p.PipelineID
		deal.StageID = stage.ID
	}

	if err := e.db.WithContext(ctx).Create(deal).Error; err != nil {
		return nil, fmt.Errorf("failed to create deal: %w", err)
	}
	return models.JSONMap{
		"dealId": deal.ID,
		"title":  deal.Title,
		"value":  deal.Value,
	}, nil
}

func (e *ActionExecutor) moveDeal(ctx context.Context, cfg models.JSONMap, deal *models.Deal) (models.JSONMap, error) {
	var p moveDealParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid move config: %v", err), nil
	}
	if deal == nil {
		return errResult("move_deal requires a deal in the trigger context"), nil
	}
	if p.StageID == 0 {
		return errResult("move_deal requires stageId"), nil
	}

	var stage models.PipelineStage
	if err := e.db.WithContext(ctx).First(&stage, p.StageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("stage %d not found", p.StageID)
		}
		return nil, err
	}

	previous := deal.StageID
	if err := e.db.WithContext(ctx).Model(&models.Deal{}).
		Where("id = ?", deal.ID).
		Updates(map[string]interface{}{
			"stage_id":    stage.ID,
			"pipeline_id": stage.PipelineID,
			"updated_at":  time.Now(),
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to move deal: %w", err)
	}
	deal.StageID = stage.ID
	deal.PipelineID = stage.PipelineID

	return models.JSONMap{
		"dealId":          deal.ID,
		"stageId":         stage.ID,
		"previousStageId": previous,
	}, nil
}

func (e *ActionExecutor) addTag(ctx context.Context, cfg models.JSONMap, contact *models.Contact) (models.JSONMap, error) {
	var p tagParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid tag config: %v", err), nil
	}
	if contact == nil {
		return errResult("add_tag requires a contact in the trigger context"), nil
	}
	if p.TagID == 0 {
		return errResult("add_tag requires tagId"), nil
	}

	var tag models.Tag
	if err := e.db.WithContext(ctx).First(&tag, p.TagID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("tag %d not found", p.TagID)
		}
		return nil, err
	}

	// Append is a set insert on the join table; re-adding is a no-op.
	if err := e.db.WithContext(ctx).Model(contact).Association("Tags").Append(&tag); err != nil {
		return nil, fmt.Errorf("failed to add tag: %w", err)
	}
	return models.JSONMap{
		"contactId": contact.ID,
		"tagId":     tag.ID,
		"tag":       tag.Name,
	}, nil
}

func (e *ActionExecutor) removeTag(ctx context.Context, cfg models.JSONMap, contact *models.Contact) (models.JSONMap, error) {
	var p tagParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid tag config: %v", err), nil
	}
	if contact == nil {
		return errResult("remove_tag requires a contact in the trigger context"), nil
	}
	if p.TagID == 0 {
		return errResult("remove_tag requires tagId"), nil
	}

	var tag models.Tag
	if err := e.db.WithContext(ctx).First(&tag, p.TagID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("tag %d not found", p.TagID)
		}
		return nil, err
	}

	// Removing an absent tag deletes zero join rows; also a no-op.
	if err := e.db.WithContext(ctx).Model(contact).Association("Tags").Delete(&tag); err != nil {
		return nil, fmt.Errorf("failed to remove tag: %w", err)
	}
	return models.JSONMap{
		"contactId": contact.ID,
		"tagId":     tag.ID,
		"tag":       tag.Name,
	}, nil
}

func (e *ActionExecutor) updateLeadScore(ctx context.Context, cfg models.JSONMap, contact *models.Contact) (models.JSONMap, error) {
	var p leadScoreParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid score config: %v", err), nil
	}
	if contact == nil {
		return errResult("update_lead_score requires a contact in the trigger context"), nil
	}
	if p.ScoreChange == 0 {
		return errResult("update_lead_score requires a non-zero scoreChange"), nil
	}

	var current models.Contact
	if err := e.db.WithContext(ctx).First(&current, contact.ID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("contact %d not found", contact.ID)
		}
		return nil, err
	}

	newScore := current.LeadScore + p.ScoreChange
	if newScore < 0 {
		newScore = 0
	}
	if newScore > 100 {
		newScore = 100
	}

	if err := e.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ?", contact.ID).
		Updates(map[string]interface{}{
			"lead_score": newScore,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to update lead score: %w", err)
	}
	contact.LeadScore = newScore

	return models.JSONMap{
		"contactId":     contact.ID,
		"previousScore": current.LeadScore,
		"newScore":      newScore,
	}, nil
}

func (e *ActionExecutor) startSequence(ctx context.Context, cfg models.JSONMap, contact *models.Contact, deal *models.Deal) (models.JSONMap, error) {
	var p sequenceParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid sequence config: %v", err), nil
	}
	if contact == nil {
		return errResult("start_sequence requires a contact in the trigger context"), nil
	}
	if p.SequenceID == 0 {
		return errResult("start_sequence requires sequenceId"), nil
	}

	var dealID *uint
	if deal != nil {
		dealID = &deal.ID
	}
	exec, err := e.sequences.StartSequence(ctx, p.SequenceID, contact.ID, dealID)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"executionId": exec.ID,
		"sequenceId":  exec.SequenceID,
		"contactId":   exec.ContactID,
	}, nil
}

func (e *ActionExecutor) stopSequence(ctx context.Context, cfg models.JSONMap, contact *models.Contact) (models.JSONMap, error) {
	var p sequenceParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid sequence config: %v", err), nil
	}
	if contact == nil {
		return errResult("stop_sequence requires a contact in the trigger context"), nil
	}

	var sequenceID *uint
	if p.SequenceID != 0 {
		sequenceID = &p.SequenceID
	}
	paused, err := e.sequences.PauseExecutions(ctx, contact.ID, sequenceID)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"contactId": contact.ID,
		"paused":    paused,
	}, nil
}

func (e *ActionExecutor) sendNotification(ctx context.Context, cfg models.JSONMap, contact *models.Contact) (models.JSONMap, error) {
	var p notifyParams
	if err := decodeParams(cfg, &p); err != nil {
		return errResult("invalid notification config: %v", err), nil
	}

	if p.Message == "" {
		p.Message = "automation rule fired"
	}
	targetUserID := p.TargetUserID
	if targetUserID == 0 && contact != nil && contact.OwnerID != nil {
		targetUserID = *contact.OwnerID
	}
	if targetUserID == 0 {
		return errResult("send_notification has no target user"), nil
	}

	n, err := e.notifications.Notify(ctx, p.Message, targetUserID)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"notificationId": n.ID,
		"targetUserId":   targetUserID,
	}, nil
}

package services

import (
	"context"
	"testing"
	"time"

	"flowcrm/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func newTestExecutor(t *testing.T) (*ActionExecutor, *gorm.DB) {
	db := newAutomationTestDB(t)
	logger := logrus.New()
	sequences := NewSequenceService(db, logger)
	notifications := NewNotificationService(db, logger)
	return NewActionExecutor(db, logger, sequences, notifications), db
}

func TestActionExecutor_CreateTaskDefaults(t *testing.T) {
	executor, db := newTestExecutor(t)
	contact := insertContact(t, db)
	ctx := context.Background()

	result, err := executor.Execute(ctx, models.ActionCreateTask, models.JSONMap{}, contact, nil, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result["taskId"] == nil {
		t.Fatalf("expected taskId in result, got %v", result)
	}

	var task models.Task
	if err := db.Where("contact_id = ?", contact.ID).First(&task).Error; err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	if task.Title != "Follow up" || task.Type != "follow_up" || task.Priority != "normal" {
		t.Fatalf("expected defaulted fields, got %+v", task)
	}
	if task.DueDate == nil {
		t.Fatal("expected a due date")
	}
	wantDue := time.Now().AddDate(0, 0, 1)
	if diff := task.DueDate.Sub(wantDue); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("expected due date ~1 day out, got %v", task.DueDate)
	}
}

func TestActionExecutor_CreateTaskWithoutContact(t *testing.T) {
	executor, _ := newTestExecutor(t)

	result, err := executor.Execute(context.Background(), models.ActionCreateTask, models.JSONMap{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("expected missing context to be a config error, got: %v", err)
	}
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected error field in result, got %v", result)
	}
}

func TestActionExecutor_CreateDealPicksFirstStage(t *testing.T) {
	executor, db := newTestExecutor(t)
	contact := insertContact(t, db)
	ctx := context.Background()

	pipeline := &models.Pipeline{Name: "Sales"}
	if err := db.Create(pipeline).Error; err != nil {
		t.Fatalf("failed to insert pipeline: %v", err)
	}
	stages := []models.PipelineStage{
		{PipelineID: pipeline.ID, Name: "Demo", Position: 1},
		{PipelineID: pipeline.ID, Name: "Qualified", Position: 0},
	}
	if err := db.Create(&stages).Error; err != nil {
		t.Fatalf("failed to insert stages: %v", err)
	}

	result, err := executor.Execute(ctx, models.ActionCreateDeal, models.JSONMap{
		"pipelineId": float64(pipeline.ID),
		"value":      float64(5000),
	}, contact, nil, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result["dealId"] == nil {
		t.Fatalf("expected dealId in result, got %v", result)
	}

	var deal models.Deal
	if err := db.Where("contact_id = ?", contact.ID).First(&deal).Error; err != nil {
		t.Fatalf("failed to load deal: %v", err)
	}
	var qualified models.PipelineStage
	db.Where("name = ?", "Qualified").First(&qualified)
	if deal.StageID != qualified.ID {
		t.Fatalf("expected first stage by position, got stage %d", deal.StageID)
	}
	if deal.Title != "Ada Lovelace deal" {
		t.Fatalf("expected default title from contact name, got %q", deal.Title)
	}
	if deal.Value != 5000 {
		t.Fatalf("expected configured value, got %v", deal.Value)
	}

	// A pipeline without stages is a hard failure.
	if _, err := executor.Execute(ctx, models.ActionCreateDeal, models.JSONMap{
		"pipelineId": float64(999),
	}, contact, nil, nil); err == nil {
		t.Fatal("expected empty pipeline to fail the execution")
	}
}

func TestActionExecutor_MoveDeal(t *testing.T) {
	executor, db := newTestExecutor(t)
	contact := insertContact(t, db)
	ctx := context.Background()

	pipeline := &models.Pipeline{Name: "Sales"}
	db.Create(pipeline)
	from := &models.PipelineStage{PipelineID: pipeline.ID, Name: "Qualified", Position: 0}
	to := &models.PipelineStage{PipelineID: pipeline.ID, Name: "Demo", Position: 1}
	db.Create(from)
	db.Create(to)
	deal := &models.Deal{ContactID: contact.ID, PipelineID: pipeline.ID, StageID: from.ID, Title: "Big one", Status: "open"}
	db.Create(deal)

	result, err := executor.Execute(ctx, models.ActionMoveDeal, models.JSONMap{
		"stageId": float64(to.ID),
	}, contact, nil, deal)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if prev, ok := result["previousStageId"].(uint); !ok || prev != from.ID {
		t.Fatalf("expected previousStageId %d, got %v", from.ID, result["previousStageId"])
	}

	var stored models.Deal
	db.First(&stored, deal.ID)
	if stored.StageID != to.ID {
		t.Fatalf("expected deal moved to stage %d, got %d", to.ID, stored.StageID)
	}

	// Missing deal in context is a config error, missing stage a failure.
	res, err := executor.Execute(ctx, models.ActionMoveDeal, models.JSONMap{"stageId": float64(to.ID)}, contact, nil, nil)
	if err != nil {
		t.Fatalf("expected config error result, got: %v", err)
	}
	if _, ok := res["error"]; !ok {
		t.Fatalf("expected error field, got %v", res)
	}
	if _, err := executor.Execute(ctx, models.ActionMoveDeal, models.JSONMap{"stageId": float64(999)}, contact, nil, deal); err == nil {
		t.Fatal("expected unknown stage to fail the execution")
	}
}

func TestActionExecutor_TagAddRemoveIdempotent(t *testing.T) {
	executor, db := newTestExecutor(t)
	contact := insertContact(t, db)
	ctx := context.Background()

	tag := &models.Tag{Name: "vip"}
	if err := db.Create(tag).Error; err != nil {
		t.Fatalf("failed to insert tag: %v", err)
	}
	cfg := models.JSONMap{"tagId": float64(tag.ID)}

	for i := 0; i < 2; i++ {
		if _, err := executor.Execute(ctx, models.ActionAddTag, cfg, contact, nil, nil); err != nil {
			t.Fatalf("add_tag run %d failed: %v", i, err)
		}
	}
	var count int64
	db.Table("contact_tags").Where("contact_id = ?", contact.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected one join row after double add, got %d", count)
	}

	for i := 0; i < 2; i++ {
		if _, err := executor.Execute(ctx, models.ActionRemoveTag, cfg, contact, nil, nil); err != nil {
			t.Fatalf("remove_tag run %d failed: %v", i, err)
		}
	}
	db.Table("contact_tags").Where("contact_id = ?", contact.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected no join rows after remove, got %d", count)
	}

	// Referencing a tag that does not exist fails the execution.
	if _, err := executor.Execute(ctx, models.ActionAddTag, models.JSONMap{"tagId": float64(999)}, contact, nil, nil); err == nil {
		t.Fatal("expected missing tag to fail the execution")
	}
}

func TestActionExecutor_LeadScoreClamped(t *testing.T) {
	executor, db := newTestExecutor(t)
	contact := insertContact(t, db)
	ctx := context.Background()

	db.Model(&models.Contact{}).Where("id = ?", contact.ID).Update("lead_score", 50)

	result, err := executor.Execute(ctx, models.ActionUpdateLeadScore, models.JSONMap{
		"scoreChange": float64(1000),
	}, contact, nil, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result["newScore"] != 100 {
		t.Fatalf("expected clamp to 100, got %v", result["newScore"])
	}

	result, err = executor.Execute(ctx, models.ActionUpdateLeadScore, models.JSONMap{
		"scoreChange": float64(-1000),
	}, contact, nil, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result["newScore"] != 0 {
		t.Fatalf("expected clamp to 0, got %v", result["newScore"])
	}
	if result["previousScore"] != 100 {
		t.Fatalf("expected previousScore 100, got %v", result["previousScore"])
	}

	var stored models.Contact
	db.First(&stored, contact.ID)
	if stored.LeadScore != 0 {
		t.Fatalf("expected stored score 0, got %d", stored.LeadScore)
	}
}

func TestActionExecutor_SequenceActions(t *testing.T) {
	executor, db := newTestExecutor(t)
	contact := insertContact(t, db)
	ctx := context.Background()

	seq := &models.Sequence{Name: "Onboarding", Status: "active"}
	if err := db.Create(seq).Error; err != nil {
		t.Fatalf("failed to insert sequence: %v", err)
	}
	cfg := models.JSONMap{"sequenceId": float64(seq.ID)}

	if _, err := executor.Execute(ctx, models.ActionStartSequence, cfg, contact, nil, nil); err != nil {
		t.Fatalf("start_sequence failed: %v", err)
	}
	var active int64
	db.Model(&models.SequenceExecution{}).Where("contact_id = ? AND status = ?", contact.ID, "active").Count(&active)
	if active != 1 {
		t.Fatalf("expected one active execution, got %d", active)
	}

	// Starting again reuses the active execution.
	if _, err := executor.Execute(ctx, models.ActionStartSequence, cfg, contact, nil, nil); err != nil {
		t.Fatalf("start_sequence rerun failed: %v", err)
	}
	db.Model(&models.SequenceExecution{}).Where("contact_id = ? AND status = ?", contact.ID, "active").Count(&active)
	if active != 1 {
		t.Fatalf("expected still one active execution, got %d", active)
	}

	result, err := executor.Execute(ctx, models.ActionStopSequence, cfg, contact, nil, nil)
	if err != nil {
		t.Fatalf("stop_sequence failed: %v", err)
	}
	if result["paused"] != int64(1) {
		t.Fatalf("expected 1 paused execution, got %v", result["paused"])
	}

	// A missing sequence fails the start.
	if _, err := executor.Execute(ctx, models.ActionStartSequence, models.JSONMap{"sequenceId": float64(999)}, contact, nil, nil); err == nil {
		t.Fatal("expected missing sequence to fail the execution")
	}
}

func TestActionExecutor_SendNotificationDefaultsToOwner(t *testing.T) {
	executor, db := newTestExecutor(t)
	ctx := context.Background()

	owner := &models.User{Username: "sam", Email: "sam@example.com"}
	if err := db.Create(owner).Error; err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}
	contact := &models.Contact{FirstName: "Grace", OwnerID: &owner.ID}
	if err := db.Create(contact).Error; err != nil {
		t.Fatalf("failed to insert contact: %v", err)
	}

	if _, err := executor.Execute(ctx, models.ActionSendNotification, models.JSONMap{
		"message": "deal won",
	}, contact, nil, nil); err != nil {
		t.Fatalf("send_notification failed: %v", err)
	}

	var n models.Notification
	if err := db.Where("user_id = ?", owner.ID).First(&n).Error; err != nil {
		t.Fatalf("expected notification for the owner: %v", err)
	}
	if n.Message != "deal won" {
		t.Fatalf("expected configured message, got %q", n.Message)
	}

	// No target at all is a config error.
	orphan := insertContact(t, db)
	result, err := executor.Execute(ctx, models.ActionSendNotification, models.JSONMap{}, orphan, nil, nil)
	if err != nil {
		t.Fatalf("expected config error result, got: %v", err)
	}
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected error field, got %v", result)
	}
}

func TestActionExecutor_UnsupportedAction(t *testing.T) {
	executor, db := newTestExecutor(t)
	contact := insertContact(t, db)

	result, err := executor.Execute(context.Background(), "fly_to_moon", models.JSONMap{}, contact, nil, nil)
	if err != nil {
		t.Fatalf("expected unsupported action to complete with error field, got: %v", err)
	}
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected error field, got %v", result)
	}
}

package services

import (
	"context"
	"testing"
	"time"

	"flowcrm/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newExecutionTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.AutomationRule{}, &models.RuleExecution{}, &models.ExecutionDedup{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func uintPtr(v uint) *uint { return &v }

func TestBuildExecutionKey(t *testing.T) {
	cases := []struct {
		contactID, emailID, dealID *uint
		want                       string
	}{
		{uintPtr(5), uintPtr(123), nil, "c5_e123"},
		{uintPtr(5), nil, nil, "c5"},
		{nil, uintPtr(7), uintPtr(9), "e7_d9"},
		{uintPtr(1), uintPtr(2), uintPtr(3), "c1_e2_d3"},
		{nil, nil, nil, "global"},
	}
	for _, c := range cases {
		if got := BuildExecutionKey(c.contactID, c.emailID, c.dealID); got != c.want {
			t.Errorf("BuildExecutionKey = %q, want %q", got, c.want)
		}
	}
}

func TestExecutionService_ClaimKeyOnce(t *testing.T) {
	db := newExecutionTestDB(t)
	svc := NewExecutionService(db, logrus.New())
	ctx := context.Background()

	ok, err := svc.ClaimKey(ctx, 1, "c5")
	if err != nil {
		t.Fatalf("ClaimKey failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to succeed")
	}

	ok, err = svc.ClaimKey(ctx, 1, "c5")
	if err != nil {
		t.Fatalf("ClaimKey second call failed: %v", err)
	}
	if ok {
		t.Fatal("expected second claim on the same key to be rejected")
	}

	// Same key for a different rule is independent.
	ok, err = svc.ClaimKey(ctx, 2, "c5")
	if err != nil {
		t.Fatalf("ClaimKey for other rule failed: %v", err)
	}
	if !ok {
		t.Fatal("expected claim under a different rule to succeed")
	}

	has, err := svc.HasKey(ctx, 1, "c5")
	if err != nil {
		t.Fatalf("HasKey failed: %v", err)
	}
	if !has {
		t.Fatal("expected HasKey true after claim")
	}
	has, err = svc.HasKey(ctx, 1, "c6")
	if err != nil {
		t.Fatalf("HasKey failed: %v", err)
	}
	if has {
		t.Fatal("expected HasKey false for unclaimed key")
	}
}

func TestExecutionService_ReleaseKey(t *testing.T) {
	db := newExecutionTestDB(t)
	svc := NewExecutionService(db, logrus.New())
	ctx := context.Background()

	if _, err := svc.ClaimKey(ctx, 1, "c9"); err != nil {
		t.Fatalf("ClaimKey failed: %v", err)
	}
	if err := svc.ReleaseKey(ctx, 1, "c9"); err != nil {
		t.Fatalf("ReleaseKey failed: %v", err)
	}
	ok, err := svc.ClaimKey(ctx, 1, "c9")
	if err != nil {
		t.Fatalf("ClaimKey after release failed: %v", err)
	}
	if !ok {
		t.Fatal("expected claim to succeed again after release")
	}
}

func TestExecutionService_LifecycleSingleTransition(t *testing.T) {
	db := newExecutionTestDB(t)
	svc := NewExecutionService(db, logrus.New())
	ctx := context.Background()

	rule := &models.AutomationRule{Name: "r", TriggerType: models.TriggerTagAdded, ActionType: models.ActionCreateTask, Active: true}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("failed to insert rule: %v", err)
	}

	exec, err := svc.Begin(ctx, rule, uintPtr(5), nil, nil, models.JSONMap{"tagId": 3})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if exec.Status != models.ExecutionStatusRunning {
		t.Fatalf("expected running, got %s", exec.Status)
	}

	if err := svc.Complete(ctx, exec, models.JSONMap{"taskId": 1}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if exec.Status != models.ExecutionStatusCompleted || exec.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", exec)
	}

	// A finished execution is never revisited.
	if err := svc.Fail(ctx, exec, context.DeadlineExceeded); err == nil {
		t.Fatal("expected Fail on a completed execution to error")
	}
	if err := svc.Skip(ctx, exec, "late"); err == nil {
		t.Fatal("expected Skip on a completed execution to error")
	}

	var stored models.RuleExecution
	if err := db.First(&stored, exec.ID).Error; err != nil {
		t.Fatalf("failed to reload execution: %v", err)
	}
	if stored.Status != models.ExecutionStatusCompleted {
		t.Fatalf("expected stored status completed, got %s", stored.Status)
	}
}

func TestExecutionService_RecordSkippedIsTerminal(t *testing.T) {
	db := newExecutionTestDB(t)
	svc := NewExecutionService(db, logrus.New())
	ctx := context.Background()

	rule := &models.AutomationRule{Name: "r", TriggerType: models.TriggerTagAdded, ActionType: models.ActionCreateTask, Active: true}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("failed to insert rule: %v", err)
	}

	if err := svc.RecordSkipped(ctx, rule, uintPtr(5), nil, nil, nil, "already executed for this context"); err != nil {
		t.Fatalf("RecordSkipped failed: %v", err)
	}

	var stored models.RuleExecution
	if err := db.Where("rule_id = ?", rule.ID).First(&stored).Error; err != nil {
		t.Fatalf("failed to load skipped execution: %v", err)
	}
	if stored.Status != models.ExecutionStatusSkipped || stored.CompletedAt == nil {
		t.Fatalf("expected terminal skipped record, got %+v", stored)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("expected skip reason to be recorded")
	}
}

func TestExecutionService_CleanupKeepsDedupAndRunning(t *testing.T) {
	db := newExecutionTestDB(t)
	svc := NewExecutionService(db, logrus.New())
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)
	done := time.Now()

	rows := []models.RuleExecution{
		{RuleID: 1, Status: models.ExecutionStatusCompleted, CreatedAt: old, CompletedAt: &done},
		{RuleID: 1, Status: models.ExecutionStatusRunning, CreatedAt: old},
		{RuleID: 1, Status: models.ExecutionStatusCompleted, CreatedAt: recent, CompletedAt: &done},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("failed to insert execution: %v", err)
		}
	}
	if _, err := svc.ClaimKey(ctx, 1, "c1"); err != nil {
		t.Fatalf("ClaimKey failed: %v", err)
	}
	db.Model(&models.ExecutionDedup{}).Where("rule_id = ?", 1).Update("created_at", old)

	removed, err := svc.CleanupOldExecutions(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldExecutions failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed row, got %d", removed)
	}

	var execCount int64
	db.Model(&models.RuleExecution{}).Count(&execCount)
	if execCount != 2 {
		t.Fatalf("expected 2 remaining executions, got %d", execCount)
	}

	// Dedup claims survive ledger cleanup, whatever their age.
	has, err := svc.HasKey(ctx, 1, "c1")
	if err != nil {
		t.Fatalf("HasKey failed: %v", err)
	}
	if !has {
		t.Fatal("expected dedup claim to survive cleanup")
	}
}

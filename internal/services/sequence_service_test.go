package services

import (
	"context"
	"testing"

	"flowcrm/internal/models"

	"github.com/sirupsen/logrus"
)

func TestSequenceService_StartIsIdempotentPerContact(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewSequenceService(db, logrus.New())
	ctx := context.Background()

	seq := &models.Sequence{Name: "Onboarding", Status: "active"}
	if err := db.Create(seq).Error; err != nil {
		t.Fatalf("failed to insert sequence: %v", err)
	}
	contact := insertContact(t, db)

	first, err := svc.StartSequence(ctx, seq.ID, contact.ID, nil)
	if err != nil {
		t.Fatalf("StartSequence failed: %v", err)
	}
	second, err := svc.StartSequence(ctx, seq.ID, contact.ID, nil)
	if err != nil {
		t.Fatalf("StartSequence rerun failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the existing execution to be reused, got %d and %d", first.ID, second.ID)
	}

	active, err := svc.ListActiveExecutions(ctx, contact.ID)
	if err != nil {
		t.Fatalf("ListActiveExecutions failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one active execution, got %d", len(active))
	}
}

func TestSequenceService_StartRejectsInactiveSequence(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewSequenceService(db, logrus.New())
	ctx := context.Background()

	seq := &models.Sequence{Name: "Old campaign", Status: "paused"}
	if err := db.Create(seq).Error; err != nil {
		t.Fatalf("failed to insert sequence: %v", err)
	}
	contact := insertContact(t, db)

	if _, err := svc.StartSequence(ctx, seq.ID, contact.ID, nil); err == nil {
		t.Fatal("expected starting a paused sequence to fail")
	}
	if _, err := svc.StartSequence(ctx, 999, contact.ID, nil); err == nil {
		t.Fatal("expected starting a missing sequence to fail")
	}
}

func TestSequenceService_PauseExecutions(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewSequenceService(db, logrus.New())
	ctx := context.Background()

	seqA := &models.Sequence{Name: "A", Status: "active"}
	seqB := &models.Sequence{Name: "B", Status: "active"}
	db.Create(seqA)
	db.Create(seqB)
	contact := insertContact(t, db)

	if _, err := svc.StartSequence(ctx, seqA.ID, contact.ID, nil); err != nil {
		t.Fatalf("StartSequence A failed: %v", err)
	}
	if _, err := svc.StartSequence(ctx, seqB.ID, contact.ID, nil); err != nil {
		t.Fatalf("StartSequence B failed: %v", err)
	}

	// Scoped pause touches only the named sequence.
	paused, err := svc.PauseExecutions(ctx, contact.ID, &seqA.ID)
	if err != nil {
		t.Fatalf("PauseExecutions failed: %v", err)
	}
	if paused != 1 {
		t.Fatalf("expected 1 paused, got %d", paused)
	}

	// Unscoped pause stops the rest.
	paused, err = svc.PauseExecutions(ctx, contact.ID, nil)
	if err != nil {
		t.Fatalf("PauseExecutions failed: %v", err)
	}
	if paused != 1 {
		t.Fatalf("expected 1 remaining paused, got %d", paused)
	}

	active, err := svc.ListActiveExecutions(ctx, contact.ID)
	if err != nil {
		t.Fatalf("ListActiveExecutions failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active executions, got %d", len(active))
	}
}

package services

import (
	"context"
	"fmt"
	"time"

	"flowcrm/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SequenceService is the scheduling collaborator the engine starts and stops
// sequence executions through. Step delivery itself belongs to the sender
// process and is not handled here.
type SequenceService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewSequenceService(db *gorm.DB, logger *logrus.Logger) *SequenceService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SequenceService{db: db, logger: logger}
}

// StartSequence enrolls a contact into a sequence. Starting an already
// active (sequence, contact) pair returns the existing execution instead of
// creating a second one.
func (s *SequenceService) StartSequence(ctx context.Context, sequenceID, contactID uint, dealID *uint) (*models.SequenceExecution, error) {
	var seq models.Sequence
	if err := s.db.WithContext(ctx).First(&seq, sequenceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("sequence %d not found", sequenceID)
		}
		return nil, err
	}
	if seq.Status != "active" {
		return nil, fmt.Errorf("sequence %d is %s, not active", sequenceID, seq.Status)
	}

	var existing models.SequenceExecution
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND contact_id = ? AND status = ?", sequenceID, contactID, "active").
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	exec := &models.SequenceExecution{
		SequenceID: sequenceID,
		ContactID:  contactID,
		DealID:     dealID,
		Status:     "active",
		StartedAt:  time.Now(),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return nil, fmt.Errorf("failed to start sequence: %w", err)
	}

	s.logger.Infof("sequence: started execution %d (sequence=%d contact=%d)", exec.ID, sequenceID, contactID)
	return exec, nil
}

// PauseExecutions pauses the contact's active executions. With a sequence id
// only that sequence is paused; without one, all of them. Returns how many
// executions were paused.
func (s *SequenceService) PauseExecutions(ctx context.Context, contactID uint, sequenceID *uint) (int64, error) {
	query := s.db.WithContext(ctx).Model(&models.SequenceExecution{}).
		Where("contact_id = ? AND status = ?", contactID, "active")
	if sequenceID != nil {
		query = query.Where("sequence_id = ?", *sequenceID)
	}
	result := query.Updates(map[string]interface{}{
		"status":     "paused",
		"updated_at": time.Now(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to pause executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListActiveExecutions returns the contact's running sequence executions.
func (s *SequenceService) ListActiveExecutions(ctx context.Context, contactID uint) ([]models.SequenceExecution, error) {
	var execs []models.SequenceExecution
	if err := s.db.WithContext(ctx).
		Where("contact_id = ? AND status = ?", contactID, "active").
		Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

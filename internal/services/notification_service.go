package services

import (
	"context"
	"fmt"
	"time"

	"flowcrm/internal/config"
	"flowcrm/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

// NotificationService records operator notifications and hands them to the
// delivery channels that are attached: the websocket hub and, when SMTP is
// configured, email.
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	hub    *NotificationHub
	smtp   config.SMTPConfig
}

func NewNotificationService(db *gorm.DB, logger *logrus.Logger) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, logger: logger}
}

// SetHub attaches the realtime hub (optional).
func (s *NotificationService) SetHub(hub *NotificationHub) {
	s.hub = hub
}

// SetSMTP enables email delivery (optional).
func (s *NotificationService) SetSMTP(cfg config.SMTPConfig) {
	s.smtp = cfg
}

// Notify persists a notification for the target operator and pushes it to
// the attached channels. Delivery failures are logged, not returned: the
// persisted row is the source of truth.
func (s *NotificationService) Notify(ctx context.Context, message string, targetUserID uint) (*models.Notification, error) {
	if message == "" {
		return nil, fmt.Errorf("message required")
	}

	n := &models.Notification{
		UserID:    targetUserID,
		Token:     uuid.NewString(),
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, fmt.Errorf("failed to record notification: %w", err)
	}

	if s.hub != nil {
		s.hub.Push(n)
	}
	if s.smtp.Enabled {
		if err := s.sendMail(ctx, n); err != nil {
			s.logger.Warnf("notification: email delivery failed for %d: %v", n.ID, err)
		}
	}
	return n, nil
}

// MarkRead flips the read flag.
func (s *NotificationService) MarkRead(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Update("read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notification not found")
	}
	return nil
}

// ListUnread returns the operator's unread notifications, newest first.
func (s *NotificationService) ListUnread(ctx context.Context, userID uint) ([]models.Notification, error) {
	var notifications []models.Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND read = ?", userID, false).
		Order("id DESC").
		Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

func (s *NotificationService) sendMail(ctx context.Context, n *models.Notification) error {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, n.UserID).Error; err != nil {
		return fmt.Errorf("target user %d not found: %w", n.UserID, err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.smtp.From)
	m.SetHeader("To", user.Email)
	m.SetHeader("Subject", "flowcrm notification")
	m.SetBody("text/plain", n.Message)

	d := gomail.NewDialer(s.smtp.Host, s.smtp.Port, s.smtp.Username, s.smtp.Password)
	return d.DialAndSend(m)
}

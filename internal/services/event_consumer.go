package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowcrm/internal/config"
	"flowcrm/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// eventPayload is the wire format CRM collaborators publish to the event
// queue. Entity ids are resolved to rows before dispatch; unknown ids make
// the message a no-op for that entity, not an error.
type eventPayload struct {
	Type      string                 `json:"type"`
	ContactID *uint                  `json:"contactId"`
	EmailID   *uint                  `json:"emailId"`
	DealID    *uint                  `json:"dealId"`
	Data      map[string]interface{} `json:"data"`
}

// EventConsumer drains CRM trigger events from RabbitMQ into the dispatcher,
// reconnecting with a fixed backoff when the broker connection drops.
type EventConsumer struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	logger     *logrus.Logger
	cfg        config.RabbitMQConfig
}

func NewEventConsumer(db *gorm.DB, dispatcher *Dispatcher, logger *logrus.Logger, cfg config.RabbitMQConfig) *EventConsumer {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventConsumer{db: db, dispatcher: dispatcher, logger: logger, cfg: cfg}
}

// Start consumes until ctx is cancelled. Runs its own goroutine.
func (c *EventConsumer) Start(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.consumeLoop(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warnf("automation: event consumer disconnected, retrying in 5s: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}()
}

func (c *EventConsumer) consumeLoop(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	queue := c.cfg.Queue
	if queue == "" {
		queue = "crm_events"
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Infof("automation: consuming trigger events from queue %s", queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

func (c *EventConsumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	var payload eventPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		c.logger.Warnf("automation: dropping malformed event message: %v", err)
		_ = msg.Nack(false, false)
		return
	}
	if !models.ValidTriggerType(payload.Type) {
		c.logger.Warnf("automation: dropping event with unknown type %q", payload.Type)
		_ = msg.Nack(false, false)
		return
	}

	evt, err := c.resolveEvent(ctx, payload)
	if err != nil {
		c.logger.Warnf("automation: resolving event entities failed: %v", err)
		_ = msg.Nack(false, true) // transient, requeue
		return
	}

	c.dispatcher.Notify(evt)
	_ = msg.Ack(false)
}

func (c *EventConsumer) resolveEvent(ctx context.Context, payload eventPayload) (TriggerEvent, error) {
	evt := TriggerEvent{Type: payload.Type, Data: payload.Data}
	if evt.Data == nil {
		evt.Data = map[string]interface{}{}
	}

	if payload.ContactID != nil {
		var contact models.Contact
		if err := c.db.WithContext(ctx).First(&contact, *payload.ContactID).Error; err == nil {
			evt.Contact = &contact
		} else if err != gorm.ErrRecordNotFound {
			return evt, err
		}
	}
	if payload.EmailID != nil {
		var email models.EmailMessage
		if err := c.db.WithContext(ctx).First(&email, *payload.EmailID).Error; err == nil {
			evt.Email = &email
		} else if err != gorm.ErrRecordNotFound {
			return evt, err
		}
	}
	if payload.DealID != nil {
		var deal models.Deal
		if err := c.db.WithContext(ctx).First(&deal, *payload.DealID).Error; err == nil {
			evt.Deal = &deal
		} else if err != gorm.ErrRecordNotFound {
			return evt, err
		}
	}
	return evt, nil
}

package handlers

import (
	"net/http"

	"flowcrm/internal/models"
	"flowcrm/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// EventHandler is the HTTP side of the inbound event contract. Producers
// post a trigger event and get a 202 back immediately; automation outcomes
// are only visible through the execution ledger.
type EventHandler struct {
	db         *gorm.DB
	dispatcher *services.Dispatcher
}

func NewEventHandler(db *gorm.DB, dispatcher *services.Dispatcher) *EventHandler {
	return &EventHandler{db: db, dispatcher: dispatcher}
}

// TriggerEventRequest mirrors the queue payload: a trigger type, optional
// entity ids and trigger-specific data.
type TriggerEventRequest struct {
	Type      string                 `json:"type" binding:"required"`
	ContactID *uint                  `json:"contactId"`
	EmailID   *uint                  `json:"emailId"`
	DealID    *uint                  `json:"dealId"`
	Data      map[string]interface{} `json:"data"`
}

func (h *EventHandler) Notify(c *gin.Context) {
	var req TriggerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if !models.ValidTriggerType(req.Type) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unknown trigger type", Message: req.Type})
		return
	}

	evt := services.TriggerEvent{Type: req.Type, Data: req.Data}
	if evt.Data == nil {
		evt.Data = map[string]interface{}{}
	}

	ctx := c.Request.Context()
	if req.ContactID != nil {
		var contact models.Contact
		if err := h.db.WithContext(ctx).First(&contact, *req.ContactID).Error; err != nil {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Contact not found"})
			return
		}
		evt.Contact = &contact
	}
	if req.EmailID != nil {
		var email models.EmailMessage
		if err := h.db.WithContext(ctx).First(&email, *req.EmailID).Error; err != nil {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Email not found"})
			return
		}
		evt.Email = &email
	}
	if req.DealID != nil {
		var deal models.Deal
		if err := h.db.WithContext(ctx).First(&deal, *req.DealID).Error; err != nil {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Deal not found"})
			return
		}
		evt.Deal = &deal
	}

	accepted := h.dispatcher.Notify(evt)
	if !accepted {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Event queue full"})
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "accepted"})
}

// RegisterEventRoutes mounts the event intake.
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	r.POST("/events", handler.Notify)
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// User is an operator account that owns contacts, deals and rules.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Contact is a CRM contact. LeadScore is kept in [0,100].
type Contact struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	OwnerID   *uint          `gorm:"index" json:"owner_id"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Email     string         `gorm:"index" json:"email"`
	Phone     string         `json:"phone"`
	Company   string         `json:"company"`
	Source    string         `json:"source"` // web, import, referral, manual
	LeadScore int            `gorm:"default:0" json:"lead_score"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Owner *User  `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Tags  []Tag  `gorm:"many2many:contact_tags" json:"tags,omitempty"`
	Deals []Deal `gorm:"foreignKey:ContactID" json:"deals,omitempty"`
}

// Tag is a label attached to contacts.
type Tag struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// Pipeline groups the ordered stages a deal moves through.
type Pipeline struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`

	Stages []PipelineStage `gorm:"foreignKey:PipelineID" json:"stages,omitempty"`
}

// PipelineStage is one step of a pipeline, ordered by Position ascending.
type PipelineStage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	PipelineID uint      `gorm:"index;not null" json:"pipeline_id"`
	Name       string    `gorm:"not null" json:"name"`
	Position   int       `gorm:"default:0" json:"position"`
	CreatedAt  time.Time `json:"created_at"`
}

// Deal is a sales opportunity attached to a contact.
type Deal struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ContactID  uint           `gorm:"index;not null" json:"contact_id"`
	OwnerID    *uint          `gorm:"index" json:"owner_id"`
	PipelineID uint           `gorm:"index" json:"pipeline_id"`
	StageID    uint           `gorm:"index" json:"stage_id"`
	Title      string         `gorm:"not null" json:"title"`
	Value      float64        `gorm:"default:0" json:"value"`
	Status     string         `gorm:"default:'open';index" json:"status"` // open, won, lost
	ClosedAt   *time.Time     `json:"closed_at"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`

	Contact Contact        `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
	Stage   *PipelineStage `gorm:"foreignKey:StageID" json:"stage,omitempty"`
}

// Task is a to-do item, typically created by automation rules.
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	OwnerID     *uint      `gorm:"index" json:"owner_id"`
	ContactID   *uint      `gorm:"index" json:"contact_id"`
	DealID      *uint      `gorm:"index" json:"deal_id"`
	Title       string     `gorm:"not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Type        string     `gorm:"default:'follow_up'" json:"type"`    // follow_up, call, email, meeting
	Priority    string     `gorm:"default:'normal'" json:"priority"`   // low, normal, high, urgent
	Status      string     `gorm:"default:'open';index" json:"status"` // open, done, cancelled
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EmailMessage is an outbound or inbound message linked to a contact.
// Outbound sequence mail carries SequenceID; inbound replies carry the
// sentiment assigned by the classifier.
type EmailMessage struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	ContactID  uint       `gorm:"index;not null" json:"contact_id"`
	OwnerID    *uint      `gorm:"index" json:"owner_id"`
	SequenceID *uint      `gorm:"index" json:"sequence_id"`
	Direction  string     `gorm:"index;not null" json:"direction"` // outbound, inbound
	Subject    string     `json:"subject"`
	Sentiment  string     `json:"sentiment"` // positive, negative, neutral (inbound only)
	SentAt     *time.Time `gorm:"index" json:"sent_at"`
	OpenedAt   *time.Time `json:"opened_at"`
	CreatedAt  time.Time  `json:"created_at"`

	Contact Contact `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
}

// Sequence is a multi-step, time-delayed email send plan. The engine only
// starts and stops executions; step delivery belongs to the sender.
type Sequence struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OwnerID   *uint     `gorm:"index" json:"owner_id"`
	Name      string    `gorm:"not null" json:"name"`
	Status    string    `gorm:"default:'active'" json:"status"` // draft, active, paused
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SequenceExecution tracks one contact's progress through a sequence.
type SequenceExecution struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	SequenceID  uint       `gorm:"index;not null" json:"sequence_id"`
	ContactID   uint       `gorm:"index;not null" json:"contact_id"`
	DealID      *uint      `gorm:"index" json:"deal_id"`
	Status      string     `gorm:"default:'active';index" json:"status"` // active, paused, completed
	CurrentStep int        `gorm:"default:0" json:"current_step"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Sequence Sequence `gorm:"foreignKey:SequenceID" json:"sequence,omitempty"`
}

// Notification is an operator-facing message produced by automation actions.
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Token     string    `gorm:"index" json:"token"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Read      bool      `gorm:"default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

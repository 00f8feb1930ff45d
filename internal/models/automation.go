package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a loosely-typed config bag stored as JSON text. Unknown keys are
// preserved on the way through so older servers can carry configs written by
// newer clients.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonmap: unsupported column type %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Trigger types a rule can listen for.
const (
	TriggerContactCreated    = "contact_created"
	TriggerEmailOpened       = "email_opened"
	TriggerEmailClicked      = "email_clicked"
	TriggerReplyReceived     = "reply_received"
	TriggerTagAdded          = "tag_added"
	TriggerTagRemoved        = "tag_removed"
	TriggerDealStageChanged  = "deal_stage_changed"
	TriggerDealWon           = "deal_won"
	TriggerDealLost          = "deal_lost"
	TriggerSequenceCompleted = "sequence_completed"
	TriggerSequenceStepSent  = "sequence_step_sent"
	TriggerLeadScoreChanged  = "lead_score_changed"
	TriggerNoReply           = "no_reply"
)

// Action types a rule can perform.
const (
	ActionCreateTask       = "create_task"
	ActionCreateDeal       = "create_deal"
	ActionMoveDeal         = "move_deal"
	ActionAddTag           = "add_tag"
	ActionRemoveTag        = "remove_tag"
	ActionUpdateLeadScore  = "update_lead_score"
	ActionStartSequence    = "start_sequence"
	ActionStopSequence     = "stop_sequence"
	ActionSendNotification = "send_notification"
)

// Execution statuses. An execution is created as running and moves exactly
// once to completed, failed or skipped.
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusSkipped   = "skipped"
)

// AutomationRule binds one trigger to one action. A nil OwnerID makes the
// rule global (visible to every owner). Lower Priority executes first.
type AutomationRule struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	Name                    string     `gorm:"not null" json:"name"`
	Description             string     `gorm:"type:text" json:"description"`
	TriggerType             string     `gorm:"index;not null" json:"trigger_type"`
	TriggerConfig           JSONMap    `gorm:"type:text" json:"trigger_config"`
	ActionType              string     `gorm:"not null" json:"action_type"`
	ActionConfig            JSONMap    `gorm:"type:text" json:"action_config"`
	Active                  bool       `gorm:"default:true;index" json:"active"`
	Priority                int        `gorm:"default:100" json:"priority"`
	AllowMultipleExecutions bool       `gorm:"default:false" json:"allow_multiple_executions"`
	OwnerID                 *uint      `gorm:"index" json:"owner_id"`
	ExecutionCount          int64      `gorm:"default:0" json:"execution_count"`
	LastExecutedAt          *time.Time `json:"last_executed_at"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// RuleExecution is one attempted execution of a rule, kept for audit.
// TriggerData snapshots the context that caused the match and is never
// rewritten after creation.
type RuleExecution struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	RuleID          uint       `gorm:"index;not null" json:"rule_id"`
	ContactID       *uint      `gorm:"index" json:"contact_id"`
	EmailID         *uint      `json:"email_id"`
	DealID          *uint      `json:"deal_id"`
	Status          string     `gorm:"index;not null" json:"status"`
	TriggerData     JSONMap    `gorm:"type:text" json:"trigger_data"`
	ActionResult    JSONMap    `gorm:"type:text" json:"action_result"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`

	Rule AutomationRule `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
}

// ExecutionDedup claims one (rule, execution key) pair. The row is written
// before the action runs, so a crash mid-action still cannot cause a
// duplicate side effect on retry.
type ExecutionDedup struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RuleID       uint      `gorm:"uniqueIndex:ux_rule_execution_key,priority:1;not null" json:"rule_id"`
	ExecutionKey string    `gorm:"uniqueIndex:ux_rule_execution_key,priority:2;not null" json:"execution_key"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the dedup table name short.
func (ExecutionDedup) TableName() string { return "execution_dedup" }

// ValidTriggerType reports whether t is a known trigger type.
func ValidTriggerType(t string) bool {
	switch t {
	case TriggerContactCreated, TriggerEmailOpened, TriggerEmailClicked,
		TriggerReplyReceived, TriggerTagAdded, TriggerTagRemoved,
		TriggerDealStageChanged, TriggerDealWon, TriggerDealLost,
		TriggerSequenceCompleted, TriggerSequenceStepSent,
		TriggerLeadScoreChanged, TriggerNoReply:
		return true
	default:
		return false
	}
}

// ValidActionType reports whether a is a known action type.
func ValidActionType(a string) bool {
	switch a {
	case ActionCreateTask, ActionCreateDeal, ActionMoveDeal,
		ActionAddTag, ActionRemoveTag, ActionUpdateLeadScore,
		ActionStartSequence, ActionStopSequence, ActionSendNotification:
		return true
	default:
		return false
	}
}

package webhooklog

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// Entry is the durable record of one accepted delivery. Only Status and
// ErrorMessage change after it is written.
type Entry struct {
	ID           snowflake.ID   `json:"id" gorm:"primaryKey"`
	AnchorID     *snowflake.ID  `json:"anchor_id,omitempty" gorm:"index"`
	EventName    string         `json:"event_name" gorm:"type:text;not null;index"`
	Payload      datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Sanitized    bool           `json:"sanitized" gorm:"not null"`
	Status       Status         `json:"status" gorm:"type:text;not null"`
	ErrorMessage *string        `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at" gorm:"not null;index"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"not null"`
}

func (Entry) TableName() string { return "lemonsqueezy_webhook_logs" }

var (
	ErrInvalidEventName = errors.New("invalid_event_name")
	ErrInvalidPayload   = errors.New("invalid_log_payload")
	ErrInvalidEntry     = errors.New("invalid_log_entry")
)

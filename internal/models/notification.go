package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationStatus string

const (
	NotificationStatusSent   NotificationStatus = "sent"
	NotificationStatusFailed NotificationStatus = "failed"
)

// AlertNotification records the single delivery attempt made for an
// assessment. A row in either terminal state permanently blocks resending.
type AlertNotification struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	AssessmentID string     `gorm:"uniqueIndex;not null" json:"assessment_id"`
	Assessment   Assessment `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	Status    NotificationStatus `json:"status"`
	MessageID string             `json:"message_id,omitempty"` // external id on success
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

func (n *AlertNotification) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}

package models

import "time"

type IntakeStatus string

const (
	IntakeStatusSuccess IntakeStatus = "success"
	IntakeStatusFailed  IntakeStatus = "failed"
	IntakeStatusSkipped IntakeStatus = "skipped"
)

// IntakeLogEntry is the audit trail for one processed mailbox message. The
// pipeline writes these and never reads them back.
type IntakeLogEntry struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	MessageUID      uint32       `gorm:"index" json:"message_uid"`
	Subject         string       `json:"subject"`
	Sender          string       `json:"sender"`
	AttachmentCount int          `json:"attachment_count"`
	Status          IntakeStatus `json:"status"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

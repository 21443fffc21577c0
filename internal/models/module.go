package models

import (
	"time"
)

// ModuleInstallState is a module's persisted install lifecycle record. One
// row exists per module per machine, created lazily on first install and
// never deleted during normal operation.
type ModuleInstallState struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name string `gorm:"uniqueIndex;not null" json:"name"`

	// Status is the lifecycle state string; the modules package owns the
	// vocabulary and the transition rules.
	Status string `gorm:"not null;default:pending" json:"status"`

	// Message is operator-facing free text: the failure cause, reboot
	// instructions, or the firmware enrollment steps.
	Message string `gorm:"type:text" json:"message"`

	// AttemptID identifies the most recent accepted install attempt.
	AttemptID string `json:"attempt_id"`
}

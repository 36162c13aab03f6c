// Package core provides the domain models and interfaces for the grid packages.
package core

import (
	"time"
)

// JobStatus represents the current state of a queued call.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusRetrying  JobStatus = "retrying"
)

// Done reports whether the status is terminal.
func (s JobStatus) Done() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of work on the queue. For grid calls, Type is the runner
// job type, Args is a serialized CallRequest and BatchID is the descriptor's
// job id.
type Job struct {
	ID              string     `gorm:"primaryKey;size:36"`
	Type            string     `gorm:"index;size:255;not null"`
	Args            []byte     `gorm:"type:bytes"`
	Queue           string     `gorm:"index;size:255;default:'default'"`
	Priority        int        `gorm:"index;default:0"`
	Status          JobStatus  `gorm:"index;size:20;default:'pending'"`
	Attempt         int        `gorm:"default:0"`
	MaxRetries      int        `gorm:"not null;default:0"`
	LastError       string     `gorm:"type:text"`
	ErrorDetail     []byte     `gorm:"type:bytes"` // Serialized captured user error
	RunAt           *time.Time `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time
	BatchID         string `gorm:"index;size:36"`
	BatchIndex      int    `gorm:"default:0"`

	// Serialized return value
	Result []byte `gorm:"type:bytes"`
}

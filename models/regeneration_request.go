package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RegenerationStatus string

const (
	RegenerationStatusPending     RegenerationStatus = "pending"
	RegenerationStatusDispatching RegenerationStatus = "dispatching"
	RegenerationStatusDispatched  RegenerationStatus = "dispatched" // generator accepted, callback outstanding
	RegenerationStatusFulfilled   RegenerationStatus = "fulfilled"
	RegenerationStatusFailed      RegenerationStatus = "failed"
)

// OpenRegenerationStatuses are requests that still wait for new milestones.
var OpenRegenerationStatuses = []RegenerationStatus{
	RegenerationStatusPending,
	RegenerationStatusDispatching,
	RegenerationStatusDispatched,
}

type RegenerationTrigger string

const (
	RegenerationTriggerExhausted  RegenerationTrigger = "exhausted"
	RegenerationTriggerOnboarding RegenerationTrigger = "onboarding"
	RegenerationTriggerManual     RegenerationTrigger = "manual"
)

// RegenerationRequest is the durable outbox row consumed by the dispatcher.
type RegenerationRequest struct {
	ID                       string              `gorm:"primaryKey;type:uuid" json:"id"`
	BusinessID               string              `gorm:"type:uuid;not null;index" json:"business_id"`
	Trigger                  RegenerationTrigger `gorm:"type:varchar(16);not null" json:"trigger"`
	LastCompletedMilestoneID *string             `gorm:"type:uuid" json:"last_completed_milestone_id,omitempty"`
	LastCompletedSummary     string              `gorm:"type:text" json:"last_completed_summary"`
	Context                  datatypes.JSONMap   `json:"context"`
	Profile                  datatypes.JSONMap   `json:"profile"`

	Status        RegenerationStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Attempts      int                `gorm:"not null;default:0" json:"attempts"`
	LastError     string             `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt time.Time          `gorm:"not null;index" json:"next_attempt_at"`
	ClaimedAt     *time.Time         `json:"claimed_at,omitempty"`
	FulfilledAt   *time.Time         `json:"fulfilled_at,omitempty"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *RegenerationRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RegenerationStatusPending
	}
	if r.NextAttemptAt.IsZero() {
		r.NextAttemptAt = time.Now()
	}
	if r.Context == nil {
		r.Context = datatypes.JSONMap{}
	}
	if r.Profile == nil {
		r.Profile = datatypes.JSONMap{}
	}
	return nil
}

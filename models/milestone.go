package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MilestoneStatus string

const (
	MilestoneStatusPending    MilestoneStatus = "pending"
	MilestoneStatusInProgress MilestoneStatus = "in_progress"
	MilestoneStatusCompleted  MilestoneStatus = "completed"
)

// ActiveMilestoneStatuses are the states counted by the replenish check.
var ActiveMilestoneStatuses = []MilestoneStatus{MilestoneStatusPending, MilestoneStatusInProgress}

// Milestone is a named phase of business progress composed of ordered tasks
type Milestone struct {
	ID           string          `gorm:"primaryKey;type:uuid" json:"id"`
	BusinessID   string          `gorm:"type:uuid;not null;index:idx_milestone_business_status" json:"business_id"`
	Title        string          `gorm:"not null" json:"title"`
	Description  string          `gorm:"type:text" json:"description"`
	Order        int             `gorm:"column:sort_order;not null;default:0" json:"order"`
	Status       MilestoneStatus `gorm:"type:varchar(16);not null;default:'pending';index:idx_milestone_business_status" json:"status"`
	Level        int             `gorm:"not null;default:1" json:"level"` // difficulty tag
	RewardPoints int64           `gorm:"not null;default:0" json:"reward_points"`
	IsGenerated  bool            `gorm:"not null;default:false" json:"is_generated"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Tasks        []Task          `gorm:"foreignKey:MilestoneID" json:"tasks,omitempty"`

	Timestamps
}

// Task is an atomic unit of work within a milestone
type Task struct {
	ID           string     `gorm:"primaryKey;type:uuid" json:"id"`
	MilestoneID  string     `gorm:"type:uuid;not null;index" json:"milestone_id"`
	Title        string     `gorm:"not null" json:"title"`
	Order        int        `gorm:"column:sort_order;not null;default:0" json:"order"`
	IsCompleted  bool       `gorm:"not null;default:false" json:"is_completed"`
	RewardPoints int64      `gorm:"not null;default:10" json:"reward_points"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (m *Milestone) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = MilestoneStatusPending
	}
	return nil
}

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// IsActive reports whether the milestone still counts toward the active set.
func (m *Milestone) IsActive() bool {
	return m.Status == MilestoneStatusPending || m.Status == MilestoneStatusInProgress
}

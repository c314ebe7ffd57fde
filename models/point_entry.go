package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PointSource indicates where an award came from
type PointSource string

const (
	PointSourceTask      PointSource = "task"
	PointSourceMilestone PointSource = "milestone"
	PointSourceActivity  PointSource = "activity"
	PointSourceAdmin     PointSource = "admin"
	PointSourceOther     PointSource = "other"
)

// PointEntry is one accepted ledger delta. IdempotencyKey dedups retried awards.
type PointEntry struct {
	ID             string      `gorm:"primaryKey;type:uuid" json:"id"`
	BusinessID     string      `gorm:"type:uuid;not null;index;uniqueIndex:idx_point_entry_key" json:"business_id"`
	UserID         string      `gorm:"index" json:"user_id"`
	Delta          int64       `gorm:"not null" json:"delta"`
	BalanceAfter   int64       `gorm:"not null" json:"balance_after"`
	Source         PointSource `gorm:"type:varchar(16);not null;default:'other'" json:"source"`
	Reason         string      `gorm:"size:255" json:"reason"`
	IdempotencyKey *string     `gorm:"size:128;uniqueIndex:idx_point_entry_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (p *PointEntry) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

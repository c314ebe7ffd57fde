package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Business is the progression row of a small business (denormalized counters)
type Business struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	OwnerUserID string `gorm:"uniqueIndex;not null" json:"owner_user_id"` // links to auth service
	Name        string `gorm:"not null" json:"name"`

	// Profile, edited by the owner and sent along with regeneration requests
	Category     string            `gorm:"index" json:"category"`
	Description  string            `gorm:"type:text" json:"description"`
	Stage        string            `json:"stage,omitempty"` // e.g. idea, startup, operational, expansion
	TargetMarket string            `json:"target_market,omitempty"`
	PrimaryGoal  string            `json:"primary_goal,omitempty"`
	Address      datatypes.JSONMap `json:"address,omitempty"`

	// Core progression, mutated only by the progression coordinator
	TotalPoints int64   `gorm:"not null;default:0" json:"total_points"`
	LevelID     *string `gorm:"type:uuid;index" json:"level_id,omitempty"`

	// Replenishment debounce flag
	ReplenishPending     bool       `gorm:"not null;default:false" json:"replenish_pending"`
	ReplenishRequestedAt *time.Time `json:"replenish_requested_at,omitempty"`

	// Free-form memory owned by the roadmap generator. Never interpreted here.
	Context datatypes.JSONMap `json:"context"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

func (b *Business) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Context == nil {
		b.Context = datatypes.JSONMap{}
	}
	return nil
}

// ProfileSnapshot is the profile as the roadmap generator receives it.
func (b *Business) ProfileSnapshot() datatypes.JSONMap {
	p := datatypes.JSONMap{
		"name":          b.Name,
		"category":      b.Category,
		"description":   b.Description,
		"stage":         b.Stage,
		"target_market": b.TargetMarket,
		"primary_goal":  b.PrimaryGoal,
	}
	if len(b.Address) > 0 {
		p["address"] = map[string]any(CloneContext(b.Address))
	}
	return p
}

// CloneContext returns a shallow copy of the context map.
func CloneContext(src datatypes.JSONMap) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

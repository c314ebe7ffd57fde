package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Level: a named tier reached at a point threshold
type Level struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id" yaml:"-"`
	Code           string    `gorm:"uniqueIndex;not null" json:"code" yaml:"code"` // slug of the name, e.g. "perintis"
	Name           string    `gorm:"not null" json:"name" yaml:"name"`
	RequiredPoints int64     `gorm:"uniqueIndex;not null" json:"required_points" yaml:"required_points"`
	Order          int       `gorm:"column:sort_order;not null;default:0" json:"order" yaml:"order"`
	Icon           string    `json:"icon" yaml:"icon"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at" yaml:"-"`
}

// Achievement: a one-time badge unlocked at a point threshold
type Achievement struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id" yaml:"-"`
	Code           string    `gorm:"uniqueIndex;not null" json:"code" yaml:"code"`
	Title          string    `gorm:"not null" json:"title" yaml:"title"`
	Description    string    `gorm:"type:text" json:"description" yaml:"description"`
	RequiredPoints int64     `gorm:"index;not null" json:"required_points" yaml:"required_points"`
	BadgeIcon      string    `gorm:"type:text" json:"badge_icon" yaml:"badge_icon"` // emoji or R2 URL
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at" yaml:"-"`
}

// UnlockRecord: awarded instance, at most one per (owner, achievement)
type UnlockRecord struct {
	ID            string     `gorm:"primaryKey;type:uuid" json:"id"`
	OwnerID       string     `gorm:"uniqueIndex:idx_unlock_owner_achievement;not null" json:"owner_id"`
	AchievementID string     `gorm:"uniqueIndex:idx_unlock_owner_achievement;type:uuid;not null" json:"achievement_id"`
	BusinessID    string     `gorm:"type:uuid;index" json:"business_id"`
	UnlockedAt    time.Time  `gorm:"not null" json:"unlocked_at"`
	SeenAt        *time.Time `json:"seen_at,omitempty"`
}

func (l *Level) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

func (a *Achievement) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

func (u *UnlockRecord) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.UnlockedAt.IsZero() {
		u.UnlockedAt = time.Now()
	}
	return nil
}

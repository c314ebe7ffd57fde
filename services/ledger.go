package services

import (
	"errors"
	"fmt"

	"progression-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerDelta is one signed write to a business's point total.
type LedgerDelta struct {
	BusinessID     string
	UserID         string
	Delta          int64
	Source         models.PointSource
	Reason         string
	IdempotencyKey string
}

// MaxIdempotencyKeyLen matches the point_entries.idempotency_key column size.
const MaxIdempotencyKeyLen = 128

// LedgerResult carries the locked business row as it stands after the write.
type LedgerResult struct {
	Business  models.Business
	NewTotal  int64
	Duplicate bool
}

// PointsLedger is the only writer of Business.TotalPoints.
type PointsLedger struct{}

// ApplyDelta must run inside a transaction. The business row stays locked
// until that transaction ends, so concurrent deltas for one business serialize.
func (PointsLedger) ApplyDelta(tx *gorm.DB, d LedgerDelta) (*LedgerResult, error) {
	if d.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", ErrInvalidDelta)
	}
	if len(d.IdempotencyKey) > MaxIdempotencyKeyLen {
		return nil, fmt.Errorf("%w: idempotency key longer than %d bytes", ErrInvalidInput, MaxIdempotencyKeyLen)
	}

	biz, err := lockBusiness(tx, d.BusinessID)
	if err != nil {
		return nil, err
	}

	newTotal := biz.TotalPoints + d.Delta
	if newTotal < 0 {
		return nil, fmt.Errorf("%w: total would drop to %d", ErrInvalidDelta, newTotal)
	}

	source := d.Source
	if source == "" {
		source = models.PointSourceOther
	}
	entry := models.PointEntry{
		BusinessID:   biz.ID,
		UserID:       d.UserID,
		Delta:        d.Delta,
		BalanceAfter: newTotal,
		Source:       source,
		Reason:       truncate(d.Reason, 255),
	}
	if d.IdempotencyKey != "" {
		key := d.IdempotencyKey
		entry.IdempotencyKey = &key
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to write ledger entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// same idempotency key already accepted
		return &LedgerResult{Business: *biz, NewTotal: biz.TotalPoints, Duplicate: true}, nil
	}

	if err := tx.Model(&models.Business{}).
		Where("id = ?", biz.ID).
		Update("total_points", newTotal).Error; err != nil {
		return nil, fmt.Errorf("failed to update total points: %w", err)
	}
	biz.TotalPoints = newTotal

	return &LedgerResult{Business: *biz, NewTotal: newTotal}, nil
}

// lockBusiness loads a business row with SELECT ... FOR UPDATE.
func lockBusiness(tx *gorm.DB, id string) (*models.Business, error) {
	var biz models.Business
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&biz).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("business %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &biz, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

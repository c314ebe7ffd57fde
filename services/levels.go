package services

import (
	"sort"

	"progression-engine/models"

	"gorm.io/gorm"
)

// LevelCatalog is an immutable, threshold-sorted view of the levels table.
type LevelCatalog struct {
	levels []models.Level
}

// NewLevelCatalog sorts by required points, then by order so that on equal
// thresholds the higher order sits last and wins Resolve.
func NewLevelCatalog(levels []models.Level) *LevelCatalog {
	sorted := make([]models.Level, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RequiredPoints != sorted[j].RequiredPoints {
			return sorted[i].RequiredPoints < sorted[j].RequiredPoints
		}
		return sorted[i].Order < sorted[j].Order
	})
	return &LevelCatalog{levels: sorted}
}

// Resolve returns the level with the greatest threshold <= points, or nil.
func (c *LevelCatalog) Resolve(points int64) *models.Level {
	idx := sort.Search(len(c.levels), func(i int) bool {
		return c.levels[i].RequiredPoints > points
	}) - 1
	if idx < 0 {
		return nil
	}
	lvl := c.levels[idx]
	return &lvl
}

// Next returns the first level above points, or nil at the top.
func (c *LevelCatalog) Next(points int64) *models.Level {
	idx := sort.Search(len(c.levels), func(i int) bool {
		return c.levels[i].RequiredPoints > points
	})
	if idx >= len(c.levels) {
		return nil
	}
	lvl := c.levels[idx]
	return &lvl
}

func (c *LevelCatalog) ByID(id string) *models.Level {
	for i := range c.levels {
		if c.levels[i].ID == id {
			lvl := c.levels[i]
			return &lvl
		}
	}
	return nil
}

func (c *LevelCatalog) Levels() []models.Level {
	out := make([]models.Level, len(c.levels))
	copy(out, c.levels)
	return out
}

func loadLevelCatalog(tx *gorm.DB) (*LevelCatalog, error) {
	var levels []models.Level
	if err := tx.Order("required_points ASC").Find(&levels).Error; err != nil {
		return nil, err
	}
	return NewLevelCatalog(levels), nil
}

package services

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"progression-engine/models"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed catalog_seed.yaml
var defaultCatalogYAML []byte

// CatalogSeed is the YAML shape of a level/achievement catalog.
type CatalogSeed struct {
	Levels       []models.Level       `yaml:"levels"`
	Achievements []models.Achievement `yaml:"achievements"`
}

func DefaultCatalogSeed() (*CatalogSeed, error) {
	return parseCatalogSeed(defaultCatalogYAML)
}

func LoadCatalogSeedFile(path string) (*CatalogSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return parseCatalogSeed(raw)
}

func parseCatalogSeed(raw []byte) (*CatalogSeed, error) {
	var seed CatalogSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return &seed, nil
}

// CatalogService is the admin surface over levels and achievements.
type CatalogService struct {
	DB *gorm.DB
}

func NewCatalogService(db *gorm.DB) *CatalogService {
	return &CatalogService{DB: db}
}

type LevelInput struct {
	Name           string `json:"name"`
	RequiredPoints int64  `json:"required_points"`
	Order          int    `json:"order"`
	Icon           string `json:"icon"`
}

type AchievementInput struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	RequiredPoints int64  `json:"required_points"`
	BadgeIcon      string `json:"badge_icon"`
}

func (s *CatalogService) ListLevels(ctx context.Context) ([]models.Level, error) {
	catalog, err := loadLevelCatalog(s.DB.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return catalog.Levels(), nil
}

func (s *CatalogService) ListAchievements(ctx context.Context) ([]models.Achievement, error) {
	catalog, err := loadAchievementCatalog(s.DB.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return catalog.All(), nil
}

func (s *CatalogService) CreateLevel(ctx context.Context, in LevelInput) (*models.Level, error) {
	if err := validateLevel(in); err != nil {
		return nil, err
	}
	lvl := models.Level{
		Code:           slug.Make(in.Name),
		Name:           strings.TrimSpace(in.Name),
		RequiredPoints: in.RequiredPoints,
		Order:          in.Order,
		Icon:           in.Icon,
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUniqueLevel(tx, "", lvl.Code, lvl.RequiredPoints); err != nil {
			return err
		}
		return tx.Create(&lvl).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("✅ [CATALOG] level %s created at %d pts", lvl.Name, lvl.RequiredPoints)
	return &lvl, nil
}

func (s *CatalogService) UpdateLevel(ctx context.Context, id string, in LevelInput) (*models.Level, error) {
	if err := validateLevel(in); err != nil {
		return nil, err
	}
	var lvl models.Level
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&lvl).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("level %s: %w", id, ErrNotFound)
			}
			return err
		}
		code := slug.Make(in.Name)
		if err := ensureUniqueLevel(tx, lvl.ID, code, in.RequiredPoints); err != nil {
			return err
		}
		lvl.Code = code
		lvl.Name = strings.TrimSpace(in.Name)
		lvl.RequiredPoints = in.RequiredPoints
		lvl.Order = in.Order
		lvl.Icon = in.Icon
		return tx.Save(&lvl).Error
	})
	if err != nil {
		return nil, err
	}
	return &lvl, nil
}

// DeleteLevel removes a level and detaches the businesses on it; the level
// reconcile job or the next award reassigns them.
func (s *CatalogService) DeleteLevel(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Level{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("level %s: %w", id, ErrNotFound)
		}
		return tx.Model(&models.Business{}).Where("level_id = ?", id).Update("level_id", nil).Error
	})
}

func (s *CatalogService) CreateAchievement(ctx context.Context, in AchievementInput) (*models.Achievement, error) {
	if err := validateAchievement(in); err != nil {
		return nil, err
	}
	a := models.Achievement{
		Code:           slug.Make(in.Title),
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		RequiredPoints: in.RequiredPoints,
		BadgeIcon:      in.BadgeIcon,
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUniqueAchievementCode(tx, "", a.Code); err != nil {
			return err
		}
		return tx.Create(&a).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("✅ [CATALOG] achievement %s created at %d pts", a.Title, a.RequiredPoints)
	return &a, nil
}

func (s *CatalogService) UpdateAchievement(ctx context.Context, id string, in AchievementInput) (*models.Achievement, error) {
	if err := validateAchievement(in); err != nil {
		return nil, err
	}
	var a models.Achievement
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.firstAchievement(tx, id, &a); err != nil {
			return err
		}
		code := slug.Make(in.Title)
		if err := ensureUniqueAchievementCode(tx, a.ID, code); err != nil {
			return err
		}
		a.Code = code
		a.Title = strings.TrimSpace(in.Title)
		a.Description = in.Description
		a.RequiredPoints = in.RequiredPoints
		if in.BadgeIcon != "" {
			a.BadgeIcon = in.BadgeIcon
		}
		return tx.Save(&a).Error
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAchievementIcon stores the uploaded icon URL on the achievement.
func (s *CatalogService) SetAchievementIcon(ctx context.Context, id, iconURL string) (*models.Achievement, error) {
	var a models.Achievement
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.firstAchievement(tx, id, &a); err != nil {
			return err
		}
		a.BadgeIcon = iconURL
		return tx.Model(&a).Update("badge_icon", iconURL).Error
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAchievement removes the badge and every unlock of it.
func (s *CatalogService) DeleteAchievement(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Achievement{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("achievement %s: %w", id, ErrNotFound)
		}
		return tx.Where("achievement_id = ?", id).Delete(&models.UnlockRecord{}).Error
	})
}

func (s *CatalogService) firstAchievement(tx *gorm.DB, id string, out *models.Achievement) error {
	if err := tx.Where("id = ?", id).First(out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("achievement %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// IsEmpty reports whether no level has been configured yet.
func (s *CatalogService) IsEmpty(ctx context.Context) (bool, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&models.Level{}).Count(&n).Error; err != nil {
		return false, err
	}
	return n == 0, nil
}

// Seed upserts every level and achievement by code.
func (s *CatalogService) Seed(ctx context.Context, seed *CatalogSeed) (int, int, error) {
	for _, l := range seed.Levels {
		if err := validateLevel(LevelInput{Name: l.Name, RequiredPoints: l.RequiredPoints}); err != nil {
			return 0, 0, err
		}
	}
	for _, a := range seed.Achievements {
		if err := validateAchievement(AchievementInput{Title: a.Title, RequiredPoints: a.RequiredPoints}); err != nil {
			return 0, 0, err
		}
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, l := range seed.Levels {
			lvl := l
			lvl.ID = ""
			if lvl.Code == "" {
				lvl.Code = slug.Make(lvl.Name)
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "required_points", "sort_order", "icon", "updated_at"}),
			}).Create(&lvl).Error; err != nil {
				return fmt.Errorf("failed to seed level %s: %w", lvl.Name, err)
			}
		}
		for _, a := range seed.Achievements {
			ach := a
			ach.ID = ""
			if ach.Code == "" {
				ach.Code = slug.Make(ach.Title)
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"title", "description", "required_points", "badge_icon", "updated_at"}),
			}).Create(&ach).Error; err != nil {
				return fmt.Errorf("failed to seed achievement %s: %w", ach.Title, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	log.Printf("✅ [CATALOG] seeded %d level(s), %d achievement(s)", len(seed.Levels), len(seed.Achievements))
	return len(seed.Levels), len(seed.Achievements), nil
}

func validateLevel(in LevelInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: level name is required", ErrInvalidInput)
	}
	if in.RequiredPoints < 0 {
		return fmt.Errorf("%w: level threshold must not be negative", ErrInvalidInput)
	}
	return nil
}

func validateAchievement(in AchievementInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: achievement title is required", ErrInvalidInput)
	}
	if in.RequiredPoints < 0 {
		return fmt.Errorf("%w: achievement threshold must not be negative", ErrInvalidInput)
	}
	return nil
}

func ensureUniqueLevel(tx *gorm.DB, selfID, code string, threshold int64) error {
	var clash int64
	q := tx.Model(&models.Level{}).Where("(code = ? OR required_points = ?)", code, threshold)
	if selfID != "" {
		q = q.Where("id <> ?", selfID)
	}
	if err := q.Count(&clash).Error; err != nil {
		return err
	}
	if clash > 0 {
		return fmt.Errorf("%w: a level with code %q or threshold %d already exists", ErrInvalidInput, code, threshold)
	}
	return nil
}

func ensureUniqueAchievementCode(tx *gorm.DB, selfID, code string) error {
	var clash int64
	q := tx.Model(&models.Achievement{}).Where("code = ?", code)
	if selfID != "" {
		q = q.Where("id <> ?", selfID)
	}
	if err := q.Count(&clash).Error; err != nil {
		return err
	}
	if clash > 0 {
		return fmt.Errorf("%w: an achievement with code %q already exists", ErrInvalidInput, code)
	}
	return nil
}

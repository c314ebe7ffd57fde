package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"progression-engine/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CreateBusinessInput struct {
	OwnerUserID  string         `json:"owner_user_id"`
	Name         string         `json:"name"`
	Category     string         `json:"category"`
	Description  string         `json:"description"`
	Stage        string         `json:"stage"`
	TargetMarket string         `json:"target_market"`
	PrimaryGoal  string         `json:"primary_goal"`
	Address      map[string]any `json:"address"`
	Context      map[string]any `json:"context"`
}

// UpdateBusinessInput is a partial profile update; nil fields stay as they are.
type UpdateBusinessInput struct {
	Name         *string        `json:"name"`
	Category     *string        `json:"category"`
	Description  *string        `json:"description"`
	Stage        *string        `json:"stage"`
	TargetMarket *string        `json:"target_market"`
	PrimaryGoal  *string        `json:"primary_goal"`
	Address      map[string]any `json:"address"`
}

// BusinessService manages the business rows the engine progresses.
type BusinessService struct {
	DB        *gorm.DB
	Retry     RetryPolicy
	Replenish *ReplenishService
}

func NewBusinessService(db *gorm.DB, retry RetryPolicy, replenish *ReplenishService) *BusinessService {
	return &BusinessService{DB: db, Retry: retry, Replenish: replenish}
}

// Create registers a business and queues its onboarding roadmap request.
func (s *BusinessService) Create(ctx context.Context, in CreateBusinessInput) (*models.Business, *models.RegenerationRequest, error) {
	in.OwnerUserID = strings.TrimSpace(in.OwnerUserID)
	in.Name = strings.TrimSpace(in.Name)
	if in.OwnerUserID == "" || in.Name == "" {
		return nil, nil, fmt.Errorf("%w: owner and name are required", ErrInvalidInput)
	}

	var biz models.Business
	var req *models.RegenerationRequest
	err := s.Retry.withRetry(ctx, "create_business", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing int64
			if err := tx.Model(&models.Business{}).Where("owner_user_id = ?", in.OwnerUserID).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return fmt.Errorf("%w: user %s already owns a business", ErrInvalidInput, in.OwnerUserID)
			}

			biz = models.Business{
				OwnerUserID:  in.OwnerUserID,
				Name:         in.Name,
				Category:     strings.TrimSpace(in.Category),
				Description:  in.Description,
				Stage:        in.Stage,
				TargetMarket: in.TargetMarket,
				PrimaryGoal:  in.PrimaryGoal,
				Address:      datatypes.JSONMap(in.Address),
				Context:      datatypes.JSONMap(in.Context),
			}
			if err := tx.Create(&biz).Error; err != nil {
				return err
			}

			var err error
			req, err = s.Replenish.checkTx(tx, biz.ID, models.RegenerationTriggerOnboarding, nil)
			return err
		})
	})
	if err != nil {
		return nil, nil, err
	}

	log.Printf("✅ [BUSINESS] created %s (%s) for user %s", biz.ID, biz.Name, biz.OwnerUserID)
	return &biz, req, nil
}

func (s *BusinessService) Get(ctx context.Context, id string) (*models.Business, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *BusinessService) GetByOwner(ctx context.Context, ownerUserID string) (*models.Business, error) {
	return s.first(ctx, "owner_user_id = ?", ownerUserID)
}

func (s *BusinessService) first(ctx context.Context, query string, arg string) (*models.Business, error) {
	var biz models.Business
	if err := s.DB.WithContext(ctx).Where(query, arg).First(&biz).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("business: %w", ErrNotFound)
		}
		return nil, err
	}
	return &biz, nil
}

// Update applies a partial profile update. The name cannot be blanked.
func (s *BusinessService) Update(ctx context.Context, businessID string, in UpdateBusinessInput) (*models.Business, error) {
	updates := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
		}
		updates["name"] = name
	}
	if in.Category != nil {
		updates["category"] = strings.TrimSpace(*in.Category)
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.Stage != nil {
		updates["stage"] = *in.Stage
	}
	if in.TargetMarket != nil {
		updates["target_market"] = *in.TargetMarket
	}
	if in.PrimaryGoal != nil {
		updates["primary_goal"] = *in.PrimaryGoal
	}
	if in.Address != nil {
		updates["address"] = datatypes.JSONMap(in.Address)
	}

	var out *models.Business
	err := s.Retry.withRetry(ctx, "update_business", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			biz, err := lockBusiness(tx, businessID)
			if err != nil {
				return err
			}
			if len(updates) > 0 {
				if err := tx.Model(&models.Business{}).Where("id = ?", biz.ID).Updates(updates).Error; err != nil {
					return err
				}
			}
			var fresh models.Business
			if err := tx.Where("id = ?", biz.ID).First(&fresh).Error; err != nil {
				return err
			}
			out = &fresh
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	log.Printf("✅ [BUSINESS] profile of %s updated (%d field(s))", out.ID, len(updates))
	return out, nil
}

// MergeContext shallow-merges kv into the business context. A nil value
// deletes the key. Contents are never interpreted.
func (s *BusinessService) MergeContext(ctx context.Context, businessID string, kv map[string]any) (*models.Business, error) {
	var out *models.Business
	err := s.Retry.withRetry(ctx, "merge_context", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			biz, err := lockBusiness(tx, businessID)
			if err != nil {
				return err
			}
			merged := models.CloneContext(biz.Context)
			for k, v := range kv {
				if v == nil {
					delete(merged, k)
					continue
				}
				merged[k] = v
			}
			if err := tx.Model(&models.Business{}).Where("id = ?", biz.ID).Update("context", merged).Error; err != nil {
				return err
			}
			biz.Context = merged
			out = biz
			return nil
		})
	})
	return out, err
}

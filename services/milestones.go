package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"progression-engine/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTaskRewardPoints applies to tasks created without an explicit reward.
const DefaultTaskRewardPoints int64 = 10

type TaskInput struct {
	Title        string `json:"title"`
	Order        int    `json:"order"`
	RewardPoints int64  `json:"reward_points"`
}

type MilestoneInput struct {
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Order        int         `json:"order"`
	Level        int         `json:"level"`
	RewardPoints int64       `json:"reward_points"`
	Tasks        []TaskInput `json:"tasks"`
}

type CreateMilestonesInput struct {
	BusinessID string
	Generated  bool
	// RequestID is the regeneration request being answered, if any.
	RequestID  string
	Milestones []MilestoneInput
}

// TaskSnapshot and MilestoneSnapshot are detached copies; cascade decisions
// are made on them rather than on live ORM associations.
type TaskSnapshot struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Order        int        `json:"order"`
	IsCompleted  bool       `json:"is_completed"`
	RewardPoints int64      `json:"reward_points"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type MilestoneSnapshot struct {
	ID           string                 `json:"id"`
	BusinessID   string                 `json:"business_id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Order        int                    `json:"order"`
	Status       models.MilestoneStatus `json:"status"`
	Level        int                    `json:"level"`
	RewardPoints int64                  `json:"reward_points"`
	IsGenerated  bool                   `json:"is_generated"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Tasks        []TaskSnapshot         `json:"tasks"`
}

func (m MilestoneSnapshot) AllTasksCompleted() bool {
	if len(m.Tasks) == 0 {
		return false
	}
	for _, t := range m.Tasks {
		if !t.IsCompleted {
			return false
		}
	}
	return true
}

// Summary is the "last completed" context handed to the roadmap generator.
func (m MilestoneSnapshot) Summary() string {
	if m.Description == "" {
		return m.Title
	}
	return m.Title + ": " + m.Description
}

func snapshotOf(m models.Milestone) MilestoneSnapshot {
	snap := MilestoneSnapshot{
		ID:           m.ID,
		BusinessID:   m.BusinessID,
		Title:        m.Title,
		Description:  m.Description,
		Order:        m.Order,
		Status:       m.Status,
		Level:        m.Level,
		RewardPoints: m.RewardPoints,
		IsGenerated:  m.IsGenerated,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		Tasks:        make([]TaskSnapshot, 0, len(m.Tasks)),
	}
	for _, t := range m.Tasks {
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			ID:           t.ID,
			Title:        t.Title,
			Order:        t.Order,
			IsCompleted:  t.IsCompleted,
			RewardPoints: t.RewardPoints,
			CompletedAt:  t.CompletedAt,
		})
	}
	sort.SliceStable(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Order < snap.Tasks[j].Order })
	return snap
}

type CompleteTaskResult struct {
	Task               TaskSnapshot                `json:"task"`
	Milestone          MilestoneSnapshot           `json:"milestone"`
	AlreadyCompleted   bool                        `json:"already_completed"`
	TaskAward          *AwardResult                `json:"task_award,omitempty"`
	MilestoneCompleted bool                        `json:"milestone_completed"`
	MilestoneAward     *AwardResult                `json:"milestone_award,omitempty"`
	Replenishment      *models.RegenerationRequest `json:"replenishment,omitempty"`
}

// MilestoneService owns the milestone/task lifecycle and its cascade into
// points and replenishment.
type MilestoneService struct {
	DB          *gorm.DB
	Retry       RetryPolicy
	Progression *ProgressionService
	Replenish   *ReplenishService
}

func NewMilestoneService(db *gorm.DB, retry RetryPolicy, progression *ProgressionService, replenish *ReplenishService) *MilestoneService {
	return &MilestoneService{DB: db, Retry: retry, Progression: progression, Replenish: replenish}
}

// CreateMilestones inserts a batch with its tasks and, since the business now
// has work again, clears the replenish flag. A batch answering RequestID is
// accepted only while that request is still open, so a repeated generator
// callback returns ErrRequestClosed instead of a second roadmap.
func (s *MilestoneService) CreateMilestones(ctx context.Context, in CreateMilestonesInput) ([]models.Milestone, error) {
	if err := validateMilestoneBatch(in); err != nil {
		return nil, err
	}

	var created []models.Milestone
	err := s.Retry.withRetry(ctx, "create_milestones", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			biz, err := lockBusiness(tx, in.BusinessID)
			if err != nil {
				return err
			}
			if in.RequestID != "" {
				if err := s.Replenish.lockOpenRequestTx(tx, biz.ID, in.RequestID); err != nil {
					return err
				}
			}

			var maxOrder int
			if err := tx.Model(&models.Milestone{}).
				Where("business_id = ?", biz.ID).
				Select("COALESCE(MAX(sort_order), 0)").
				Scan(&maxOrder).Error; err != nil {
				return err
			}

			milestones, tasks := buildMilestones(biz.ID, in, maxOrder)
			if err := tx.Omit("Tasks").Create(&milestones).Error; err != nil {
				return fmt.Errorf("failed to insert milestones: %w", err)
			}
			if err := tx.Create(&tasks).Error; err != nil {
				return fmt.Errorf("failed to insert tasks: %w", err)
			}

			if err := s.Replenish.clearTx(tx, biz.ID); err != nil {
				return err
			}
			created = milestones
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if in.RequestID != "" {
		log.Printf("✅ [MILESTONE] created %d milestone(s) for business %s answering request %s", len(created), in.BusinessID, in.RequestID)
	} else {
		log.Printf("✅ [MILESTONE] created %d milestone(s) for business %s (generated=%t)", len(created), in.BusinessID, in.Generated)
	}
	return created, nil
}

func validateMilestoneBatch(in CreateMilestonesInput) error {
	if in.BusinessID == "" {
		return fmt.Errorf("%w: business id is required", ErrInvalidInput)
	}
	if len(in.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone is required", ErrInvalidInput)
	}
	for i, m := range in.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return fmt.Errorf("%w: milestone %d has no title", ErrInvalidInput, i)
		}
		if m.RewardPoints < 0 {
			return fmt.Errorf("%w: milestone %d has negative reward", ErrInvalidInput, i)
		}
		if m.Level < 0 || m.Order < 0 {
			return fmt.Errorf("%w: milestone %d has negative level or order", ErrInvalidInput, i)
		}
		if len(m.Tasks) == 0 {
			return fmt.Errorf("%w: milestone %q has no tasks", ErrInvalidInput, m.Title)
		}
		for j, t := range m.Tasks {
			if strings.TrimSpace(t.Title) == "" {
				return fmt.Errorf("%w: milestone %q task %d has no title", ErrInvalidInput, m.Title, j)
			}
			if t.RewardPoints < 0 {
				return fmt.Errorf("%w: milestone %q task %d has negative reward", ErrInvalidInput, m.Title, j)
			}
		}
	}
	return nil
}

func buildMilestones(businessID string, in CreateMilestonesInput, maxOrder int) ([]models.Milestone, []models.Task) {
	milestones := make([]models.Milestone, 0, len(in.Milestones))
	var tasks []models.Task
	next := maxOrder

	for _, mi := range in.Milestones {
		order := mi.Order
		if order == 0 {
			next++
			order = next
		} else if order > next {
			next = order
		}
		level := mi.Level
		if level == 0 {
			level = 1
		}

		m := models.Milestone{
			BusinessID:   businessID,
			Title:        strings.TrimSpace(mi.Title),
			Description:  mi.Description,
			Order:        order,
			Status:       models.MilestoneStatusPending,
			Level:        level,
			RewardPoints: mi.RewardPoints,
			IsGenerated:  in.Generated,
		}
		// ids up front so tasks can reference their milestone in one batch
		m.ID = uuid.NewString()

		for j, ti := range mi.Tasks {
			reward := ti.RewardPoints
			if reward == 0 {
				reward = DefaultTaskRewardPoints
			}
			taskOrder := ti.Order
			if taskOrder == 0 {
				taskOrder = j + 1
			}
			t := models.Task{
				ID:           uuid.NewString(),
				MilestoneID:  m.ID,
				Title:        strings.TrimSpace(ti.Title),
				Order:        taskOrder,
				RewardPoints: reward,
			}
			m.Tasks = append(m.Tasks, t)
			tasks = append(tasks, t)
		}
		milestones = append(milestones, m)
	}
	return milestones, tasks
}

// StartMilestone moves a pending milestone to in_progress. Starting an
// in-progress or completed milestone is a no-op; started_at is never reset.
func (s *MilestoneService) StartMilestone(ctx context.Context, id string) (*MilestoneSnapshot, bool, error) {
	var snap *MilestoneSnapshot
	changed := false
	err := s.Retry.withRetry(ctx, "start_milestone", func() error {
		changed = false
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ms, err := lockMilestone(tx, id)
			if err != nil {
				return err
			}
			if ms.Status == models.MilestoneStatusPending {
				ok, err := markInProgress(tx, ms.ID, time.Now())
				if err != nil {
					return err
				}
				changed = ok
			}
			snap, err = loadWithTasksTx(tx, ms.ID)
			return err
		})
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		log.Printf("▶️ [MILESTONE] started %s (%s)", snap.ID, snap.Title)
	}
	return snap, changed, nil
}

// CompleteTask marks a task done, awards its points and, when it was the last
// open task, completes the milestone, awards the bonus and runs the replenish
// check. Everything commits in one transaction; completing a done task is a no-op.
func (s *MilestoneService) CompleteTask(ctx context.Context, taskID, userID string) (*CompleteTaskResult, error) {
	var result *CompleteTaskResult
	err := s.Retry.withRetry(ctx, "complete_task", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			r, err := s.completeTaskTx(tx, taskID, userID)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if result.AlreadyCompleted {
		log.Printf("⚠️ [MILESTONE] task %s already completed, nothing awarded", taskID)
	} else if result.MilestoneCompleted {
		log.Printf("✅ [MILESTONE] milestone %s completed via task %s", result.Milestone.ID, taskID)
	}
	return result, nil
}

func (s *MilestoneService) completeTaskTx(tx *gorm.DB, taskID, userID string) (*CompleteTaskResult, error) {
	var task models.Task
	if err := tx.Where("id = ?", taskID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, err
	}

	// lock order: milestone, then business (inside awardTx)
	ms, err := lockMilestone(tx, task.MilestoneID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	upd := tx.Model(&models.Task{}).
		Where("id = ? AND is_completed = ?", task.ID, false).
		Updates(map[string]any{"is_completed": true, "completed_at": now})
	if upd.Error != nil {
		return nil, upd.Error
	}

	result := &CompleteTaskResult{}
	if upd.RowsAffected == 0 {
		snap, err := loadWithTasksTx(tx, ms.ID)
		if err != nil {
			return nil, err
		}
		result.AlreadyCompleted = true
		result.Milestone = *snap
		result.Task = findTask(snap, task.ID)
		return result, nil
	}

	if ms.Status == models.MilestoneStatusPending {
		if _, err := markInProgress(tx, ms.ID, now); err != nil {
			return nil, err
		}
	}

	if task.RewardPoints > 0 {
		award, err := s.Progression.awardTx(tx, AwardInput{
			BusinessID:     ms.BusinessID,
			UserID:         userID,
			Points:         task.RewardPoints,
			Source:         models.PointSourceTask,
			Reason:         "task_completed: " + task.Title,
			IdempotencyKey: "task:" + task.ID,
		})
		if err != nil {
			return nil, err
		}
		result.TaskAward = award
	}

	snap, err := loadWithTasksTx(tx, ms.ID)
	if err != nil {
		return nil, err
	}

	if snap.AllTasksCompleted() && snap.Status != models.MilestoneStatusCompleted {
		done := tx.Model(&models.Milestone{}).
			Where("id = ? AND status <> ?", ms.ID, models.MilestoneStatusCompleted).
			Updates(map[string]any{"status": models.MilestoneStatusCompleted, "completed_at": now})
		if done.Error != nil {
			return nil, done.Error
		}
		if done.RowsAffected == 1 {
			result.MilestoneCompleted = true
			snap.Status = models.MilestoneStatusCompleted
			snap.CompletedAt = &now

			if ms.RewardPoints > 0 {
				award, err := s.Progression.awardTx(tx, AwardInput{
					BusinessID:     ms.BusinessID,
					UserID:         userID,
					Points:         ms.RewardPoints,
					Source:         models.PointSourceMilestone,
					Reason:         "milestone_completed: " + ms.Title,
					IdempotencyKey: "milestone:" + ms.ID,
				})
				if err != nil {
					return nil, err
				}
				result.MilestoneAward = award
			}

			req, err := s.Replenish.checkTx(tx, ms.BusinessID, models.RegenerationTriggerExhausted, snap)
			if err != nil {
				return nil, err
			}
			result.Replenishment = req
		}
	}

	result.Milestone = *snap
	result.Task = findTask(snap, task.ID)
	return result, nil
}

// DeleteMilestone soft-deletes. If that leaves the business with no active
// milestones the replenish check runs as for a completion.
func (s *MilestoneService) DeleteMilestone(ctx context.Context, id string) (*models.RegenerationRequest, error) {
	var req *models.RegenerationRequest
	err := s.Retry.withRetry(ctx, "delete_milestone", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ms, err := lockMilestone(tx, id)
			if err != nil {
				return err
			}
			if err := tx.Delete(&models.Milestone{}, "id = ?", ms.ID).Error; err != nil {
				return err
			}
			req, err = s.Replenish.checkTx(tx, ms.BusinessID, models.RegenerationTriggerExhausted, nil)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	log.Printf("🗑️ [MILESTONE] soft-deleted %s", id)
	return req, nil
}

// ListActive returns pending and in-progress milestones in presentation order.
func (s *MilestoneService) ListActive(ctx context.Context, businessID string) ([]MilestoneSnapshot, error) {
	var milestones []models.Milestone
	err := s.DB.WithContext(ctx).
		Preload("Tasks", orderTasks).
		Where("business_id = ? AND status IN ?", businessID, models.ActiveMilestoneStatuses).
		Order("sort_order ASC").Order("created_at ASC").
		Find(&milestones).Error
	if err != nil {
		return nil, err
	}
	return snapshots(milestones), nil
}

type ListMilestonesInput struct {
	BusinessID string
	Status     models.MilestoneStatus
	Page       int
	Size       int
}

type MilestonePage struct {
	Items      []MilestoneSnapshot `json:"items"`
	Page       int                 `json:"page"`
	Size       int                 `json:"size"`
	TotalItems int64               `json:"total_items"`
	TotalPages int                 `json:"total_pages"`
}

// List pages through all non-deleted milestones, optionally filtered by status.
func (s *MilestoneService) List(ctx context.Context, in ListMilestonesInput) (*MilestonePage, error) {
	if in.Page < 1 {
		in.Page = 1
	}
	if in.Size < 1 || in.Size > 100 {
		in.Size = 100
	}

	q := s.DB.WithContext(ctx).Model(&models.Milestone{}).Where("business_id = ?", in.BusinessID)
	if in.Status != "" {
		q = q.Where("status = ?", in.Status)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}

	var milestones []models.Milestone
	if err := q.Preload("Tasks", orderTasks).
		Order("sort_order ASC").Order("created_at ASC").
		Limit(in.Size).Offset((in.Page - 1) * in.Size).
		Find(&milestones).Error; err != nil {
		return nil, err
	}

	return &MilestonePage{
		Items:      snapshots(milestones),
		Page:       in.Page,
		Size:       in.Size,
		TotalItems: total,
		TotalPages: int((total + int64(in.Size) - 1) / int64(in.Size)),
	}, nil
}

// LoadWithTasks returns a detached snapshot of one milestone and its tasks.
func (s *MilestoneService) LoadWithTasks(ctx context.Context, id string) (*MilestoneSnapshot, error) {
	return loadWithTasksTx(s.DB.WithContext(ctx), id)
}

func loadWithTasksTx(tx *gorm.DB, id string) (*MilestoneSnapshot, error) {
	var ms models.Milestone
	if err := tx.Where("id = ?", id).First(&ms).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("milestone %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if err := tx.Where("milestone_id = ?", id).Order("sort_order ASC").Find(&ms.Tasks).Error; err != nil {
		return nil, err
	}
	snap := snapshotOf(ms)
	return &snap, nil
}

func lockMilestone(tx *gorm.DB, id string) (*models.Milestone, error) {
	var ms models.Milestone
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&ms).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("milestone %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ms, nil
}

func markInProgress(tx *gorm.DB, id string, now time.Time) (bool, error) {
	res := tx.Model(&models.Milestone{}).
		Where("id = ? AND status = ?", id, models.MilestoneStatusPending).
		Updates(map[string]any{"status": models.MilestoneStatusInProgress, "started_at": now})
	return res.RowsAffected == 1, res.Error
}

func orderTasks(db *gorm.DB) *gorm.DB {
	return db.Order("sort_order ASC")
}

func snapshots(milestones []models.Milestone) []MilestoneSnapshot {
	out := make([]MilestoneSnapshot, 0, len(milestones))
	for _, m := range milestones {
		out = append(out, snapshotOf(m))
	}
	return out
}

func findTask(snap *MilestoneSnapshot, id string) TaskSnapshot {
	for _, t := range snap.Tasks {
		if t.ID == id {
			return t
		}
	}
	return TaskSnapshot{ID: id}
}

// TaskBusinessID resolves which business a task belongs to, for ownership checks.
func (s *MilestoneService) TaskBusinessID(ctx context.Context, taskID string) (string, error) {
	var row struct{ BusinessID string }
	err := s.DB.WithContext(ctx).Model(&models.Task{}).
		Select("milestones.business_id").
		Joins("JOIN milestones ON milestones.id = tasks.milestone_id AND milestones.deleted_at IS NULL").
		Where("tasks.id = ?", taskID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return row.BusinessID, nil
}

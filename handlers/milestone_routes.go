// handlers/milestone_routes.go
package handlers

import (
	"fmt"

	"progression-engine/models"
	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupMilestoneRoutes(r fiber.Router, svc Services) {
	r.Get("/milestones", func(c *fiber.Ctx) error {
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		items, err := svc.Milestones.ListActive(c.UserContext(), biz.ID)
		if err != nil {
			return sendError(c, "failed to list milestones", err)
		}
		return c.JSON(fiber.Map{"milestones": items})
	})

	r.Get("/milestones/all", func(c *fiber.Ctx) error {
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		status := models.MilestoneStatus(c.Query("status"))
		switch status {
		case "", models.MilestoneStatusPending, models.MilestoneStatusInProgress, models.MilestoneStatusCompleted:
		default:
			return badRequest(c, "invalid status filter")
		}
		page, err := svc.Milestones.List(c.UserContext(), services.ListMilestonesInput{
			BusinessID: biz.ID,
			Status:     status,
			Page:       c.QueryInt("page", 1),
			Size:       c.QueryInt("size", 20),
		})
		if err != nil {
			return sendError(c, "failed to list milestones", err)
		}
		return c.JSON(page)
	})

	// registered ahead of /milestones/:id
	r.Get("/milestones/replenish", func(c *fiber.Ctx) error {
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		reqs, err := svc.Replenish.ListForBusiness(c.UserContext(), biz.ID, c.QueryInt("limit", 20))
		if err != nil {
			return sendError(c, "failed to list replenishment requests", err)
		}
		return c.JSON(fiber.Map{
			"pending":  biz.ReplenishPending,
			"requests": reqs,
		})
	})

	r.Get("/milestones/:id", func(c *fiber.Ctx) error {
		snap, err := ownedMilestone(c, svc, c.Params("id"))
		if err != nil {
			return sendError(c, "failed to load milestone", err)
		}
		return c.JSON(snap)
	})

	r.Post("/milestones", func(c *fiber.Ctx) error {
		var body struct {
			Milestones []services.MilestoneInput `json:"milestones"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		created, err := svc.Milestones.CreateMilestones(c.UserContext(), services.CreateMilestonesInput{
			BusinessID: biz.ID,
			Milestones: body.Milestones,
		})
		if err != nil {
			return sendError(c, "failed to create milestones", err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"milestones": created})
	})

	r.Post("/milestones/replenish", func(c *fiber.Ctx) error {
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		req, err := svc.Replenish.RequestReplenishment(c.UserContext(), biz.ID, models.RegenerationTriggerManual)
		if err != nil {
			return sendError(c, "failed to request replenishment", err)
		}
		if req == nil {
			return c.JSON(fiber.Map{"queued": false})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true, "request": req})
	})

	r.Post("/milestones/:id/start", func(c *fiber.Ctx) error {
		if _, err := ownedMilestone(c, svc, c.Params("id")); err != nil {
			return sendError(c, "failed to load milestone", err)
		}
		snap, changed, err := svc.Milestones.StartMilestone(c.UserContext(), c.Params("id"))
		if err != nil {
			return sendError(c, "failed to start milestone", err)
		}
		return c.JSON(fiber.Map{"milestone": snap, "changed": changed})
	})

	r.Delete("/milestones/:id", func(c *fiber.Ctx) error {
		if _, err := ownedMilestone(c, svc, c.Params("id")); err != nil {
			return sendError(c, "failed to load milestone", err)
		}
		req, err := svc.Milestones.DeleteMilestone(c.UserContext(), c.Params("id"))
		if err != nil {
			return sendError(c, "failed to delete milestone", err)
		}
		return c.JSON(fiber.Map{"deleted": true, "replenishment": req})
	})

	r.Post("/tasks/:id/complete", func(c *fiber.Ctx) error {
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		taskID := c.Params("id")
		owner, err := svc.Milestones.TaskBusinessID(c.UserContext(), taskID)
		if err != nil {
			return sendError(c, "failed to load task", err)
		}
		if owner != biz.ID {
			return sendError(c, "failed to load task", fmt.Errorf("task %s: %w", taskID, services.ErrNotFound))
		}
		result, err := svc.Milestones.CompleteTask(c.UserContext(), taskID, biz.OwnerUserID)
		if err != nil {
			return sendError(c, "failed to complete task", err)
		}
		return c.JSON(result)
	})
}

// ownedMilestone loads a milestone and hides it unless the caller's business owns it.
func ownedMilestone(c *fiber.Ctx, svc Services, id string) (*services.MilestoneSnapshot, error) {
	biz, err := currentBusiness(c, svc)
	if err != nil {
		return nil, err
	}
	snap, err := svc.Milestones.LoadWithTasks(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if snap.BusinessID != biz.ID {
		return nil, fmt.Errorf("milestone %s: %w", id, services.ErrNotFound)
	}
	return snap, nil
}

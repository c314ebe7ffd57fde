// handlers/internal_routes.go
package handlers

import (
	"progression-engine/models"
	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

// SetupInternalRoutes serves collaborating services. Only the gateway token guards them.
func SetupInternalRoutes(r fiber.Router, svc Services) {
	r.Post("/award", func(c *fiber.Ctx) error {
		var body struct {
			BusinessID     string `json:"business_id"`
			UserID         string `json:"user_id"`
			Points         int64  `json:"points"`
			Source         string `json:"source"`
			Reason         string `json:"reason"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
		source := models.PointSource(body.Source)
		switch source {
		case "":
			source = models.PointSourceOther
		case models.PointSourceTask, models.PointSourceMilestone, models.PointSourceActivity, models.PointSourceAdmin, models.PointSourceOther:
		default:
			return badRequest(c, "unknown point source")
		}
		result, err := svc.Progression.Award(c.UserContext(), services.AwardInput{
			BusinessID:     body.BusinessID,
			UserID:         body.UserID,
			Points:         body.Points,
			Source:         source,
			Reason:         body.Reason,
			IdempotencyKey: body.IdempotencyKey,
		})
		if err != nil {
			return sendError(c, "failed to award points", err)
		}
		return c.JSON(result)
	})

	// replayed completion events from collaborators; emits at most one request
	r.Post("/replenish/check", func(c *fiber.Ctx) error {
		var body struct {
			BusinessID string `json:"business_id"`
		}
		if err := c.BodyParser(&body); err != nil || body.BusinessID == "" {
			return badRequest(c, "business_id is required")
		}
		req, err := svc.Replenish.Check(c.UserContext(), body.BusinessID)
		if err != nil {
			return sendError(c, "failed to check replenishment", err)
		}
		if req == nil {
			return c.JSON(fiber.Map{"queued": false})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true, "request": req})
	})

	// generator callback for requests it accepted with 202
	r.Post("/milestones/batch", func(c *fiber.Ctx) error {
		var body struct {
			BusinessID string                    `json:"business_id"`
			RequestID  string                    `json:"request_id"`
			Milestones []services.MilestoneInput `json:"milestones"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
		created, err := svc.Milestones.CreateMilestones(c.UserContext(), services.CreateMilestonesInput{
			BusinessID: body.BusinessID,
			Generated:  true,
			RequestID:  body.RequestID,
			Milestones: body.Milestones,
		})
		if err != nil {
			return sendError(c, "failed to create milestones", err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"milestones": created})
	})
}

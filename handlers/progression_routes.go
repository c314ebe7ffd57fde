// handlers/progression_routes.go
package handlers

import (
	"strings"

	"progression-engine/middleware"

	"github.com/gofiber/fiber/v2"
)

func SetupProgressionRoutes(r fiber.Router, svc Services) {
	// every level, lowest threshold first
	r.Get("/levels", func(c *fiber.Ctx) error {
		levels, err := svc.Catalog.ListLevels(c.UserContext())
		if err != nil {
			return sendError(c, "failed to list levels", err)
		}
		return c.JSON(fiber.Map{"levels": levels})
	})

	r.Get("/progress", func(c *fiber.Ctx) error {
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		summary, err := svc.Progression.Summary(c.UserContext(), biz.ID)
		if err != nil {
			return sendError(c, "failed to load progress", err)
		}
		return c.JSON(summary)
	})

	r.Get("/achievements", func(c *fiber.Ctx) error {
		views, err := svc.Achievements.ListForOwner(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return sendError(c, "failed to list achievements", err)
		}
		return c.JSON(fiber.Map{"achievements": views})
	})

	r.Post("/achievements/seen", func(c *fiber.Ctx) error {
		var body struct {
			AchievementIDs []string `json:"achievement_ids"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
		n, err := svc.Achievements.MarkSeen(c.UserContext(), middleware.UserID(c), body.AchievementIDs)
		if err != nil {
			return sendError(c, "failed to mark achievements seen", err)
		}
		return c.JSON(fiber.Map{"updated": n})
	})

	r.Get("/leaderboard", func(c *fiber.Ctx) error {
		entries, err := svc.Progression.Leaderboard(c.UserContext(), c.QueryInt("limit", 10), middleware.UserID(c))
		if err != nil {
			return sendError(c, "failed to load leaderboard", err)
		}
		return c.JSON(fiber.Map{"leaderboard": entries})
	})

	// 🎮 finance hook: one recorded transaction is worth a fixed activity award
	r.Post("/activity", func(c *fiber.Ctx) error {
		var body struct {
			ActivityID string `json:"activity_id"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
		body.ActivityID = strings.TrimSpace(body.ActivityID)
		if body.ActivityID == "" {
			return badRequest(c, "activity_id is required")
		}
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		result, err := svc.Progression.RecordActivity(c.UserContext(), biz.ID, middleware.UserID(c), body.ActivityID)
		if err != nil {
			return sendError(c, "failed to record activity", err)
		}
		return c.JSON(result)
	})
}

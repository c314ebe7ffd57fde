// handlers/admin_routes.go
package handlers

import (
	"path/filepath"
	"strings"

	"progression-engine/models"
	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

var allowedIconExt = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".svg":  true,
}

func SetupAdminRoutes(r fiber.Router, svc Services) {
	// Levels
	r.Get("/levels", func(c *fiber.Ctx) error {
		levels, err := svc.Catalog.ListLevels(c.UserContext())
		if err != nil {
			return sendError(c, "failed to list levels", err)
		}
		return c.JSON(fiber.Map{"levels": levels})
	})
	r.Post("/levels", func(c *fiber.Ctx) error {
		var in services.LevelInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid request body")
		}
		lvl, err := svc.Catalog.CreateLevel(c.UserContext(), in)
		if err != nil {
			return sendError(c, "failed to create level", err)
		}
		return c.Status(fiber.StatusCreated).JSON(lvl)
	})
	r.Put("/levels/:id", func(c *fiber.Ctx) error {
		var in services.LevelInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid request body")
		}
		lvl, err := svc.Catalog.UpdateLevel(c.UserContext(), c.Params("id"), in)
		if err != nil {
			return sendError(c, "failed to update level", err)
		}
		return c.JSON(lvl)
	})
	r.Delete("/levels/:id", func(c *fiber.Ctx) error {
		if err := svc.Catalog.DeleteLevel(c.UserContext(), c.Params("id")); err != nil {
			return sendError(c, "failed to delete level", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	r.Post("/levels/reconcile", func(c *fiber.Ctx) error {
		moved, err := svc.Progression.ReconcileLevels(c.UserContext())
		if err != nil {
			return sendError(c, "failed to reconcile levels", err)
		}
		return c.JSON(fiber.Map{"reconciled": moved})
	})

	// Achievements
	r.Get("/achievements", func(c *fiber.Ctx) error {
		all, err := svc.Catalog.ListAchievements(c.UserContext())
		if err != nil {
			return sendError(c, "failed to list achievements", err)
		}
		return c.JSON(fiber.Map{"achievements": all})
	})
	r.Post("/achievements", func(c *fiber.Ctx) error {
		var in services.AchievementInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid request body")
		}
		a, err := svc.Catalog.CreateAchievement(c.UserContext(), in)
		if err != nil {
			return sendError(c, "failed to create achievement", err)
		}
		return c.Status(fiber.StatusCreated).JSON(a)
	})
	r.Put("/achievements/:id", func(c *fiber.Ctx) error {
		var in services.AchievementInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid request body")
		}
		a, err := svc.Catalog.UpdateAchievement(c.UserContext(), c.Params("id"), in)
		if err != nil {
			return sendError(c, "failed to update achievement", err)
		}
		return c.JSON(a)
	})
	r.Delete("/achievements/:id", func(c *fiber.Ctx) error {
		if err := svc.Catalog.DeleteAchievement(c.UserContext(), c.Params("id")); err != nil {
			return sendError(c, "failed to delete achievement", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	r.Post("/achievements/:id/icon", func(c *fiber.Ctx) error {
		fh, err := c.FormFile("icon")
		if err != nil {
			return badRequest(c, "icon file is required")
		}
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if !allowedIconExt[ext] {
			return badRequest(c, "unsupported icon type")
		}
		id := c.Params("id")
		url, err := svc.Icons.Save(c.UserContext(), fh, "badges/"+id+ext)
		if err != nil {
			return sendError(c, "failed to store icon", err)
		}
		a, err := svc.Catalog.SetAchievementIcon(c.UserContext(), id, url)
		if err != nil {
			return sendError(c, "failed to update achievement", err)
		}
		return c.JSON(a)
	})

	// Points
	r.Post("/points/grant", func(c *fiber.Ctx) error {
		var body struct {
			BusinessID     string `json:"business_id"`
			Points         int64  `json:"points"`
			Reason         string `json:"reason"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
		reason := body.Reason
		if reason == "" {
			reason = "admin_grant"
		}
		result, err := svc.Progression.Award(c.UserContext(), services.AwardInput{
			BusinessID:     body.BusinessID,
			Points:         body.Points,
			Source:         models.PointSourceAdmin,
			Reason:         reason,
			IdempotencyKey: body.IdempotencyKey,
		})
		if err != nil {
			return sendError(c, "failed to grant points", err)
		}
		return c.JSON(result)
	})
}

// handlers/business_routes.go
package handlers

import (
	"progression-engine/middleware"
	"progression-engine/models"
	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupBusinessRoutes(r fiber.Router, svc Services) {
	r.Get("/business", func(c *fiber.Ctx) error {
		biz, err := svc.Businesses.GetByOwner(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		return c.JSON(biz)
	})

	r.Post("/business", func(c *fiber.Ctx) error {
		var in services.CreateBusinessInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid request body")
		}
		// the owner always comes from the gateway, never from the body
		in.OwnerUserID = middleware.UserID(c)
		biz, req, err := svc.Businesses.Create(c.UserContext(), in)
		if err != nil {
			return sendError(c, "failed to create business", err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"business":      biz,
			"replenishment": req,
		})
	})

	r.Patch("/business", func(c *fiber.Ctx) error {
		var in services.UpdateBusinessInput
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "invalid request body")
		}
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		updated, err := svc.Businesses.Update(c.UserContext(), biz.ID, in)
		if err != nil {
			return sendError(c, "failed to update business", err)
		}
		return c.JSON(updated)
	})

	r.Patch("/business/context", func(c *fiber.Ctx) error {
		var kv map[string]any
		if err := c.BodyParser(&kv); err != nil {
			return badRequest(c, "invalid request body")
		}
		biz, err := currentBusiness(c, svc)
		if err != nil {
			return sendError(c, "failed to load business", err)
		}
		updated, err := svc.Businesses.MergeContext(c.UserContext(), biz.ID, kv)
		if err != nil {
			return sendError(c, "failed to update context", err)
		}
		return c.JSON(updated)
	})
}

// currentBusiness resolves the business owned by the gateway-authenticated user.
func currentBusiness(c *fiber.Ctx, svc Services) (*models.Business, error) {
	return svc.Businesses.GetByOwner(c.UserContext(), middleware.UserID(c))
}

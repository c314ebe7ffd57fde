package handlers

import (
	"progression-engine/middleware"
	"progression-engine/services"
	"progression-engine/utils"

	"github.com/gofiber/fiber/v2"
)

// Services bundles what the route handlers call into.
type Services struct {
	Businesses   *services.BusinessService
	Milestones   *services.MilestoneService
	Progression  *services.ProgressionService
	Achievements *services.AchievementService
	Replenish    *services.ReplenishService
	Catalog      *services.CatalogService
	Icons        utils.IconStore
}

// SetupRoutes registers every route group. Gateway auth is applied globally by the caller.
func SetupRoutes(app *fiber.App, svc Services) {
	secured := app.Group("/s", middleware.UserContextMiddleware())
	SetupBusinessRoutes(secured, svc)
	SetupMilestoneRoutes(secured, svc)
	SetupProgressionRoutes(secured, svc)

	admin := secured.Group("/admin", middleware.RequireRole("admin"))
	SetupAdminRoutes(admin, svc)

	internal := app.Group("/internal")
	SetupInternalRoutes(internal, svc)
}

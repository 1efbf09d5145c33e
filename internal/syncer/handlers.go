package syncer

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the on-demand sync trigger.
func RegisterRoutes(r fiber.Router, engine *Engine, authMiddleware fiber.Handler) {
	r.Post("/run", authMiddleware, func(c *fiber.Ctx) error {
		if err := engine.Sync(c.Context()); err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(fiber.Map{"synced": true})
	})
}

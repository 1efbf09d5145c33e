package reconcile

import (
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"

	"github.com/gofiber/fiber/v2"
)

type runRequest struct {
	DeviceTime *time.Time `json:"device_time"`
}

// RegisterRoutes mounts the on-demand sweep, typically hit on app resume.
func RegisterRoutes(r fiber.Router, rec *Reconciler, authMiddleware fiber.Handler) {
	r.Post("/run", authMiddleware, func(c *fiber.Ctx) error {
		var req runRequest
		_ = c.BodyParser(&req)

		owner := ownerID(c)
		now := time.Now()
		if req.DeviceTime != nil {
			rec.CheckClock(c.Context(), owner, *req.DeviceTime, now)
		}

		flagged, err := rec.SweepOwner(c.Context(), owner, now)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"flagged": flagged})
	})
}

// RegisterSessionRoutes mounts apply-suggestion under the sessions group.
func RegisterSessionRoutes(r fiber.Router, rec *Reconciler, authMiddleware fiber.Handler) {
	r.Post("/:id/apply-suggestion", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := rec.ApplySuggestion(c.Context(), ownerID(c), c.Params("id"))
		if err != nil {
			if apperror.IsValidation(err) {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(sess)
	})
}

func ownerID(c *fiber.Ctx) string {
	if v, ok := c.Locals("user_id").(string); ok {
		return v
	}
	return ""
}

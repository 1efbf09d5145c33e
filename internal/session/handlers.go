package session

import (
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/location"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// RegisterRoutes exposes the session operations. The voice/AI interpreter
// calls these same endpoints; it gets no privileged path around the
// invariants.
func RegisterRoutes(r fiber.Router, svc *Service, locs *location.Service, authMiddleware fiber.Handler) {
	r.Get("/current", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := svc.Current(c.Context(), ownerID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if sess == nil {
			return c.JSON(fiber.Map{"open": false})
		}
		return c.JSON(fiber.Map{"open": true, "session": Compute(*sess, time.Now())})
	})

	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		to := time.Now()
		from := to.AddDate(0, -1, 0)
		if v := c.Query("from"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "from must be RFC3339")
			}
			from = parsed
		}
		if v := c.Query("to"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "to must be RFC3339")
			}
			to = parsed
		}
		sessions, err := svc.Range(c.Context(), ownerID(c), from, to)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(sessions)
	})

	r.Post("/start", authMiddleware, func(c *fiber.Ctx) error {
		var body struct {
			LocationID string `json:"location_id"`
		}
		if err := c.BodyParser(&body); err != nil || body.LocationID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "location_id required")
		}
		loc, err := locs.Get(c.Context(), ownerID(c), body.LocationID)
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "location not found")
		}
		sess, err := svc.Start(c.Context(), loc)
		if err != nil {
			return statusFor(err)
		}
		return c.Status(fiber.StatusCreated).JSON(sess)
	})

	r.Post("/stop", authMiddleware, func(c *fiber.Ctx) error {
		var body struct {
			At time.Time `json:"at"`
		}
		_ = c.BodyParser(&body)
		sess, err := svc.Stop(c.Context(), ownerID(c), body.At)
		if err != nil {
			return statusFor(err)
		}
		return c.JSON(Compute(sess, time.Now()))
	})

	r.Post("/pause", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.Pause(c.Context(), ownerID(c)); err != nil {
			return statusFor(err)
		}
		return c.JSON(fiber.Map{"paused": true})
	})

	r.Post("/resume", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.Resume(c.Context(), ownerID(c)); err != nil {
			return statusFor(err)
		}
		return c.JSON(fiber.Map{"paused": false})
	})

	r.Post("/manual", authMiddleware, func(c *fiber.Ctx) error {
		var req ManualRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": apperror.CustomValidationError(err)})
		}
		loc, err := locs.Get(c.Context(), ownerID(c), req.LocationID)
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "location not found")
		}
		sess, err := svc.CreateManual(c.Context(), loc, req)
		if err != nil {
			return statusFor(err)
		}
		return c.Status(fiber.StatusCreated).JSON(sess)
	})

	r.Put("/:id", authMiddleware, func(c *fiber.Ctx) error {
		var req EditRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": apperror.CustomValidationError(err)})
		}
		sess, err := svc.Edit(c.Context(), ownerID(c), c.Params("id"), req)
		if err != nil {
			return statusFor(err)
		}
		return c.JSON(sess)
	})

	r.Delete("/:id", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.Delete(c.Context(), ownerID(c), c.Params("id")); err != nil {
			return statusFor(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func statusFor(err error) error {
	if apperror.IsValidation(err) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}

func ownerID(c *fiber.Ctx) string {
	if v, ok := c.Locals("user_id").(string); ok {
		return v
	}
	return ""
}

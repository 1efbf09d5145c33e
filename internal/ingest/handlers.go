package ingest

import (
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/telemetry"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

func RegisterRoutes(r fiber.Router, loop *Loop, tel *telemetry.Service, authMiddleware fiber.Handler) {
	r.Post("/geofence", authMiddleware, func(c *fiber.Ctx) error {
		var ev GeofenceEvent
		if err := c.BodyParser(&ev); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(ev); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": apperror.CustomValidationError(err)})
		}
		owner := ownerID(c)
		if ev.At.IsZero() {
			ev.At = time.Now()
		}

		// Raw fix audit and the trigger counter are best-effort; the queue
		// decision is what the device needs to know.
		regionID := ev.RegionID
		_, _ = tel.RecordGeopoint(c.Context(), telemetry.Geopoint{
			OwnerID:     owner,
			Lat:         ev.Lat,
			Lng:         ev.Lng,
			AccuracyM:   ev.AccuracyM,
			Source:      telemetry.SourceGeofence,
			InsideFence: ev.Kind == "enter",
			LocationID:  &regionID,
			RecordedAt:  ev.At,
		})
		_ = tel.Bump(c.Context(), owner, ev.At, telemetry.HeartbeatRequest{GeofenceTrigger: true, AccuracyM: ev.AccuracyM})

		if !loop.Enqueue(owner, ev) {
			return fiber.NewError(fiber.StatusServiceUnavailable, "event queue full")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true})
	})

	r.Post("/geopoint", authMiddleware, func(c *fiber.Ctx) error {
		var gp telemetry.Geopoint
		if err := c.BodyParser(&gp); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		gp.OwnerID = ownerID(c)
		if gp.Source == "" {
			gp.Source = telemetry.SourcePolling
		}
		saved, err := tel.RecordGeopoint(c.Context(), gp)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(saved)
	})

	r.Post("/heartbeat", authMiddleware, func(c *fiber.Ctx) error {
		var req telemetry.HeartbeatRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": apperror.CustomValidationError(err)})
		}
		if err := tel.Bump(c.Context(), ownerID(c), time.Now(), req); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func ownerID(c *fiber.Ctx) string {
	if v, ok := c.Locals("user_id").(string); ok {
		return v
	}
	return ""
}

package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pwa-cache/internal/notify"
	"github.com/any-hub/pwa-cache/internal/server"
	"github.com/any-hub/pwa-cache/internal/worker"
)

// RegisterLifecycleRoutes 暴露宿主侧的事件入口：install/activate、sync、push 与通知点击。
func RegisterLifecycleRoutes(app *fiber.App, host *server.Host) {
	if app == nil || host == nil {
		return
	}

	app.Post("/-/lifecycle/install", func(c fiber.Ctx) error {
		ctrl := host.Current()
		report, err := ctrl.Install(server.RequestContext(c))
		if err != nil {
			return lifecycleError(c, err, "install_failed")
		}
		return c.JSON(fiber.Map{
			"version": report.Version,
			"stored":  report.Stored,
			"failed":  report.Failed,
			"state":   ctrl.State(),
		})
	})

	app.Post("/-/lifecycle/activate", func(c fiber.Ctx) error {
		ctrl := host.Current()
		removed, err := ctrl.Activate(server.RequestContext(c))
		var transitionErr worker.ErrInvalidTransition
		if errors.As(err, &transitionErr) {
			return lifecycleError(c, err, "activate_failed")
		}
		payload := fiber.Map{
			"version": ctrl.Version(),
			"removed": removed,
			"state":   ctrl.State(),
		}
		if err != nil {
			payload["error"] = "prune_incomplete"
			payload["detail"] = err.Error()
			return c.Status(fiber.StatusInternalServerError).JSON(payload)
		}
		return c.JSON(payload)
	})

	app.Post("/-/sync", func(c fiber.Ctx) error {
		var body struct {
			Tag string `json:"tag"`
		}
		if err := decodeBody(c, &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		if strings.TrimSpace(body.Tag) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sync_tag_required"})
		}
		ran, err := host.Current().Sync(server.RequestContext(c), body.Tag)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		return c.JSON(fiber.Map{"tag": body.Tag, "ran": ran})
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		payload := append([]byte(nil), c.Body()...)
		id, err := host.Current().Push(server.RequestContext(c), payload)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "push_failed"})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
	})

	app.Post("/-/notifications/:id/click", func(c fiber.Ctx) error {
		var body struct {
			Action string `json:"action"`
		}
		if err := decodeBody(c, &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		opened, err := host.Current().NotificationClick(server.RequestContext(c), c.Params("id"), body.Action)
		if errors.Is(err, notify.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "notification_click_failed"})
		}
		return c.JSON(fiber.Map{"opened": opened})
	})
}

// decodeBody 允许空请求体，此时保持零值。
func decodeBody(c fiber.Ctx, dst interface{}) error {
	raw := c.Body()
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func lifecycleError(c fiber.Ctx, err error, code string) error {
	var transitionErr worker.ErrInvalidTransition
	if errors.As(err, &transitionErr) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "invalid_transition",
			"from":  transitionErr.From,
			"to":    transitionErr.To,
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code, "detail": err.Error()})
}

package routes

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pwa-cache/internal/cache"
	"github.com/any-hub/pwa-cache/internal/notify"
	"github.com/any-hub/pwa-cache/internal/server"
	"github.com/any-hub/pwa-cache/internal/version"
)

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/caches 以及通知/窗口快照，供排查离线行为。
func RegisterDiagnosticsRoutes(app *fiber.App, host *server.Host, center *notify.Center) {
	if app == nil || host == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		ctrl := host.Current()
		return c.JSON(fiber.Map{
			"version":       version.Full(),
			"cache_version": ctrl.Version(),
			"state":         ctrl.State(),
			"scope":         ctrl.Scope().String(),
			"write_mode":    ctrl.WriteMode(),
		})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		ctrl := host.Current()
		buckets, err := encodeBuckets(server.RequestContext(c), ctrl.Storage(), ctrl.Version())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(fiber.Map{"caches": buckets})
	})

	if center == nil {
		return
	}

	app.Get("/-/notifications", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"notifications": center.List()})
	})

	app.Get("/-/windows", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"windows": center.Windows()})
	})
}

type bucketPayload struct {
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Size      string `json:"size"`
}

func encodeBuckets(ctx context.Context, storage cache.Storage, active string) ([]bucketPayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]bucketPayload, 0, len(names))
	for _, name := range names {
		// 列举与读取之间桶可能已被 activate 删除，跳过即可。
		bucket, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrBucketNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stats, err := cache.BucketStats(ctx, bucket)
		if err != nil {
			return nil, err
		}
		result = append(result, bucketPayload{
			Name:      name,
			Active:    name == active,
			Entries:   stats.Entries,
			SizeBytes: stats.SizeBytes,
			Size:      humanize.Bytes(uint64(stats.SizeBytes)),
		})
	}
	return result, nil
}

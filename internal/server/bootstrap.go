package server

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-cache/internal/cache"
	"github.com/any-hub/pwa-cache/internal/config"
	"github.com/any-hub/pwa-cache/internal/fetch"
	"github.com/any-hub/pwa-cache/internal/notify"
	"github.com/any-hub/pwa-cache/internal/worker"
)

// NewController 根据配置构建控制器；fetcher 的 scope 与 Worker.Origin 一致，
// 通知与窗口都交给同一个 notify.Center。
func NewController(cfg *config.Config, storage cache.Storage, center *notify.Center, logger *logrus.Logger) (*worker.Controller, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	opts, err := worker.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := fetch.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue())
	deps := worker.Dependencies{
		Storage: storage,
		Fetcher: fetch.NewHTTPFetcher(client, opts.Scope),
		Logger:  logger,
	}
	if center != nil {
		deps.Notifier = center
		deps.Opener = center
	}
	return worker.New(opts, deps)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/pwa-cache/internal/cache"
	"github.com/any-hub/pwa-cache/internal/fetch"
	"github.com/any-hub/pwa-cache/internal/logging"
)

// InstallReport 记录预缓存结果，Stored 与 Failed 均保持资源清单顺序。
type InstallReport struct {
	Version string         `json:"version"`
	Stored  []string       `json:"stored"`
	Failed  []AssetFailure `json:"failed,omitempty"`
}

// AssetFailure 描述单个资源预缓存失败的原因。
type AssetFailure struct {
	Asset string `json:"asset"`
	Error string `json:"error"`
}

// Install 打开当前版本的缓存桶并逐个写入预缓存资源。
// 单个资源失败只记录日志，不会让安装失败；仅在缓存桶无法打开时返回错误。
func (c *Controller) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Version: c.opts.Version}

	c.mu.Lock()
	previous := c.state
	if err := c.transition(StateInstalling); err != nil {
		c.mu.Unlock()
		return report, err
	}
	c.mu.Unlock()
	c.logLifecycle("install_start")

	bucket, err := c.activeBucket(ctx)
	if err != nil {
		// 回到安装前的状态，宿主可以再次触发 install。
		c.mu.Lock()
		if c.state == StateInstalling {
			c.state = previous
		}
		c.mu.Unlock()
		c.logger.WithFields(logging.LifecycleFields("install_failed", c.opts.Version)).
			WithError(err).Error("open cache bucket failed")
		return report, fmt.Errorf("open cache %s: %w", c.opts.Version, err)
	}

	results := make([]error, len(c.opts.Precache))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.PrecacheConcurrency)
	for i, asset := range c.opts.Precache {
		group.Go(func() error {
			results[i] = c.precacheAsset(groupCtx, bucket, asset)
			return nil
		})
	}
	_ = group.Wait()

	for i, asset := range c.opts.Precache {
		if results[i] == nil {
			report.Stored = append(report.Stored, asset)
			continue
		}
		report.Failed = append(report.Failed, AssetFailure{Asset: asset, Error: results[i].Error()})
		c.logger.WithFields(logging.LifecycleFields("precache_failed", c.opts.Version)).
			WithField("asset", asset).
			WithError(results[i]).
			Warn("precache asset failed")
	}

	c.mu.Lock()
	if c.state == StateInstalling {
		c.state = StateInstalled
	}
	c.mu.Unlock()

	c.logger.WithFields(logging.LifecycleFields("install_complete", c.opts.Version)).
		WithFields(logrus.Fields{"stored": len(report.Stored), "failed": len(report.Failed)}).
		Info("precache finished")
	return report, nil
}

func (c *Controller) precacheAsset(ctx context.Context, bucket cache.Bucket, asset string) error {
	target, err := c.Resolve(asset)
	if err != nil {
		return err
	}
	req, err := fetch.NewRequest(http.MethodGet, target.String())
	if err != nil {
		return err
	}
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return bucket.Put(ctx, req, resp)
}

// Activate 删除所有名称不等于当前版本的缓存桶，删除不可恢复。
// 即使部分删除失败，控制器仍进入 active，失败合并后返回。
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if err := c.transition(StateActivating); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	c.logLifecycle("activate_start")

	defer func() {
		c.mu.Lock()
		if c.state == StateActivating {
			c.state = StateActive
		}
		c.mu.Unlock()
		c.logLifecycle("activate_complete")
	}()

	names, err := c.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var stale []string
	for _, name := range names {
		if name != c.opts.Version {
			stale = append(stale, name)
		}
	}

	deleted := make([]bool, len(stale))
	errs := make([]error, len(stale))
	var group errgroup.Group
	for i, name := range stale {
		group.Go(func() error {
			ok, err := c.storage.Delete(ctx, name)
			if err != nil {
				errs[i] = fmt.Errorf("delete cache %s: %w", name, err)
				return nil
			}
			deleted[i] = ok
			return nil
		})
	}
	_ = group.Wait()

	var removed []string
	for i, name := range stale {
		if errs[i] != nil {
			c.logger.WithFields(logging.LifecycleFields("prune_failed", c.opts.Version)).
				WithField("bucket", name).WithError(errs[i]).Warn("delete stale cache failed")
			continue
		}
		if deleted[i] {
			removed = append(removed, name)
			c.logger.WithFields(logging.LifecycleFields("prune", c.opts.Version)).
				WithField("bucket", name).Info("deleted stale cache")
		}
	}
	sort.Strings(removed)
	return removed, errors.Join(errs...)
}

// Start 依次执行 install 与 activate，新版本安装后立即接管（skipWaiting）。
func (c *Controller) Start(ctx context.Context) (InstallReport, error) {
	report, err := c.Install(ctx)
	if err != nil {
		return report, err
	}
	if _, err := c.Activate(ctx); err != nil {
		c.logger.WithFields(logging.LifecycleFields("activate_partial", c.opts.Version)).
			WithError(err).Warn("activate finished with errors")
	}
	return report, nil
}

func (c *Controller) logLifecycle(event string) {
	c.logger.WithFields(logging.LifecycleFields(event, c.opts.Version)).Info("lifecycle")
}

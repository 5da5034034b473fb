package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PrecacheConcurrency <= 0 {
		return newFieldError("Global.PrecacheConcurrency", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w *WorkerConfig) validate() error {
	if err := validateCacheVersion(w.CacheVersion); err != nil {
		return fmt.Errorf("Worker.CacheVersion: %w", err)
	}
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	if strings.TrimSpace(w.AppShell) == "" {
		return newFieldError("Worker.AppShell", "不能为空")
	}
	for i, asset := range w.Precache {
		if err := validateAsset(asset); err != nil {
			return fmt.Errorf("%s: %w", indexedField("Worker.Precache", i), err)
		}
	}
	if strings.TrimSpace(w.SyncTag) == "" {
		return newFieldError("Worker.SyncTag", "不能为空")
	}
	switch w.WriteMode {
	case WriteModeDetached, WriteModeAwait:
	default:
		return newFieldError("Worker.WriteMode", "仅支持 detached/await")
	}

	n := w.Notification
	if strings.TrimSpace(n.Title) == "" {
		return newFieldError("Worker.Notification.Title", "不能为空")
	}
	for _, ms := range n.Vibrate {
		if ms < 0 {
			return newFieldError("Worker.Notification.Vibrate", "不能包含负数")
		}
	}
	seen := map[string]struct{}{}
	for i, action := range n.Actions {
		key := strings.TrimSpace(action.Action)
		if key == "" {
			return newFieldError(indexedField("Worker.Notification.Action", i), "Action 不能为空")
		}
		if _, exists := seen[key]; exists {
			return newFieldError(indexedField("Worker.Notification.Action", i), "重复")
		}
		seen[key] = struct{}{}
	}
	return nil
}

func validateCacheVersion(version string) error {
	if version == "" {
		return errors.New("不能为空")
	}
	if version == "." || version == ".." {
		return errors.New("不允许使用 . 或 ..")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少站点地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，站点: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("站点缺少 Host: %s", raw)
	}
	return nil
}

func validateAsset(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("资源路径不能为空")
	}
	if _, err := url.Parse(raw); err != nil {
		return err
	}
	return nil
}

package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectRootLevelWorkerKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("PrecacheConcurrency", 4)

	v.SetDefault("Worker.CacheVersion", "todo-app-v1.3")
	v.SetDefault("Worker.AppShell", "./index-pwa.html")
	v.SetDefault("Worker.SyncTag", "background-sync")
	v.SetDefault("Worker.WriteMode", WriteModeDetached)
	v.SetDefault("Worker.Notification.Title", "待辦事項清單")
	v.SetDefault("Worker.Notification.DefaultBody", "您有新的待辦事項提醒！")
	v.SetDefault("Worker.Notification.Icon", "./icons/icon-192x192.png")
	v.SetDefault("Worker.Notification.Badge", "./icons/icon-72x72.png")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.StorageDriver) == "" {
		g.StorageDriver = StorageDriverFS
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.PrecacheConcurrency == 0 {
		g.PrecacheConcurrency = 4
	}
}

// applyWorkerDefaults 仅在列表缺省时填充，显式配置的空字符串交由 Validate 处理。
func applyWorkerDefaults(w *WorkerConfig) {
	w.CacheVersion = strings.TrimSpace(w.CacheVersion)
	if len(w.Precache) == 0 {
		w.Precache = DefaultPrecache()
	}
	if w.WriteMode == "" {
		w.WriteMode = WriteModeDetached
	}
	w.WriteMode = strings.ToLower(strings.TrimSpace(w.WriteMode))
	if len(w.Notification.Vibrate) == 0 {
		w.Notification.Vibrate = []int{100, 50, 100}
	}
	if len(w.Notification.Actions) == 0 {
		w.Notification.Actions = DefaultNotificationActions()
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectRootLevelWorkerKeys 拦截写在顶层的 Worker 字段，避免它们被静默忽略。
func rejectRootLevelWorkerKeys(v *viper.Viper) error {
	for _, key := range []string{"CacheVersion", "Origin", "Precache", "AppShell"} {
		if v.InConfig(key) {
			return newFieldError(key, "必须写在 [Worker] 段内")
		}
	}
	return nil
}

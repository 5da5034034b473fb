package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储驱动与写入模式的可选值。
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"

	WriteModeDetached = "detached"
	WriteModeAwait    = "await"
)

// GlobalConfig 描述进程级行为：监听端口、日志、缓存落盘位置与上游超时。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	StorageDriver       string   `mapstructure:"StorageDriver"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	PrecacheConcurrency int      `mapstructure:"PrecacheConcurrency"`
}

// NotificationAction 对应通知上的一个操作按钮。
type NotificationAction struct {
	Action string `mapstructure:"Action"`
	Title  string `mapstructure:"Title"`
	Icon   string `mapstructure:"Icon"`
}

// NotificationConfig 是推送通知的固定模板，只有正文来自推送负载。
type NotificationConfig struct {
	Title       string               `mapstructure:"Title"`
	DefaultBody string               `mapstructure:"DefaultBody"`
	Icon        string               `mapstructure:"Icon"`
	Badge       string               `mapstructure:"Badge"`
	Vibrate     []int                `mapstructure:"Vibrate"`
	Actions     []NotificationAction `mapstructure:"Action"`
}

// WorkerConfig 描述离线缓存控制器：版本化的缓存桶、预缓存清单与应用外壳文档。
type WorkerConfig struct {
	// CacheVersion 同时是缓存桶名称，变更后旧桶会在激活阶段被删除。
	CacheVersion string `mapstructure:"CacheVersion"`
	// Origin 是被代理的 PWA 站点根地址，也是相对资源的解析基准。
	Origin       string             `mapstructure:"Origin"`
	AppShell     string             `mapstructure:"AppShell"`
	Precache     []string           `mapstructure:"Precache"`
	SyncTag      string             `mapstructure:"SyncTag"`
	WriteMode    string             `mapstructure:"WriteMode"`
	Notification NotificationConfig `mapstructure:"Notification"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// DefaultPrecache 是 to-do 应用构建时已知的静态资源清单。
func DefaultPrecache() []string {
	return []string{
		"./",
		"./index-pwa.html",
		"./styles.css",
		"./manifest.json",
		"./icons/icon-72x72.png",
		"./icons/icon-96x96.png",
		"./icons/icon-128x128.png",
		"./icons/icon-144x144.png",
		"./icons/icon-152x152.png",
		"./icons/icon-192x192.png",
		"./icons/icon-384x384.png",
		"./icons/icon-512x512.png",
	}
}

// DefaultNotificationActions 返回 explore/close 两个默认按钮。
func DefaultNotificationActions() []NotificationAction {
	return []NotificationAction{
		{Action: "explore", Title: "查看待辦事項", Icon: "./icons/icon-96x96.png"},
		{Action: "close", Title: "關閉", Icon: "./icons/icon-96x96.png"},
	}
}

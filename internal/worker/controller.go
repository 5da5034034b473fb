package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-cache/internal/cache"
	"github.com/any-hub/pwa-cache/internal/config"
	"github.com/any-hub/pwa-cache/internal/fetch"
)

// Notifier 展示与关闭系统通知。
type Notifier interface {
	ShowNotification(ctx context.Context, title string, opts NotificationOptions) (string, error)
	CloseNotification(ctx context.Context, id string) error
}

// WindowOpener 在客户端打开一个窗口。
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// NotificationAction 是通知上的一个按钮。
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationData 随通知携带的附加数据。
type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int   `json:"primaryKey"`
}

// NotificationOptions 对应平台 showNotification 的 options。
type NotificationOptions struct {
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

// NotificationTemplate 是推送通知的固定部分。
type NotificationTemplate struct {
	Title       string
	DefaultBody string
	Icon        string
	Badge       string
	Vibrate     []int
	Actions     []NotificationAction
}

// Options 是控制器的显式配置，替代全局缓存名常量，便于测试使用独立桶名。
type Options struct {
	Version             string
	Scope               *url.URL
	Precache            []string
	AppShell            string
	SyncTag             string
	WriteMode           cache.WriteMode
	PrecacheConcurrency int
	Notification        NotificationTemplate
}

// Dependencies 汇总外部协作者。
type Dependencies struct {
	Storage  cache.Storage
	Fetcher  fetch.Fetcher
	Notifier Notifier
	Opener   WindowOpener
	Logger   *logrus.Logger
}

// Controller 是离线缓存控制器，每个实例只管理一个版本的缓存桶。
type Controller struct {
	opts     Options
	storage  cache.Storage
	fetcher  fetch.Fetcher
	notifier Notifier
	opener   WindowOpener
	logger   *logrus.Logger
	writer   *cache.Writer
	now      func() time.Time

	mu     sync.RWMutex
	state  LifecycleState
	bucket cache.Bucket
}

// New 校验配置与依赖并构造控制器，初始状态为 uninstalled。
func New(opts Options, deps Dependencies) (*Controller, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("cache version is required")
	}
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, errors.New("absolute scope url is required")
	}
	if strings.TrimSpace(opts.AppShell) == "" {
		return nil, errors.New("app shell document is required")
	}
	if deps.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.PrecacheConcurrency <= 0 {
		opts.PrecacheConcurrency = 4
	}
	if opts.SyncTag == "" {
		opts.SyncTag = "background-sync"
	}
	opts.Precache = append([]string(nil), opts.Precache...)

	c := &Controller{
		opts:     opts,
		storage:  deps.Storage,
		fetcher:  deps.Fetcher,
		notifier: deps.Notifier,
		opener:   deps.Opener,
		logger:   deps.Logger,
		now:      time.Now,
		state:    StateUninstalled,
	}
	c.writer = cache.NewWriter(opts.WriteMode, c.logWriteFailure)
	return c, nil
}

// OptionsFromConfig 把 Worker 配置段转换为控制器 Options。
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, errors.New("config is nil")
	}
	w := cfg.Worker
	scope, err := url.Parse(w.Origin)
	if err != nil {
		return Options{}, fmt.Errorf("invalid origin: %w", err)
	}

	actions := make([]NotificationAction, 0, len(w.Notification.Actions))
	for _, a := range w.Notification.Actions {
		actions = append(actions, NotificationAction{Action: a.Action, Title: a.Title, Icon: a.Icon})
	}

	return Options{
		Version:             w.CacheVersion,
		Scope:               scope,
		Precache:            append([]string(nil), w.Precache...),
		AppShell:            w.AppShell,
		SyncTag:             w.SyncTag,
		WriteMode:           cache.WriteMode(w.WriteMode),
		PrecacheConcurrency: cfg.Global.PrecacheConcurrency,
		Notification: NotificationTemplate{
			Title:       w.Notification.Title,
			DefaultBody: w.Notification.DefaultBody,
			Icon:        w.Notification.Icon,
			Badge:       w.Notification.Badge,
			Vibrate:     append([]int(nil), w.Notification.Vibrate...),
			Actions:     actions,
		},
	}, nil
}

// Version 返回缓存桶名称。
func (c *Controller) Version() string {
	return c.opts.Version
}

// Scope 返回控制器的作用域根地址。
func (c *Controller) Scope() *url.URL {
	u := *c.opts.Scope
	return &u
}

// Storage 返回底层缓存存储，供诊断接口读取。
func (c *Controller) Storage() cache.Storage {
	return c.storage
}

// WriteMode 返回拦截路径上的缓存写入模式。
func (c *Controller) WriteMode() cache.WriteMode {
	return c.writer.Mode()
}

// Wait 等待所有后台缓存写入结束。
func (c *Controller) Wait() {
	c.writer.Wait()
}

// Resolve 以 scope 为基准解析相对资源地址。
func (c *Controller) Resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	return c.opts.Scope.ResolveReference(parsed), nil
}

// AppShellURL 返回应用外壳文档的绝对地址。
func (c *Controller) AppShellURL() string {
	u, err := c.Resolve(c.opts.AppShell)
	if err != nil {
		return c.opts.AppShell
	}
	return u.String()
}

// activeBucket 打开（必要时创建）当前版本的缓存桶，结果被复用。
func (c *Controller) activeBucket(ctx context.Context) (cache.Bucket, error) {
	c.mu.RLock()
	bucket := c.bucket
	c.mu.RUnlock()
	if bucket != nil {
		return bucket, nil
	}

	opened, err := c.storage.Open(ctx, c.opts.Version)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bucket == nil {
		c.bucket = opened
	}
	return c.bucket, nil
}

func (c *Controller) logWriteFailure(req *fetch.Request, err error) {
	entry := c.logger.WithError(err).WithFields(logrus.Fields{
		"action":        "cache_put",
		"cache_version": c.opts.Version,
		"url":           req.URL.String(),
		"method":        req.Method,
	})
	if errors.Is(err, cache.ErrMethodNotCacheable) {
		entry.Debug("cache_put_skipped")
		return
	}
	entry.Warn("cache_put_failed")
}

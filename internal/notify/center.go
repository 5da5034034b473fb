// Package notify 在进程内模拟通知中心与客户端窗口，供控制器展示通知并打开页面。
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-cache/internal/worker"
)

// ErrNotFound 表示通知不存在或已关闭。
var ErrNotFound = errors.New("notification not found")

// Notification 是一条处于展示中的通知。
type Notification struct {
	ID      string                     `json:"id"`
	Title   string                     `json:"title"`
	Options worker.NotificationOptions `json:"options"`
	ShownAt time.Time                  `json:"shown_at"`
}

// Window 记录一次 openWindow 调用。
type Window struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	OpenedAt time.Time `json:"opened_at"`
}

// Center 同时实现 worker.Notifier 与 worker.WindowOpener。
type Center struct {
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.RWMutex
	shown   map[string]Notification
	windows []Window
}

var (
	_ worker.Notifier     = (*Center)(nil)
	_ worker.WindowOpener = (*Center)(nil)
)

// NewCenter 构造空的通知中心；logger 为 nil 时不输出日志。
func NewCenter(logger *logrus.Logger) *Center {
	return &Center{
		logger: logger,
		now:    time.Now,
		shown:  make(map[string]Notification),
	}
}

// ShowNotification 记录通知并返回其 ID。
func (c *Center) ShowNotification(ctx context.Context, title string, opts worker.NotificationOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := Notification{
		ID:      uuid.NewString(),
		Title:   title,
		Options: opts,
		ShownAt: c.now(),
	}
	c.mu.Lock()
	c.shown[n.ID] = n
	c.mu.Unlock()

	c.log(logrus.Fields{"action": "notification_show", "notification_id": n.ID, "title": title})
	return n.ID, nil
}

// CloseNotification 关闭通知；重复关闭返回 ErrNotFound。
func (c *Center) CloseNotification(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	_, ok := c.shown[id]
	delete(c.shown, id)
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	c.log(logrus.Fields{"action": "notification_close", "notification_id": id})
	return nil
}

// OpenWindow 记录一个新打开的客户端窗口。
func (c *Center) OpenWindow(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := Window{ID: uuid.NewString(), URL: url, OpenedAt: c.now()}
	c.mu.Lock()
	c.windows = append(c.windows, w)
	c.mu.Unlock()

	c.log(logrus.Fields{"action": "open_window", "window_id": w.ID, "url": url})
	return nil
}

// List 按展示时间返回仍在展示的通知。
func (c *Center) List() []Notification {
	c.mu.RLock()
	out := make([]Notification, 0, len(c.shown))
	for _, n := range c.shown {
		out = append(out, n)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}

// Windows 返回已打开窗口的副本。
func (c *Center) Windows() []Window {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Window(nil), c.windows...)
}

func (c *Center) log(fields logrus.Fields) {
	if c.logger == nil {
		return
	}
	c.logger.WithFields(fields).Info("notify")
}

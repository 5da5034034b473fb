package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/pwa-cache/internal/logging"
)

// ActionExplore 是打开应用的通知按钮。
const ActionExplore = "explore"

// ErrNotifierUnavailable 表示控制器没有配置通知或窗口协作者。
var ErrNotifierUnavailable = errors.New("notifier not configured")

// Sync 处理后台同步事件。只有配置的同步标签会触发（空操作的）后台同步，其余标签被忽略。
// 返回值表示是否执行了同步。
func (c *Controller) Sync(ctx context.Context, tag string) (bool, error) {
	if tag != c.opts.SyncTag {
		c.logger.WithFields(logging.LifecycleFields("sync_ignored", c.opts.Version)).
			WithField("tag", tag).Debug("unknown sync tag")
		return false, nil
	}
	return true, c.backgroundSync(ctx)
}

// backgroundSync 没有实际的延迟任务，只记录完成。
func (c *Controller) backgroundSync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.WithFields(logging.LifecycleFields("sync", c.opts.Version)).
		WithField("tag", c.opts.SyncTag).Info("Background sync completed")
	return nil
}

// Push 展示推送通知并等待展示完成。payload 为空时使用默认正文。
func (c *Controller) Push(ctx context.Context, payload []byte) (string, error) {
	if c.notifier == nil {
		return "", ErrNotifierUnavailable
	}
	opts := c.notificationOptions(payload)
	id, err := c.notifier.ShowNotification(ctx, c.opts.Notification.Title, opts)
	if err != nil {
		return "", fmt.Errorf("show notification: %w", err)
	}
	c.logger.WithFields(logging.LifecycleFields("push", c.opts.Version)).
		WithField("notification_id", id).Info("notification shown")
	return id, nil
}

func (c *Controller) notificationOptions(payload []byte) NotificationOptions {
	tpl := c.opts.Notification
	body := tpl.DefaultBody
	if len(payload) > 0 {
		body = string(payload)
	}
	return NotificationOptions{
		Body:    body,
		Icon:    tpl.Icon,
		Badge:   tpl.Badge,
		Vibrate: append([]int(nil), tpl.Vibrate...),
		Data: NotificationData{
			DateOfArrival: c.now().UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: append([]NotificationAction(nil), tpl.Actions...),
	}
}

// NotificationClick 关闭被点击的通知；explore 按钮会在客户端窗口打开应用外壳。
// 返回值表示是否打开了窗口。
func (c *Controller) NotificationClick(ctx context.Context, id, action string) (bool, error) {
	if c.notifier == nil {
		return false, ErrNotifierUnavailable
	}
	if err := c.notifier.CloseNotification(ctx, id); err != nil {
		return false, fmt.Errorf("close notification: %w", err)
	}

	fields := logging.LifecycleFields("notification_click", c.opts.Version)
	if strings.TrimSpace(action) != ActionExplore {
		c.logger.WithFields(fields).WithField("notification_action", action).Info("notification closed")
		return false, nil
	}

	if c.opener == nil {
		return false, ErrNotifierUnavailable
	}
	target := c.AppShellURL()
	if err := c.opener.OpenWindow(ctx, target); err != nil {
		return false, fmt.Errorf("open window: %w", err)
	}
	c.logger.WithFields(fields).WithField("url", target).Info("client window opened")
	return true, nil
}

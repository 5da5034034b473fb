package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-cache/internal/logging"
	"github.com/any-hub/pwa-cache/internal/worker"
)

// Host 持有当前接管请求的控制器，版本升级时原子替换。
type Host struct {
	current atomic.Pointer[worker.Controller]
	logger  *logrus.Logger

	// replaceMu 保证同一时间只有一个新版本在安装。
	replaceMu sync.Mutex

	// retired 跟踪被替换的控制器尚未完成的后台写入。
	retired sync.WaitGroup
}

// NewHost 以初始控制器构造 Host。
func NewHost(initial *worker.Controller, logger *logrus.Logger) (*Host, error) {
	if initial == nil {
		return nil, errors.New("controller is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	h := &Host{logger: logger}
	h.current.Store(initial)
	return h, nil
}

// Current 返回当前控制器。
func (h *Host) Current() *worker.Controller {
	return h.current.Load()
}

// Swap 安装 next 为当前控制器，并把旧控制器标记为 redundant。
func (h *Host) Swap(next *worker.Controller) *worker.Controller {
	previous := h.current.Swap(next)
	if previous != nil && previous != next {
		previous.Supersede()
		h.retired.Add(1)
		go func() {
			defer h.retired.Done()
			previous.Wait()
		}()
	}
	return previous
}

// Replace 走一遍新版本的完整生命周期：install 完成后立即接管请求，再 activate
// 清理旧缓存桶。install 失败时保持旧控制器不变。
func (h *Host) Replace(ctx context.Context, next *worker.Controller) error {
	if next == nil {
		return errors.New("controller is required")
	}
	h.replaceMu.Lock()
	defer h.replaceMu.Unlock()

	if _, err := next.Install(ctx); err != nil {
		return err
	}
	previous := h.Swap(next)

	if _, err := next.Activate(ctx); err != nil {
		h.logger.WithFields(logging.LifecycleFields("activate_partial", next.Version())).
			WithError(err).Warn("activate finished with errors")
	}

	fields := logging.LifecycleFields("replaced", next.Version())
	if previous != nil {
		fields["previous_version"] = previous.Version()
	}
	h.logger.WithFields(fields).Info("controller replaced")
	return nil
}

// Wait 等待当前控制器以及所有已被替换控制器的后台写入。
func (h *Host) Wait() {
	if ctrl := h.Current(); ctrl != nil {
		ctrl.Wait()
	}
	h.retired.Wait()
}

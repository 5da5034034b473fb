package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-cache/internal/fetch"
	"github.com/any-hub/pwa-cache/internal/logging"
	"github.com/any-hub/pwa-cache/internal/worker"
)

// Interceptor 把 HTTP 请求转换为 fetch 事件交给当前控制器，并把结果写回客户端。
type Interceptor struct {
	host   *Host
	logger *logrus.Logger
}

// NewInterceptor 创建 Interceptor。
func NewInterceptor(host *Host, logger *logrus.Logger) *Interceptor {
	return &Interceptor{host: host, logger: logger}
}

// Handle 处理一次被拦截的请求，控制器内部 panic 会被转换为 500。
func (i *Interceptor) Handle(c fiber.Ctx) (err error) {
	requestID := RequestID(c)
	ctrl := i.host.Current()

	defer func() {
		if r := recover(); r != nil {
			err = i.respondPanic(c, ctrl, r, requestID)
		}
	}()

	started := time.Now()
	req, buildErr := buildFetchRequest(c, ctrl.Scope())
	if buildErr != nil {
		i.logResult(ctrl, nil, requestID, nil, started, buildErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	resp, fetchErr := ctrl.Fetch(RequestContext(c), req)
	i.logResult(ctrl, req, requestID, resp, started, fetchErr)
	if fetchErr != nil {
		setRequestIDHeader(c, requestID)
		c.Set(headerCacheVersion, ctrl.Version())
		if errors.Is(fetchErr, worker.ErrNoResponse) {
			return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "network_unavailable"})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "intercept_failed"})
	}
	return writeFetchResponse(c, resp, ctrl.Version())
}

func (i *Interceptor) respondPanic(c fiber.Ctx, ctrl *worker.Controller, recovered interface{}, requestID string) error {
	fields := logrus.Fields{"action": "fetch", "error": "intercept_panic"}
	if ctrl != nil {
		fields["cache_version"] = ctrl.Version()
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	i.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "intercept_panic"})
}

func (i *Interceptor) logResult(
	ctrl *worker.Controller,
	req *fetch.Request,
	requestID string,
	resp *fetch.Response,
	started time.Time,
	err error,
) {
	var method, target, destination, source string
	if req != nil {
		method, target, destination = req.Method, req.URL.String(), string(req.Destination)
	}
	if resp != nil {
		source = string(resp.Source)
	}
	fields := logging.RequestFields(ctrl.Version(), method, target, destination, source)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if resp != nil {
		fields["status"] = resp.StatusCode
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		i.logger.WithFields(fields).Warn("intercept_failed")
		return
	}
	i.logger.WithFields(fields).Info("intercept_complete")
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

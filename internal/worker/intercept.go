package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-cache/internal/cache"
	"github.com/any-hub/pwa-cache/internal/fetch"
	"github.com/any-hub/pwa-cache/internal/logging"
)

// ErrNoResponse 表示网络失败且没有可用的回退页面，调用方得到的是“空响应”。
var ErrNoResponse = errors.New("no response available")

// Fetch 以缓存优先策略处理一次被拦截的请求：
// 命中直接返回；未命中走网络，成功的同源 200 响应写入缓存；
// 网络失败时导航请求回退到应用外壳文档，其余请求返回 ErrNoResponse。
func (c *Controller) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}

	bucket, err := c.activeBucket(ctx)
	if err != nil {
		c.requestLogger(req, "").WithError(err).Warn("open cache bucket failed")
	}

	if bucket != nil {
		cached, err := bucket.Match(ctx, req)
		switch {
		case err == nil:
			c.requestLogger(req, fetch.SourceCache).Debug("cache hit")
			return cached, nil
		case !errors.Is(err, cache.ErrNotFound):
			c.requestLogger(req, fetch.SourceCache).WithError(err).Warn("cache match failed")
		}
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return c.fallback(ctx, bucket, req, err)
	}
	resp.Source = fetch.SourceNetwork

	if bucket != nil && cacheable(resp) {
		_ = c.writer.Put(ctx, bucket, req.Clone(), resp.Clone())
	}

	c.requestLogger(req, fetch.SourceNetwork).
		WithFields(logrus.Fields{"status": resp.StatusCode, "response_type": resp.Type}).
		Debug("network response")
	return resp, nil
}

// cacheable 只接受同源且状态码恰为 200 的响应。
func cacheable(resp *fetch.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusOK && resp.Type == fetch.TypeBasic
}

func (c *Controller) fallback(ctx context.Context, bucket cache.Bucket, req *fetch.Request, cause error) (*fetch.Response, error) {
	logger := c.requestLogger(req, fetch.SourceFallback).WithError(cause)
	if req.Destination != fetch.DestinationDocument || bucket == nil {
		logger.Warn("network failed without fallback")
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, cause)
	}

	shell, err := fetch.NewRequest(http.MethodGet, c.AppShellURL())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	resp, err := bucket.Match(ctx, shell)
	if err != nil {
		logger.Warn("app shell not cached")
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, cause)
	}
	resp.Source = fetch.SourceFallback
	logger.Info("served app shell fallback")
	return resp, nil
}

func (c *Controller) requestLogger(req *fetch.Request, source fetch.Source) *logrus.Entry {
	return c.logger.WithFields(logging.RequestFields(
		c.opts.Version,
		req.Method,
		req.URL.String(),
		string(req.Destination),
		string(source),
	))
}

package cache

import (
	"context"
	"sync"

	"github.com/any-hub/pwa-cache/internal/fetch"
)

// WriteMode 决定拦截路径上的缓存写入是否阻塞响应。
type WriteMode string

const (
	// WriteDetached 在后台写入，响应不等待写入完成；同一键的后续读取可能先于写入发生。
	WriteDetached WriteMode = "detached"
	// WriteAwait 写入完成后才返回。
	WriteAwait WriteMode = "await"
)

// Writer 按 WriteMode 执行写入，并跟踪在途的后台写入以便关停时等待。
type Writer struct {
	mode    WriteMode
	onError func(req *fetch.Request, err error)
	wg      sync.WaitGroup
}

// NewWriter 构造写入器；onError 接收写入失败（包括后台写入），可为 nil。
func NewWriter(mode WriteMode, onError func(req *fetch.Request, err error)) *Writer {
	if mode == "" {
		mode = WriteDetached
	}
	return &Writer{mode: mode, onError: onError}
}

// Mode 返回当前写入模式。
func (w *Writer) Mode() WriteMode {
	return w.mode
}

// Put 写入 bucket。detached 模式下立即返回 nil，错误交给 onError；
// 后台写入使用脱离请求取消的 context。
func (w *Writer) Put(ctx context.Context, bucket Bucket, req *fetch.Request, resp *fetch.Response) error {
	if w.mode == WriteAwait {
		err := bucket.Put(ctx, req, resp)
		if err != nil {
			w.report(req, err)
		}
		return err
	}

	detached := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := bucket.Put(detached, req, resp); err != nil {
			w.report(req, err)
		}
	}()
	return nil
}

// Wait 阻塞直到所有后台写入结束。
func (w *Writer) Wait() {
	w.wg.Wait()
}

func (w *Writer) report(req *fetch.Request, err error) {
	if w.onError != nil {
		w.onError(req, err)
	}
}

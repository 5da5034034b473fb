package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Destination 描述请求的用途，document 表示整页导航。
type Destination string

const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
	DestinationImage    Destination = "image"
	DestinationFont     Destination = "font"
	DestinationManifest Destination = "manifest"
)

// ParseDestination 规范化 Sec-Fetch-Dest 等来源的取值，未知值按原样保留。
func ParseDestination(raw string) Destination {
	return Destination(strings.ToLower(strings.TrimSpace(raw)))
}

// ResponseType 对应平台的响应分类，只有 basic 响应允许写入缓存。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Source 标记响应的来源，便于日志与响应头输出。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// ErrNetwork 表示网络交换本身失败（断网、DNS、连接被拒等），而非上游返回错误状态。
var ErrNetwork = errors.New("network request failed")

// Fetcher 执行真实的网络请求。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Request 是被拦截的页面请求。URL 总是绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination Destination
}

// NewRequest 解析 rawURL 并构造请求，Method 为空时视为 GET。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
	}, nil
}

// Clone 深拷贝请求，供后台缓存写入使用，避免与调用方共享可变状态。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	clone.Body = append([]byte(nil), r.Body...)
	return &clone
}

// Response 是一次完整缓冲的响应。
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	// URL 是跟随重定向后的最终地址。
	URL    string
	Type   ResponseType
	Source Source
}

// OK 与平台 Response.ok 一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// Clone 复制响应，Body 切片同样复制，两个副本可以被独立消费。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	clone.Body = append([]byte(nil), r.Body...)
	return &clone
}

// Classify 根据最终地址与 scope 源判断响应类型。跨源且带 CORS 授权头的是 cors，
// 其余跨源响应视为 opaque。
func Classify(scope *url.URL, final *url.URL, header http.Header) ResponseType {
	if scope == nil || final == nil {
		return TypeOpaque
	}
	if SameOrigin(scope, final) {
		return TypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

// SameOrigin 比较 scheme + host + 端口（缺省端口按 scheme 补齐）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname()) && effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

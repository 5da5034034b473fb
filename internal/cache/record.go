package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/any-hub/pwa-cache/internal/fetch"
)

// record 是条目的元数据部分，正文单独保存。
type record struct {
	Method      string             `json:"method"`
	URL         string             `json:"url"`
	Vary        map[string]string  `json:"vary,omitempty"`
	StatusCode  int                `json:"status"`
	Status      string             `json:"status_text"`
	Header      http.Header        `json:"header"`
	ResponseURL string             `json:"response_url"`
	Type        fetch.ResponseType `json:"type"`
	SizeBytes   int64              `json:"size_bytes"`
	StoredAt    time.Time          `json:"stored_at"`
}

// requestIdentity 返回 "GET <url>"，忽略 fragment。非 GET 请求没有可缓存身份。
func requestIdentity(req *fetch.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", fmt.Errorf("request url required")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return "", ErrMethodNotCacheable
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return method + " " + u.String(), nil
}

// entryKey 把身份压缩为定长键，用作目录名、文件名与数据库主键。
func entryKey(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// variantKey 由 Vary 指定的请求头取值计算，区分同一 URL 下的多个变体。
// 没有 Vary 的响应共用同一个变体键。
func variantKey(vary map[string]string) string {
	names := make([]string, 0, len(vary))
	for name := range vary {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(vary[name])
		b.WriteString("\n")
	}
	return entryKey(b.String())
}

// checkPut 对应平台 Cache.put 的前置检查。
func checkPut(req *fetch.Request, resp *fetch.Response) (string, error) {
	identity, err := requestIdentity(req)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme %s", ErrUncacheableResponse, scheme)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", ErrUncacheableResponse)
	}
	if resp.StatusCode == http.StatusPartialContent {
		return "", fmt.Errorf("%w: partial content", ErrUncacheableResponse)
	}
	for _, name := range varyNames(resp.Header) {
		if name == "*" {
			return "", fmt.Errorf("%w: vary *", ErrUncacheableResponse)
		}
	}
	return identity, nil
}

func newRecord(req *fetch.Request, resp *fetch.Response, now time.Time) record {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""

	rec := record{
		Method:      http.MethodGet,
		URL:         u.String(),
		StatusCode:  resp.StatusCode,
		Status:      resp.Status,
		Header:      resp.Header.Clone(),
		ResponseURL: resp.URL,
		Type:        resp.Type,
		SizeBytes:   int64(len(resp.Body)),
		StoredAt:    now.UTC(),
	}
	if rec.Header == nil {
		rec.Header = http.Header{}
	}
	if names := varyNames(resp.Header); len(names) > 0 {
		rec.Vary = make(map[string]string, len(names))
		for _, name := range names {
			rec.Vary[name] = headerValue(req.Header, name)
		}
	}
	return rec
}

// matches 比较 Vary 指定的请求头是否与写入时一致。
func (r record) matches(req *fetch.Request) bool {
	for name, want := range r.Vary {
		if headerValue(req.Header, name) != want {
			return false
		}
	}
	return true
}

func (r record) response(body []byte) *fetch.Response {
	return &fetch.Response{
		StatusCode: r.StatusCode,
		Status:     r.Status,
		Header:     r.Header.Clone(),
		Body:       body,
		URL:        r.ResponseURL,
		Type:       r.Type,
		Source:     fetch.SourceCache,
	}
}

func (r record) entry() Entry {
	return Entry{
		Method:     r.Method,
		URL:        r.URL,
		StatusCode: r.StatusCode,
		SizeBytes:  r.SizeBytes,
		StoredAt:   r.StoredAt,
	}
}

func varyNames(header http.Header) []string {
	var names []string
	for _, raw := range header.Values("Vary") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "*" {
				names = append(names, "*")
				continue
			}
			names = append(names, textproto.CanonicalMIMEHeaderKey(part))
		}
	}
	return names
}

func headerValue(header http.Header, name string) string {
	if header == nil {
		return ""
	}
	return strings.Join(header.Values(name), ", ")
}

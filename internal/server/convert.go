package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pwa-cache/internal/fetch"
)

const (
	headerCacheSource  = "X-Pwa-Cache-Source"
	headerCacheVersion = "X-Pwa-Cache-Version"
)

// buildFetchRequest 把入站请求映射到 scope 源下的绝对地址。
func buildFetchRequest(c fiber.Ctx, scope *url.URL) (*fetch.Request, error) {
	uri := c.Request().URI()
	relative := &url.URL{Path: requestPath(c)}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	target := scope.ResolveReference(relative)

	req, err := fetch.NewRequest(c.Method(), target.String())
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	req.Destination = destinationOf(req.Method, req.Header)
	return req, nil
}

// destinationOf 优先使用 Sec-Fetch-Dest；缺失时以导航模式或 Accept: text/html 判定为文档请求。
func destinationOf(method string, header http.Header) fetch.Destination {
	if dest := fetch.ParseDestination(header.Get("Sec-Fetch-Dest")); dest != fetch.DestinationEmpty && dest != "empty" {
		return dest
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return fetch.DestinationDocument
	}
	if method == http.MethodGet && strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return fetch.DestinationDocument
	}
	return fetch.DestinationEmpty
}

// writeFetchResponse 写回状态、头与正文，并标注来源与缓存版本。
func writeFetchResponse(c fiber.Ctx, resp *fetch.Response, version string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheSource, string(resp.Source))
	c.Set(headerCacheVersion, version)
	setRequestIDHeader(c, RequestID(c))
	c.Status(resp.StatusCode)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

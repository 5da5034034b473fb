package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pwa-cache/internal/cache"
	"github.com/any-hub/pwa-cache/internal/config"
	"github.com/any-hub/pwa-cache/internal/fetch"
	"github.com/any-hub/pwa-cache/internal/logging"
	"github.com/any-hub/pwa-cache/internal/notify"
	"github.com/any-hub/pwa-cache/internal/worker"
)

// todoOrigin 模拟 to-do 站点，记录每个路径被请求的次数。
type todoOrigin struct {
	*httptest.Server
	hits map[string]*atomic.Int32
}

func newTodoOrigin(t *testing.T) *todoOrigin {
	t.Helper()
	origin := &todoOrigin{hits: map[string]*atomic.Int32{}}
	pages := map[string]struct {
		contentType string
		body        string
	}{
		"/":                {"text/html", "<html>root</html>"},
		"/index-pwa.html":  {"text/html", "<html>shell</html>"},
		"/styles.css":      {"text/css", "body{}"},
		"/api/todos.json":  {"application/json", `[{"id":1}]`},
		"/icons/logo.png":  {"image/png", "png"},
		"/manifest.json":   {"application/manifest+json", "{}"},
		"/missing.css":     {"", ""},
		"/api/created.txt": {"text/plain", "created"},
	}
	for path := range pages {
		origin.hits[path] = &atomic.Int32{}
	}
	origin.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Path]
		if counter := origin.hits[r.URL.Path]; counter != nil {
			counter.Add(1)
		}
		if !ok || page.contentType == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", page.contentType)
		if r.URL.Path == "/api/created.txt" {
			w.WriteHeader(http.StatusCreated)
		}
		_, _ = io.WriteString(w, page.body)
	}))
	t.Cleanup(origin.Close)
	return origin
}

func (o *todoOrigin) hitCount(path string) int32 {
	if counter := o.hits[path]; counter != nil {
		return counter.Load()
	}
	return 0
}

type testApp struct {
	*fiber.App
	host    *Host
	storage cache.Storage
	origin  *todoOrigin
	center  *notify.Center
}

func testConfig(origin, version string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:          5000,
			StoragePath:         "unused",
			StorageDriver:       config.StorageDriverFS,
			UpstreamTimeout:     config.Duration(2 * time.Second),
			PrecacheConcurrency: 2,
		},
		Worker: config.WorkerConfig{
			CacheVersion: version,
			Origin:       origin + "/",
			AppShell:     "./index-pwa.html",
			Precache:     []string{"./", "./index-pwa.html", "./styles.css"},
			SyncTag:      "background-sync",
			WriteMode:    config.WriteModeAwait,
			Notification: config.NotificationConfig{
				Title:       "待辦事項清單",
				DefaultBody: "您有新的待辦事項提醒！",
				Actions:     config.DefaultNotificationActions(),
			},
		},
	}
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	origin := newTodoOrigin(t)
	storage, err := cache.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	logger := logging.Discard()
	center := notify.NewCenter(logger)
	ctrl, err := NewController(testConfig(origin.URL, "todo-app-v1.3"), storage, center, logger)
	if err != nil {
		t.Fatalf("controller error: %v", err)
	}
	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	host, err := NewHost(ctrl, logger)
	if err != nil {
		t.Fatalf("host error: %v", err)
	}
	t.Cleanup(host.Wait)

	app, err := NewApp(AppOptions{Logger: logger, Host: host, ListenPort: 5000})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, host: host, storage: storage, origin: origin, center: center}
}

func (a *testApp) get(t *testing.T, path string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://pwa.local"+path, nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := a.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestRouterServesPrecachedAssetFromCache(t *testing.T) {
	app := newTestApp(t)
	before := app.origin.hitCount("/styles.css")

	resp, body := app.get(t, "/styles.css", nil)
	if resp.StatusCode != fiber.StatusOK || body != "body{}" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(headerCacheSource); got != "cache" {
		t.Fatalf("expected cache source, got %q", got)
	}
	if got := resp.Header.Get(headerCacheVersion); got != "todo-app-v1.3" {
		t.Fatalf("unexpected version header %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/css" {
		t.Fatalf("cached content type lost: %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if after := app.origin.hitCount("/styles.css"); after != before {
		t.Fatalf("origin should not be contacted on cache hit")
	}
}

func TestRouterCachesNetworkResponses(t *testing.T) {
	app := newTestApp(t)

	resp, _ := app.get(t, "/api/todos.json", nil)
	if got := resp.Header.Get(headerCacheSource); got != "network" {
		t.Fatalf("first request should hit network, got %q", got)
	}
	resp, body := app.get(t, "/api/todos.json", nil)
	if got := resp.Header.Get(headerCacheSource); got != "cache" || body != `[{"id":1}]` {
		t.Fatalf("second request should be cached, got %q %q", got, body)
	}
	if hits := app.origin.hitCount("/api/todos.json"); hits != 1 {
		t.Fatalf("expected single origin hit, got %d", hits)
	}
}

func TestRouterPassesThroughUncacheableResponses(t *testing.T) {
	app := newTestApp(t)

	resp, _ := app.get(t, "/missing.css", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected upstream 404 passthrough, got %d", resp.StatusCode)
	}
	resp, _ = app.get(t, "/api/created.txt", nil)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected upstream 201 passthrough, got %d", resp.StatusCode)
	}
	app.get(t, "/api/created.txt", nil)
	if hits := app.origin.hitCount("/api/created.txt"); hits != 2 {
		t.Fatalf("201 response must not be cached, origin hits=%d", hits)
	}
}

func TestRouterOfflineFallback(t *testing.T) {
	app := newTestApp(t)
	app.origin.Close()

	resp, body := app.get(t, "/todos/42", map[string]string{"Sec-Fetch-Mode": "navigate"})
	if resp.StatusCode != fiber.StatusOK || body != "<html>shell</html>" {
		t.Fatalf("expected app shell fallback, got %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(headerCacheSource); got != "fallback" {
		t.Fatalf("expected fallback source, got %q", got)
	}

	resp, body = app.get(t, "/icons/logo.png", map[string]string{"Sec-Fetch-Dest": "image"})
	if resp.StatusCode != fiber.StatusGatewayTimeout {
		t.Fatalf("expected 504 for subresource, got %d", resp.StatusCode)
	}
	if !bytes.Contains([]byte(body), []byte(`"network_unavailable"`)) {
		t.Fatalf("expected network_unavailable error, got %s", body)
	}
}

func TestRouterLeavesDiagnosticsPathsToRoutes(t *testing.T) {
	app := newTestApp(t)
	resp, _ := app.get(t, "/-/unknown", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unregistered diagnostics path should 404, got %d", resp.StatusCode)
	}
	if hits := app.origin.hitCount("/-/unknown"); hits != 0 {
		t.Fatalf("diagnostics paths must not reach the origin")
	}
}

func TestDestinationOf(t *testing.T) {
	cases := []struct {
		name   string
		method string
		header http.Header
		want   string
	}{
		{"sec-fetch-dest", http.MethodGet, http.Header{"Sec-Fetch-Dest": {"style"}}, "style"},
		{"navigate mode", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"navigate"}}, "document"},
		{"accept html", http.MethodGet, http.Header{"Accept": {"text/html,application/xhtml+xml"}}, "document"},
		{"post accept html", http.MethodPost, http.Header{"Accept": {"text/html"}}, ""},
		{"empty dest", http.MethodGet, http.Header{"Sec-Fetch-Dest": {"empty"}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := destinationOf(tc.method, tc.header); string(got) != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestHostReplacePrunesPreviousVersion(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	previous := app.host.Current()

	next, err := NewController(testConfig(app.origin.URL, "todo-app-v1.4"), app.storage, app.center, logging.Discard())
	if err != nil {
		t.Fatalf("controller error: %v", err)
	}
	if err := app.host.Replace(ctx, next); err != nil {
		t.Fatalf("replace error: %v", err)
	}

	if app.host.Current() != next || next.State() != worker.StateActive {
		t.Fatalf("new controller should be active, state=%s", next.State())
	}
	if previous.State() != worker.StateRedundant {
		t.Fatalf("previous controller should be redundant, got %s", previous.State())
	}
	names, err := app.storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "todo-app-v1.4" {
		t.Fatalf("expected only new bucket, got %v", names)
	}

	resp, _ := app.get(t, "/styles.css", nil)
	if got := resp.Header.Get(headerCacheVersion); got != "todo-app-v1.4" {
		t.Fatalf("requests should be served by the new version, got %q", got)
	}
}

// gatedStorage 在 armed 后让缓存写入阻塞到 release 关闭。
type gatedStorage struct {
	cache.Storage
	armed   *atomic.Bool
	started chan struct{}
	release chan struct{}
}

func (s gatedStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return gatedBucket{Bucket: bucket, storage: s}, nil
}

type gatedBucket struct {
	cache.Bucket
	storage gatedStorage
}

func (b gatedBucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	if b.storage.armed.Load() {
		b.storage.started <- struct{}{}
		<-b.storage.release
	}
	return b.Bucket.Put(ctx, req, resp)
}

func TestHostWaitJoinsSupersededWrites(t *testing.T) {
	origin := newTodoOrigin(t)
	base, err := cache.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	storage := gatedStorage{
		Storage: base,
		armed:   &atomic.Bool{},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	logger := logging.Discard()
	center := notify.NewCenter(logger)

	cfg := testConfig(origin.URL, "todo-app-v1.3")
	cfg.Worker.WriteMode = config.WriteModeDetached
	previous, err := NewController(cfg, storage, center, logger)
	if err != nil {
		t.Fatalf("controller error: %v", err)
	}
	if _, err := previous.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	host, err := NewHost(previous, logger)
	if err != nil {
		t.Fatalf("host error: %v", err)
	}

	storage.armed.Store(true)
	req, err := fetch.NewRequest(http.MethodGet, origin.URL+"/api/todos.json")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if _, err := previous.Fetch(context.Background(), req); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	select {
	case <-storage.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("detached write did not start")
	}

	next, err := NewController(testConfig(origin.URL, "todo-app-v1.4"), base, center, logger)
	if err != nil {
		t.Fatalf("controller error: %v", err)
	}
	host.Swap(next)

	done := make(chan struct{})
	go func() {
		host.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("Wait returned while the superseded controller was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(storage.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not return after the write finished")
	}
	bucket, err := base.Lookup(context.Background(), "todo-app-v1.3")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if _, err := bucket.Match(context.Background(), req); err != nil {
		t.Fatalf("superseded write should still land in its bucket: %v", err)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logging.Discard(), ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without host")
	}
}

package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pwa-cache/internal/cache"
	"github.com/any-hub/pwa-cache/internal/config"
	"github.com/any-hub/pwa-cache/internal/logging"
	"github.com/any-hub/pwa-cache/internal/notify"
	"github.com/any-hub/pwa-cache/internal/server"
)

type routesFixture struct {
	app     *fiber.App
	host    *server.Host
	center  *notify.Center
	storage cache.Storage
}

func newRoutesFixture(t *testing.T) *routesFixture {
	t.Helper()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "asset"+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	storage, err := cache.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:          5000,
			UpstreamTimeout:     config.Duration(2 * time.Second),
			PrecacheConcurrency: 2,
		},
		Worker: config.WorkerConfig{
			CacheVersion: "v2",
			Origin:       origin.URL + "/",
			AppShell:     "./index-pwa.html",
			Precache:     []string{"./", "./index-pwa.html"},
			SyncTag:      "background-sync",
			WriteMode:    config.WriteModeAwait,
			Notification: config.NotificationConfig{
				Title:       "待辦事項清單",
				DefaultBody: "您有新的待辦事項提醒！",
				Vibrate:     []int{100, 50, 100},
				Actions:     config.DefaultNotificationActions(),
			},
		},
	}

	logger := logging.Discard()
	center := notify.NewCenter(logger)
	ctrl, err := server.NewController(cfg, storage, center, logger)
	if err != nil {
		t.Fatalf("controller error: %v", err)
	}
	host, err := server.NewHost(ctrl, logger)
	if err != nil {
		t.Fatalf("host error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Host: host, ListenPort: 5000})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	RegisterLifecycleRoutes(app, host)
	RegisterDiagnosticsRoutes(app, host, center)

	return &routesFixture{app: app, host: host, center: center, storage: storage}
}

func (f *routesFixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://pwa.local"+path, reader)
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	payload := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("invalid json body %q: %v", raw, err)
		}
	}
	return resp.StatusCode, payload
}

func TestLifecycleRoutesInstallThenActivate(t *testing.T) {
	f := newRoutesFixture(t)
	if _, err := f.storage.Open(context.Background(), "v1"); err != nil {
		t.Fatalf("open error: %v", err)
	}

	status, payload := f.do(t, http.MethodPost, "/-/lifecycle/activate", "")
	if status != fiber.StatusConflict || payload["error"] != "invalid_transition" {
		t.Fatalf("activate before install should conflict, got %d %v", status, payload)
	}

	status, payload = f.do(t, http.MethodPost, "/-/lifecycle/install", "")
	if status != fiber.StatusOK || payload["state"] != "installed" {
		t.Fatalf("unexpected install response %d %v", status, payload)
	}
	if stored, _ := payload["stored"].([]interface{}); len(stored) != 2 {
		t.Fatalf("expected 2 stored assets, got %v", payload["stored"])
	}

	status, payload = f.do(t, http.MethodPost, "/-/lifecycle/activate", "")
	if status != fiber.StatusOK || payload["state"] != "active" {
		t.Fatalf("unexpected activate response %d %v", status, payload)
	}
	if removed, _ := payload["removed"].([]interface{}); len(removed) != 1 || removed[0] != "v1" {
		t.Fatalf("expected v1 removed, got %v", payload["removed"])
	}

	status, payload = f.do(t, http.MethodGet, "/-/caches", "")
	if status != fiber.StatusOK {
		t.Fatalf("caches status %d", status)
	}
	caches, _ := payload["caches"].([]interface{})
	if len(caches) != 1 {
		t.Fatalf("expected one cache, got %v", payload)
	}
	entry := caches[0].(map[string]interface{})
	if entry["name"] != "v2" || entry["active"] != true || entry["entries"] != float64(2) {
		t.Fatalf("unexpected cache entry: %v", entry)
	}
	if size, _ := entry["size"].(string); !strings.HasSuffix(size, "B") {
		t.Fatalf("expected humanized size, got %v", entry["size"])
	}
}

func TestSyncRoute(t *testing.T) {
	f := newRoutesFixture(t)

	status, payload := f.do(t, http.MethodPost, "/-/sync", `{"tag":"background-sync"}`)
	if status != fiber.StatusOK || payload["ran"] != true {
		t.Fatalf("unexpected sync response %d %v", status, payload)
	}
	status, payload = f.do(t, http.MethodPost, "/-/sync", `{"tag":"other"}`)
	if status != fiber.StatusOK || payload["ran"] != false {
		t.Fatalf("other tags should be ignored, got %d %v", status, payload)
	}
	status, _ = f.do(t, http.MethodPost, "/-/sync", `{`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("invalid body should be rejected, got %d", status)
	}
	status, _ = f.do(t, http.MethodPost, "/-/sync", "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("missing tag should be rejected, got %d", status)
	}
}

func TestPushAndNotificationClickRoutes(t *testing.T) {
	f := newRoutesFixture(t)

	status, payload := f.do(t, http.MethodPost, "/-/push", "記得繳費")
	if status != fiber.StatusCreated {
		t.Fatalf("unexpected push status %d %v", status, payload)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("push should return notification id")
	}

	_, payload = f.do(t, http.MethodGet, "/-/notifications", "")
	list, _ := payload["notifications"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("expected one notification, got %v", payload)
	}
	options := list[0].(map[string]interface{})["options"].(map[string]interface{})
	if options["body"] != "記得繳費" {
		t.Fatalf("unexpected body: %v", options["body"])
	}

	status, payload = f.do(t, http.MethodPost, "/-/notifications/"+id+"/click", `{"action":"explore"}`)
	if status != fiber.StatusOK || payload["opened"] != true {
		t.Fatalf("explore should open window, got %d %v", status, payload)
	}
	_, payload = f.do(t, http.MethodGet, "/-/windows", "")
	windows, _ := payload["windows"].([]interface{})
	if len(windows) != 1 {
		t.Fatalf("expected one window, got %v", payload)
	}
	if url, _ := windows[0].(map[string]interface{})["url"].(string); !strings.HasSuffix(url, "/index-pwa.html") {
		t.Fatalf("unexpected window url %q", url)
	}

	status, payload = f.do(t, http.MethodPost, "/-/notifications/"+id+"/click", `{"action":"close"}`)
	if status != fiber.StatusNotFound || payload["error"] != "notification_not_found" {
		t.Fatalf("closed notification should 404, got %d %v", status, payload)
	}
}

func TestStatusRoute(t *testing.T) {
	f := newRoutesFixture(t)
	status, payload := f.do(t, http.MethodGet, "/-/status", "")
	if status != fiber.StatusOK {
		t.Fatalf("status code %d", status)
	}
	if payload["cache_version"] != "v2" || payload["state"] != "uninstalled" || payload["write_mode"] != "await" {
		t.Fatalf("unexpected status payload %v", payload)
	}
	if v, _ := payload["version"].(string); !strings.Contains(v, "pwa-cache") {
		t.Fatalf("expected build version, got %v", payload["version"])
	}
}

// prunedStorage 在 Keys 中多报一个已被删除的桶，模拟列举后 activate 恰好完成清理。
type prunedStorage struct {
	cache.Storage
	pruned string
}

func (s prunedStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.Storage.Keys(ctx)
	return append(names, s.pruned), err
}

func TestEncodeBucketsSkipsPrunedBucket(t *testing.T) {
	f := newRoutesFixture(t)
	ctx := context.Background()
	if _, err := f.storage.Open(ctx, "v2"); err != nil {
		t.Fatalf("open error: %v", err)
	}

	buckets, err := encodeBuckets(ctx, prunedStorage{Storage: f.storage, pruned: "v1"}, "v2")
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if len(buckets) != 1 || buckets[0].Name != "v2" || !buckets[0].Active {
		t.Fatalf("expected only the live bucket, got %+v", buckets)
	}
	if ok, _ := f.storage.Has(ctx, "v1"); ok {
		t.Fatalf("listing caches must not recreate a pruned bucket")
	}
}

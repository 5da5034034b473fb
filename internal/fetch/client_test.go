package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestNewUpstreamClientUsesTimeout(t *testing.T) {
	client := NewUpstreamClient(45 * time.Second)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if fallback := NewUpstreamClient(0); fallback.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s, got %s", fallback.Timeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestHTTPFetcherClassifiesSameOriginAsBasic(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer origin.Close()

	scope := mustParse(t, origin.URL+"/")
	fetcher := NewHTTPFetcher(NewUpstreamClient(time.Second), scope)

	req, _ := NewRequest(http.MethodGet, origin.URL+"/styles.css")
	resp, err := fetcher.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Type != TypeBasic {
		t.Fatalf("expected basic response, got %s", resp.Type)
	}
	if !resp.OK() || string(resp.Body) != "body{}" {
		t.Fatalf("unexpected response: %d %q", resp.StatusCode, resp.Body)
	}
	if resp.Source != SourceNetwork {
		t.Fatalf("expected network source, got %s", resp.Source)
	}
}

func TestHTTPFetcherClassifiesCrossOrigin(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cors" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		_, _ = w.Write([]byte("asset"))
	}))
	defer cdn.Close()

	fetcher := NewHTTPFetcher(NewUpstreamClient(time.Second), mustParse(t, "http://todo.local/"))

	corsReq, _ := NewRequest(http.MethodGet, cdn.URL+"/cors")
	resp, err := fetcher.Fetch(context.Background(), corsReq)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Type != TypeCORS {
		t.Fatalf("expected cors response, got %s", resp.Type)
	}

	opaqueReq, _ := NewRequest(http.MethodGet, cdn.URL+"/plain")
	resp, err = fetcher.Fetch(context.Background(), opaqueReq)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Type != TypeOpaque {
		t.Fatalf("expected opaque response, got %s", resp.Type)
	}
}

func TestHTTPFetcherReportsRedirectTarget(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("moved"))
	}))
	defer cdn.Close()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cdn.URL+"/asset.png", http.StatusFound)
	}))
	defer origin.Close()

	fetcher := NewHTTPFetcher(NewUpstreamClient(time.Second), mustParse(t, origin.URL+"/"))
	req, _ := NewRequest(http.MethodGet, origin.URL+"/asset.png")
	resp, err := fetcher.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.URL != cdn.URL+"/asset.png" {
		t.Fatalf("expected final url on cdn, got %s", resp.URL)
	}
	if resp.Type == TypeBasic {
		t.Fatalf("redirect to another origin must not be basic")
	}
}

func TestHTTPFetcherWrapsTransportErrors(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	addr := origin.URL
	origin.Close()

	fetcher := NewHTTPFetcher(NewUpstreamClient(time.Second), mustParse(t, addr+"/"))
	req, _ := NewRequest(http.MethodGet, addr+"/")
	_, err := fetcher.Fetch(context.Background(), req)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestSameOriginDefaultPorts(t *testing.T) {
	a := mustParse(t, "https://todo.local/app/")
	b := mustParse(t, "https://TODO.local:443/other")
	if !SameOrigin(a, b) {
		t.Fatalf("expected same origin with implicit port")
	}
	if SameOrigin(a, mustParse(t, "http://todo.local/")) {
		t.Fatalf("scheme mismatch must not be same origin")
	}
}

func TestRequestCloneIsIndependent(t *testing.T) {
	req, _ := NewRequest("", "http://todo.local/a#frag")
	req.Header.Set("Accept", "text/html")
	clone := req.Clone()
	clone.Header.Set("Accept", "image/png")
	clone.URL.Path = "/b"

	if req.Method != http.MethodGet {
		t.Fatalf("empty method should default to GET")
	}
	if req.Header.Get("Accept") != "text/html" || req.URL.Path != "/a" {
		t.Fatalf("clone mutated original request")
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}

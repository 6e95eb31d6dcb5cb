package shellcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"sync/atomic"
	"testing"
)

// flakyTransport forwards to the real transport until offline is set.
type flakyTransport struct {
	offline atomic.Bool
	calls   atomic.Int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.offline.Load() {
		return nil, errors.New("network down")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newShellServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var version atomic.Int32
	version.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, r.URL.Path+" v"+strconv.Itoa(int(version.Load())))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &version
}

func newWorker(t *testing.T, gen string, storage *CacheStorage, next http.RoundTripper, urls ...string) *Worker {
	t.Helper()
	w, err := New(Options{
		Generation: gen,
		ShellURLs:  urls,
		Storage:    storage,
		Next:       next,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func get(t *testing.T, rt http.RoundTripper, url string) (string, error) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body), nil
}

func TestInstallPrecachesShell(t *testing.T) {
	srv, _ := newShellServer(t)
	storage := NewCacheStorage(8)
	net := &flakyTransport{}
	w := newWorker(t, "shell-v1", storage, net, srv.URL+"/popup.html", srv.URL+"/app.js")

	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if storage.Len("shell-v1") != 2 {
		t.Fatalf("expected 2 cached entries, got %d", storage.Len("shell-v1"))
	}
	net.offline.Store(true)
	body, err := get(t, w, srv.URL+"/popup.html#top")
	if err != nil || body != "/popup.html v1" {
		t.Fatalf("expected cached shell, got %q %v", body, err)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	srv, _ := newShellServer(t)
	storage := NewCacheStorage(8)
	w := newWorker(t, "shell-v1", storage, &flakyTransport{}, srv.URL+"/popup.html", srv.URL+"/missing")
	if err := w.Install(context.Background()); err == nil {
		t.Fatal("expected install to fail on a 404")
	}
	if storage.Len("shell-v1") != 0 {
		t.Fatal("failed install must not store anything")
	}
}

func TestNetworkFirstRefreshesCache(t *testing.T) {
	srv, version := newShellServer(t)
	net := &flakyTransport{}
	w := newWorker(t, "shell-v1", NewCacheStorage(8), net)

	if body, _ := get(t, w, srv.URL+"/index.html"); body != "/index.html v1" {
		t.Fatalf("unexpected first body %q", body)
	}
	version.Store(2)
	if body, _ := get(t, w, srv.URL+"/index.html"); body != "/index.html v2" {
		t.Fatalf("network must win while online, got %q", body)
	}
	net.offline.Store(true)
	if body, _ := get(t, w, srv.URL+"/index.html"); body != "/index.html v2" {
		t.Fatalf("offline must serve the refreshed copy, got %q", body)
	}
	if _, err := get(t, w, srv.URL+"/never-seen"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached, got %v", err)
	}
}

func TestNonGetAndExtensionSchemesBypassCache(t *testing.T) {
	srv, _ := newShellServer(t)
	net := &flakyTransport{}
	storage := NewCacheStorage(8)
	w := newWorker(t, "shell-v1", storage, net)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/submit", nil)
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if storage.Len("shell-v1") != 0 {
		t.Fatal("POST responses must not be cached")
	}

	net.offline.Store(true)
	req, _ = http.NewRequest(http.MethodGet, "chrome-extension://abc/popup.html", nil)
	if _, err := w.RoundTrip(req); err == nil || errors.Is(err, ErrNotCached) {
		t.Fatalf("extension scheme must go straight to the network, got %v", err)
	}
}

func TestActivateEvictsOtherGenerations(t *testing.T) {
	srv, _ := newShellServer(t)
	storage := NewCacheStorage(8)
	old := newWorker(t, "shell-v1", storage, &flakyTransport{}, srv.URL+"/popup.html")
	if err := old.Install(context.Background()); err != nil {
		t.Fatalf("install v1: %v", err)
	}
	next := newWorker(t, "shell-v2", storage, &flakyTransport{}, srv.URL+"/popup.html")
	if err := next.Install(context.Background()); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	evicted := next.Activate()
	if !reflect.DeepEqual(evicted, []string{"shell-v1"}) {
		t.Fatalf("unexpected evicted caches: %v", evicted)
	}
	if !reflect.DeepEqual(storage.Names(), []string{"shell-v2"}) {
		t.Fatalf("unexpected caches after activate: %v", storage.Names())
	}
}

func TestCacheIsBounded(t *testing.T) {
	srv, _ := newShellServer(t)
	storage := NewCacheStorage(2)
	w := newWorker(t, "shell-v1", storage, &flakyTransport{})
	for _, p := range []string{"/a", "/b", "/c"} {
		if _, err := get(t, w, srv.URL+p); err != nil {
			t.Fatalf("get %s: %v", p, err)
		}
	}
	if storage.Len("shell-v1") != 2 {
		t.Fatalf("expected LRU bound of 2, got %d", storage.Len("shell-v1"))
	}
}

func TestNewRequiresGeneration(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without generation")
	}
}

// Package shellcache is the offline collaborator of the background worker:
// it precaches the extension shell and serves page loads network-first
// with a cache fallback.
package shellcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var ErrNotCached = errors.New("shellcache: network failed and no cached response")

type Options struct {
	// Generation names the cache this worker writes to.
	Generation string
	ShellURLs  []string
	Storage    *CacheStorage
	// Next performs network fetches; http.DefaultTransport when nil.
	Next   http.RoundTripper
	Logger *slog.Logger
}

// Worker implements http.RoundTripper.
type Worker struct {
	generation string
	shellURLs  []string
	storage    *CacheStorage
	next       http.RoundTripper
	logger     *slog.Logger
	now        func() time.Time
}

func New(opts Options) (*Worker, error) {
	gen := strings.TrimSpace(opts.Generation)
	if gen == "" {
		return nil, errors.New("shellcache: generation is required")
	}
	if opts.Storage == nil {
		opts.Storage = NewCacheStorage(0)
	}
	if opts.Next == nil {
		opts.Next = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		generation: gen,
		shellURLs:  append([]string(nil), opts.ShellURLs...),
		storage:    opts.Storage,
		next:       opts.Next,
		logger:     opts.Logger.With("component", "shellcache", "generation", gen),
		now:        time.Now,
	}, nil
}

func (w *Worker) Generation() string { return w.generation }

// Install fetches every shell URL. Nothing is stored unless all of them
// succeed.
func (w *Worker) Install(ctx context.Context) error {
	fetched := make(map[string]entry, len(w.shellURLs))
	for _, raw := range w.shellURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			return fmt.Errorf("shellcache: precache %s: %w", raw, err)
		}
		resp, err := w.next.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("shellcache: precache %s: %w", raw, err)
		}
		e, err := w.capture(resp)
		if err != nil {
			return fmt.Errorf("shellcache: precache %s: %w", raw, err)
		}
		if e.status < 200 || e.status > 299 {
			return fmt.Errorf("shellcache: precache %s: status %d", raw, e.status)
		}
		fetched[cacheKey(req)] = e
	}
	c := w.storage.open(w.generation)
	for key, e := range fetched {
		c.Add(key, e)
	}
	w.logger.Info("shell precached", "operation", "shellcache.install", "urls", len(fetched))
	return nil
}

// Activate deletes every cache that belongs to another generation and
// returns their names.
func (w *Worker) Activate() []string {
	var evicted []string
	for _, name := range w.storage.Names() {
		if name != w.generation && w.storage.Delete(name) {
			evicted = append(evicted, name)
		}
	}
	if len(evicted) > 0 {
		w.logger.Info("stale caches evicted", "operation", "shellcache.activate", "caches", evicted)
	}
	return evicted
}

// RoundTrip serves GET requests over http(s) network-first. Successful
// responses refresh the cache; a network error falls back to the cached
// copy. Everything else goes straight to the network.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if !cacheable(req) {
		return w.next.RoundTrip(req)
	}
	key := cacheKey(req)
	resp, netErr := w.next.RoundTrip(req)
	if netErr == nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp, nil
		}
		e, err := w.capture(resp)
		if err != nil {
			netErr = err
		} else {
			w.storage.open(w.generation).Add(key, e)
			return e.response(req), nil
		}
	}
	if e, ok := w.storage.lookup(w.generation, key); ok {
		w.logger.Debug("serving cached response", "operation", "shellcache.fetch", "url", key, "error", netErr.Error())
		return e.response(req), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNotCached, netErr)
}

func (w *Worker) capture(resp *http.Response) (entry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return entry{}, err
	}
	return entry{
		status:   resp.StatusCode,
		header:   resp.Header.Clone(),
		body:     body,
		storedAt: w.now(),
	}, nil
}

func (e entry) response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.status, http.StatusText(e.status)),
		StatusCode:    e.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Request:       req,
	}
}

func cacheable(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	scheme := strings.ToLower(req.URL.Scheme)
	return scheme == "http" || scheme == "https"
}

func cacheKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

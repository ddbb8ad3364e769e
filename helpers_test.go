package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/pkg/response"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://app.example.com"

// fakeNetwork answers fetches from a table and counts them per URL.
// Unknown URLs get a 404.
type fakeNetwork struct {
	mutex     sync.Mutex
	calls     map[string]int
	responses map[string]func() (*response.Response, error)
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		calls:     make(map[string]int),
		responses: make(map[string]func() (*response.Response, error)),
	}
}

func (n *fakeNetwork) on(url string, status int, body string, typ response.Type) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.responses[url] = func() (*response.Response, error) {
		header := make(http.Header)
		header.Set("Content-Type", "text/plain")
		header.Set("X-Test", "yes")
		res := response.New(status, header, []byte(body), typ)
		res.URL = url
		return res, nil
	}
}

func (n *fakeNetwork) fail(url string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.responses[url] = func() (*response.Response, error) {
		return nil, networkError(errors.New("connection refused"), url)
	}
}

func (n *fakeNetwork) count(url string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.calls[url]
}

func (n *fakeNetwork) total() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*response.Response, error) {
	url := req.URL.String()
	n.mutex.Lock()
	n.calls[url]++
	handler, ok := n.responses[url]
	n.mutex.Unlock()
	if !ok {
		return response.New(http.StatusNotFound, nil, []byte("not found"), response.TypeBasic), nil
	}
	return handler()
}

// countingStorage counts every storage operation.
type countingStorage struct {
	cache.Storage
	ops atomic.Int64
}

func (s *countingStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	s.ops.Add(1)
	return s.Storage.Open(ctx, name)
}

func (s *countingStorage) Has(ctx context.Context, name string) (bool, error) {
	s.ops.Add(1)
	return s.Storage.Has(ctx, name)
}

func (s *countingStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.ops.Add(1)
	return s.Storage.Delete(ctx, name)
}

func (s *countingStorage) Names(ctx context.Context) ([]string, error) {
	s.ops.Add(1)
	return s.Storage.Names(ctx)
}

func (s *countingStorage) Match(ctx context.Context, key string) (cache.CacheEntry, bool, error) {
	s.ops.Add(1)
	return s.Storage.Match(ctx, key)
}

func testConfig() Config {
	config := DefaultConfig()
	config.Origin = testOrigin
	config.PrecacheURLs = []string{"./", "app.js"}
	return config
}

func testSettings(t *testing.T, modify func(*Config)) *Settings {
	t.Helper()
	config := testConfig()
	if modify != nil {
		modify(&config)
	}
	settings, err := config.Compile()
	require.NoError(t, err)
	return settings
}

func newTestWorker(t *testing.T, settings *Settings, storage cache.Storage, network Fetcher) *Worker {
	t.Helper()
	logger := zerolog.Nop()
	return NewWorker(Options{
		Settings: settings,
		Storage:  storage,
		Fetcher:  network,
		Logger:   &logger,
	})
}

// precacheNetwork serves the default precache list.
func precacheNetwork() *fakeNetwork {
	n := newFakeNetwork()
	n.on(testOrigin+"/", http.StatusOK, "<html>home</html>", response.TypeBasic)
	n.on(testOrigin+"/app.js", http.StatusOK, "console.log(1)", response.TypeBasic)
	return n
}

func getRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func navigationRequest(t *testing.T, url string) *http.Request {
	req := getRequest(t, url)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return req
}

func readBody(t *testing.T, res *response.Response) string {
	t.Helper()
	b, err := res.ReadBody()
	require.NoError(t, err)
	return string(b)
}

func keysOf(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

// roundTripFunc is a transport for requests passed through to the network.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

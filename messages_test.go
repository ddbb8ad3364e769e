package swcache

import (
	"context"
	"net/http"
	"testing"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/pkg/response"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"CACHE_URLS","urls":["/a.css","https://cdn.jsdelivr.net/b.js"]}`))
	require.NoError(t, err)
	assert.Equal(t, MessageCacheURLs, msg.Type)
	assert.Equal(t, []string{"/a.css", "https://cdn.jsdelivr.net/b.js"}, msg.URLs)
	assert.True(t, msg.HasReply())

	msg, err = ParseMessage([]byte(`{"type":"CACHE_MUSIC","url":"/song.mp3"}`))
	require.NoError(t, err)
	assert.Equal(t, "/song.mp3", msg.URL)
	assert.False(t, msg.HasReply())

	msg, err = ParseMessage([]byte(`{"type":"CLEAR_CACHE"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageClearCache, msg.Type)

	for _, invalid := range []string{
		`not json`,
		`{"type":"CACHE_URLS"}`,
		`{"type":"CACHE_URLS","urls":"/a.css"}`,
		`{"type":"CACHE_MUSIC","url":3}`,
		`{"type":"SELF_DESTRUCT"}`,
	} {
		_, err := ParseMessage([]byte(invalid))
		assert.Error(t, err, invalid)
	}
}

func dispatch(t *testing.T, w *Worker, msg Message) (Reply, bool) {
	t.Helper()
	port := make(chan Reply, 1)
	ev := w.DispatchMessage(context.Background(), msg, port)
	ev.Wait()
	select {
	case reply := <-port:
		return reply, true
	default:
		return Reply{}, false
	}
}

func TestCacheURLsIsIdempotent(t *testing.T) {
	settings := testSettings(t, nil)
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	network.on(testOrigin+"/a.css", http.StatusOK, "a", response.TypeBasic)
	network.on("https://cdn.jsdelivr.net/b.js", http.StatusOK, "b", response.TypeCORS)
	w := newTestWorker(t, settings, storage, network)

	msg := Message{Type: MessageCacheURLs, URLs: []string{"/a.css", "https://cdn.jsdelivr.net/b.js"}}
	for i := 0; i < 2; i++ {
		reply, ok := dispatch(t, w, msg)
		require.True(t, ok)
		assert.Equal(t, ReplyCacheComplete, reply.Type)
		require.NotNil(t, reply.Count)
		assert.Equal(t, 2, *reply.Count)
	}
	assert.Equal(t, 1, network.count(testOrigin+"/a.css"))
	assert.Equal(t, 1, network.count("https://cdn.jsdelivr.net/b.js"))
	assert.Equal(t, []string{
		"GET:" + testOrigin + "/a.css",
		"GET:https://cdn.jsdelivr.net/b.js",
	}, keysOf(t, storage, settings.RuntimeName))
}

func TestCacheURLsSkipsPrecachedURLs(t *testing.T) {
	ctx := context.Background()
	settings := testSettings(t, nil)
	storage := cache.NewMemStorage()
	network := precacheNetwork()
	w := newTestWorker(t, settings, storage, network)
	require.NoError(t, w.Precache(ctx, settings.PrecacheName, settings.PrecacheURLs))
	require.Equal(t, 1, network.count(testOrigin+"/app.js"))

	reply, ok := dispatch(t, w, Message{Type: MessageCacheURLs, URLs: []string{testOrigin + "/app.js"}})
	require.True(t, ok)
	assert.Equal(t, ReplyCacheComplete, reply.Type)
	assert.Equal(t, 1, *reply.Count)
	assert.Equal(t, 1, network.count(testOrigin+"/app.js"))
	assert.Empty(t, keysOf(t, storage, settings.RuntimeName))
}

func TestCacheURLsSkipsFailures(t *testing.T) {
	settings := testSettings(t, nil)
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	network.on(testOrigin+"/a.css", http.StatusOK, "a", response.TypeBasic)
	network.fail(testOrigin + "/down.css")
	network.on("https://other.example.org/c.js", http.StatusOK, "c", response.TypeOpaque)
	w := newTestWorker(t, settings, storage, network)

	reply, ok := dispatch(t, w, Message{Type: MessageCacheURLs, URLs: []string{
		"/a.css",
		"/down.css",
		"/missing.css",
		"https://other.example.org/c.js",
	}})
	require.True(t, ok)
	assert.Equal(t, ReplyCacheComplete, reply.Type)
	assert.Equal(t, 4, *reply.Count)
	assert.Equal(t, []string{"GET:" + testOrigin + "/a.css"}, keysOf(t, storage, settings.RuntimeName))
}

func TestCacheURLsWithoutURLs(t *testing.T) {
	w := newTestWorker(t, testSettings(t, nil), cache.NewMemStorage(), newFakeNetwork())

	reply, ok := dispatch(t, w, Message{Type: MessageCacheURLs, URLs: []string{}})
	require.True(t, ok)
	assert.Equal(t, ReplyCacheComplete, reply.Type)
	assert.Equal(t, 0, *reply.Count)
}

func TestClearCacheKeepsPrecache(t *testing.T) {
	ctx := context.Background()
	settings := testSettings(t, nil)
	storage := cache.NewMemStorage()
	network := precacheNetwork()
	network.on(testOrigin+"/a.css", http.StatusOK, "a", response.TypeBasic)
	w := newTestWorker(t, settings, storage, network)
	require.NoError(t, w.Precache(ctx, settings.PrecacheName, settings.PrecacheURLs))
	_, ok := dispatch(t, w, Message{Type: MessageCacheURLs, URLs: []string{"/a.css"}})
	require.True(t, ok)

	reply, ok := dispatch(t, w, Message{Type: MessageClearCache})
	require.True(t, ok)
	assert.Equal(t, ReplyClearComplete, reply.Type)
	require.NotNil(t, reply.Deleted)
	assert.True(t, *reply.Deleted)

	has, err := storage.Has(ctx, settings.RuntimeName)
	require.NoError(t, err)
	assert.False(t, has)
	assert.Len(t, keysOf(t, storage, settings.PrecacheName), 2)

	// clearing an absent runtime cache still succeeds
	reply, ok = dispatch(t, w, Message{Type: MessageClearCache})
	require.True(t, ok)
	assert.Equal(t, ReplyClearComplete, reply.Type)
	assert.False(t, *reply.Deleted)
}

func TestCacheMusicStoresAnyStatus(t *testing.T) {
	ctx := context.Background()
	settings := testSettings(t, nil)
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	network.on(testOrigin+"/songs/broken.mp3", http.StatusInternalServerError, "", response.TypeBasic)
	w := newTestWorker(t, settings, storage, network)

	_, replied := dispatch(t, w, Message{Type: MessageCacheMusic, URL: "/songs/broken.mp3"})
	assert.False(t, replied)

	c, err := storage.Open(ctx, settings.PrecacheName)
	require.NoError(t, err)
	res, ok, err := w.get(ctx, c, "GET:"+testOrigin+"/songs/broken.mp3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestUnknownMessageIsIgnored(t *testing.T) {
	w := newTestWorker(t, testSettings(t, nil), cache.NewMemStorage(), newFakeNetwork())

	port := make(chan Reply, 1)
	ev := w.DispatchMessage(context.Background(), Message{Type: "SELF_DESTRUCT"}, port)
	assert.Equal(t, 0, ev.Pending())
	assert.NoError(t, ev.Wait())
	assert.Empty(t, port)
}

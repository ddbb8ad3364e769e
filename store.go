package swcache

import (
	"context"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/pkg/response"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"

	"github.com/dustin/go-humanize"
)

// put serializes res into c under key.
// The body of res is consumed, hand in a clone if the response is still needed.
func (w *Worker) put(ctx context.Context, c cache.Cache, key string, res *response.Response) error {
	entry, err := w.entryFor(key, res)
	if err != nil {
		return err
	}
	if err := c.Put(ctx, entry); err != nil {
		return storageError(err, "could not put response")
	}
	w.log.Trace().
		Str("cache", c.Name()).
		Str("key", key).
		Str("size", humanize.Bytes(uint64(len(entry.Bytes)))).
		Msg("Stored response")
	return nil
}

func (w *Worker) entryFor(key string, res *response.Response) (cache.CacheEntry, error) {
	storedAt := time.Now()
	b, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: storedAt,
	})
	if err != nil {
		return cache.CacheEntry{}, err
	}
	return cache.CacheEntry{Key: key, StoredAt: storedAt, Bytes: b}, nil
}

// get returns the response stored in c under key.
// An entry that cannot be decoded is removed and reported as a miss.
func (w *Worker) get(ctx context.Context, c cache.Cache, key string) (*response.Response, bool, error) {
	entry, ok, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, storageError(err, "could not read from cache")
	}
	if !ok {
		return nil, false, nil
	}
	res, ok := w.decode(entry)
	if !ok {
		if _, err := c.Delete(ctx, key); err != nil {
			w.log.Warn().Err(err).Str("key", key).Msg("Could not delete corrupt entry")
		}
	}
	return res, ok, nil
}

// match returns the first response stored under key in any cache.
func (w *Worker) match(ctx context.Context, key string) (*response.Response, bool, error) {
	entry, ok, err := w.storage.Match(ctx, key)
	if err != nil {
		return nil, false, storageError(err, "could not match in caches")
	}
	if !ok {
		return nil, false, nil
	}
	res, ok := w.decode(entry)
	return res, ok, nil
}

func (w *Worker) decode(entry cache.CacheEntry) (*response.Response, bool) {
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		w.log.Warn().Err(err).Str("key", entry.Key).Msg("Could not decode stored response")
		return nil, false
	}
	return sRes.Response, true
}

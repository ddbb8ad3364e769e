package swcache

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/always-cache/swcache/cache"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// Precache fetches every URL and stores all responses in the named cache, or stores nothing.
// Any failed fetch or non-2xx response fails the whole batch with CodePrecacheFailed.
func (w *Worker) Precache(ctx context.Context, namespace string, urls []string) error {
	entries := make([]cache.CacheEntry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, rawURL := range urls {
		g.Go(func() error {
			u, err := w.keyer.Resolve(rawURL)
			if err != nil {
				return fmt.Errorf("%s: %w", rawURL, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return fmt.Errorf("%s: %w", rawURL, err)
			}
			key, err := w.keyer.GetKey(req)
			if err != nil {
				return fmt.Errorf("%s: %w", rawURL, err)
			}
			res, err := w.fetcher.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !res.OK() {
				res.Body.Close()
				return fmt.Errorf("%s: unexpected status %d", rawURL, res.StatusCode)
			}
			entries[i], err = w.entryFor(key, res)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, CodePrecacheFailed, "could not fetch precache list")
	}

	c, err := w.storage.Open(ctx, namespace)
	if err != nil {
		return errors.Wrap(storageError(err, "could not open cache"), CodePrecacheFailed, "could not store precache list")
	}
	if err := c.PutAll(ctx, entries); err != nil {
		return errors.Wrap(storageError(err, "could not put responses"), CodePrecacheFailed, "could not store precache list")
	}
	w.log.Info().Str("cache", namespace).Int("count", len(entries)).Msg("Precached")
	return nil
}

// PurgeStale deletes every cache whose name is not in active and returns the deleted names.
// Failures are logged and do not stop the purge.
func (w *Worker) PurgeStale(ctx context.Context, active []string) []string {
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list caches")
		return nil
	}
	stale := make([]string, 0)
	for _, name := range names {
		if !slices.Contains(active, name) {
			stale = append(stale, name)
		}
	}

	deleted := make([]bool, len(stale))
	var g errgroup.Group
	for i, name := range stale {
		g.Go(func() error {
			ok, err := w.storage.Delete(ctx, name)
			if err != nil {
				w.log.Error().Err(err).Str("cache", name).Msg("Could not delete stale cache")
				return nil
			}
			deleted[i] = ok
			return nil
		})
	}
	g.Wait()

	purged := make([]string, 0, len(stale))
	for i, name := range stale {
		if deleted[i] {
			purged = append(purged, name)
			w.log.Info().Str("cache", name).Msg("Deleted stale cache")
		}
	}
	return purged
}

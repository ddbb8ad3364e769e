package swcache

import (
	"context"
	"net/http"

	"github.com/always-cache/swcache/pkg/response"
	"github.com/always-cache/swcache/rfc9211"
)

const (
	offlineNotice = "Offline: the page is not available in the cache and the network could not be reached."
	networkNotice = "Network error occurred"
)

// CacheFirst answers req from the cache if possible, otherwise from the network.
// Network responses that pass the storage policy are stored in namespace.
// It always returns a response: network failures yield a fallback.
func (w *Worker) CacheFirst(ctx context.Context, req *http.Request, namespace string) (*response.Response, rfc9211.CacheStatus) {
	return w.cacheFirst(ctx, req, namespace, w.storable)
}

// CacheFirstForMedia is CacheFirst without the storage policy: every network response is stored.
func (w *Worker) CacheFirstForMedia(ctx context.Context, req *http.Request, namespace string) (*response.Response, rfc9211.CacheStatus) {
	return w.cacheFirst(ctx, req, namespace, func(*response.Response) bool { return true })
}

// storable tells whether a network response may be stored under the configured policy.
func (w *Worker) storable(res *response.Response) bool {
	basic := res.Type == response.TypeBasic
	cors := res.Type == response.TypeCORS
	if w.settings.StoragePolicy == StoragePolicyStrict {
		return res.StatusCode == http.StatusOK && (basic || cors)
	}
	return (res.StatusCode == http.StatusOK && basic) || cors
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, namespace string, storable func(*response.Response) bool) (*response.Response, rfc9211.CacheStatus) {
	logger := w.log.With().Str("url", req.URL.String()).Logger()
	cs := rfc9211.CacheStatus{Cache: cacheStatusName}

	key, err := w.keyer.GetKey(req)
	if err != nil {
		// not storable, just go to the network
		logger.Debug().Err(err).Msg("Could not get key")
		cs.Forward(rfc9211.FwdReasonMethod)
		return w.fetchOrFallback(ctx, req, &cs), cs
	}

	c, err := w.storage.Open(ctx, namespace)
	if err != nil {
		logger.Error().Err(err).Str("cache", namespace).Msg("Could not open cache")
		c = nil
	} else if res, ok, err := w.get(ctx, c, key); err != nil {
		logger.Error().Err(err).Msg("Could not read from cache")
	} else if ok {
		logger.Trace().Str("cache", namespace).Msg("Serving from cache")
		cs.Hit()
		return res, cs
	}
	if res, ok, err := w.match(ctx, key); err != nil {
		logger.Error().Err(err).Msg("Could not match in caches")
	} else if ok {
		logger.Trace().Msg("Serving from cache")
		cs.Hit()
		return res, cs
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		logger.Warn().Err(err).Msg("Network request failed")
		return w.fallback(ctx, req, &cs), cs
	}
	cs.FwdStatus = res.StatusCode

	if c == nil || !storable(res) {
		return res, cs
	}
	stored, err := res.Clone()
	if err != nil {
		// the body could not be read: the page gets the same failure as the network would give
		logger.Warn().Err(err).Msg("Could not read response body")
		return w.fallback(ctx, req, &cs), cs
	}
	if err := w.put(ctx, c, key, stored); err != nil {
		logger.Error().Err(err).Msg("Could not store response")
	} else {
		cs.Stored = true
	}
	return res, cs
}

func (w *Worker) fetchOrFallback(ctx context.Context, req *http.Request, cs *rfc9211.CacheStatus) *response.Response {
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Network request failed")
		return w.fallback(ctx, req, cs)
	}
	cs.FwdStatus = res.StatusCode
	return res
}

// fallback is the response for a request that neither the cache nor the network could answer.
// Navigations get the cached offline page or a 503 notice, everything else a 408 notice.
func (w *Worker) fallback(ctx context.Context, req *http.Request, cs *rfc9211.CacheStatus) *response.Response {
	if !isNavigation(req) {
		cs.Detail = "network-error"
		return response.Text(http.StatusRequestTimeout, networkNotice)
	}
	cs.Detail = "offline"
	if w.settings.OfflinePage != "" {
		key, err := w.keyer.GetKeyForURL(w.settings.OfflinePage)
		if err == nil {
			res, ok, err := w.match(ctx, key)
			if err != nil {
				w.log.Error().Err(err).Msg("Could not match offline page")
			} else if ok {
				return res
			}
		}
	}
	return response.Text(http.StatusServiceUnavailable, offlineNotice)
}

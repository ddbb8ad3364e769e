package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/always-cache/swcache/cache"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	"github.com/always-cache/swcache/pkg/event"
	"github.com/always-cache/swcache/pkg/response"
	"github.com/always-cache/swcache/rfc9211"

	"github.com/rs/zerolog"
)

// ClientHeaderName is the request header a page uses to identify itself.
const ClientHeaderName = "Service-Worker-Client"

// cacheStatusName is the cache name used in Cache-Status headers.
const cacheStatusName = "swcache"

var ErrAlreadyResponded = errors.New("fetch event already responded to")

type Options struct {
	Settings *Settings
	// Storage for the named caches.
	Storage cache.Storage
	// Network primitive. An HTTPFetcher with the default client is used if nil.
	Fetcher Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is one deployed version of the cache: it owns the versioned cache names of its settings
// and handles install, activate, fetch and message events.
type Worker struct {
	settings *Settings
	storage  cache.Storage
	fetcher  Fetcher
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger

	mutex        sync.Mutex
	state        State
	skipWaiting  bool
	registration *Registration
	// closed when the worker becomes active or redundant
	settled     chan struct{}
	settledOnce sync.Once
}

func NewWorker(opts Options) *Worker {
	// use console logger if not specified in options
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("version", opts.Settings.Version).
		Logger()

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil, opts.Settings.Origin)
	}

	return &Worker{
		settings: opts.Settings,
		storage:  opts.Storage,
		fetcher:  fetcher,
		keyer:    cachekey.NewCacheKeyer(opts.Settings.Origin),
		log:      logger,
		state:    StateParsed,
		settled:  make(chan struct{}),
	}
}

func (w *Worker) Version() string {
	return w.settings.Version
}

func (w *Worker) Settings() *Settings {
	return w.settings
}

// DispatchInstall fires the install event.
// The returned event settles when the precache has been stored.
func (w *Worker) DispatchInstall(ctx context.Context) *event.ExtendableEvent {
	ev := event.New(ctx)
	w.onInstall(ev)
	return ev
}

// DispatchActivate fires the activate event.
// The returned event settles when stale caches are purged and the clients are claimed.
func (w *Worker) DispatchActivate(ctx context.Context) *event.ExtendableEvent {
	ev := event.New(ctx)
	w.onActivate(ev)
	return ev
}

// DispatchFetch fires the fetch event.
// If the worker intercepts the request, ev.Responded() is true after the call
// and ev.Response() yields the response.
func (w *Worker) DispatchFetch(ev *FetchEvent) {
	w.onFetch(ev)
}

// DispatchMessage fires the message event.
// Replies, if the message kind has one, are sent on port exactly once.
func (w *Worker) DispatchMessage(ctx context.Context, msg Message, port chan<- Reply) *event.ExtendableEvent {
	ev := event.New(ctx)
	w.onMessage(ev, msg, port)
	return ev
}

func (w *Worker) onFetch(ev *FetchEvent) {
	ev.Class = w.settings.classifyRequest(ev.Request, ev.URL)
	logger := getLogger(ev.Request)
	logger.Trace().Str("url", ev.URL.String()).Str("class", string(ev.Class)).Msg("Classified request")

	switch ev.Class {
	case ClassStatic:
		ev.RespondWith(func(ctx context.Context) (*response.Response, rfc9211.CacheStatus) {
			return w.CacheFirst(ctx, ev.upstreamRequest(ctx), w.settings.RuntimeName)
		})
	case ClassMedia:
		ev.RespondWith(func(ctx context.Context) (*response.Response, rfc9211.CacheStatus) {
			return w.CacheFirstForMedia(ctx, ev.upstreamRequest(ctx), w.mediaNamespace())
		})
	}
	// everything else is left to the network, untouched
}

// mediaNamespace is the main (precache) namespace, which also receives CACHE_MUSIC entries.
func (w *Worker) mediaNamespace() string {
	return w.settings.PrecacheName
}

// FetchEvent is one intercepted page request.
type FetchEvent struct {
	*event.ExtendableEvent
	Request *http.Request
	// Absolute URL of the request.
	URL      *url.URL
	ClientID string
	Class    Class

	mutex     sync.Mutex
	responded bool
	result    chan fetchResult
}

type fetchResult struct {
	res *response.Response
	cs  rfc9211.CacheStatus
}

func NewFetchEvent(ctx context.Context, r *http.Request, u *url.URL) *FetchEvent {
	return &FetchEvent{
		ExtendableEvent: event.New(ctx),
		Request:         r,
		URL:             u,
		ClientID:        r.Header.Get(ClientHeaderName),
		result:          make(chan fetchResult, 1),
	}
}

// RespondWith takes over the request: fn produces the response the page receives.
// A panic in fn yields a nil response, upon which the host falls back to the network.
func (e *FetchEvent) RespondWith(fn func(ctx context.Context) (*response.Response, rfc9211.CacheStatus)) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.responded {
		return ErrAlreadyResponded
	}
	e.responded = true
	e.WaitUntil(func(ctx context.Context) (err error) {
		var result fetchResult
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in fetch handler: %v", p)
			}
			e.result <- result
		}()
		result.res, result.cs = fn(ctx)
		return nil
	})
	return nil
}

// Responded reports whether the worker took over the request.
func (e *FetchEvent) Responded() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.responded
}

// Response blocks until the response is available.
// It must only be called once, and only if Responded is true.
func (e *FetchEvent) Response() (*response.Response, rfc9211.CacheStatus) {
	result := <-e.result
	return result.res, result.cs
}

// upstreamRequest is the request as it goes to the network: absolute URL, page headers.
func (e *FetchEvent) upstreamRequest(ctx context.Context) *http.Request {
	req := e.Request.Clone(ctx)
	req.URL = e.URL
	req.Host = e.URL.Host
	req.RequestURI = ""
	req.Header.Del(ClientHeaderName)
	return req
}

// isNavigation reports whether the request loads a page.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && acceptsHTML(r.Header.Get("Accept"))
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.TrimSpace(mediaType) == "text/html" {
			return true
		}
	}
	return false
}

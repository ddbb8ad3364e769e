package swcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/always-cache/swcache/rfc9211"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Client is a page known to the registration.
type Client struct {
	ID  string
	URL string
	// nil while the page is uncontrolled
	controller *Worker
}

func (c *Client) Controller() *Worker {
	return c.controller
}

// Registration hosts the workers of one origin. It is an http.Handler: requests from pages
// are dispatched as fetch events to the worker controlling the page, and go to the network
// unchanged when no worker takes them over.
type Registration struct {
	origin *url.URL
	log    zerolog.Logger
	proxy  *httputil.ReverseProxy

	mutex      sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	clients    map[string]*Client
}

// NewRegistration creates an empty registration for pages on origin.
// Requests the workers do not handle are sent over transport, http.DefaultTransport if nil.
func NewRegistration(origin *url.URL, logger *zerolog.Logger, transport http.RoundTripper) *Registration {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	r := &Registration{
		origin:  origin,
		log:     l.With().Str("origin", originOf(origin)).Logger(),
		clients: make(map[string]*Client),
	}
	r.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			u := r.resolve(pr.In)
			pr.Out.URL = u
			pr.Out.Host = u.Host
			pr.Out.Header.Del(ClientHeaderName)
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			getLogger(req).Error().Err(err).Msg("Error connecting to origin")
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		},
	}
	return r
}

// Register installs w and, once installed, activates it.
// Activation is deferred while an active worker controls pages, unless w skips waiting.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	w.mutex.Lock()
	w.registration = r
	w.mutex.Unlock()

	r.mutex.Lock()
	if r.installing != nil {
		r.installing.setState(StateRedundant)
	}
	r.installing = w
	r.mutex.Unlock()

	err := w.Install(ctx)

	r.mutex.Lock()
	if r.installing == w {
		r.installing = nil
	}
	if err != nil {
		r.mutex.Unlock()
		return err
	}
	if r.waiting != nil {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = w
	wait := !w.skipsWaiting() && r.active != nil && r.controlsClientsLocked(r.active)
	r.mutex.Unlock()

	if wait {
		r.log.Info().Str("version", w.Version()).Msg("Worker installed, waiting for pages of the active worker to close")
		return nil
	}
	return r.ActivateWaiting(ctx)
}

// ActivateWaiting promotes the waiting worker, if any, and makes the old active worker redundant.
func (r *Registration) ActivateWaiting(ctx context.Context) error {
	r.mutex.Lock()
	w := r.waiting
	if w == nil {
		r.mutex.Unlock()
		return nil
	}
	old := r.active
	r.waiting = nil
	r.active = w
	r.mutex.Unlock()

	if old != nil {
		old.setState(StateRedundant)
	}
	return w.Activate(ctx)
}

// Active returns the active worker, nil if there is none.
func (r *Registration) Active() *Worker {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.waiting
}

// Client returns the page with the given id.
func (r *Registration) Client(id string) (*Client, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Forget removes a closed page.
func (r *Registration) Forget(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.clients, id)
}

func (r *Registration) claim(w *Worker) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, c := range r.clients {
		c.controller = w
	}
	r.log.Debug().Int("clients", len(r.clients)).Str("version", w.Version()).Msg("Claimed clients")
}

func (r *Registration) controlsClientsLocked(w *Worker) bool {
	for _, c := range r.clients {
		if c.controller == w {
			return true
		}
	}
	return false
}

// controllerFor returns the worker controlling the page that made the request, nil if uncontrolled.
// A navigation makes the page controlled by the active worker, other requests keep the page's controller.
// Requests without a client id go to the active worker.
func (r *Registration) controllerFor(req *http.Request, u *url.URL) *Worker {
	id := req.Header.Get(ClientHeaderName)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if id == "" {
		return r.active
	}
	c, ok := r.clients[id]
	if !ok || isNavigation(req) {
		c = &Client{ID: id, URL: u.String(), controller: r.active}
		r.clients[id] = c
	}
	return c.controller
}

// resolve returns the absolute URL of a request, which is either a proxy request
// or a request relative to the origin.
func (r *Registration) resolve(req *http.Request) *url.URL {
	if req.URL.IsAbs() {
		u := *req.URL
		return &u
	}
	return r.origin.ResolveReference(&url.URL{
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	})
}

// ServeHTTP implements the http.Handler interface.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer r.recover(w, req)
	r.handle(w, req)
}

// recover recovers from panics and sends the request to the network if needed.
func (r *Registration) recover(w http.ResponseWriter, req *http.Request) {
	if err := recover(); err != nil {
		r.proxy.ServeHTTP(w, req)
		log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in fetch handler")
	}
}

func (r *Registration) handle(w http.ResponseWriter, req *http.Request) {
	logger := getLogger(req)
	u := r.resolve(req)

	worker := r.controllerFor(req, u)
	if worker == nil {
		logger.Trace().Str("url", u.String()).Msg("Uncontrolled, passing through")
		r.proxy.ServeHTTP(w, req)
		return
	}
	if err := worker.waitSettled(req.Context()); err != nil {
		return
	}
	if worker.State() != StateActive {
		// replaced while we waited, the page is left to the network
		r.proxy.ServeHTTP(w, req)
		return
	}

	ev := NewFetchEvent(req.Context(), req, u)
	worker.DispatchFetch(ev)
	if !ev.Responded() {
		r.proxy.ServeHTTP(w, req)
		return
	}

	res, cs := ev.Response()
	go func() {
		if err := ev.Wait(); err != nil {
			logger.Error().Err(err).Str("url", u.String()).Msg("Fetch handler failed")
		}
	}()
	if res == nil {
		r.proxy.ServeHTTP(w, req)
		return
	}

	res.Header.Set(rfc9211.HeaderName, cs.String())
	bytesWritten, err := res.Write(w)
	if err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// PostMessage sends msg to the active worker and returns its reply, if the message kind has one.
// Messages without reply are processed in the background.
func (r *Registration) PostMessage(ctx context.Context, msg Message) (Reply, bool, error) {
	w := r.Active()
	if w == nil {
		return Reply{}, false, fmt.Errorf("no active worker")
	}
	// the work outlives the caller
	ctx = context.WithoutCancel(ctx)
	port := make(chan Reply, 1)
	ev := w.DispatchMessage(ctx, msg, port)
	if !msg.HasReply() {
		go func() {
			if err := ev.Wait(); err != nil {
				r.log.Error().Err(err).Str("type", string(msg.Type)).Msg("Message handler failed")
			}
		}()
		return Reply{}, false, nil
	}
	if err := ev.Wait(); err != nil {
		r.log.Error().Err(err).Str("type", string(msg.Type)).Msg("Message handler failed")
	}
	select {
	case reply := <-port:
		return reply, true, nil
	default:
		return Reply{}, false, fmt.Errorf("no reply to %s", msg.Type)
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}

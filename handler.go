package swcache

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ControlPath is the path prefix of the control endpoints pages post messages to.
const ControlPath = "/.swcache"

const maxMessageSize = 1 << 20

// Handler returns the registration wrapped with the control endpoints and request logging.
//
//	POST /.swcache/message  control message, replied to with JSON
//	GET  /.swcache/status   registration status
//
// Everything else is handled by the registration.
func (r *Registration) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(hlog.NewHandler(r.log))
	// no header name: the response must stay what the network produced
	router.Use(hlog.RequestIDHandler("req_id", ""))
	router.Use(hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Debug().
			Str("method", req.Method).
			Stringer("url", req.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("")
	}))
	router.Post(ControlPath+"/message", r.serveMessage)
	router.Get(ControlPath+"/status", r.serveStatus)
	router.NotFound(r.ServeHTTP)
	router.MethodNotAllowed(r.ServeHTTP)
	return router
}

func (r *Registration) serveMessage(w http.ResponseWriter, req *http.Request) {
	// a proxied request for another host
	if req.URL.Host != "" && req.URL.Host != r.origin.Host {
		r.ServeHTTP(w, req)
		return
	}
	logger := getLogger(req)
	data, err := io.ReadAll(io.LimitReader(req.Body, maxMessageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err, logger)
		return
	}
	msg, err := ParseMessage(data)
	if err != nil {
		logger.Debug().Err(err).Msg("Rejected message")
		writeError(w, http.StatusBadRequest, err, logger)
		return
	}
	reply, ok, err := r.PostMessage(req.Context(), msg)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err, logger)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	status := http.StatusOK
	if reply.Type == ReplyCacheError || reply.Type == ReplyClearError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, reply, logger)
}

type workerStatus struct {
	Version string `json:"version"`
	State   State  `json:"state"`
}

type registrationStatus struct {
	Origin  string        `json:"origin"`
	Active  *workerStatus `json:"active,omitempty"`
	Waiting *workerStatus `json:"waiting,omitempty"`
	Caches  []string      `json:"caches"`
	Clients int           `json:"clients"`
}

func (r *Registration) serveStatus(w http.ResponseWriter, req *http.Request) {
	if req.URL.Host != "" && req.URL.Host != r.origin.Host {
		r.ServeHTTP(w, req)
		return
	}
	r.mutex.RLock()
	status := registrationStatus{
		Origin:  originOf(r.origin),
		Active:  statusOf(r.active),
		Waiting: statusOf(r.waiting),
		Clients: len(r.clients),
		Caches:  []string{},
	}
	active := r.active
	r.mutex.RUnlock()

	if active != nil {
		names, err := active.storage.Names(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, storageError(err, "could not list caches"), getLogger(req))
			return
		}
		status.Caches = names
	}
	writeJSON(w, http.StatusOK, status, getLogger(req))
}

func statusOf(w *Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{Version: w.Version(), State: w.State()}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

func writeError(w http.ResponseWriter, status int, err error, logger *zerolog.Logger) {
	writeJSON(w, status, errors.ToJSON(err), logger)
}

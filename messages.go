package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/always-cache/swcache/pkg/event"
	"github.com/always-cache/swcache/pkg/response"

	"github.com/jmgilman/go/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

type MessageType string

const (
	// Fetch and store the given URLs in the runtime cache, unless already present.
	MessageCacheURLs MessageType = "CACHE_URLS"
	// Delete the runtime cache.
	MessageClearCache MessageType = "CLEAR_CACHE"
	// Fetch and store one media URL in the main cache. Has no reply.
	MessageCacheMusic MessageType = "CACHE_MUSIC"
)

type ReplyType string

const (
	ReplyCacheComplete ReplyType = "CACHE_COMPLETE"
	ReplyCacheError    ReplyType = "CACHE_ERROR"
	ReplyClearComplete ReplyType = "CLEAR_COMPLETE"
	ReplyClearError    ReplyType = "CLEAR_ERROR"
)

type Message struct {
	Type MessageType `json:"type"`
	URLs []string    `json:"urls,omitempty"`
	URL  string      `json:"url,omitempty"`
}

type Reply struct {
	Type  ReplyType `json:"type"`
	Count *int      `json:"count,omitempty"`
	// Whether a cache was actually deleted, for CLEAR_COMPLETE.
	Deleted *bool  `json:"deleted,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrUnknownMessage is returned by ParseMessage for messages that are not understood.
// Such messages are ignored.
var ErrUnknownMessage = errors.New(errors.CodeInvalidInput, "unknown message type")

// HasReply reports whether the sender of the message waits for a reply.
func (m Message) HasReply() bool {
	return m.Type == MessageCacheURLs || m.Type == MessageClearCache
}

// ParseMessage decodes a JSON control message.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if !gjson.ValidBytes(data) {
		return msg, errors.New(errors.CodeInvalidInput, "message is not valid JSON")
	}
	switch typ := MessageType(gjson.GetBytes(data, "type").String()); typ {
	case MessageCacheURLs:
		if !gjson.GetBytes(data, "urls").IsArray() {
			return msg, errors.New(errors.CodeInvalidInput, "urls must be an array")
		}
	case MessageCacheMusic:
		if gjson.GetBytes(data, "url").Type != gjson.String {
			return msg, errors.New(errors.CodeInvalidInput, "url must be a string")
		}
	case MessageClearCache:
	default:
		return msg, errors.WithContext(ErrUnknownMessage, "type", string(typ))
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errors.Wrap(err, errors.CodeInvalidInput, "could not decode message")
	}
	return msg, nil
}

func (w *Worker) onMessage(ev *event.ExtendableEvent, msg Message, port chan<- Reply) {
	reply := func(r Reply) {
		if port == nil {
			w.log.Warn().Str("type", string(msg.Type)).Msg("No port to reply on")
			return
		}
		port <- r
	}

	switch msg.Type {
	case MessageCacheURLs:
		ev.WaitUntil(func(ctx context.Context) error {
			r := w.cacheURLs(ctx, msg.URLs)
			reply(r)
			if r.Type == ReplyCacheError {
				return errors.New(CodeControlChannel, r.Message)
			}
			return nil
		})
	case MessageClearCache:
		ev.WaitUntil(func(ctx context.Context) error {
			r := w.clearRuntime(ctx)
			reply(r)
			if r.Type == ReplyClearError {
				return errors.New(CodeControlChannel, r.Message)
			}
			return nil
		})
	case MessageCacheMusic:
		ev.WaitUntil(func(ctx context.Context) error {
			w.cacheMedia(ctx, msg.URL)
			return nil
		})
	default:
		w.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message")
	}
}

// cacheURLs stores every URL not yet in any cache into the runtime cache.
// Individual URLs may fail without failing the batch.
func (w *Worker) cacheURLs(ctx context.Context, urls []string) Reply {
	c, err := w.storage.Open(ctx, w.settings.RuntimeName)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not open runtime cache")
		return Reply{Type: ReplyCacheError, Message: err.Error()}
	}

	var g errgroup.Group
	for _, rawURL := range urls {
		g.Go(func() error {
			logger := w.log.With().Str("url", rawURL).Logger()
			u, err := w.keyer.Resolve(rawURL)
			if err != nil {
				logger.Warn().Err(err).Msg("Invalid URL")
				return nil
			}
			key, err := w.keyer.GetKeyForURL(u.String())
			if err != nil {
				logger.Warn().Err(err).Msg("Could not get key")
				return nil
			}
			if _, ok, err := w.get(ctx, c, key); err != nil {
				logger.Warn().Err(err).Msg("Could not read from cache")
			} else if ok {
				logger.Trace().Msg("Already cached")
				return nil
			}
			// precached entries count as cached too
			if _, ok, err := w.match(ctx, key); err != nil {
				logger.Warn().Err(err).Msg("Could not match in caches")
			} else if ok {
				logger.Trace().Msg("Already cached")
				return nil
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				logger.Warn().Err(err).Msg("Could not create request")
				return nil
			}
			res, err := w.fetcher.Fetch(ctx, req)
			if err != nil {
				logger.Warn().Err(err).Msg("Could not fetch")
				return nil
			}
			if res.StatusCode != http.StatusOK || (res.Type != response.TypeBasic && res.Type != response.TypeCORS) {
				res.Body.Close()
				logger.Debug().Int("status", res.StatusCode).Str("type", string(res.Type)).Msg("Not storing response")
				return nil
			}
			if err := w.put(ctx, c, key, res); err != nil {
				logger.Warn().Err(err).Msg("Could not store response")
			}
			return nil
		})
	}
	g.Wait()

	count := len(urls)
	return Reply{Type: ReplyCacheComplete, Count: &count}
}

func (w *Worker) clearRuntime(ctx context.Context) Reply {
	deleted, err := w.storage.Delete(ctx, w.settings.RuntimeName)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not clear runtime cache")
		return Reply{Type: ReplyClearError, Message: err.Error()}
	}
	w.log.Info().Bool("deleted", deleted).Msg("Cleared runtime cache")
	return Reply{Type: ReplyClearComplete, Deleted: &deleted}
}

// cacheMedia stores the response for rawURL in the main cache, whatever its status.
func (w *Worker) cacheMedia(ctx context.Context, rawURL string) {
	logger := w.log.With().Str("url", rawURL).Logger()
	key, err := w.keyer.GetKeyForURL(rawURL)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid URL")
		return
	}
	req, err := w.keyer.GetRequestFromKey(key)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not create request")
		return
	}
	res, err := w.fetcher.Fetch(ctx, req.WithContext(ctx))
	if err != nil {
		logger.Warn().Err(err).Msg("Could not fetch media")
		return
	}
	c, err := w.storage.Open(ctx, w.mediaNamespace())
	if err != nil {
		res.Body.Close()
		logger.Error().Err(err).Msg("Could not open cache")
		return
	}
	if err := w.put(ctx, c, key, res); err != nil {
		logger.Error().Err(err).Msg("Could not store media")
		return
	}
	logger.Info().Int("status", res.StatusCode).Msg("Cached media")
}

func (r Reply) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%s (%v)", r.Type, err)
	}
	return string(b)
}

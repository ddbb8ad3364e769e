package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer creates the canonical identity of a request: method plus absolute URL.
// Relative URLs are resolved against the page origin.
type CacheKeyer struct {
	// Origin of the page, e.g. `https://app.example.com`.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// Resolve returns the absolute form of a possibly relative URL, without fragment.
func (c CacheKeyer) Resolve(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if c.Origin != nil {
		u = c.Origin.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("URL is not absolute: %s", rawURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// GetKey returns the cache key for a request.
// Only GET requests can be stored, for other methods ErrorMethodNotSupported is returned.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet && r.Method != "" {
		return "", ErrorMethodNotSupported
	}
	u, err := c.Resolve(r.URL.String())
	if err != nil {
		return "", err
	}
	return http.MethodGet + methodSeparator + u.String(), nil
}

// GetKeyForURL returns the cache key for a GET of the given URL.
func (c CacheKeyer) GetKeyForURL(rawURL string) (string, error) {
	u, err := c.Resolve(rawURL)
	if err != nil {
		return "", err
	}
	return http.MethodGet + methodSeparator + u.String(), nil
}

// GetRequestFromKey generates a request equal (caching-wise) to the request that resulted in the
// provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

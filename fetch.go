package swcache

import (
	"context"
	"net/http"
	"net/url"

	"github.com/always-cache/swcache/pkg/response"
)

// Fetcher is the network primitive: it turns a request into a response or a failure.
// The request URL must be absolute.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*response.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*response.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*response.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches over HTTP on behalf of the page and types the response
// the way a browser would for a page on the given origin.
type HTTPFetcher struct {
	client *http.Client
	origin string
}

func NewHTTPFetcher(client *http.Client, pageOrigin *url.URL) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, origin: originOf(pageOrigin)}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*response.Response, error) {
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := req.Body
	if req.ContentLength == 0 {
		body = nil
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, networkError(err, req.URL.String())
	}
	copyHeader(out.Header, req.Header)
	// do not forward connection header, this causes trouble
	out.Header.Del("Connection")
	out.Header.Del(ClientHeaderName)
	crossOrigin := originOf(out.URL) != f.origin
	if crossOrigin {
		out.Header.Set("Origin", f.origin)
	}

	res, err := f.client.Do(out)
	if err != nil {
		return nil, networkError(err, req.URL.String())
	}
	typ := response.TypeBasic
	if crossOrigin {
		typ = response.TypeOpaque
		if acao := res.Header.Get("Access-Control-Allow-Origin"); acao == "*" || acao == f.origin {
			typ = response.TypeCORS
		}
	}
	return response.FromHTTP(res, typ), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

package response

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Type mirrors the fetch response type: it tells whether the page may read the response
// and whether it came from the page's own origin.
type Type string

const (
	// Same-origin response.
	TypeBasic Type = "basic"
	// Cross-origin response the remote origin allowed the page to read.
	TypeCORS Type = "cors"
	// Cross-origin response the page is not allowed to read.
	TypeOpaque Type = "opaque"
	// Network error.
	TypeError Type = "error"
	// Response constructed locally (fallbacks, notices).
	TypeDefault Type = "default"
)

// Response is a fetched or stored HTTP response.
// The body can be read only once, use Clone before handing the response to two consumers.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Type       Type
	// URL the response was fetched from, if any.
	URL string
}

// New creates a response with an in-memory body.
func New(statusCode int, header http.Header, body []byte, typ Type) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		StatusCode: statusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Type:       typ,
	}
}

// FromHTTP wraps a response returned by an http.Client.
// The body is not read.
func FromHTTP(res *http.Response, typ Type) *Response {
	r := &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       res.Body,
		Type:       typ,
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	if r.Body == nil {
		r.Body = http.NoBody
	}
	if res.Request != nil && res.Request.URL != nil {
		r.URL = res.Request.URL.String()
	}
	return r
}

// Text creates a plain text response.
func Text(statusCode int, text string) *Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(text)))
	return New(statusCode, header, []byte(text), TypeDefault)
}

// OK reports whether the status is in the 200-299 range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// Clone duplicates the response.
// The body is buffered once and both r and the returned response get their own reader over it,
// so the two can be consumed independently.
func (r *Response) Clone() (*Response, error) {
	body, err := r.buffer()
	if err != nil {
		return nil, err
	}
	c := *r
	c.Header = r.Header.Clone()
	c.Body = io.NopCloser(bytes.NewReader(body))
	return &c, nil
}

// ReadBody consumes the body and returns its contents.
func (r *Response) ReadBody() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// buffer reads the body into memory and puts a fresh reader back on r.
func (r *Response) buffer() ([]byte, error) {
	body, err := r.ReadBody()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Write sends the response to the client and returns the number of body bytes written.
func (r *Response) Write(w http.ResponseWriter) (int64, error) {
	copyHeader(w.Header(), r.Header)
	w.WriteHeader(r.StatusCode)
	if r.Body == nil {
		return 0, nil
	}
	defer r.Body.Close()
	return io.Copy(w, r.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

package serializer

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/swcache/pkg/response"

	"lukechampine.com/blake3"
)

const (
	storedAtHeaderName = "Swcache-Stored-At"
	typeHeaderName     = "Swcache-Type"
	urlHeaderName      = "Swcache-Url"
	digestHeaderName   = "Swcache-Digest"
	// set when the stored response had no Content-Length of its own
	noLengthHeaderName = "Swcache-No-Content-Length"
)

// ErrDigestMismatch is returned when a stored body does not match the digest recorded at put-time.
var ErrDigestMismatch = errors.New("stored body digest mismatch")

type StoredResponse struct {
	Response *response.Response
	// The value of the clock when the response was put into the cache.
	StoredAt time.Time
}

// StoredResponseToBytes consumes the response body and returns the snapshot bytes.
// Callers that still need the response must hand in a clone.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	body, err := res.ReadBody()
	if err != nil {
		return nil, err
	}
	header := res.Header.Clone()
	header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	header.Set(typeHeaderName, string(res.Type))
	header.Set(digestHeaderName, Digest(body))
	if res.URL != "" {
		header.Set(urlHeaderName, res.URL)
	}
	if _, ok := res.Header["Content-Length"]; !ok {
		header.Set(noLengthHeaderName, "1")
	}
	return responseToBytes(res.StatusCode, header, body)
}

// BytesToStoredResponse decodes a snapshot and verifies its body digest.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, err
	}
	if want := res.Header.Get(digestHeaderName); want != "" && want != Digest(body) {
		return sRes, ErrDigestMismatch
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, err
	}
	sRes.StoredAt = time.Unix(storedAt, 0)

	typ := response.Type(res.Header.Get(typeHeaderName))
	url := res.Header.Get(urlHeaderName)
	// the wire format always carries a length, drop it if the original response had none
	if res.Header.Get(noLengthHeaderName) != "" {
		res.Header.Del("Content-Length")
	}
	// delete extra headers
	for _, name := range []string{storedAtHeaderName, typeHeaderName, urlHeaderName, digestHeaderName, noLengthHeaderName} {
		res.Header.Del(name)
	}
	sRes.Response = response.New(res.StatusCode, res.Header, body, typ)
	sRes.Response.URL = url
	return sRes, nil
}

// Digest returns the hex encoded BLAKE3 hash of a body.
func Digest(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// responseToBytes returns the HTTP/1.1 representation of the response.
func responseToBytes(statusCode int, header http.Header, body []byte) ([]byte, error) {
	res := &http.Response{
		StatusCode:    statusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package cachestore

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	offlineedge "github.com/swaccha-ap/offline-edge"
)

// ResponseType mirrors the fetch response type of a stored response.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"
	// TypeCORS is a cross-origin response the origin allowed us to read.
	TypeCORS ResponseType = "cors"
	// TypeOpaque is a cross-origin response without CORS headers.
	TypeOpaque ResponseType = "opaque"
)

// Response is a snapshot of an HTTP response held in a cache.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	Hash     offlineedge.Hash
	StoredAt time.Time
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// ContentType returns the Content-Type header.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Snapshot reads resp fully and closes its body. The body is hashed as it
// is read.
func Snapshot(resp *http.Response, typ ResponseType) (*Response, error) {
	defer func() { _ = resp.Body.Close() }()

	hr := offlineedge.NewHashingReader(resp.Body)
	body, err := io.ReadAll(hr)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		Type:   typ,
		Hash:   hr.Sum(),
	}, nil
}

// HTTPResponse builds a fresh *http.Response for req from the snapshot.
// Each call returns an independent body.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

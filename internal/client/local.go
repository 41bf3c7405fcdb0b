package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// localBaseURL is never dialed; requests go straight to the handler.
const localBaseURL = "http://festdb.local"

// handlerTransport serves requests from an in-process handler.
type handlerTransport struct {
	h http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	buf := &responseBuffer{header: make(http.Header)}
	t.h.ServeHTTP(buf, req)
	return buf.response(req), nil
}

// responseBuffer collects a handler's response in memory.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *responseBuffer) response(req *http.Request) *http.Response {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        b.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(b.body.Bytes())),
		ContentLength: int64(b.body.Len()),
		Request:       req,
	}
}

// NewLocal returns a client that calls h directly instead of a remote
// server. Change streams are not available on a local client.
func NewLocal(h http.Handler, adminToken string) *Client {
	c := New(localBaseURL, adminToken)
	c.HTTP = &http.Client{Transport: handlerTransport{h: h}}
	c.local = true
	return c
}

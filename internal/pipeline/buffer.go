package pipeline

import (
	"bytes"
	"net/http"
	"strconv"
)

// bufferedWriter captures the handler's response in memory so the
// response stages can inspect and rewrite it before anything reaches
// the wire.
type bufferedWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.buf.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

// flush emits the captured status and headers with body, which may
// differ from what the handler wrote.
func (b *bufferedWriter) flush(w http.ResponseWriter, body []byte) {
	h := w.Header()
	for k, vv := range b.header {
		h[k] = vv
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(b.statusCode())
	w.Write(body)
}

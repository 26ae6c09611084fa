package selectors

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/evently-cloud/rest-api/pkg/event"
)

// ContentTypeNDJSON is the stream framing for selector results.
const ContentTypeNDJSON = "application/x-ndjson; charset=utf-8"

// highWaterMark bounds the buffered bytes before a flush; the flush
// blocks on the response writer, which is the back-pressure that holds
// the database fetches back for a slow consumer.
const highWaterMark = 8 * 1024

type ndjsonWriter struct {
	w   http.ResponseWriter
	f   http.Flusher
	buf bytes.Buffer
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	f, _ := w.(http.Flusher)
	return &ndjsonWriter{w: w, f: f}
}

func (nw *ndjsonWriter) Write(ev event.Persisted) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	nw.buf.Write(b)
	nw.buf.WriteByte('\n')

	if nw.buf.Len() >= highWaterMark {
		return nw.Flush()
	}
	return nil
}

func (nw *ndjsonWriter) Flush() error {
	if nw.buf.Len() == 0 {
		return nil
	}
	_, err := nw.w.Write(nw.buf.Bytes())
	nw.buf.Reset()
	if nw.f != nil {
		nw.f.Flush()
	}
	return err
}

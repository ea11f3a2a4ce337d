package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// sseWriter emits SSE frames while guarding the stream's shape: no empty
// events, no doubled delimiters, and header setup exactly once.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher

	wroteData        bool
	lastWasDelimiter bool
	failed           bool
}

// newSSEWriter prepares the response for streaming. Returns nil when the
// underlying writer cannot flush, in which case streaming is impossible.
func newSSEWriter(c *gin.Context) *sseWriter {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	return &sseWriter{w: c.Writer, flusher: flusher}
}

// Failed reports whether a prior write errored, which means the client is
// gone and further frames are pointless.
func (s *sseWriter) Failed() bool { return s.failed }

func (s *sseWriter) write(p []byte) {
	if s.failed {
		return
	}
	if _, err := s.w.Write(p); err != nil {
		s.failed = true
	}
}

// writeLine emits one SSE line, treating an empty line as the event
// delimiter and suppressing delimiters before any data has been sent.
func (s *sseWriter) writeLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		if !s.wroteData || s.lastWasDelimiter {
			return
		}
		s.write([]byte("\n"))
		s.lastWasDelimiter = true
		return
	}
	s.write(line)
	s.write([]byte("\n"))
	s.lastWasDelimiter = false
	if bytes.HasPrefix(line, []byte("data:")) && len(bytes.TrimSpace(line[5:])) > 0 {
		s.wroteData = true
	}
}

// Data emits one `data: <json>` event in the Chat Completions grammar.
func (s *sseWriter) Data(payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.writeLine(append([]byte("data: "), body...))
	s.writeLine(nil)
	s.flusher.Flush()
}

// Done emits the Chat Completions terminal sentinel.
func (s *sseWriter) Done() {
	s.writeLine([]byte("data: [DONE]"))
	s.writeLine(nil)
	s.flusher.Flush()
}

// Event emits one named event in the Responses grammar.
func (s *sseWriter) Event(name string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.writeLine([]byte("event: " + name))
	s.writeLine(append([]byte("data: "), body...))
	s.writeLine(nil)
	s.flusher.Flush()
}

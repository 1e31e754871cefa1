package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/medchat/internal/common"
)

const streamDone = "[DONE]"

// sseWriter frames UI message stream events as server-sent events.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

// startSSE writes the stream headers. On false the error response is
// already written.
func startSSE(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return nil, false
	}
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // helpful if behind nginx
	h.Set("x-vercel-ai-ui-message-stream", "v1")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	flusher.Flush()
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

func (s *sseWriter) data(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ping is a comment line; clients ignore it.
func (s *sseWriter) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() error {
	return s.data([]byte(streamDone))
}

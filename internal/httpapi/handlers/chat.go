package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/assistant"
	"github.com/suPer8Hu/medchat/internal/chat"
	"github.com/suPer8Hu/medchat/internal/common"
	"github.com/suPer8Hu/medchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/medchat/internal/streambuf"
)

type postChatReq struct {
	ID      string          `json:"id"`
	Message *chat.UIMessage `json:"message"`
}

// PostChat runs one orchestrated turn and streams it back as UI message
// events. The transcript is saved only when the stream completes.
func (h *Handler) PostChat(c *gin.Context) {
	var req postChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	u := middleware.User(c)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	turn, err := h.Assistant.Prepare(ctx, u, assistant.Request{ChatID: req.ID, Message: req.Message})
	if err != nil {
		h.failPrepare(c, err)
		return
	}
	log := h.Log.With().
		Str("request_id", c.GetString(middleware.RequestIDKey)).
		Str("practitioner_id", u.PractitionerID).
		Str("chat_id", turn.ChatID).
		Logger()

	streamID := common.NewStreamID()
	if err := h.Chats.AppendStreamID(ctx, turn.ChatID, u.PractitionerID, streamID); err != nil {
		log.Warn().Err(err).Msg("record stream id; stream will not be resumable")
		streamID = ""
	}
	turn.StreamID = streamID

	sse, ok := startSSE(c)
	if !ok {
		return
	}
	buf := h.bufferFor(streamID, log)
	defer buf.close()

	type result struct {
		msg chat.UIMessage
		err error
	}
	events := make(chan []byte, 16)
	done := make(chan result, 1)
	go func() {
		defer close(events)
		msg, err := turn.Stream(ctx, func(ev assistant.Event) error {
			b, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			select {
			case events <- b:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		done <- result{msg: msg, err: err}
	}()

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(h.heartbeat())
	defer ticker.Stop()

	for {
		select {
		case b, ok := <-events:
			if !ok {
				res := <-done
				h.finishTurn(ctx, turn, res.msg, res.err, sse, buf, log)
				return
			}
			buf.append(b)
			if err := sse.data(b); err != nil {
				log.Info().Err(err).Msg("client went away; turn discarded")
				return
			}

		case <-ticker.C:
			if err := sse.ping(); err != nil {
				log.Info().Err(err).Msg("client went away; turn discarded")
				return
			}

		case <-ctx.Done():
			log.Info().Msg("request cancelled; turn discarded")
			return
		}
	}
}

func (h *Handler) finishTurn(ctx context.Context, turn *assistant.Turn, msg chat.UIMessage, streamErr error, sse *sseWriter, buf *streamRecorder, log zerolog.Logger) {
	if streamErr != nil {
		// the stream already carries an error event for provider failures
		log.Warn().Err(streamErr).Msg("turn failed; nothing saved")
		return
	}
	if err := h.Assistant.Commit(context.WithoutCancel(ctx), turn, msg); err != nil {
		log.Error().Err(err).Msg("save chat")
		b, _ := json.Marshal(assistant.Event{Type: assistant.EventError, ErrorText: "The reply could not be saved. Please try again."})
		buf.append(b)
		_ = sse.data(b)
	}
	buf.append([]byte(streamDone))
	_ = sse.done()
}

func (h *Handler) failPrepare(c *gin.Context, err error) {
	var verr *assistant.ValidationError
	switch {
	case errors.Is(err, assistant.ErrUnauthenticated):
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	case errors.As(err, &verr):
		common.Fail(c, http.StatusBadRequest, 40001, verr.Error())
	case errors.Is(err, assistant.ErrChatCreate):
		h.Log.Error().Err(err).Msg("create chat")
		common.Fail(c, http.StatusInternalServerError, 50002, "Failed to create chat. Please try again.")
	default:
		h.Log.Error().Err(err).Msg("prepare chat turn")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

// GetChat answers either a tool-status query or a chat status lookup.
func (h *Handler) GetChat(c *gin.Context) {
	if c.Query("action") == "tool-status" {
		h.toolStatus(c)
		return
	}
	chatID := strings.TrimSpace(c.Query("chatId"))
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10003, "chatId required")
		return
	}
	u := middleware.User(c)
	ch, err := h.Chats.GetChat(c.Request.Context(), chatID, u.PractitionerID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "chat not found")
			return
		}
		h.Log.Error().Err(err).Str("chat_id", chatID).Msg("get chat")
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	common.OK(c, gin.H{
		"chatId":    ch.ID,
		"exists":    true,
		"title":     ch.Title,
		"pinned":    ch.Pinned,
		"createdAt": ch.CreatedAt,
		"updatedAt": ch.UpdatedAt,
	})
}

func (h *Handler) toolStatus(c *gin.Context) {
	set := h.Tools.Tools(c.Request.Context())
	names := set.Names()
	common.OK(c, gin.H{
		"enabled":   h.Tools.Enabled(),
		"toolCount": len(names),
		"tools":     names,
		"user":      viewOf(middleware.User(c)),
	})
}

// ResumeChatStream replays the chat's latest stream and follows it until it
// finishes. 204 means there is nothing to resume. A stream that ended without
// completing is closed with an error event, never with [DONE].
func (h *Handler) ResumeChatStream(c *gin.Context) {
	u := middleware.User(c)
	ctx := c.Request.Context()
	chatID := c.Param("id")

	ids, err := h.Chats.LoadStreams(ctx, chatID, u.PractitionerID)
	if err != nil {
		h.Log.Error().Err(err).Str("chat_id", chatID).Msg("load streams")
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	if len(ids) == 0 || h.Streams == nil {
		c.Status(http.StatusNoContent)
		return
	}
	streamID := ids[len(ids)-1]
	if _, _, err := h.Streams.Read(ctx, streamID, 0); err != nil {
		if !errors.Is(err, streambuf.ErrUnknownStream) {
			h.Log.Warn().Err(err).Str("stream_id", streamID).Msg("read stream buffer")
		}
		c.Status(http.StatusNoContent)
		return
	}

	sse, ok := startSSE(c)
	if !ok {
		return
	}
	sawDone, sawError := false, false
	err = streambuf.Follow(ctx, h.Streams, streamID, h.resumePoll(), func(ev []byte) error {
		switch {
		case string(ev) == streamDone:
			sawDone = true
		case isErrorEvent(ev):
			sawError = true
		}
		return sse.data(ev)
	})
	if err != nil {
		if ctx.Err() == nil {
			h.Log.Warn().Err(err).Str("stream_id", streamID).Msg("follow stream")
		}
		return
	}
	if !sawDone && !sawError {
		b, _ := json.Marshal(assistant.Event{Type: assistant.EventError, ErrorText: "The reply was interrupted and not saved. Please try again."})
		_ = sse.data(b)
	}
}

func isErrorEvent(b []byte) bool {
	var ev struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(b, &ev) == nil && ev.Type == assistant.EventError
}

type completionReq struct {
	Prompt string `json:"prompt"`
}

// Completion streams a single-shot answer with no tools and no history.
func (h *Handler) Completion(c *gin.Context) {
	var req completionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		common.Fail(c, http.StatusBadRequest, 40001, "prompt required")
		return
	}

	sse, ok := startSSE(c)
	if !ok {
		return
	}
	err := h.Assistant.Complete(c.Request.Context(), req.Prompt, func(ev assistant.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return sse.data(b)
	})
	if err != nil {
		h.Log.Warn().Err(err).Msg("completion failed")
		b, _ := json.Marshal(assistant.Event{Type: assistant.EventError, ErrorText: "The assistant failed to respond. Please try again."})
		_ = sse.data(b)
		return
	}
	_ = sse.done()
}

// streamRecorder copies emitted events into the stream buffer. After the
// first buffer failure it stops recording.
type streamRecorder struct {
	buf      streambuf.Buffer
	streamID string
	log      zerolog.Logger
	failed   bool
}

func (h *Handler) bufferFor(streamID string, log zerolog.Logger) *streamRecorder {
	r := &streamRecorder{buf: h.Streams, streamID: streamID, log: log}
	if h.Streams == nil || streamID == "" {
		r.failed = true
	}
	return r
}

func (r *streamRecorder) append(b []byte) {
	if r.failed {
		return
	}
	if err := r.buf.Append(context.Background(), r.streamID, b); err != nil {
		r.log.Warn().Err(err).Str("stream_id", r.streamID).Msg("buffer stream event")
		r.failed = true
	}
}

func (r *streamRecorder) close() {
	if r.buf == nil || r.streamID == "" {
		return
	}
	if err := r.buf.Close(context.Background(), r.streamID); err != nil {
		r.log.Warn().Err(err).Str("stream_id", r.streamID).Msg("close stream buffer")
	}
}

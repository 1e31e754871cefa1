package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/medchat/internal/chat"
	"github.com/suPer8Hu/medchat/internal/common"
	"github.com/suPer8Hu/medchat/internal/httpapi/middleware"
)

func (h *Handler) failChat(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "chat not found")
	case errors.Is(err, chat.ErrUserNotFound):
		common.Fail(c, http.StatusUnauthorized, 40103, "user no longer exists")
	default:
		h.Log.Error().Err(err).Str("op", op).Msg("chat operation failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
	}
}

func (h *Handler) ListChats(c *gin.Context) {
	u := middleware.User(c)
	chats, err := h.Chats.GetUserChats(c.Request.Context(), u.PractitionerID)
	if err != nil {
		h.failChat(c, err, "list")
		return
	}
	common.OK(c, gin.H{"chats": chats})
}

type chatTitleReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	var req chatTitleReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	u := middleware.User(c)
	id, err := h.Chats.CreateChat(c.Request.Context(), u.PractitionerID, req.Title)
	if err != nil {
		h.failChat(c, err, "create")
		return
	}
	common.OK(c, gin.H{"chatId": id})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	u := middleware.User(c)
	ctx := c.Request.Context()
	chatID := c.Param("id")

	// LoadChat hides foreign chats as empty; the route answers 404 instead
	if _, err := h.Chats.GetChat(ctx, chatID, u.PractitionerID); err != nil {
		h.failChat(c, err, "get")
		return
	}
	msgs, err := h.Chats.LoadChat(ctx, chatID, u.PractitionerID)
	if err != nil {
		h.failChat(c, err, "load")
		return
	}
	common.OK(c, gin.H{"chatId": chatID, "messages": msgs})
}

func (h *Handler) RenameChat(c *gin.Context) {
	var req chatTitleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		common.Fail(c, http.StatusBadRequest, 10004, "title required")
		return
	}
	u := middleware.User(c)
	if err := h.Chats.UpdateChatTitle(c.Request.Context(), c.Param("id"), u.PractitionerID, title); err != nil {
		h.failChat(c, err, "rename")
		return
	}
	common.OK(c, gin.H{"chatId": c.Param("id"), "title": title})
}

func (h *Handler) TogglePinChat(c *gin.Context) {
	u := middleware.User(c)
	pinned, err := h.Chats.TogglePinChat(c.Request.Context(), c.Param("id"), u.PractitionerID)
	if err != nil {
		h.failChat(c, err, "pin")
		return
	}
	common.OK(c, gin.H{"chatId": c.Param("id"), "pinned": pinned})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	u := middleware.User(c)
	if err := h.Chats.DeleteChat(c.Request.Context(), c.Param("id"), u.PractitionerID); err != nil {
		h.failChat(c, err, "delete")
		return
	}
	common.OK(c, gin.H{"chatId": c.Param("id"), "deleted": true})
}

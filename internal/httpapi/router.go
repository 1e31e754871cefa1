package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/medchat/internal/common"
	"github.com/suPer8Hu/medchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/medchat/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(h.Log))
	r.Use(middleware.Recovery(h.Log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/healthz", h.Healthz)

	r.Use(middleware.Session(h.Sessions, h.Cfg.SessionCookie))

	// auth
	r.POST("/auth/session", h.CreateSession)
	r.DELETE("/auth/session", h.DeleteSession)

	authGroup := r.Group("/")
	authGroup.Use(middleware.SessionRequired())
	authGroup.GET("/auth/session", h.GetSession)
	authGroup.GET("/auth/me", h.Me)

	// orchestration
	authGroup.POST("/chat", h.PostChat)
	authGroup.GET("/chat", h.GetChat)
	authGroup.GET("/chat/:id/stream", h.ResumeChatStream)
	authGroup.POST("/completion", h.Completion)

	// chat management
	authGroup.GET("/chats", h.ListChats)
	authGroup.POST("/chats", h.CreateChat)
	authGroup.GET("/chats/:id/messages", h.ListChatMessages)
	authGroup.PATCH("/chats/:id", h.RenameChat)
	authGroup.POST("/chats/:id/pin", h.TogglePinChat)
	authGroup.DELETE("/chats/:id", h.DeleteChat)

	// knowledge base
	authGroup.POST("/collections", h.CreateCollection)
	authGroup.GET("/collections", h.ListCollections)
	authGroup.DELETE("/collections/:id", h.DeleteCollection)
	authGroup.GET("/collections/jobs/:id", h.GetIngestJob)

	// tool server
	authGroup.GET("/mcp/status", h.MCPStatus)
	authGroup.POST("/mcp/refresh", h.MCPRefresh)
	return r
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/assistant"
	"github.com/suPer8Hu/medchat/internal/auth"
	"github.com/suPer8Hu/medchat/internal/chat"
	"github.com/suPer8Hu/medchat/internal/common"
	"github.com/suPer8Hu/medchat/internal/config"
	"github.com/suPer8Hu/medchat/internal/knowledge"
	"github.com/suPer8Hu/medchat/internal/mcp"
	"github.com/suPer8Hu/medchat/internal/streambuf"
	"github.com/suPer8Hu/medchat/internal/users"
	"gorm.io/gorm"
)

// Verifier checks a SMART launch against the FHIR server and returns the
// practitioner's display name.
type Verifier interface {
	Verify(ctx context.Context, baseURL, practitionerID, accessToken string) (string, error)
}

type Handler struct {
	DB        *gorm.DB
	Cfg       *config.Config
	Log       zerolog.Logger
	Chats     *chat.Service
	Users     *users.Repo
	Sessions  *auth.Manager
	Verifier  Verifier
	Assistant *assistant.Assistant
	Knowledge *knowledge.Service
	Ingestor  *knowledge.Ingestor
	Tools     *mcp.Registry
	Streams   streambuf.Buffer

	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// ResumePoll is how often a resumed stream checks for new events.
	ResumePoll time.Duration
}

func (h *Handler) heartbeat() time.Duration {
	if h.Heartbeat > 0 {
		return h.Heartbeat
	}
	return 15 * time.Second
}

func (h *Handler) resumePoll() time.Duration {
	if h.ResumePoll > 0 {
		return h.ResumePoll
	}
	return 250 * time.Millisecond
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// Healthz reports the database and the tool server signal. Only a dead
// database makes it fail.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	toolHealth := "disabled"
	if h.Tools.Enabled() {
		toolHealth = string(h.Tools.Monitor().Health())
	}

	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.Log.Error().Err(err).Msg("healthz: database ping failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  50300,
			"error": "database unavailable",
			"data":  gin.H{"db": "down", "tools": toolHealth},
		})
		return
	}
	common.OK(c, gin.H{"db": "up", "tools": toolHealth})
}

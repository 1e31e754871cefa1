package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/medchat/internal/common"
)

// MCPStatus probes the tool server and returns the status with the
// monitor dashboard.
func (h *Handler) MCPStatus(c *gin.Context) {
	st := h.Tools.Status(c.Request.Context())
	common.OK(c, gin.H{
		"status":    st,
		"dashboard": h.Tools.Monitor().Dashboard(),
	})
}

// MCPRefresh drops the cached tool list and fetches it again.
func (h *Handler) MCPRefresh(c *gin.Context) {
	h.Tools.ClearCache()
	set, err := h.Tools.Refresh(c.Request.Context())
	if err != nil {
		h.Log.Warn().Err(err).Msg("refresh mcp tools")
		common.Fail(c, http.StatusBadGateway, 50203, "tool server unavailable")
		return
	}
	names := set.Names()
	common.OK(c, gin.H{"refreshed": true, "toolCount": len(names), "tools": names})
}

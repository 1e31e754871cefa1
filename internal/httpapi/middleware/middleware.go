package middleware

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/auth"
	"github.com/suPer8Hu/medchat/internal/common"
)

const (
	RequestIDKey    = "request_id"
	SessionUserKey  = "session_user"
	RequestIDHeader = "X-Request-ID"
)

// RequestID keeps a sane incoming X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		c.Set(RequestIDKey, rid)
		c.Header(RequestIDHeader, rid)
		c.Next()
	}
}

func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := log.Info()
		if len(c.Errors) > 0 {
			evt = log.Error().Str("errors", c.Errors.String())
		} else if c.Writer.Status() >= http.StatusInternalServerError {
			evt = log.Error()
		}
		evt.
			Str("request_id", c.GetString(RequestIDKey)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("remote_ip", c.ClientIP()).
			Msg("request")
	}
}

func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				log.Error().
					Str("request_id", c.GetString(RequestIDKey)).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				if !c.Writer.Written() {
					common.AbortFail(c, http.StatusInternalServerError, 50000, "internal server error")
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// Session resolves the session token, if any, and stores the user.
func Session(m *auth.Manager, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if u := m.Resolve(auth.TokenFromRequest(c.Request, cookieName)); u != nil {
			c.Set(SessionUserKey, u)
		}
		c.Next()
	}
}

// SessionRequired rejects requests without a session carrying a
// practitioner id. It must run after Session.
func SessionRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		u := User(c)
		if u == nil || u.PractitionerID == "" {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Next()
	}
}

// User returns the resolved session user or nil.
func User(c *gin.Context) *auth.SessionUser {
	v, ok := c.Get(SessionUserKey)
	if !ok {
		return nil
	}
	u, _ := v.(*auth.SessionUser)
	return u
}

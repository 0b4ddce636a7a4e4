package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/famcall/internal/auth"
	"github.com/1ureka/famcall/internal/ice"
	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
)

const (
	headerRequestID = "X-Request-Id"
	ctxUser         = "user"
)

var (
	errKindMismatch  = errors.New("kind does not match endpoint")
	errImpersonation = errors.New("from does not match authenticated user")
)

// Options configures the relay HTTP server.
type Options struct {
	// Signer verifies client tokens. Nil runs the relay without auth.
	Signer *auth.Signer
	// ICE is the upstream for /api/ice (typically *ice.Xirsys). Nil serves
	// only the fallback.
	ICE ice.Source
	// FallbackSTUN is served when the upstream is missing or fails.
	FallbackSTUN string
}

// Server wires the hub to its HTTP routes.
type Server struct {
	hub  *Hub
	opts Options
}

// NewServer creates a relay server around hub. /api/ice is not cached since
// upstream TURN credentials are short lived.
func NewServer(hub *Hub, opts Options) *Server {
	return &Server{hub: hub, opts: opts}
}

// Handler builds the gin engine:
//
//	GET  /ws?token=...         WebSocket broadcast
//	POST /call, /accept, ...   publish one envelope per kind
//	GET  /api/ice              ICE server list
//	GET  /metrics, /healthz
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": s.hub.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/")
	authed.Use(s.authenticate())
	authed.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request, c.GetString(ctxUser))
	})
	for _, k := range signaling.Kinds {
		authed.POST("/"+string(k), s.publish(k))
	}
	authed.GET("/api/ice", s.iceServers)

	return r
}

// requestLogger tags each request with an X-Request-Id and logs a summary.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if len(c.Errors) > 0 {
			util.LogWarning("%s %s %d %v [%s] %s", c.Request.Method, path, c.Writer.Status(), time.Since(start), rid, c.Errors.String())
			return
		}
		util.LogDebug("%s %s %d %v [%s]", c.Request.Method, path, c.Writer.Status(), time.Since(start), rid)
	}
}

// authenticate accepts a bearer token or a "token" query parameter and
// stores the subject under ctxUser. Without a signer every request passes.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Signer == nil {
			c.Next()
			return
		}

		tok := c.Query("token")
		if raw := strings.TrimSpace(c.GetHeader("Authorization")); strings.HasPrefix(raw, "Bearer ") {
			tok = strings.TrimPrefix(raw, "Bearer ")
		}
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := s.opts.Signer.Verify(tok, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUser, claims.Subject)
		c.Next()
	}
}

func (s *Server) publish(kind signaling.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameSize))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := checkEnvelope(string(kind), payload, c.GetString(ctxUser)); err != nil {
			framesRejected.WithLabelValues(string(kind)).Inc()
			status := http.StatusBadRequest
			if errors.Is(err, errImpersonation) {
				status = http.StatusForbidden
			}
			c.Error(err)
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		s.hub.Publish(nil, string(kind), payload)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (s *Server) iceServers(c *gin.Context) {
	servers := ice.Fallback(s.opts.FallbackSTUN)
	if s.opts.ICE != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		got, err := s.opts.ICE.Fetch(ctx)
		switch {
		case err != nil:
			util.LogWarning("%v", err)
		case len(got) == 0:
			util.LogWarning("ICE upstream returned no servers")
		default:
			servers = got
		}
	}
	c.JSON(http.StatusOK, ice.Response{IceServers: servers})
}

// checkEnvelope validates a payload published under event. When user is set
// the envelope's sender must be that user.
func checkEnvelope(event string, payload []byte, user string) error {
	msg, err := signaling.Decode(payload)
	if err != nil {
		return err
	}
	if string(msg.Kind()) != event {
		return fmt.Errorf("%w: %s sent to %s", errKindMismatch, msg.Kind(), event)
	}
	if user != "" && msg.Head().From != user {
		return fmt.Errorf("%w: %s", errImpersonation, msg.Head().From)
	}
	return nil
}

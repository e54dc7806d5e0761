package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleTraces(c *gin.Context) {
	id := c.Param("id")
	traces := s.mesh.Traces(id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "traces": traces, "count": len(traces)})
}

// handleTraceStream pushes each trace completed for the session as an SSE
// data frame until the client disconnects.
func (s *Server) handleTraceStream(c *gin.Context) {
	w, err := newSSEWriter(c.Writer)
	if err != nil {
		s.writeError(c, err)
		return
	}
	updates, unsubscribe := s.mesh.SubscribeTraces(c.Param("id"))
	defer unsubscribe()

	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	w.flusher.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return
			}
		case t, ok := <-updates:
			if !ok {
				return
			}
			if err := w.WriteJSON(t); err != nil {
				return
			}
		}
	}
}

// handleTraceSocket is the websocket form of handleTraceStream. Incoming
// messages are ignored.
func (s *Server) handleTraceSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.opts.AllowedOrigins),
	})
	if err != nil {
		s.logger.Debug("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	id := c.Param("id")
	updates, unsubscribe := s.mesh.SubscribeTraces(id)
	defer unsubscribe()

	ctx := conn.CloseRead(c.Request.Context())
	s.logger.Debug("trace socket connected", "session_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, t); err != nil {
				s.logger.Debug("trace socket write", "session_id", id, "error", err)
				return
			}
		}
	}
}

// originPatterns converts allowed origins to host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		out = append(out, strings.TrimRight(o, "/"))
	}
	return out
}

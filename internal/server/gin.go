package server

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mysleekdesigns/fixpool/internal/orchestrator"
	"github.com/mysleekdesigns/fixpool/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = wsPingPeriod + 10*time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws/progress", s.handleProgressWS)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/stats", s.handleAPIStats)

		api.POST("/tasks/:task_id/fixes", s.handleAPIStartFixes)
		api.GET("/tasks/:task_id/fixes", s.handleAPIListFixes)
		api.DELETE("/tasks/:task_id/fixes", s.handleAPICancelFixes)
		api.POST("/tasks/:task_id/fixes/:category", s.handleAPIStartFix)
		api.DELETE("/tasks/:task_id/fixes/:category", s.handleAPICancelFix)
		api.GET("/tasks/:task_id/fixes/:category/activity", s.handleAPIActivity)

		api.GET("/agents/:id", s.handleAPIAgent)
		api.GET("/agents/:id/log", s.handleAPIAgentLog)
	}

	return r
}

// errorStatus maps orchestrator and store errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidCategory), errors.Is(err, orchestrator.ErrNoFindings):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrPoolFull):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// handleProgressWS streams progress and completion events. The optional
// task_id query parameter limits the stream to one task.
func (s *Server) handleProgressWS(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "progress stream not available"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(c.Query("task_id"), 0)
	defer sub.Close()

	// Reads only serve to observe pongs and the close frame.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("progress websocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

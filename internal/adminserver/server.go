// Package adminserver exposes a small operational surface over the running
// forwarder: rule/connection stats, Prometheus metrics, and a websocket
// feed of notable events. None of this touches the relayed traffic itself —
// it is purely observability.
package adminserver

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ankit-kulkarni/tcpforward/internal/forwarder"
	"github.com/ankit-kulkarni/tcpforward/internal/metrics"
)

// Server is the admin HTTP surface, built on gin with a gorilla/websocket
// broadcast feed for live connection events.
type Server struct {
	log     zerolog.Logger
	fwd     *forwarder.Forwarder
	metrics *metrics.Set
	engine  *gin.Engine

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds a Server around a running forwarder and its metric set.
func New(log zerolog.Logger, fwd *forwarder.Forwarder, m *metrics.Set) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		log:      log,
		fwd:      fwd,
		metrics:  m,
		engine:   gin.New(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:  make(map[*websocket.Conn]struct{}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.fwd.Stats())
	})
	s.engine.GET("/metrics", func(c *gin.Context) {
		var buf bytes.Buffer
		metrics.WritePrometheus(&buf)
		c.Data(http.StatusOK, "text/plain; version=0.0.4", buf.Bytes())
	})
	s.engine.GET("/ws/events", s.handleEvents)
}

// handleEvents upgrades to a websocket and registers the connection to
// receive Broadcast'd event lines, the same connection-registry pattern the
// teacher's gorilla/websocket module used for its chat room.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// The admin feed is push-only; read and discard to notice client-side
	// close/errors so defer can clean the connection up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends msg to every connected /ws/events client, dropping any
// that are too slow or gone rather than blocking the caller.
func (s *Server) Broadcast(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			c.Close()
			delete(s.clients, c)
		}
	}
}

// ListenAndServe blocks serving the admin HTTP surface on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	return srv.ListenAndServe()
}

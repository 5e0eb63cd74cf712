// Package httpd exposes the engine's query and control surface over HTTP:
// run status and interruption, audit queries, and a streamed change feed.
package httpd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/bridge"
	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/governor"
	"github.com/chatwatch/chatwatch/internal/scan"
	"github.com/chatwatch/chatwatch/internal/status"
	"github.com/chatwatch/chatwatch/internal/store"
)

// Deps are the collaborators the HTTP surface reads from and controls.
type Deps struct {
	Store    *store.DB
	Bus      *bus.Bus
	Register *status.Register
	Machine  *status.Machine
	Engine   *scan.Engine
	Governor *governor.Governor
	Bridge   *bridge.Bridge
	Logger   *zap.Logger
}

// Server is the dashboard/control API.
type Server struct {
	deps   Deps
	engine *gin.Engine
	srv    *http.Server
	log    *zap.Logger
}

// New creates the server and registers its routes.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		engine: engine,
		log:    deps.Logger.Named("httpd"),
	}

	api := engine.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.POST("/interrupt", s.postInterrupt)
		api.POST("/scan", s.postScan)
		api.GET("/conversations", s.getConversations)
		api.GET("/conversations/:id/messages", s.getConversationMessages)
		api.GET("/conversations/:id/history", s.getConversationHistory)
		api.GET("/conversations/:id/stats", s.getConversationStats)
		api.GET("/messages/:conversation/:id/history", s.getMessageHistory)
		api.GET("/history", s.getHistory)
		api.GET("/history/top-messages", s.getTopMessages)
		api.GET("/history/top-conversations", s.getTopConversations)
		api.GET("/changes/recent", s.getRecentChanges)
		api.GET("/sessions", s.getSessions)
		api.GET("/stats", s.getStats)
		api.GET("/feed", s.getFeed)
	}
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http api listening", zap.String("addr", addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Package api exposes the HTTP control plane over the feed manager.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"intraday-core/internal/config"
	"intraday-core/internal/diag"
	"intraday-core/internal/feed"
	"intraday-core/pkg/db"
)

// Server wires HTTP endpoints around the feed manager.
type Server struct {
	Router    *gin.Engine
	Feed      *feed.Manager
	Store     *config.Store
	Recorder  *diag.Recorder
	DB        *db.Database
	JWTSecret string
	// OperatorKey is the shared secret exchanged for a session token.
	OperatorKey string
	Meta        SystemMeta
}

// SystemMeta describes runtime status exposed to the operator UI.
type SystemMeta struct {
	DryRun   bool   `json:"dry_run"`
	Exchange string `json:"exchange"`
	Version  string `json:"version"`
}

func NewServer(manager *feed.Manager, store *config.Store, recorder *diag.Recorder, database *db.Database, meta SystemMeta, jwtSecret, operatorKey string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Feed:        manager,
		Store:       store,
		Recorder:    recorder,
		DB:          database,
		JWTSecret:   jwtSecret,
		OperatorKey: operatorKey,
		Meta:        meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/feed/start", s.startFeed)
			protected.POST("/feed/stop", s.stopFeed)
			protected.GET("/feed/status", s.feedStatus)
			protected.PUT("/feed/tokens", s.updateTokens)
			protected.GET("/feed/ticks", s.recentTicks)

			protected.GET("/config", s.getConfig)
			protected.POST("/config", s.postConfig)
			protected.DELETE("/config", s.resetConfig)

			protected.GET("/diagnostics", s.getDiagnostics)
			protected.GET("/trades", s.getTrades)
			protected.POST("/squareoff", s.squareOff)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "meta": s.Meta})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

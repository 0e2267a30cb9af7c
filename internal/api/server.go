package api

import (
	"context"
	"net/http"
	"time"

	"futures-listing-bot/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server is the HTTP control surface: plan CRUD, position views and exit
// parameter updates, account and health endpoints.
type Server struct {
	cfg      config.Config
	handlers *Handlers
	logger   zerolog.Logger
	httpSrv  *http.Server
}

func NewServer(cfg config.Config, handlers *Handlers, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	s.handlers.Register(router)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ServerConfig.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.ServerConfig.Addr).Msg("http server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := s.logger.Info()
		if c.Writer.Status() >= 500 {
			event = s.logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

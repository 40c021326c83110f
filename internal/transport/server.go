package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/quillan/sandbus/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are panels and managers on the local segment; the HTTP origin
	// gate is handled by the cors middleware on the engine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Listen binds addr and serves the websocket endpoint plus health and
// metrics routes. Calling it while already listening is an error.
func (s *Service) Listen(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.listening = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrListenFailed, err)
	}

	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(observability.RequestLogger(log.Logger))
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": len(s.ConnectionIDs()),
			"component":   "sandbus",
		})
	})
	engine.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ready": s.IsListening()})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", s.handleUpgrade)

	srv := &http.Server{Handler: engine}
	s.mu.Lock()
	s.httpSrv = srv
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listener stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound listen address, useful with ":0".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// IsListening reports whether the server role is accepting connections.
func (s *Service) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Service) handleUpgrade(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	cn := newConn(s.allocConnID(), ws, s.cfg.WriteTimeout)
	s.registerConn(cn)
	observability.ConnectionOpened()
	log.Info().Str("conn", cn.id).Str("client_ip", c.ClientIP()).Msg("connection accepted")
	go s.readLoop(cn)
}

// StopListening closes the listener and every connection, failing their
// pending requests. Safe to call when never listening, and idempotent.
func (s *Service) StopListening() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.listening = false
	s.listenAddr = ""
	s.mu.Unlock()

	var errs error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		cancel()
	}
	for _, c := range s.liveConns() {
		s.dropConn(c)
	}
	return errs
}

// Close shuts both roles down and rejects further use.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	errs := multierr.Append(s.StopListening(), s.Disconnect())
	s.pending.Close()
	return errs
}

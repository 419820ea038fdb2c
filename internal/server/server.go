// Package server serves the frontend and the host socket in browser mode,
// where the page runs in an ordinary browser instead of the desktop webview.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Server is the browser-mode HTTP server.
type Server struct {
	e        *echo.Echo
	addr     string
	peer     *hostrpc.Peer
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu  sync.RWMutex
	ctx context.Context
}

// New creates a server for addr. assets is the built frontend, served at /.
func New(addr string, peer *hostrpc.Peer, assets fs.FS, logger zerolog.Logger) *Server {
	s := &Server{
		e:      echo.New(),
		addr:   addr,
		peer:   peer,
		logger: logger.With().Str("component", "server").Logger(),
		ctx:    context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameOrigin,
	}

	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("Request")
			return nil
		},
	}))

	s.e.GET("/healthz", s.health)
	s.e.GET("/ws/host", s.hostSocket)
	if assets != nil {
		s.e.StaticFS("/", assets)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.e.Start(s.addr)
	}()
	s.logger.Info().Str("addr", s.addr).Msg("Browser host listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Server is shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.e.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"hostConnected": s.peer.Connected(),
	})
}

// hostSocket upgrades the page's connection and serves host RPC over it.
// A newer page replaces the previous one.
func (s *Server) hostSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return nil
	}

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	remote := c.RealIP()
	s.logger.Info().Str("remote", remote).Msg("Host page connected")
	if err := hostrpc.ServeWebsocket(ctx, s.peer, conn); err != nil {
		s.logger.Warn().Err(err).Str("remote", remote).Msg("Host connection ended")
		return nil
	}
	s.logger.Info().Str("remote", remote).Msg("Host page disconnected")
	return nil
}

// sameOrigin accepts requests without an Origin header and those whose
// origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

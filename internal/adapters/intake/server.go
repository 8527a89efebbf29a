// Package intake receives classified request/response pairs from the
// external traffic-interception layer over a local HTTP endpoint, normalizes
// them and publishes the resulting trade intent events on the bus. It also
// observes bearer tokens riding on the intercepted requests, which makes it
// the process's ports.TokenSource.
package intake

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"trademirror/internal/normalizer"
	"trademirror/internal/ports"
)

// pairPayload is the wire form of one intercepted request/response pair.
type pairPayload struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Form           map[string]string `json:"form,omitempty"`
	ResponseStatus int               `json:"response_status"`
	ResponseBody   string            `json:"response_body,omitempty"`
	Authorization  string            `json:"authorization,omitempty"`
}

// Config holds the intake server's dependencies.
type Config struct {
	Addr       string
	Normalizer *normalizer.Normalizer
	Bus        ports.EventBus
	Logger     ports.Logger
}

// Server is the intake HTTP listener. It binds to a loopback address; the
// interception layer is the only expected client.
type Server struct {
	addr   string
	norm   *normalizer.Normalizer
	bus    ports.EventBus
	logger ports.Logger
	router *gin.Engine
	srv    *http.Server

	mu    sync.RWMutex
	token string
}

// New creates the intake server.
func New(cfg Config) (*Server, error) {
	if cfg.Normalizer == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("normalizer and bus are required for intake server")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for intake server")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required for intake server")
	}
	s := &Server{
		addr:   cfg.Addr,
		norm:   cfg.Normalizer,
		bus:    cfg.Bus,
		logger: cfg.Logger,
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.health)
	r.POST("/pairs", s.handlePair)
	s.router = r
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start binds the listener and serves until Shutdown. The returned error
// channel yields a non-nil error if serving fails after a successful bind.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("intake listen on %s: %w", s.addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if serveErr := s.srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		close(errCh)
	}()
	s.logger.Info(ctx, "Intake listener started", map[string]interface{}{"addr": s.addr})
	return errCh, nil
}

// Shutdown stops accepting pairs and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Token returns the most recently observed bearer token.
func (s *Server) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", fmt.Errorf("no signal venue token observed yet: %w", ports.ErrAuthenticationFailed)
	}
	return s.token, nil
}

// Refresh returns the current token. The interception layer pushes fresh
// tokens as it sees them; there is no way to force one from here.
func (s *Server) Refresh(ctx context.Context) (string, error) {
	return s.Token(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePair(c *gin.Context) {
	var payload pairPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.logger.Warn(c.Request.Context(), "Rejecting malformed intake pair", map[string]interface{}{"error": err.Error()})
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}

	if payload.Authorization != "" {
		s.mu.Lock()
		s.token = payload.Authorization
		s.mu.Unlock()
	}

	event := s.norm.Normalize(c.Request.Context(), normalizer.InterceptedPair{
		Method:         payload.Method,
		URL:            payload.URL,
		Form:           payload.Form,
		ResponseStatus: payload.ResponseStatus,
		ResponseBody:   []byte(payload.ResponseBody),
	})
	if event == nil {
		// Not a trade intent pair, or unparseable; the normalizer logged it.
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.bus.Publish(c.Request.Context(), event); err != nil {
		s.logger.Error(c.Request.Context(), err, "Failed to publish intake event", map[string]interface{}{
			"kind": event.Kind(), "key": event.Key(),
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}
	c.Status(http.StatusAccepted)
}

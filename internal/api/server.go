package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zjrosen/pont/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on, e.g. "127.0.0.1:7631".
	Addr string
	// Handler wires the gateway collaborators.
	Handler HandlerConfig
	// Middleware optionally wraps the route table, outermost first
	// (tracing lives here).
	Middleware []func(http.Handler) http.Handler
	// ReadTimeout is the maximum duration for reading a request.
	// Defaults to 30s.
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes. Zero (the default) means no
	// timeout, which SSE and WebSocket streams require.
	WriteTimeout time.Duration
}

// NewServer creates the API server. With port 0 the OS assigns one; use
// Port after construction to read it.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler := NewHandler(cfg.Handler)

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	var routes http.Handler = handler.Routes()
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		routes = cfg.Middleware[i](routes)
	}

	// Listen before serving so the bound port is known immediately.
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  handler,
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           routes,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, nil
}

// Start serves requests until Stop is called or the listener fails.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "api server listening", "addr", s.listener.Addr().String(), "port", s.port)
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "api server stopping")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, useful with an Addr of ":0".
func (s *Server) Port() int {
	return s.port
}

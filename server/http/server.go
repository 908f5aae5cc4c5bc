package http

import (
	"context"
	"net/http"
)

// Server runs a handler on a plain net/http server.
type Server struct {
	server  http.Server
	handler http.Handler
	addr    string
}

// NewServer binds handler to addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.server.Addr = s.addr
	s.server.Handler = s.handler
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight exchanges and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

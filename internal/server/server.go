package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/logger"
)

// Server represents the HTTP API server
type Server struct {
	server   *http.Server
	certFile string
	keyFile  string
}

// New creates a server for handler using the listen and TLS settings in cfg
func New(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
	}
}

// Start listens on the configured address and serves until Shutdown.
// A clean shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	logger.Infof("Starting HTTP server on %s", ln.Addr())

	var err error
	if s.certFile != "" && s.keyFile != "" {
		logger.Infof("Using TLS with cert: %s, key: %s", s.certFile, s.keyFile)
		err = s.server.ServeTLS(ln, s.certFile, s.keyFile)
	} else {
		logger.Warning("Running without TLS. Make sure you have a HTTPS proxy in front of this server")
		err = s.server.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Package server owns the HTTP listener and the route table.
package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// TLSOptions select how the listener terminates TLS: off serves plain HTTP,
// manual serves a provided certificate pair, auto provisions certificates
// through ACME and runs an HTTP challenge/redirect listener on :80.
type TLSOptions struct {
	Mode     string
	CertFile string
	KeyFile  string
	Domain   string
	Email    string
	CacheDir string
}

type Server struct {
	httpServer     *http.Server
	addr           string
	tlsOpts        TLSOptions
	certManager    *autocert.Manager
	redirectServer *http.Server
}

// New builds the listener. The write timeout does not apply to websocket
// sessions; the upgrade hijacks the connection and clears its deadlines.
func New(host string, port int, h http.Handler, tlsOpts TLSOptions) *Server {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	s := &Server{
		addr:    addr,
		tlsOpts: tlsOpts,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}

	if tlsOpts.Mode == "auto" {
		s.certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(tlsOpts.Domain),
			Cache:      autocert.DirCache(tlsOpts.CacheDir),
			Email:      tlsOpts.Email,
		}
		s.httpServer.TLSConfig = &tls.Config{
			GetCertificate: s.certManager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		s.redirectServer = &http.Server{
			Addr:         ":80",
			Handler:      s.certManager.HTTPHandler(nil),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s
}

// Start blocks serving until the listener fails or Shutdown runs. It
// returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	switch s.tlsOpts.Mode {
	case "auto":
		slog.Info("listening with automatic TLS", "addr", s.addr, "domain", s.tlsOpts.Domain)
		go func() {
			if err := s.redirectServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("acme challenge listener failed", "error", err)
			}
		}()
		return s.httpServer.ListenAndServeTLS("", "")
	case "manual":
		slog.Info("listening with TLS", "addr", s.addr, "cert_file", s.tlsOpts.CertFile)
		return s.httpServer.ListenAndServeTLS(s.tlsOpts.CertFile, s.tlsOpts.KeyFile)
	default:
		slog.Info("listening", "addr", s.addr)
		return s.httpServer.ListenAndServe()
	}
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires. Hijacked websocket connections are not waited on; the
// gateway drains those before this runs.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.redirectServer != nil {
		if err := s.redirectServer.Shutdown(ctx); err != nil {
			slog.Warn("shutting down acme challenge listener", "error", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) TLSMode() string {
	if s.tlsOpts.Mode == "" {
		return "off"
	}
	return s.tlsOpts.Mode
}

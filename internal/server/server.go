// Package server wires the signaling relay, passcode manager, certificate
// lifecycle, and control plane into the HTTPS listener.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lanbeam/lanbeam/internal/certmgr"
	"github.com/lanbeam/lanbeam/internal/config"
	"github.com/lanbeam/lanbeam/internal/control"
	"github.com/lanbeam/lanbeam/internal/localnet"
	"github.com/lanbeam/lanbeam/internal/passcode"
	"github.com/lanbeam/lanbeam/internal/signal"
)

type Server struct {
	cfg config.Config
	log *slog.Logger

	certs     *certmgr.Manager
	passcodes *passcode.Manager
	registry  *signal.Registry
	router    *signal.Router
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New assembles a Server from its components. Nothing listens until Run.
func New(cfg config.Config, logger *slog.Logger) *Server {
	passcodes := passcode.NewManager(cfg.PasscodeTTL, logger)
	registry := signal.NewRegistry(passcodes, logger)
	return &Server{
		cfg: cfg,
		log: logger,
		certs: certmgr.New(certmgr.Config{
			Dir:         cfg.CertDir(),
			RotateDay:   cfg.CertRotateDay,
			Validity:    cfg.CertValidity,
			RenewWindow: cfg.CertRenewWindow,
		}, logger),
		passcodes: passcodes,
		registry:  registry,
		router:    signal.NewRouter(registry, logger),
	}
}

// Run ensures certificate material, claims the control socket, and serves
// until ctx is done, a control-plane shutdown arrives, or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Usable material must exist before the TLS listener binds.
	if err := s.certs.Ensure(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctl := control.NewServer(s.cfg.ControlSocketPath(), s.certs.Rotate, cancel, s.log)
	if err := ctl.Listen(); err != nil {
		return err
	}
	defer ctl.Close()
	go ctl.Serve(ctx)

	go s.passcodes.Run(ctx)
	go s.certs.Run(ctx)

	httpsServer := &http.Server{
		Addr:              s.cfg.ListenHTTPS,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: s.certs.GetCertificate,
		},
	}
	redirectServer := &http.Server{
		Addr:              s.cfg.ListenHTTP,
		Handler:           s.redirectHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("starting HTTPS server", "addr", s.cfg.ListenHTTPS)
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https server: %w", err)
		}
	}()
	go func() {
		s.log.Info("starting HTTP redirect server", "addr", s.cfg.ListenHTTP)
		if err := redirectServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("redirect server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		var firstErr error
		if err := shutdownServer(httpsServer, 5*time.Second); err != nil {
			firstErr = err
		}
		if err := shutdownServer(redirectServer, 5*time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	case err := <-errCh:
		_ = shutdownServer(httpsServer, 5*time.Second)
		_ = shutdownServer(redirectServer, 5*time.Second)
		return err
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleSignal)
	r.Get("/api/passcode", s.handlePasscode)
	r.Get("/api/hostname", s.handleHostname)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/*", s.staticHandler())
	return r
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	s.log.Debug("signaling connection attached", "remote_addr", r.RemoteAddr)
	s.router.Serve(signal.NewPeer(conn, r.RemoteAddr))
	s.log.Debug("signaling connection detached", "remote_addr", r.RemoteAddr)
}

// handlePasscode exposes the current credential to the host UI. Only local
// callers may read it; anyone else gets 403 and no body.
func (s *Server) handlePasscode(w http.ResponseWriter, r *http.Request) {
	if !localnet.IsLocal(r.RemoteAddr) {
		s.log.Warn("passcode endpoint rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	p := s.passcodes.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"code":      p.Code,
		"issuedAt":  p.IssuedAt,
		"expiresAt": p.ExpiresAt,
		"used":      p.Used,
	})
}

func (s *Server) handleHostname(w http.ResponseWriter, _ *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	writeJSON(w, http.StatusOK, map[string]string{"hostname": hostname})
}

func (s *Server) staticHandler() http.Handler {
	if s.cfg.WebRoot != "" {
		return http.FileServer(http.Dir(s.cfg.WebRoot))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(placeholderPage))
	})
}

// redirectHandler sends plain-HTTP visitors to the HTTPS listener,
// preserving host and path.
func (s *Server) redirectHandler() http.Handler {
	_, httpsPort, err := net.SplitHostPort(s.cfg.ListenHTTPS)
	if err != nil {
		httpsPort = "443"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		}
		target := "https://" + net.JoinHostPort(host, httpsPort) + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

const placeholderPage = `<!doctype html>
<html>
<head><title>lanbeam</title></head>
<body>
<h1>lanbeam is running</h1>
<p>No web UI is configured. Point --web-root at the UI bundle to serve it here.</p>
</body>
</html>
`

// Package control implements the local-only command channel between the
// launcher and the running server. The transport is a filesystem-scoped
// unix socket, so remote hosts are excluded structurally rather than by
// address filtering.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Commands accepted on the control socket, one per line.
const (
	CmdRotateCertificate = "rotate-certificate"
	CmdShutdown          = "shutdown"
)

// Replies, one per line.
const (
	ReplyOK      = "ok"
	ReplyError   = "error"
	ReplyBye     = "bye"
	ReplyUnknown = "unknown"
)

// ErrAlreadyRunning means another live process holds the control socket.
var ErrAlreadyRunning = errors.New("control socket already in use")

const dialTimeout = 2 * time.Second

// Server answers launcher commands. Rotate and Shutdown are supplied by the
// owner; Shutdown is expected to cancel the process context.
type Server struct {
	path     string
	rotate   func() error
	shutdown func()
	log      *slog.Logger

	ln net.Listener
}

// NewServer creates a control server bound to the socket path. Nothing is
// listening until Listen.
func NewServer(path string, rotate func() error, shutdown func(), logger *slog.Logger) *Server {
	return &Server{path: path, rotate: rotate, shutdown: shutdown, log: logger}
}

// Listen claims the socket. A socket file with a live listener behind it
// means another instance is running; a dead socket file (crashed process)
// is removed and reclaimed.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		if Ping(s.path) {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale control socket: %w", err)
		}
		s.log.Info("removed stale control socket", "path", s.path)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict control socket permissions: %w", err)
	}
	s.ln = ln
	return nil
}

// Serve accepts command connections until ctx is done or the listener is
// closed. Call Listen first.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// Close tears down the listener and removes the socket file.
func (s *Server) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	_ = os.Remove(s.path)
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case CmdRotateCertificate:
			if err := s.rotate(); err != nil {
				s.log.Error("control-requested certificate rotation failed", "err", err)
				reply(conn, ReplyError)
				continue
			}
			s.log.Info("certificate rotated on control request")
			reply(conn, ReplyOK)
		case CmdShutdown:
			s.log.Info("shutdown requested over control socket")
			reply(conn, ReplyBye)
			s.shutdown()
			return
		case "":
		default:
			s.log.Warn("unknown control command", "command", cmd)
			reply(conn, ReplyUnknown)
		}
	}
}

func reply(conn net.Conn, line string) {
	_, _ = fmt.Fprintln(conn, line)
}

// Send dials the control socket, issues one command, and returns the
// single-line reply.
func Send(path, cmd string) (string, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("control socket closed without reply")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// Ping reports whether a live control server answers at path.
func Ping(path string) bool {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

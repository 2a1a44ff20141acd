package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/lanbeam/lanbeam/internal/config"
	"github.com/lanbeam/lanbeam/internal/control"
)

const startTimeout = 10 * time.Second

// runStart spawns a detached `lanbeam run` with the same flags, points its
// output at the state-dir log file, and waits for the control socket to
// answer before declaring success.
func runStart(args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	if control.Ping(cfg.ControlSocketPath()) {
		fmt.Println("lanbeam is already running")
		return 0
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		fmt.Fprintln(os.Stderr, "start error:", err)
		return 1
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "start error:", err)
		return 1
	}
	logFile, err := os.OpenFile(cfg.LogFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start error:", err)
		return 1
	}
	defer logFile.Close()

	cmd := exec.Command(exe, append([]string{"run"}, args...)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "start error:", err)
		return 1
	}
	if err := writePidFile(cfg.PidFilePath(), cmd.Process.Pid); err != nil {
		fmt.Fprintln(os.Stderr, "start warning: pidfile not written:", err)
	}
	// The child is on its own from here; Wait would tie it to our exit.
	_ = cmd.Process.Release()

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}
	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		if control.Ping(cfg.ControlSocketPath()) {
			fmt.Printf("lanbeam started (pid %d), https on %s\n", cmd.Process.Pid, cfg.ListenHTTPS)
			return 0
		}
		time.Sleep(b.Duration())
	}
	fmt.Fprintln(os.Stderr, "lanbeam did not come up; see", cfg.LogFilePath())
	return 1
}

func runStop(args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	reply, err := control.Send(cfg.ControlSocketPath(), control.CmdShutdown)
	if err != nil {
		fmt.Println("lanbeam is not running")
		return 1
	}
	if reply != control.ReplyBye {
		fmt.Fprintln(os.Stderr, "unexpected reply:", reply)
		return 1
	}
	_ = os.Remove(cfg.PidFilePath())
	fmt.Println("lanbeam stopped")
	return 0
}

func runStatus(args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	if !control.Ping(cfg.ControlSocketPath()) {
		fmt.Println("lanbeam is not running")
		return 1
	}
	if pid, err := readPidFile(cfg.PidFilePath()); err == nil {
		fmt.Printf("lanbeam is running (pid %d)\n", pid)
	} else {
		fmt.Println("lanbeam is running")
	}
	return 0
}

func runRotateCert(args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	reply, err := control.Send(cfg.ControlSocketPath(), control.CmdRotateCertificate)
	if err != nil {
		fmt.Println("lanbeam is not running")
		return 1
	}
	if reply != control.ReplyOK {
		fmt.Fprintln(os.Stderr, "certificate rotation failed:", reply)
		return 1
	}
	fmt.Println("certificate rotated")
	return 0
}

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.New("malformed pidfile")
	}
	return pid, nil
}

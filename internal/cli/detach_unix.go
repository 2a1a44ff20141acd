//go:build unix

package cli

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own session so terminal signals aimed at
// the launcher never reach the server.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the child in its own process group so signals
// aimed at the job never reach the daemon itself.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

//go:build unix

package launcher

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the agent in its own process group so signals reach
// the whole tree (shell wrapper plus anything the agent spawns).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// On Unix, when Setpgid is true, the PGID equals the PID.
func interruptGroup(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func killGroup(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}

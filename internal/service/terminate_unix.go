//go:build unix

package service

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// groupTerminator puts a process into a group of its own and kills the
// group with SIGKILL.
type groupTerminator struct{}

func newPlatformTerminator() Terminator {
	return groupTerminator{}
}

func (groupTerminator) Prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (groupTerminator) Kill(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// exitedItself reports whether the process exited rather than died of a
// signal.
func exitedItself(state *os.ProcessState) bool {
	return state.Exited()
}

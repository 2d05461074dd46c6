//go:build windows

package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// taskkill exits with 128 when the process does not exist
const taskkillNotFound = 128

// treeTerminator starts a process in a new process group and kills its whole
// tree with taskkill.
type treeTerminator struct{}

func newPlatformTerminator() Terminator {
	return treeTerminator{}
}

func (treeTerminator) Prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func (treeTerminator) Kill(pid int) error {
	out, err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == taskkillNotFound {
		return os.ErrProcessDone
	}
	return fmt.Errorf("taskkill %d: %w: %s", pid, err, bytes.TrimSpace(out))
}

// exitedItself is always false, a killed process exits with a code like any
// other. Termination is then known from the kill requests alone.
func exitedItself(*os.ProcessState) bool {
	return false
}

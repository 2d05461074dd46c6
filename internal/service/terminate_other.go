//go:build !unix && !windows

package service

import (
	"os"
	"os/exec"
)

// processTerminator kills the process only, the platform has no process groups.
type processTerminator struct{}

func newPlatformTerminator() Terminator {
	return processTerminator{}
}

func (processTerminator) Prepare(*exec.Cmd) {}

func (processTerminator) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func exitedItself(*os.ProcessState) bool {
	return false
}

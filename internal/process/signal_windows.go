//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup terminates the child with TerminateProcess. Windows offers console-less
// children no SIGTERM, so the first signal of Stop already ends the process and
// the grace period never comes into play.
func signalGroup(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		// no handle can be opened once the process is gone
		return nil
	}
	defer func() { _ = proc.Release() }()
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

package util

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mitchellh/go-ps"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return err == nil && !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// Darwin returns true if we're running on macOS
func Darwin() bool {
	return runtime.GOOS == "darwin"
}

// ProcessName returns the executable name of pid, or a placeholder naming the pid
// if the process can't be looked up (it may have exited, or belong to another user)
func ProcessName(pid int) string {
	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return fmt.Sprintf("pid %d", pid)
	}

	return process.Executable()
}

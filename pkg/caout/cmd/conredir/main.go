// conredir runs the player binary next to it with this console's standard streams,
// so a GUI-subsystem build still has a usable console when started from a terminal.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// siblingExecutable is self with its extension swapped for .exe
func siblingExecutable(self string) (string, error) {
	target := strings.TrimSuffix(self, filepath.Ext(self)) + ".exe"
	if strings.EqualFold(target, self) {
		return "", errors.New("shim must not be named .exe")
	}

	return target, nil
}

func main() {
	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "CreateProcess: locate own executable: %v\n", err)
		os.Exit(1)
	}

	target, err := siblingExecutable(self)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CreateProcess: %v\n", err)
		os.Exit(1)
	}

	os.Exit(relay(target, os.Args[1:]))
}

// relay runs target with our standard streams and returns its exit code
func relay(target string, args []string) int {
	cmd := exec.Command(target, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "CreateProcess: %v\n", err)
		return 1
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}

		fmt.Fprintf(os.Stderr, "CreateProcess: %v\n", err)
		return 1
	}

	return 0
}

package caout

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MixyLabs/caout/pkg/caout/util"
)

const (
	crashlogFilename   = "caout-crash-%s.log"
	crashlogTimeFormat = "2006.01.02-15.04.05"
)

// writeCrashlog dumps the panic value and stack into dir, returning the file's path.
// released says whether the output device was handed back before crashing.
func writeCrashlog(dir string, now time.Time, r any, stack []byte, released bool) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	rule := strings.Repeat("-", 65)

	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "caout crashed at %s\n", now.Format(time.RFC3339))
	fmt.Fprintln(&b, rule)

	if released {
		fmt.Fprintln(&b, "The output device was released before exiting.")
	} else {
		fmt.Fprintln(&b, "The output device may still be exclusively held or left in a digital format.")
		fmt.Fprintln(&b, "Unplug it or reset its format in Audio MIDI Setup if it stays silent.")
	}

	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Panic: %v\n\n%s", r, stack)

	path := filepath.Join(dir, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimeFormat)))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("write crashlog: %w", err)
	}

	return path, nil
}

// releaseActive tears down whatever driver holds a device. A second panic in there
// only costs us the release, the crashlog still gets written.
func (c *Caout) releaseActive() (released bool) {
	if c.active == nil {
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("Panicked again while releasing the output device", "error", r)
			released = false
		}
	}()

	c.active.Teardown(true)
	c.active = nil

	return true
}

func (c *Caout) recoverFromPanic() {
	r := recover()
	if r == nil {
		return
	}

	stack := debug.Stack()
	released := c.releaseActive()

	path, err := writeCrashlog(logDirectory, time.Now(), r, stack, released)
	if err != nil {
		panic(fmt.Errorf("%w while handling panic: %v", err, r))
	}

	c.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", path,
		"deviceReleased", released,
		"error", r)

	c.Notify("Unexpected crash occurred...", fmt.Sprintf("More details in %s", path))

	c.logger.Errorw("Quitting", "exitCode", 1)
	_ = c.logger.Sync()
	os.Exit(1)
}

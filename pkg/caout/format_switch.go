package caout

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SwitchState is the progress of a physical format change
type SwitchState int

const (
	SwitchIdle SwitchState = iota
	SwitchChangeRequested
	SwitchAwaitingConfirmation
	SwitchConfirmed
	SwitchTimedOut
)

func (s SwitchState) String() string {
	switch s {
	case SwitchIdle:
		return "idle"
	case SwitchChangeRequested:
		return "change_requested"
	case SwitchAwaitingConfirmation:
		return "awaiting_confirmation"
	case SwitchConfirmed:
		return "confirmed"
	case SwitchTimedOut:
		return "timed_out"
	}

	return fmt.Sprintf("SwitchState(%d)", int(s))
}

// SwitchResult is the outcome of a format change: the confirmed format, or the last one observed
type SwitchResult struct {
	State    SwitchState
	Format   StreamFormat
	Attempts int
}

const (
	defaultSwitchAttempts = 5
	defaultConfirmWait    = 500 * time.Millisecond
)

// formatSwitcher changes a stream's physical format and waits for the hardware to confirm it.
// Setting the property is asynchronous and not atomic, so the result is read back after
// every change notification (or wait timeout) until it matches or we run out of attempts.
type formatSwitcher struct {
	hal     HAL
	logger  *zap.SugaredLogger
	metrics *Metrics

	attempts    int
	confirmWait time.Duration

	state SwitchState
}

func newFormatSwitcher(hal HAL, logger *zap.SugaredLogger, metrics *Metrics, attempts int, confirmWait time.Duration) *formatSwitcher {
	if attempts <= 0 {
		attempts = defaultSwitchAttempts
	}
	if confirmWait <= 0 {
		confirmWait = defaultConfirmWait
	}

	return &formatSwitcher{
		hal:         hal,
		logger:      logger.Named("format"),
		metrics:     metrics,
		attempts:    attempts,
		confirmWait: confirmWait,
	}
}

// apply switches stream to target. A timeout is not an error: the result carries
// SwitchTimedOut and whatever format the stream reported last. Errors are hard HAL
// failures of the set request itself.
func (fs *formatSwitcher) apply(stream ObjectID, target StreamFormat) (SwitchResult, error) {
	fs.state = SwitchIdle
	fs.logger.Debugw("Setting stream format", "stream", stream, "format", target)

	current, err := physicalFormat(fs.hal, stream)
	if err == nil && current.sameActiveFormat(target) {
		fs.logger.Debugw("Stream already in requested format", "stream", stream)
		return fs.finish(SwitchResult{State: SwitchConfirmed, Format: current}), nil
	}

	addr := Global(SelectorPhysicalFormat)

	// single slot: the hardware may notify several times per change, we only need to wake once
	changed := make(chan struct{}, 1)

	token, err := fs.hal.AddListener(stream, addr, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		fs.logger.Warnw("Failed to add stream format listener, relying on timeouts", "stream", stream, "error", err)
	} else {
		defer func() {
			if err := fs.hal.RemoveListener(stream, addr, token); err != nil {
				fs.logger.Warnw("Failed to remove stream format listener", "stream", stream, "error", err)
			}
		}()
	}

	fs.state = SwitchChangeRequested
	if err := fs.hal.SetFormat(stream, addr, target); err != nil {
		fs.logger.Warnw("Could not set the stream format", "stream", stream, "error", err)
		fs.metrics.observeSwitch("error")
		return SwitchResult{State: fs.state, Format: current}, fmt.Errorf("set stream %d format: %w", stream, err)
	}

	fs.state = SwitchAwaitingConfirmation
	last := current

	timer := time.NewTimer(fs.confirmWait)
	defer timer.Stop()

	for attempt := 1; attempt <= fs.attempts; attempt++ {
		timer.Reset(fs.confirmWait)

		select {
		case <-changed:
		case <-timer.C:
			fs.logger.Debugw("Reached timeout waiting for format change", "stream", stream, "attempt", attempt)
		}

		actual, err := physicalFormat(fs.hal, stream)
		if err != nil {
			fs.logger.Warnw("Could not read back stream format", "stream", stream, "attempt", attempt, "error", err)
			continue
		}

		last = actual
		fs.logger.Debugw("Actual format in use", "stream", stream, "format", actual)

		if actual.sameActiveFormat(target) {
			return fs.finish(SwitchResult{State: SwitchConfirmed, Format: actual, Attempts: attempt}), nil
		}
	}

	fs.logger.Warnw("Stream format change not confirmed", "stream", stream, "attempts", fs.attempts, "format", last)

	return fs.finish(SwitchResult{State: SwitchTimedOut, Format: last, Attempts: fs.attempts}), nil
}

func (fs *formatSwitcher) finish(result SwitchResult) SwitchResult {
	fs.state = result.State
	fs.metrics.observeSwitch(result.State.String())

	return result
}

package caout

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MixyLabs/caout/pkg/caout/util"
)

// revertState records what a digital session changed on the device, so teardown
// undoes exactly that and nothing more
type revertState struct {
	captured bool
	stream   ObjectID
	format   StreamFormat

	changedMixing bool
	hogPid        int
}

func newRevertState() revertState {
	return revertState{hogPid: hogNone}
}

// capture remembers the stream's format from before we touched it; the first capture wins
func (r *revertState) capture(stream ObjectID, format StreamFormat) {
	if r.captured {
		return
	}

	r.captured = true
	r.stream = stream
	r.format = format
}

// HogResult is the outcome of asking for exclusive access to a device
type HogResult int

const (
	HogOwned HogResult = iota
	HogOwnedByOther
	HogUnsupported
	HogFailed
)

// MixingResult is the outcome of turning off system mixing on a device
type MixingResult int

const (
	MixingChanged MixingResult = iota
	MixingUnchanged
	MixingUnsettable
	MixingUnsupported
)

// deviceLifecycle owns every change a digital session makes to a device: hog mode,
// the mixing flag, the stream format, the device listener and the IO proc.
// All of its methods run on the application thread.
type deviceLifecycle struct {
	hal      HAL
	logger   *zap.SugaredLogger
	notifier Notifier
	metrics  *Metrics
	switcher *formatSwitcher

	pid    int
	device ObjectID
	revert revertState

	ioProc    IOProcID
	hasIOProc bool
	running   bool

	deviceListener    ListenerToken
	hasDeviceListener bool
}

func newDeviceLifecycle(hal HAL, logger *zap.SugaredLogger, notifier Notifier, metrics *Metrics, switcher *formatSwitcher, pid int, device ObjectID) *deviceLifecycle {
	return &deviceLifecycle{
		hal:      hal,
		logger:   logger.Named("lifecycle"),
		notifier: notifier,
		metrics:  metrics,
		switcher: switcher,
		pid:      pid,
		device:   device,
		revert:   newRevertState(),
	}
}

// acquireHog takes exclusive access to the device. Another process holding it is a
// contention failure that must abort the digital path before anything else is touched.
func (lc *deviceLifecycle) acquireHog() (HogResult, error) {
	owner, err := hogOwner(lc.hal, lc.device)
	probed := err == nil
	if err != nil {
		// some drivers simply don't have this property
		lc.logger.Warnw("Could not check whether device is hogged", "device", lc.device, "status", err)
		owner = hogNone
	}

	if owner == lc.pid {
		lc.revert.hogPid = lc.pid
		return HogOwned, nil
	}

	if owner != hogNone {
		name := util.ProcessName(owner)
		lc.logger.Warnw("Selected audio device is exclusively in use by another program",
			"device", lc.device,
			"ownerPid", owner,
			"ownerName", name)

		lc.metrics.observeContention()
		lc.notifier.Notify("Audio device busy",
			fmt.Sprintf("Digital output unavailable, the device is in use by %s", name))

		return HogOwnedByOther, fmt.Errorf("hog device %d (owner pid %d): %w", lc.device, owner, ErrDeviceBusy)
	}

	if err := setHogOwner(lc.hal, lc.device, lc.pid); err != nil {
		lc.logger.Warnw("Failed to set hog mode", "device", lc.device, "status", err)

		if IsUnsupported(err) || !probed {
			return HogUnsupported, fmt.Errorf("hog device %d: %w: %w", lc.device, ErrUnsupported, err)
		}

		return HogFailed, fmt.Errorf("hog device %d: %w", lc.device, err)
	}

	lc.revert.hogPid = lc.pid
	lc.logger.Debugw("Acquired hog mode", "device", lc.device, "pid", lc.pid)

	return HogOwned, nil
}

// releaseHog gives up exclusive access, but only if this process is the one holding it
func (lc *deviceLifecycle) releaseHog() {
	if lc.revert.hogPid != lc.pid {
		return
	}

	lc.revert.hogPid = hogNone

	if err := setHogOwner(lc.hal, lc.device, hogNone); err != nil {
		lc.logger.Warnw("Could not release hog mode", "device", lc.device, "status", err)
		return
	}

	lc.logger.Debugw("Released hog mode", "device", lc.device)
}

// disableMixing turns system mixing off if the device lets us.
// Only a change this process actually made is recorded for teardown.
func (lc *deviceLifecycle) disableMixing() (MixingResult, error) {
	addr := Global(SelectorSupportsMixing)

	if !lc.hal.HasProperty(lc.device, addr) {
		lc.logger.Debugw("Device has no mixing property", "device", lc.device)
		return MixingUnsupported, nil
	}

	settable, err := lc.hal.IsPropertySettable(lc.device, addr)
	if err != nil && !IsUnsupported(err) {
		lc.logger.Warnw("Failed to check whether mixing is settable", "device", lc.device, "status", err)
		return MixingUnsettable, fmt.Errorf("check mixing settable: %w", err)
	}

	if !settable {
		lc.logger.Debugw("Mixing is not settable on device", "device", lc.device)
		return MixingUnsettable, nil
	}

	mixing, err := lc.hal.GetUint32(lc.device, addr)
	if err != nil {
		lc.logger.Warnw("Failed to get mix mode", "device", lc.device, "status", err)
		return MixingUnsettable, fmt.Errorf("get mix mode: %w", err)
	}

	if mixing == 0 {
		return MixingUnchanged, nil
	}

	if err := setMixing(lc.hal, lc.device, false); err != nil {
		lc.logger.Warnw("Failed to set mix mode", "device", lc.device, "status", err)
		return MixingUnsettable, fmt.Errorf("disable mixing: %w", err)
	}

	lc.revert.changedMixing = true
	lc.logger.Debugw("Disabled mixing", "device", lc.device)

	return MixingChanged, nil
}

// restoreMixing turns mixing back on if we turned it off, unless the stream was
// reverted to the IEC 60958 AC3 format, which doesn't mix anyway
func (lc *deviceLifecycle) restoreMixing() {
	if !lc.revert.changedMixing {
		return
	}

	if lc.revert.format.FormatID == Format60958AC3 {
		lc.logger.Debugw("Leaving mixing disabled, device reverted to a digital format", "device", lc.device)
		return
	}

	addr := Global(SelectorSupportsMixing)

	settable, err := lc.hal.IsPropertySettable(lc.device, addr)
	if err != nil || !settable {
		lc.logger.Warnw("Mixing no longer settable, can't restore it", "device", lc.device, "status", err)
		return
	}

	if err := setMixing(lc.hal, lc.device, true); err != nil {
		lc.logger.Warnw("Failed to set mix mode", "device", lc.device, "status", err)
		return
	}

	lc.revert.changedMixing = false
	lc.logger.Debugw("Restored mixing", "device", lc.device)
}

// revertFormat puts the stream back into the format captured before the first change
func (lc *deviceLifecycle) revertFormat() {
	if !lc.revert.captured {
		return
	}

	lc.logger.Debugw("Reverting stream format", "stream", lc.revert.stream, "format", lc.revert.format)

	result, err := lc.switcher.apply(lc.revert.stream, lc.revert.format)
	if err != nil {
		lc.logger.Warnw("Failed to revert stream format", "stream", lc.revert.stream, "error", err)
		return
	}

	if result.State != SwitchConfirmed {
		lc.logger.Warnw("Stream format revert not confirmed", "stream", lc.revert.stream, "format", result.Format)
	}

	lc.revert.captured = false
}

// watchDevice raises changed whenever the OS reports the device changed under us.
// The listener only sets the flag; the application thread acts on it.
func (lc *deviceLifecycle) watchDevice(changed *atomic.Bool) {
	if lc.hasDeviceListener {
		return
	}

	token, err := lc.hal.AddListener(lc.device, Global(SelectorDeviceHasChanged), func() {
		changed.Store(true)
	})
	if err != nil {
		lc.logger.Warnw("Failed to add device changed listener", "device", lc.device, "status", err)
		return
	}

	lc.deviceListener = token
	lc.hasDeviceListener = true
}

func (lc *deviceLifecycle) unwatchDevice() {
	if !lc.hasDeviceListener {
		return
	}

	lc.hasDeviceListener = false

	if err := lc.hal.RemoveListener(lc.device, Global(SelectorDeviceHasChanged), lc.deviceListener); err != nil {
		lc.logger.Warnw("Failed to remove device changed listener", "device", lc.device, "status", err)
	}
}

func (lc *deviceLifecycle) createIOProc(proc IOProc) error {
	if lc.hasIOProc {
		return nil
	}

	id, err := lc.hal.CreateIOProc(lc.device, proc)
	if err != nil {
		lc.logger.Warnw("Failed to create IO proc", "device", lc.device, "status", err)
		return fmt.Errorf("create IO proc: %w", err)
	}

	lc.ioProc = id
	lc.hasIOProc = true

	return nil
}

func (lc *deviceLifecycle) destroyIOProc() {
	if !lc.hasIOProc {
		return
	}

	lc.hasIOProc = false

	if err := lc.hal.DestroyIOProc(lc.device, lc.ioProc); err != nil {
		lc.logger.Warnw("Failed to destroy IO proc", "device", lc.device, "status", err)
	}
}

func (lc *deviceLifecycle) startIO() {
	if !lc.hasIOProc || lc.running {
		return
	}

	if err := lc.hal.StartIOProc(lc.device, lc.ioProc); err != nil {
		lc.logger.Warnw("Failed to start device", "device", lc.device, "status", err)
		return
	}

	lc.running = true
}

func (lc *deviceLifecycle) stopIO() {
	if !lc.hasIOProc || !lc.running {
		return
	}

	lc.running = false

	if err := lc.hal.StopIOProc(lc.device, lc.ioProc); err != nil {
		lc.logger.Warnw("Failed to stop device", "device", lc.device, "status", err)
	}
}

// teardown undoes everything recorded, in an order that keeps the device exclusively ours
// until its format and mixing are back: IO first, hog last. Every step runs even if an
// earlier one failed; it is safe to call on a partially set up session and more than once.
func (lc *deviceLifecycle) teardown() {
	lc.logger.Debugw("Tearing down digital session", "device", lc.device)

	lc.unwatchDevice()
	lc.stopIO()
	lc.destroyIOProc()
	lc.revertFormat()
	lc.restoreMixing()
	lc.releaseHog()
}

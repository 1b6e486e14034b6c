package caout

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"
)

const (
	defaultBufferSeconds = 0.5

	maxVolume = 100
)

// ControlCommand selects what Control does
type ControlCommand int

const (
	ControlGetVolume ControlCommand = iota
	ControlSetVolume
)

// Volume is a per-channel volume in percent
type Volume struct {
	Left  float64
	Right float64
}

// ErrUnknownControl is returned by Control for commands the driver doesn't handle
var ErrUnknownControl = errors.New("unknown control command")

// DriverOptions configure a Driver
type DriverOptions struct {
	// DeviceID selects the output device, 0 for the system default
	DeviceID ObjectID

	// BufferSeconds is how much audio the ring buffer holds
	BufferSeconds float64

	SwitchAttempts int
	ConfirmWait    time.Duration

	Notifier Notifier
	Metrics  *Metrics

	// OpenPCM opens the linear PCM path; nil uses the platform playback device
	OpenPCM PCMOpener

	// PID is the process id hog mode is taken under; 0 means this process
	PID int
}

// Driver plays audio handed to it by the application, either as linear PCM or,
// for compressed sources on capable hardware, as a digital passthrough bitstream
type Driver struct {
	baseLogger *zap.SugaredLogger
	logger     *zap.SugaredLogger
	hal        HAL
	devices    *DeviceDirectory
	opts       DriverOptions
	metrics    *Metrics

	device         ObjectID
	source         SourceFormat
	bytesPerSecond int
	opened         bool
	digital        bool
	paused         bool

	buffer *ringbuffer.RingBuffer

	// digital path
	lifecycle   *deviceLifecycle
	stream      digitalStream
	streamIndex int

	// set by the device changed listener, consumed by Write
	streamFormatChanged atomic.Bool
	muted               atomic.Bool

	// linear PCM path
	pcm    PCMSink
	volume atomic.Uint32
}

// NewDriver creates a driver on hal. Nothing is touched until Open.
func NewDriver(logger *zap.SugaredLogger, hal HAL, opts DriverOptions) *Driver {
	logger = logger.Named("driver")

	if opts.BufferSeconds <= 0 {
		opts.BufferSeconds = defaultBufferSeconds
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.OpenPCM == nil {
		opts.OpenPCM = openPlaybackDevice
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}

	d := &Driver{
		baseLogger:  logger,
		logger:      logger,
		hal:         hal,
		devices:     NewDeviceDirectory(hal, logger),
		opts:        opts,
		metrics:     opts.Metrics,
		streamIndex: -1,
	}

	d.volume.Store(maxVolume)

	logger.Debug("Created driver instance")

	return d
}

// Open prepares the output for src. A compressed source goes out as a digital bitstream;
// if the device can't carry one, Open fails with ErrNoDigitalFormat without touching the
// device, and with ErrDeviceBusy if another process holds the device exclusively.
func (d *Driver) Open(src SourceFormat) error {
	if d.opened {
		return errors.New("driver already open")
	}

	if src.SampleRate <= 0 || src.Channels <= 0 {
		return fmt.Errorf("invalid source format: %d Hz, %d channels", src.SampleRate, src.Channels)
	}

	device := d.opts.DeviceID
	if device == 0 {
		var err error
		if device, err = defaultOutputDevice(d.hal); err != nil {
			d.logger.Warnw("Could not get default audio device", "error", err)
			return fmt.Errorf("select output device: %w", err)
		}
	}

	name, err := d.devices.Name(device)
	if err != nil {
		d.logger.Warnw("Could not get selected audio device name", "device", device, "error", err)
		return fmt.Errorf("select output device: %w", err)
	}

	d.device = device
	d.logger = d.baseLogger.With("session", uuid.NewString())
	d.logger.Infow("Selected audio output device", "name", name, "device", device)

	if src.IsCompressed() {
		if !deviceSupportsDigital(d.hal, d.logger, device) {
			d.logger.Warnw("Device has no digital output stream", "device", device)
			return fmt.Errorf("open %s: %w", name, ErrNoDigitalFormat)
		}

		return d.openDigital(src)
	}

	pcmDevice := name
	if d.opts.DeviceID == 0 {
		pcmDevice = ""
	}

	return d.openLPCM(src, pcmDevice)
}

func (d *Driver) openDigital(src SourceFormat) (err error) {
	requested := src.streamFormat(true)
	d.logger.Debugw("Source format", "format", requested)

	if alive, err := deviceIsAlive(d.hal, d.device); err != nil {
		d.logger.Warnw("Could not check whether device is alive", "device", d.device, "status", err)
	} else if !alive {
		d.logger.Warnw("Device is not alive", "device", d.device)
	}

	switcher := newFormatSwitcher(d.hal, d.logger, d.metrics, d.opts.SwitchAttempts, d.opts.ConfirmWait)
	lc := newDeviceLifecycle(d.hal, d.logger, d.opts.Notifier, d.metrics, switcher, d.opts.PID, d.device)

	// whatever got acquired is given back in teardown order
	defer func() {
		if err != nil {
			lc.teardown()
		}
	}()

	if hog, err := lc.acquireHog(); err != nil {
		if hog != HogUnsupported {
			return fmt.Errorf("open digital output: %w", err)
		}

		d.logger.Warnw("Device has no hog mode, continuing without exclusive access", "device", d.device, "error", err)
	}

	if _, err := lc.disableMixing(); err != nil {
		return fmt.Errorf("open digital output: %w", err)
	}

	stream, err := findDigitalStream(d.hal, d.logger, d.device, requested.SampleRate, &lc.revert)
	if err != nil {
		d.logger.Warnw("Cannot find any digital output stream format", "device", d.device, "error", err)
		return fmt.Errorf("open digital output: %w", err)
	}

	d.logger.Debugw("Original stream format", "stream", stream.id, "format", lc.revert.format)

	result, err := switcher.apply(stream.id, stream.format)
	if err != nil {
		return fmt.Errorf("open digital output: %w", err)
	}

	if result.State == SwitchTimedOut {
		d.logger.Warnw("Digital format not confirmed, continuing with the active format", "format", result.Format)
	}

	lc.watchDevice(&d.streamFormatChanged)

	if stream.format.Flags&FlagIsBigEndian != 0 {
		d.logger.Warnw("Output stream has non-native byte order, digital output may fail")
	}

	d.source = src
	d.source.SampleRate = int(stream.format.SampleRate)
	if stream.format.ChannelsPerFrame > 0 {
		d.source.Channels = int(stream.format.ChannelsPerFrame)
	}

	d.bytesPerSecond = stream.format.BytesPerSecond()
	if d.bytesPerSecond == 0 {
		d.bytesPerSecond = d.source.BytesPerSecond()
	}

	d.stream = stream
	d.streamIndex = stream.index
	d.newBuffer()

	if err := lc.createIOProc(d.renderDigital); err != nil {
		return fmt.Errorf("open digital output: %w", err)
	}

	d.lifecycle = lc
	d.digital = true
	d.opened = true
	d.Reset()

	d.logger.Infow("Opened digital output", "stream", stream.id, "format", stream.format)

	return nil
}

func (d *Driver) openLPCM(src SourceFormat, deviceName string) error {
	d.source = src
	d.bytesPerSecond = src.BytesPerSecond()
	d.newBuffer()

	sink, err := d.opts.OpenPCM(d.logger, deviceName, src, d.renderLPCM)
	if err != nil {
		d.logger.Warnw("Failed to open PCM output", "error", err)
		return fmt.Errorf("open PCM output: %w", err)
	}

	d.pcm = sink
	d.digital = false
	d.opened = true
	d.Reset()

	d.logger.Infow("Opened PCM output", "sampleRate", src.SampleRate, "channels", src.Channels, "sample", src.Sample)

	return nil
}

func (d *Driver) newBuffer() {
	size := int(float64(d.source.BytesPerSecond()) * d.opts.BufferSeconds)
	if frame := d.source.BytesPerFrame(); frame > 0 {
		size -= size % frame
	}

	d.buffer = ringbuffer.New(size)
	d.logger.Debugw("Created ring buffer", "size", size)
}

// Digital reports whether the driver is running the passthrough path
func (d *Driver) Digital() bool {
	return d.digital
}

// Format is the format the driver actually plays, which for the digital path follows the stream
func (d *Driver) Format() SourceFormat {
	return d.source
}

// Write queues p for playback and returns how much of it was accepted. It never blocks.
func (d *Driver) Write(p []byte) int {
	if !d.opened {
		return 0
	}

	if d.digital && d.streamFormatChanged.Swap(false) {
		d.restoreDigital()
	}

	n, err := d.buffer.Write(p)
	if err != nil && n == 0 && !errors.Is(err, ringbuffer.ErrIsFull) {
		d.logger.Debugw("Failed to queue audio", "error", err)
	}

	d.metrics.observeFill(d.buffer.Length(), d.buffer.Capacity())
	d.Resume()

	return n
}

// restoreDigital puts the stream back into passthrough after the OS reformatted the device
func (d *Driver) restoreDigital() {
	if !streamSupportsDigital(d.hal, d.stream.id) {
		d.logger.Infow("Detected current stream does not support digital", "stream", d.stream.id)
		return
	}

	d.logger.Infow("Detected current stream supports digital, trying to restore digital output", "stream", d.stream.id)

	result, err := d.lifecycle.switcher.apply(d.stream.id, d.stream.format)
	if err != nil || result.State != SwitchConfirmed {
		d.logger.Warnw("Restoring digital output failed", "error", err, "format", result.Format)
		d.opts.Notifier.Notify("Digital output lost", "Could not restore passthrough after the device changed")

		return
	}

	d.logger.Infow("Restoring digital output succeeded")
	d.Reset()
}

// Pause stops the output, keeping whatever is queued
func (d *Driver) Pause() {
	if !d.opened {
		return
	}

	if d.digital {
		d.lifecycle.stopIO()
	} else if err := d.pcm.Stop(); err != nil {
		d.logger.Warnw("Failed to stop PCM output", "error", err)
	}

	d.paused = true
}

// Resume restarts the output after Pause
func (d *Driver) Resume() {
	if !d.opened || !d.paused {
		return
	}

	if d.digital {
		d.lifecycle.startIO()
	} else if err := d.pcm.Start(); err != nil {
		d.logger.Warnw("Failed to start PCM output", "error", err)
	}

	d.paused = false
}

// Reset pauses and drops everything queued
func (d *Driver) Reset() {
	d.Pause()

	if d.buffer != nil {
		d.buffer.Reset()
	}
}

// QueuedBytes is how much audio waits in the ring buffer
func (d *Driver) QueuedBytes() int {
	if d.buffer == nil {
		return 0
	}

	return d.buffer.Length()
}

// Space is how much Write would accept right now
func (d *Driver) Space() int {
	if d.buffer == nil {
		return 0
	}

	return d.buffer.Free()
}

// Delay is how long the queued audio takes to play. It doesn't include what the OS holds.
func (d *Driver) Delay() time.Duration {
	if d.bytesPerSecond <= 0 {
		return 0
	}

	return time.Duration(d.QueuedBytes()) * time.Second / time.Duration(d.bytesPerSecond)
}

// Control gets or sets the volume. Digital output has no volume: anything but zero plays,
// zero on both channels mutes.
func (d *Driver) Control(cmd ControlCommand, vol *Volume) error {
	if !d.opened {
		return ErrNotOpen
	}

	if vol == nil {
		return errors.New("nil volume")
	}

	switch cmd {
	case ControlGetVolume:
		if d.digital {
			v := float64(maxVolume)
			if d.muted.Load() {
				v = 0
			}

			*vol = Volume{Left: v, Right: v}
			return nil
		}

		v := float64(d.volume.Load())
		*vol = Volume{Left: v, Right: v}

		return nil

	case ControlSetVolume:
		if d.digital {
			d.muted.Store(vol.Left == 0 && vol.Right == 0)
			return nil
		}

		v := (vol.Left + vol.Right) / 2
		v = max(0, min(maxVolume, v))
		d.volume.Store(uint32(v + 0.5))

		return nil
	}

	return ErrUnknownControl
}

// Teardown stops playback and gives the device back as it was found. Unless immediate,
// it first waits for the queued audio to play out.
func (d *Driver) Teardown(immediate bool) {
	if !d.opened {
		return
	}

	if !immediate {
		left := d.Delay()
		d.logger.Debugw("Waiting for queued audio", "bytes", d.QueuedBytes(), "bytesPerSecond", d.bytesPerSecond, "wait", left)
		time.Sleep(left)
	}

	if d.digital {
		d.lifecycle.teardown()
		d.lifecycle = nil
	} else {
		if err := d.pcm.Stop(); err != nil {
			d.logger.Warnw("Failed to stop PCM output", "error", err)
		}
		if err := d.pcm.Close(); err != nil {
			d.logger.Warnw("Failed to close PCM output", "error", err)
		}
		d.pcm = nil
	}

	d.opened = false
	d.digital = false
	d.paused = false
	d.streamIndex = -1

	d.logger.Info("Driver torn down")
}

// Package caout plays audio through the system's output devices, sending compressed
// AC3 streams to capable hardware as an untouched digital bitstream.
package caout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/MixyLabs/caout/pkg/caout/util"
)

const (
	// how long the play loop backs off when the ring buffer is full
	writeBackoff = 10 * time.Millisecond

	readChunkSize = 4096

	metricsShutdownTimeout = 2 * time.Second
)

// Caout is the main entity managing all subcomponents
type Caout struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	hal       HAL
	devices   *DeviceDirectory
	metrics   *Metrics

	metricsServer *http.Server

	// the driver currently holding a device, given back on a crash
	active *Driver

	stopChannel chan bool
	watching    bool
	version     string
	verbose     bool
}

// NewCaout wires up the player. configFile may be empty to use ./config.yaml if present.
func NewCaout(logger *zap.SugaredLogger, verbose bool, configFile string) (*Caout, error) {
	logger = logger.Named("caout")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	c := &Caout{
		logger:      logger,
		notifier:    notifier,
		metrics:     NewMetrics(),
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	config, err := NewConfig(logger, c, configFile)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	c.configMan = config

	hal, err := NewSystemHAL(logger)
	if err != nil {
		logger.Errorw("Failed to create HAL", "error", err)
		return nil, fmt.Errorf("create new HAL: %w", err)
	}

	c.hal = hal
	c.devices = NewDeviceDirectory(hal, logger)

	logger.Debug("Created caout instance")

	return c, nil
}

func (c *Caout) currConf() *Config {
	return c.configMan.Current()
}

// Notify forwards to the desktop notifier unless notifications are turned off
func (c *Caout) Notify(title string, message string) {
	if !c.currConf().Notifications {
		c.logger.Debugw("Notifications disabled, not sending", "title", title)
		return
	}

	c.notifier.Notify(title, message)
}

// BindFlags lets command line flags override the config file
func (c *Caout) BindFlags(flags *pflag.FlagSet) error {
	return c.configMan.BindFlags(flags)
}

// SetVersion adds a version string to the startup log
func (c *Caout) SetVersion(version string) {
	c.version = version
}

// Verbose returns a boolean indicating whether caout is running in verbose mode
func (c *Caout) Verbose() bool {
	return c.verbose
}

// Devices gives access to the output device list
func (c *Caout) Devices() *DeviceDirectory {
	return c.devices
}

// Initialize loads the config. It returns true when the config asks for the device
// list only, which has then already been printed.
func (c *Caout) Initialize() (bool, error) {
	c.logger.Debugw("Initializing", "version", c.version)

	if err := c.configMan.Load(); err != nil {
		c.logger.Errorw("Failed to load config during initialization", "error", err)
		return false, fmt.Errorf("load config during init: %w", err)
	}

	if c.currConf().Help {
		if err := c.devices.Print(os.Stdout); err != nil {
			return true, fmt.Errorf("list output devices: %w", err)
		}

		return true, nil
	}

	c.setupInterruptHandler()

	return false, nil
}

func (c *Caout) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		c.logger.Debugw("Interrupted", "signal", signal)
		c.signalStop()
	}()
}

func (c *Caout) signalStop() {
	c.logger.Debug("Signalling stop channel")

	select {
	case c.stopChannel <- true:
	default:
	}
}

func (c *Caout) rawFormat() SourceFormat {
	conf := c.currConf()

	// already validated when the config was loaded
	sample, _ := ParseSampleFormat(conf.Raw.Format)

	return SourceFormat{
		SampleRate: conf.Raw.SampleRate,
		Channels:   conf.Raw.Channels,
		Sample:     sample,
	}
}

func (c *Caout) newDriver() *Driver {
	conf := c.currConf()

	return NewDriver(c.logger, c.hal, DriverOptions{
		DeviceID:       ObjectID(conf.DeviceID),
		BufferSeconds:  conf.BufferSeconds,
		SwitchAttempts: conf.FormatSwitch.Attempts,
		ConfirmWait:    conf.FormatSwitch.ConfirmWait,
		Notifier:       c,
		Metrics:        c.metrics,
	})
}

// Play plays the file at path until it ends or caout is interrupted
func (c *Caout) Play(path string) error {
	defer c.recoverFromPanic()

	src, err := OpenSource(path, c.rawFormat())
	if err != nil {
		c.logger.Warnw("Failed to open source", "path", path, "error", err)
		return fmt.Errorf("open source %s: %w", path, err)
	}
	defer src.Close()

	format := src.Format()
	c.logger.Infow("Playing", "path", path, "sampleRate", format.SampleRate, "channels", format.Channels, "sample", format.Sample)

	if format.IsCompressed() && !util.Darwin() {
		c.logger.Warnw("Digital passthrough is only available with CoreAudio", "path", path)
	}

	driver := c.newDriver()

	if err := c.openOutput(driver, format); err != nil {
		_ = c.stop()

		return fmt.Errorf("open output: %w", err)
	}

	c.active = driver

	c.applyVolume(driver)
	c.startMetricsServer()

	c.watching = true
	go c.configMan.WatchConfigFileChanges()

	interrupted, err := c.stream(driver, src)

	driver.Teardown(interrupted)
	c.active = nil

	if stopErr := c.stop(); stopErr != nil {
		return stopErr
	}

	return err
}

// openOutput opens driver for format. A passthrough stream the device can't take
// digitally is sent as 16-bit PCM frames instead, which a receiver on the other end
// still recognizes as IEC 61937.
func (c *Caout) openOutput(driver *Driver, format SourceFormat) error {
	err := driver.Open(format)
	if err == nil || !format.IsCompressed() {
		return err
	}

	switch {
	case errors.Is(err, ErrDeviceBusy):
		c.logger.Warnw("Output device is busy, sending the passthrough stream as PCM", "error", err)
	case errors.Is(err, ErrNoDigitalFormat):
		c.logger.Warnw("Output device can't take a passthrough stream, sending it as PCM", "error", err)
	default:
		return err
	}

	fallback := format
	fallback.Sample = SampleS16LE

	if err := driver.Open(fallback); err != nil {
		c.logger.Warnw("Failed to open PCM output", "error", err)
		return fmt.Errorf("open PCM fallback: %w", err)
	}

	return nil
}

// stream copies src into the driver until src ends or a stop is signalled
func (c *Caout) stream(driver *Driver, src io.Reader) (bool, error) {
	c.logger.Info("Run loop starting")

	reload := c.configMan.SubscribeToChanges()

	chunk := make([]byte, readChunkSize)
	if frame := driver.Format().BytesPerFrame(); frame > 0 {
		chunk = chunk[:readChunkSize-readChunkSize%frame]
	}

	var pending []byte

	for {
		if len(pending) == 0 {
			n, err := io.ReadFull(src, chunk)
			if n == 0 {
				if errors.Is(err, io.EOF) {
					c.logger.Debug("Reached end of source")
					return false, nil
				}

				return false, fmt.Errorf("read source: %w", err)
			}

			pending = chunk[:n]
		}

		written := driver.Write(pending)
		pending = pending[written:]

		wait := time.Duration(0)
		if len(pending) > 0 {
			wait = writeBackoff
		}

		select {
		case <-c.stopChannel:
			c.logger.Debug("Stop channel signaled, terminating")
			return true, nil

		case <-reload:
			c.applyVolume(driver)

		case <-time.After(wait):
		}
	}
}

func (c *Caout) applyVolume(driver *Driver) {
	conf := c.currConf()

	level := conf.Volume
	if conf.Mute {
		level = 0
	}

	if err := driver.Control(ControlSetVolume, &Volume{Left: level, Right: level}); err != nil {
		c.logger.Warnw("Failed to set volume", "volume", level, "error", err)
		return
	}

	c.logger.Debugw("Applied volume", "volume", level, "digital", driver.Digital())
}

func (c *Caout) startMetricsServer() {
	addr := c.currConf().MetricsAddr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())

	c.metricsServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		c.logger.Infow("Serving metrics", "addr", addr)

		if err := c.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warnw("Metrics server failed", "addr", addr, "error", err)
		}
	}()
}

func (c *Caout) stop() error {
	c.logger.Info("Stopping")

	if c.watching {
		c.configMan.StopWatchingConfigFile()
		c.watching = false
	}

	if c.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := c.metricsServer.Shutdown(ctx); err != nil {
			c.logger.Warnw("Failed to stop metrics server", "error", err)
		}
	}

	if err := c.hal.Close(); err != nil {
		c.logger.Errorw("Failed to release HAL", "error", err)
		return fmt.Errorf("release HAL: %w", err)
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = c.logger.Sync()

	return nil
}

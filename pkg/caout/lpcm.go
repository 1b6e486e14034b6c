package caout

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// PCMSink is a running linear PCM playback device
type PCMSink interface {
	Start() error
	Stop() error
	Close() error
}

// PCMOpener opens a playback device that pulls its audio from render.
// An empty deviceName means the system default.
type PCMOpener func(logger *zap.SugaredLogger, deviceName string, src SourceFormat, render func([]byte)) (PCMSink, error)

type playbackDevice struct {
	logger *zap.SugaredLogger
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func malgoFormat(sample SampleFormat) (malgo.FormatType, error) {
	switch sample {
	case SampleU8:
		return malgo.FormatU8, nil
	case SampleS16LE:
		return malgo.FormatS16, nil
	case SampleS32LE:
		return malgo.FormatS32, nil
	case SampleF32LE:
		return malgo.FormatF32, nil
	}

	return malgo.FormatUnknown, fmt.Errorf("sample format %s: %w", sample, ErrUnsupported)
}

// openPlaybackDevice is the default PCMOpener, backed by miniaudio
func openPlaybackDevice(logger *zap.SugaredLogger, deviceName string, src SourceFormat, render func([]byte)) (PCMSink, error) {
	logger = logger.Named("pcm")

	format, err := malgoFormat(src.Sample)
	if err != nil {
		return nil, err
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	pd := &playbackDevice{logger: logger, ctx: ctx}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = format
	config.Playback.Channels = uint32(src.Channels)
	config.SampleRate = uint32(src.SampleRate)

	if deviceName != "" {
		infos, err := ctx.Devices(malgo.Playback)
		if err != nil {
			pd.Close()
			return nil, fmt.Errorf("enumerate playback devices: %w", err)
		}

		found := false
		for _, info := range infos {
			if info.Name() == deviceName {
				config.Playback.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}

		if !found {
			logger.Warnw("Playback device not found, using the default one", "name", deviceName)
		}
	}

	device, err := malgo.InitDevice(ctx.Context, config, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			render(out)
		},
	})
	if err != nil {
		pd.Close()
		return nil, fmt.Errorf("init playback device: %w", err)
	}

	pd.device = device

	return pd, nil
}

func (pd *playbackDevice) Start() error {
	if pd.device == nil || pd.device.IsStarted() {
		return nil
	}

	return pd.device.Start()
}

func (pd *playbackDevice) Stop() error {
	if pd.device == nil || !pd.device.IsStarted() {
		return nil
	}

	return pd.device.Stop()
}

func (pd *playbackDevice) Close() error {
	if pd.device != nil {
		pd.device.Uninit()
		pd.device = nil
	}

	if pd.ctx == nil {
		return nil
	}

	err := pd.ctx.Uninit()
	pd.ctx.Free()
	pd.ctx = nil

	if err != nil {
		return fmt.Errorf("uninit audio context: %w", err)
	}

	return nil
}

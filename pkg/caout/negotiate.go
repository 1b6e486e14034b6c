package caout

import (
	"fmt"

	"go.uber.org/zap"
)

// SelectFormat picks the physical format to switch a digital stream to.
//
// Only digital candidates are considered. In order of preference: the first one at
// requestedRate, the first one at fallbackRate (the stream's rate before we touched it),
// then the first one at the highest rate on offer.
func SelectFormat(candidates []StreamFormat, requestedRate, fallbackRate float64) (StreamFormat, error) {
	requested, fallback, highest := -1, -1, -1

	for i, candidate := range candidates {
		if !candidate.IsDigital() {
			continue
		}

		if candidate.SampleRate == requestedRate {
			requested = i
			break
		}

		if candidate.SampleRate == fallbackRate {
			if fallback < 0 {
				fallback = i
			}
		} else if highest < 0 || candidate.SampleRate > candidates[highest].SampleRate {
			highest = i
		}
	}

	switch {
	case requested >= 0:
		return candidates[requested], nil
	case fallback >= 0:
		return candidates[fallback], nil
	case highest >= 0:
		return candidates[highest], nil
	}

	return StreamFormat{}, ErrNoDigitalFormat
}

func hasDigitalFormat(formats []StreamFormat) bool {
	for _, f := range formats {
		if f.IsDigital() {
			return true
		}
	}

	return false
}

// streamSupportsDigital reports whether any physical format of stream is digital
func streamSupportsDigital(hal HAL, stream ObjectID) bool {
	formats, err := availablePhysicalFormats(hal, stream)
	if err != nil {
		return false
	}

	return hasDigitalFormat(formats)
}

// deviceSupportsDigital reports whether any output stream of device can carry a digital format.
// It only reads properties, so it is safe to call before deciding to touch the device.
func deviceSupportsDigital(hal HAL, logger *zap.SugaredLogger, device ObjectID) bool {
	streams, err := outputStreams(hal, device)
	if err != nil {
		logger.Debugw("Can't probe device for digital streams", "device", device, "error", err)
		return false
	}

	for _, stream := range streams {
		if streamSupportsDigital(hal, stream) {
			return true
		}
	}

	return false
}

// digitalStream is the outcome of walking a device for a passthrough-capable stream
type digitalStream struct {
	id     ObjectID
	index  int
	format StreamFormat
}

// findDigitalStream walks the output streams of device in order and negotiates a format on
// the first one offering a digital codec. The stream's original format is captured into
// revert the first time one can be read; a stream whose original format can't be read is skipped.
func findDigitalStream(hal HAL, logger *zap.SugaredLogger, device ObjectID, requestedRate float64, revert *revertState) (digitalStream, error) {
	streams, err := outputStreams(hal, device)
	if err != nil {
		return digitalStream{}, err
	}

	logger.Debugw("Enumerated device streams", "device", device, "count", len(streams))

	for idx, stream := range streams {
		formats, err := availablePhysicalFormats(hal, stream)
		if err != nil {
			logger.Warnw("Could not get stream formats", "stream", stream, "error", err)
			continue
		}

		if !hasDigitalFormat(formats) {
			continue
		}

		if !revert.captured {
			original, err := physicalFormat(hal, stream)
			if err != nil {
				logger.Warnw("Could not retrieve the original stream format", "stream", stream, "error", err)
				continue
			}

			revert.capture(stream, original)
		}

		selected, err := SelectFormat(formats, requestedRate, revert.format.SampleRate)
		if err != nil {
			return digitalStream{}, fmt.Errorf("select format for stream %d: %w", stream, err)
		}

		return digitalStream{id: stream, index: idx, format: selected}, nil
	}

	return digitalStream{}, ErrNoDigitalFormat
}

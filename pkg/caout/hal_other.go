//go:build !linux && !(darwin && cgo)

package caout

import (
	"go.uber.org/zap"
)

// NewSystemHAL connects to the platform's audio server
func NewSystemHAL(logger *zap.SugaredLogger) (HAL, error) {
	logger.Named("hal").Warn("No audio HAL backend for this platform")

	return nil, ErrNoSystemHAL
}

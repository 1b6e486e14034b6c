package caout

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows a short message to the user outside of the logs
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier sends desktop notifications
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification (or the closest platform equivalent)
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

// nopNotifier drops notifications, for when they're disabled in the config
type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

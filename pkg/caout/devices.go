package caout

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// names don't change while a device stays plugged in, but ids get reused after replugging
const deviceNameTTL = 30 * time.Second

// DeviceInfo describes one output device for listing
type DeviceInfo struct {
	ID   ObjectID
	Name string

	// Known is false when the device's name couldn't be read
	Known bool
}

func (di DeviceInfo) String() string {
	if !di.Known {
		return fmt.Sprintf("Unknown (id: %d)", di.ID)
	}

	return fmt.Sprintf("%s (id: %d)", di.Name, di.ID)
}

// DeviceDirectory resolves device ids to names
type DeviceDirectory struct {
	hal    HAL
	logger *zap.SugaredLogger

	names *cache.Cache
}

// NewDeviceDirectory creates a directory backed by hal
func NewDeviceDirectory(hal HAL, logger *zap.SugaredLogger) *DeviceDirectory {
	return &DeviceDirectory{
		hal:    hal,
		logger: logger.Named("devices"),

		// no janitor: expired entries are skipped on lookup and overwritten on refresh
		names: cache.New(deviceNameTTL, 0),
	}
}

// Name returns the name of device id
func (dd *DeviceDirectory) Name(id ObjectID) (string, error) {
	key := strconv.FormatUint(uint64(id), 10)

	if name, ok := dd.names.Get(key); ok {
		return name.(string), nil
	}

	name, err := objectName(dd.hal, id)
	if err != nil {
		return "", err
	}

	dd.names.Set(key, name, cache.DefaultExpiration)

	return name, nil
}

// List returns every device the HAL knows about, in HAL order
func (dd *DeviceDirectory) List() ([]DeviceInfo, error) {
	ids, err := allDevices(dd.hal)
	if err != nil {
		dd.logger.Warnw("Failed to get list of output devices", "error", err)
		return nil, err
	}

	devices := make([]DeviceInfo, 0, len(ids))

	for _, id := range ids {
		name, err := dd.Name(id)
		if err != nil {
			dd.logger.Debugw("Failed to get device name", "device", id, "error", err)
		}

		devices = append(devices, DeviceInfo{ID: id, Name: name, Known: err == nil})
	}

	return devices, nil
}

// Print writes one line per device to w
func (dd *DeviceDirectory) Print(w io.Writer) error {
	devices, err := dd.List()
	if err != nil {
		fmt.Fprintln(w, "Failed to get list of output devices.")
		return err
	}

	fmt.Fprintln(w, "Available output devices:")

	for _, device := range devices {
		fmt.Fprintln(w, device.String())
	}

	return nil
}

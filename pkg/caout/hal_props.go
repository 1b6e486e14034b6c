package caout

import "fmt"

// hogNone is the hog mode value of a device nobody holds exclusively
const hogNone = -1

func defaultOutputDevice(hal HAL) (ObjectID, error) {
	id, err := hal.GetUint32(SystemObject, Global(SelectorDefaultOutputDevice))
	if err != nil {
		return 0, fmt.Errorf("get default output device: %w", err)
	}

	return ObjectID(id), nil
}

func allDevices(hal HAL) ([]ObjectID, error) {
	ids, err := hal.GetObjectIDs(SystemObject, Global(SelectorDevices))
	if err != nil {
		return nil, fmt.Errorf("get device list: %w", err)
	}

	return ids, nil
}

func objectName(hal HAL, obj ObjectID) (string, error) {
	name, err := hal.GetString(obj, Global(SelectorName))
	if err != nil {
		return "", fmt.Errorf("get name of object %d: %w", obj, err)
	}

	return name, nil
}

func deviceIsAlive(hal HAL, device ObjectID) (bool, error) {
	alive, err := hal.GetUint32(device, Global(SelectorDeviceIsAlive))
	if err != nil {
		return true, err
	}

	return alive != 0, nil
}

// hogOwner returns the pid holding the device exclusively, hogNone if nobody does
func hogOwner(hal HAL, device ObjectID) (int, error) {
	pid, err := hal.GetUint32(device, Global(SelectorHogMode))
	if err != nil {
		return hogNone, err
	}

	return int(int32(pid)), nil
}

func setHogOwner(hal HAL, device ObjectID, pid int) error {
	return hal.SetUint32(device, Global(SelectorHogMode), uint32(int32(pid)))
}

func setMixing(hal HAL, device ObjectID, enabled bool) error {
	var value uint32
	if enabled {
		value = 1
	}

	return hal.SetUint32(device, Global(SelectorSupportsMixing), value)
}

func outputStreams(hal HAL, device ObjectID) ([]ObjectID, error) {
	streams, err := hal.GetObjectIDs(device, Address{Selector: SelectorStreams, Scope: ScopeOutput, Element: ElementMain})
	if err != nil {
		return nil, fmt.Errorf("get output streams of device %d: %w", device, err)
	}

	return streams, nil
}

func physicalFormat(hal HAL, stream ObjectID) (StreamFormat, error) {
	return hal.GetFormat(stream, Global(SelectorPhysicalFormat))
}

func availablePhysicalFormats(hal HAL, stream ObjectID) ([]StreamFormat, error) {
	return hal.GetFormats(stream, Global(SelectorAvailablePhysicalFormats))
}

package caout

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// PulseAudio sink indexes start at 0, which would collide with the system object
const paSinkBase ObjectID = 0x100

// paHAL answers the device-level part of the property protocol from a PulseAudio server:
// the device list, the default device, names and liveness, plus device changed events.
// Streams, formats, hog mode and IO procs don't exist there, so those are reported as
// unknown properties and the driver stays on the linear PCM path.
type paHAL struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	mu        sync.Mutex
	listeners map[ListenerToken]paListener
	nextToken atomic.Uint64
}

type paListener struct {
	device   ObjectID
	listener Listener
}

// NewSystemHAL connects to the platform's audio server
func NewSystemHAL(logger *zap.SugaredLogger) (HAL, error) {
	logger = logger.Named("hal")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("caout"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	h := &paHAL{
		logger:    logger,
		client:    client,
		conn:      conn,
		listeners: make(map[ListenerToken]paListener),
	}

	client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			if msg.Event&proto.EventFacilityMask == proto.EventSink && msg.Event.GetType() == proto.EventChange {
				h.deviceChanged(paSinkBase + ObjectID(msg.Index))
			}
		}
	}

	if err := client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSink}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio sink events: %w", err)
	}

	logger.Debug("Created PA HAL instance")

	return h, nil
}

func sinkIndex(device ObjectID) (uint32, error) {
	if device < paSinkBase {
		return 0, StatusBadObject
	}

	return uint32(device - paSinkBase), nil
}

func (h *paHAL) sinkInfo(device ObjectID) (*proto.GetSinkInfoReply, error) {
	idx, err := sinkIndex(device)
	if err != nil {
		return nil, err
	}

	reply := proto.GetSinkInfoReply{}
	if err := h.client.Request(&proto.GetSinkInfo{SinkIndex: idx}, &reply); err != nil {
		return nil, fmt.Errorf("get sink %d info: %w", idx, err)
	}

	return &reply, nil
}

func (h *paHAL) HasProperty(obj ObjectID, addr Address) bool {
	if obj == SystemObject {
		return addr.Selector == SelectorDevices || addr.Selector == SelectorDefaultOutputDevice
	}

	switch addr.Selector {
	case SelectorName, SelectorDeviceIsAlive, SelectorDeviceHasChanged:
		return obj >= paSinkBase
	}

	return false
}

func (h *paHAL) IsPropertySettable(ObjectID, Address) (bool, error) {
	return false, nil
}

func (h *paHAL) GetUint32(obj ObjectID, addr Address) (uint32, error) {
	switch {
	case obj == SystemObject && addr.Selector == SelectorDefaultOutputDevice:
		reply := proto.GetSinkInfoReply{}
		if err := h.client.Request(&proto.GetSinkInfo{SinkIndex: proto.Undefined}, &reply); err != nil {
			h.logger.Warnw("Failed to get master sink info", "error", err)
			return 0, fmt.Errorf("get master sink info: %w", err)
		}

		return uint32(paSinkBase) + reply.SinkIndex, nil

	case obj >= paSinkBase && addr.Selector == SelectorDeviceIsAlive:
		if _, err := h.sinkInfo(obj); err != nil {
			return 0, nil
		}

		return 1, nil
	}

	return 0, StatusUnknownProperty
}

func (h *paHAL) SetUint32(ObjectID, Address, uint32) error {
	return StatusUnknownProperty
}

func (h *paHAL) GetObjectIDs(obj ObjectID, addr Address) ([]ObjectID, error) {
	if obj != SystemObject || addr.Selector != SelectorDevices {
		return nil, StatusUnknownProperty
	}

	reply := proto.GetSinkInfoListReply{}
	if err := h.client.Request(&proto.GetSinkInfoList{}, &reply); err != nil {
		h.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	ids := make([]ObjectID, 0, len(reply))
	for _, info := range reply {
		ids = append(ids, paSinkBase+ObjectID(info.SinkIndex))
	}

	return ids, nil
}

func (h *paHAL) GetString(obj ObjectID, addr Address) (string, error) {
	if addr.Selector != SelectorName {
		return "", StatusUnknownProperty
	}

	info, err := h.sinkInfo(obj)
	if err != nil {
		return "", err
	}

	if desc, ok := info.Properties["device.description"]; ok {
		return desc.String(), nil
	}

	return info.SinkName, nil
}

func (h *paHAL) GetFormat(ObjectID, Address) (StreamFormat, error) {
	return StreamFormat{}, StatusUnknownProperty
}

func (h *paHAL) SetFormat(ObjectID, Address, StreamFormat) error {
	return StatusUnknownProperty
}

func (h *paHAL) GetFormats(ObjectID, Address) ([]StreamFormat, error) {
	return nil, StatusUnknownProperty
}

func (h *paHAL) AddListener(obj ObjectID, addr Address, listener Listener) (ListenerToken, error) {
	if addr.Selector != SelectorDeviceHasChanged || obj < paSinkBase {
		return 0, StatusUnknownProperty
	}

	token := ListenerToken(h.nextToken.Add(1))

	h.mu.Lock()
	h.listeners[token] = paListener{device: obj, listener: listener}
	h.mu.Unlock()

	return token, nil
}

func (h *paHAL) RemoveListener(_ ObjectID, _ Address, token ListenerToken) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.listeners[token]; !ok {
		return StatusIllegalOp
	}

	delete(h.listeners, token)

	return nil
}

func (h *paHAL) deviceChanged(device ObjectID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, l := range h.listeners {
		if l.device == device {
			l.listener()
		}
	}
}

func (h *paHAL) CreateIOProc(ObjectID, IOProc) (IOProcID, error) {
	return 0, StatusUnsupportedOp
}

func (h *paHAL) DestroyIOProc(ObjectID, IOProcID) error {
	return StatusUnsupportedOp
}

func (h *paHAL) StartIOProc(ObjectID, IOProcID) error {
	return StatusUnsupportedOp
}

func (h *paHAL) StopIOProc(ObjectID, IOProcID) error {
	return StatusUnsupportedOp
}

func (h *paHAL) Close() error {
	if err := h.conn.Close(); err != nil {
		h.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	h.logger.Debug("Released PA HAL instance")

	return nil
}

//go:build darwin && cgo

package caout

/*
#cgo LDFLAGS: -framework CoreAudio -framework CoreFoundation

#include <stdint.h>
#include <stdlib.h>
#include <CoreAudio/CoreAudio.h>

OSStatus caoutAddListener(AudioObjectID obj, const AudioObjectPropertyAddress *addr, uintptr_t token);
OSStatus caoutRemoveListener(AudioObjectID obj, const AudioObjectPropertyAddress *addr, uintptr_t token);
OSStatus caoutCreateIOProc(AudioObjectID device, uintptr_t token, AudioDeviceIOProcID *id);
OSStatus caoutGetString(AudioObjectID obj, const AudioObjectPropertyAddress *addr, char *buf, UInt32 bufLen);
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

const maxStringLen = 1024

// Callbacks coming from CoreAudio carry a token instead of a Go pointer. A token that
// is no longer registered is ignored, so a late notification after removal is harmless.
var (
	listenerRegistry sync.Map // uintptr -> Listener
	ioProcRegistry   sync.Map // uintptr -> IOProc
	nextCallbackID   atomic.Uintptr
)

//export caoutListenerFired
func caoutListenerFired(token C.uintptr_t) {
	if l, ok := listenerRegistry.Load(uintptr(token)); ok {
		l.(Listener)()
	}
}

//export caoutRender
func caoutRender(token C.uintptr_t, out *C.AudioBufferList) {
	if proc, ok := ioProcRegistry.Load(uintptr(token)); ok && out != nil {
		proc.(IOProc)(cBufferList{list: out})
	}
}

type cBufferList struct {
	list *C.AudioBufferList
}

func (b cBufferList) Len() int {
	return int(b.list.mNumberBuffers)
}

func (b cBufferList) Bytes(i int) []byte {
	buffers := unsafe.Slice(&b.list.mBuffers[0], int(b.list.mNumberBuffers))
	buf := buffers[i]

	if buf.mData == nil {
		return nil
	}

	return unsafe.Slice((*byte)(buf.mData), int(buf.mDataByteSize))
}

// coreAudioHAL talks to the CoreAudio hardware abstraction layer
type coreAudioHAL struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	ioProcs map[IOProcID]C.AudioDeviceIOProcID
}

// NewSystemHAL connects to the platform's audio server
func NewSystemHAL(logger *zap.SugaredLogger) (HAL, error) {
	h := &coreAudioHAL{
		logger:  logger.Named("hal"),
		ioProcs: make(map[IOProcID]C.AudioDeviceIOProcID),
	}

	h.logger.Debug("Created CoreAudio HAL instance")

	return h, nil
}

func cAddress(addr Address) C.AudioObjectPropertyAddress {
	return C.AudioObjectPropertyAddress{
		mSelector: C.AudioObjectPropertySelector(addr.Selector),
		mScope:    C.AudioObjectPropertyScope(addr.Scope),
		mElement:  C.AudioObjectPropertyElement(addr.Element),
	}
}

func status(st C.OSStatus) error {
	if st == 0 {
		return nil
	}

	return OSStatus(st)
}

func fromASBD(d *C.AudioStreamBasicDescription) StreamFormat {
	return StreamFormat{
		SampleRate:       float64(d.mSampleRate),
		FormatID:         FormatID(d.mFormatID),
		Flags:            FormatFlags(d.mFormatFlags),
		BytesPerPacket:   uint32(d.mBytesPerPacket),
		FramesPerPacket:  uint32(d.mFramesPerPacket),
		BytesPerFrame:    uint32(d.mBytesPerFrame),
		ChannelsPerFrame: uint32(d.mChannelsPerFrame),
		BitsPerChannel:   uint32(d.mBitsPerChannel),
	}
}

func toASBD(f StreamFormat) C.AudioStreamBasicDescription {
	return C.AudioStreamBasicDescription{
		mSampleRate:       C.Float64(f.SampleRate),
		mFormatID:         C.AudioFormatID(f.FormatID),
		mFormatFlags:      C.AudioFormatFlags(f.Flags),
		mBytesPerPacket:   C.UInt32(f.BytesPerPacket),
		mFramesPerPacket:  C.UInt32(f.FramesPerPacket),
		mBytesPerFrame:    C.UInt32(f.BytesPerFrame),
		mChannelsPerFrame: C.UInt32(f.ChannelsPerFrame),
		mBitsPerChannel:   C.UInt32(f.BitsPerChannel),
	}
}

func (h *coreAudioHAL) HasProperty(obj ObjectID, addr Address) bool {
	a := cAddress(addr)
	return C.AudioObjectHasProperty(C.AudioObjectID(obj), &a) != 0
}

func (h *coreAudioHAL) IsPropertySettable(obj ObjectID, addr Address) (bool, error) {
	a := cAddress(addr)
	var settable C.Boolean

	if err := status(C.AudioObjectIsPropertySettable(C.AudioObjectID(obj), &a, &settable)); err != nil {
		return false, err
	}

	return settable != 0, nil
}

func (h *coreAudioHAL) GetUint32(obj ObjectID, addr Address) (uint32, error) {
	a := cAddress(addr)
	var value C.UInt32
	size := C.UInt32(unsafe.Sizeof(value))

	if err := status(C.AudioObjectGetPropertyData(C.AudioObjectID(obj), &a, 0, nil, &size, unsafe.Pointer(&value))); err != nil {
		return 0, err
	}

	return uint32(value), nil
}

func (h *coreAudioHAL) SetUint32(obj ObjectID, addr Address, value uint32) error {
	a := cAddress(addr)
	v := C.UInt32(value)

	return status(C.AudioObjectSetPropertyData(C.AudioObjectID(obj), &a, 0, nil, C.UInt32(unsafe.Sizeof(v)), unsafe.Pointer(&v)))
}

func (h *coreAudioHAL) GetObjectIDs(obj ObjectID, addr Address) ([]ObjectID, error) {
	a := cAddress(addr)
	var size C.UInt32

	if err := status(C.AudioObjectGetPropertyDataSize(C.AudioObjectID(obj), &a, 0, nil, &size)); err != nil {
		return nil, err
	}

	count := int(size) / int(unsafe.Sizeof(C.AudioObjectID(0)))
	if count == 0 {
		return nil, nil
	}

	raw := make([]C.AudioObjectID, count)
	if err := status(C.AudioObjectGetPropertyData(C.AudioObjectID(obj), &a, 0, nil, &size, unsafe.Pointer(&raw[0]))); err != nil {
		return nil, err
	}

	// the list may have shrunk between the two calls
	raw = raw[:int(size)/int(unsafe.Sizeof(C.AudioObjectID(0)))]

	ids := make([]ObjectID, len(raw))
	for i, id := range raw {
		ids[i] = ObjectID(id)
	}

	return ids, nil
}

func (h *coreAudioHAL) GetString(obj ObjectID, addr Address) (string, error) {
	a := cAddress(addr)
	buf := (*C.char)(C.malloc(maxStringLen))
	defer C.free(unsafe.Pointer(buf))

	if err := status(C.caoutGetString(C.AudioObjectID(obj), &a, buf, maxStringLen)); err != nil {
		return "", err
	}

	return C.GoString(buf), nil
}

func (h *coreAudioHAL) GetFormat(obj ObjectID, addr Address) (StreamFormat, error) {
	a := cAddress(addr)
	var desc C.AudioStreamBasicDescription
	size := C.UInt32(unsafe.Sizeof(desc))

	if err := status(C.AudioObjectGetPropertyData(C.AudioObjectID(obj), &a, 0, nil, &size, unsafe.Pointer(&desc))); err != nil {
		return StreamFormat{}, err
	}

	return fromASBD(&desc), nil
}

func (h *coreAudioHAL) SetFormat(obj ObjectID, addr Address, format StreamFormat) error {
	a := cAddress(addr)
	desc := toASBD(format)

	return status(C.AudioObjectSetPropertyData(C.AudioObjectID(obj), &a, 0, nil, C.UInt32(unsafe.Sizeof(desc)), unsafe.Pointer(&desc)))
}

func (h *coreAudioHAL) GetFormats(obj ObjectID, addr Address) ([]StreamFormat, error) {
	a := cAddress(addr)
	var size C.UInt32

	if err := status(C.AudioObjectGetPropertyDataSize(C.AudioObjectID(obj), &a, 0, nil, &size)); err != nil {
		return nil, err
	}

	descSize := int(unsafe.Sizeof(C.AudioStreamRangedDescription{}))
	count := int(size) / descSize
	if count == 0 {
		return nil, nil
	}

	raw := make([]C.AudioStreamRangedDescription, count)
	if err := status(C.AudioObjectGetPropertyData(C.AudioObjectID(obj), &a, 0, nil, &size, unsafe.Pointer(&raw[0]))); err != nil {
		return nil, err
	}

	raw = raw[:int(size)/descSize]

	formats := make([]StreamFormat, len(raw))
	for i := range raw {
		formats[i] = fromASBD(&raw[i].mFormat)
	}

	return formats, nil
}

func (h *coreAudioHAL) AddListener(obj ObjectID, addr Address, listener Listener) (ListenerToken, error) {
	a := cAddress(addr)
	token := nextCallbackID.Add(1)
	listenerRegistry.Store(token, listener)

	if err := status(C.caoutAddListener(C.AudioObjectID(obj), &a, C.uintptr_t(token))); err != nil {
		listenerRegistry.Delete(token)
		return 0, err
	}

	return ListenerToken(token), nil
}

func (h *coreAudioHAL) RemoveListener(obj ObjectID, addr Address, token ListenerToken) error {
	a := cAddress(addr)
	err := status(C.caoutRemoveListener(C.AudioObjectID(obj), &a, C.uintptr_t(token)))

	listenerRegistry.Delete(uintptr(token))

	return err
}

func (h *coreAudioHAL) CreateIOProc(device ObjectID, proc IOProc) (IOProcID, error) {
	token := nextCallbackID.Add(1)
	ioProcRegistry.Store(token, proc)

	var procID C.AudioDeviceIOProcID
	if err := status(C.caoutCreateIOProc(C.AudioObjectID(device), C.uintptr_t(token), &procID)); err != nil {
		ioProcRegistry.Delete(token)
		return 0, err
	}

	h.mu.Lock()
	h.ioProcs[IOProcID(token)] = procID
	h.mu.Unlock()

	return IOProcID(token), nil
}

func (h *coreAudioHAL) lookupIOProc(id IOProcID) (C.AudioDeviceIOProcID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	procID, ok := h.ioProcs[id]
	if !ok {
		return nil, StatusIllegalOp
	}

	return procID, nil
}

func (h *coreAudioHAL) DestroyIOProc(device ObjectID, id IOProcID) error {
	procID, err := h.lookupIOProc(id)
	if err != nil {
		return err
	}

	err = status(C.AudioDeviceDestroyIOProcID(C.AudioObjectID(device), procID))

	h.mu.Lock()
	delete(h.ioProcs, id)
	h.mu.Unlock()

	ioProcRegistry.Delete(uintptr(id))

	return err
}

func (h *coreAudioHAL) StartIOProc(device ObjectID, id IOProcID) error {
	procID, err := h.lookupIOProc(id)
	if err != nil {
		return err
	}

	return status(C.AudioDeviceStart(C.AudioObjectID(device), procID))
}

func (h *coreAudioHAL) StopIOProc(device ObjectID, id IOProcID) error {
	procID, err := h.lookupIOProc(id)
	if err != nil {
		return err
	}

	return status(C.AudioDeviceStop(C.AudioObjectID(device), procID))
}

func (h *coreAudioHAL) Close() error {
	h.logger.Debug("Released CoreAudio HAL instance")
	return nil
}

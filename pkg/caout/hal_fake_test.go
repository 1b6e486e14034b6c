package caout

import (
	"fmt"
	"sync"
	"time"
)

// fakeHAL is an in-memory HAL. Format changes land after confirmDelay on a timer
// goroutine and notify listeners from there, like the real thing.
type fakeHAL struct {
	mu sync.Mutex
	wg sync.WaitGroup

	defaultDevice ObjectID
	order         []ObjectID
	devices       map[ObjectID]*fakeDevice
	streams       map[ObjectID]*fakeStream

	listeners      map[ListenerToken]fakeListener
	nextToken      ListenerToken
	addListenerErr error

	ioProcs         map[IOProcID]IOProc
	nextIOProc      IOProcID
	createIOProcErr error

	confirmDelay time.Duration

	// mutations in the order they happened
	journal []string
}

type fakeDevice struct {
	name    string
	nameErr error
	alive   bool

	hogPid    int32
	hogGetErr error
	hogSetErr error

	hasMixing      bool
	mixing         uint32
	mixingSettable bool
	mixingSetErr   error

	streams    []ObjectID
	streamsErr error
}

type fakeStream struct {
	format     StreamFormat
	formatErr  error
	available  []StreamFormat
	formatsErr error
	setErr     error

	// the hardware accepts the request but never changes format
	neverConfirm bool
	// the hardware settles on this format instead of the requested one
	settleOn *StreamFormat
}

type fakeListener struct {
	obj      ObjectID
	selector Selector
	listener Listener
}

func newFakeHAL() *fakeHAL {
	return &fakeHAL{
		devices:      make(map[ObjectID]*fakeDevice),
		streams:      make(map[ObjectID]*fakeStream),
		listeners:    make(map[ListenerToken]fakeListener),
		ioProcs:      make(map[IOProcID]IOProc),
		confirmDelay: time.Millisecond,
	}
}

func (h *fakeHAL) addDevice(id ObjectID, name string) *fakeDevice {
	d := &fakeDevice{name: name, alive: true, hogPid: hogNone, hasMixing: true, mixing: 1, mixingSettable: true}
	h.devices[id] = d
	h.order = append(h.order, id)

	if h.defaultDevice == 0 {
		h.defaultDevice = id
	}

	return d
}

func (h *fakeHAL) addStream(device, id ObjectID, current StreamFormat, available ...StreamFormat) *fakeStream {
	s := &fakeStream{format: current, available: available}
	h.streams[id] = s
	h.devices[device].streams = append(h.devices[device].streams, id)

	return s
}

func (h *fakeHAL) record(format string, args ...any) {
	h.journal = append(h.journal, fmt.Sprintf(format, args...))
}

// entries returns a copy of the journal
func (h *fakeHAL) entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.journal...)
}

func (h *fakeHAL) resetJournal() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.journal = nil
}

func (h *fakeHAL) streamFormat(id ObjectID) StreamFormat {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.streams[id].format
}

func (h *fakeHAL) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.listeners)
}

// fire calls every listener on (obj, selector), outside the lock
func (h *fakeHAL) fire(obj ObjectID, selector Selector) {
	h.mu.Lock()
	var matched []Listener
	for _, l := range h.listeners {
		if l.obj == obj && l.selector == selector {
			matched = append(matched, l.listener)
		}
	}
	h.mu.Unlock()

	for _, l := range matched {
		l()
	}
}

// reformat changes a stream behind the driver's back, as the OS does on a device change
func (h *fakeHAL) reformat(device, stream ObjectID, format StreamFormat) {
	h.mu.Lock()
	h.streams[stream].format = format
	h.mu.Unlock()

	h.fire(device, SelectorDeviceHasChanged)
}

// render runs every IO proc once over buffers of the given sizes
func (h *fakeHAL) render(sizes ...int) *fakeBufferList {
	out := &fakeBufferList{}
	for _, size := range sizes {
		out.bufs = append(out.bufs, make([]byte, size))
	}

	h.mu.Lock()
	var procs []IOProc
	for _, proc := range h.ioProcs {
		procs = append(procs, proc)
	}
	h.mu.Unlock()

	for _, proc := range procs {
		proc(out)
	}

	return out
}

// wait for pending format confirmations
func (h *fakeHAL) wait() {
	h.wg.Wait()
}

type fakeBufferList struct {
	bufs [][]byte
}

func (b *fakeBufferList) Len() int {
	return len(b.bufs)
}

func (b *fakeBufferList) Bytes(i int) []byte {
	return b.bufs[i]
}

func (h *fakeHAL) HasProperty(obj ObjectID, addr Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.devices[obj]; ok && addr.Selector == SelectorSupportsMixing {
		return d.hasMixing
	}

	return true
}

func (h *fakeHAL) IsPropertySettable(obj ObjectID, addr Address) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[obj]
	if !ok {
		return false, StatusBadObject
	}

	if addr.Selector == SelectorSupportsMixing {
		return d.mixingSettable, nil
	}

	return true, nil
}

func (h *fakeHAL) GetUint32(obj ObjectID, addr Address) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if obj == SystemObject && addr.Selector == SelectorDefaultOutputDevice {
		return uint32(h.defaultDevice), nil
	}

	d, ok := h.devices[obj]
	if !ok {
		return 0, StatusBadObject
	}

	switch addr.Selector {
	case SelectorDeviceIsAlive:
		if d.alive {
			return 1, nil
		}
		return 0, nil

	case SelectorHogMode:
		if d.hogGetErr != nil {
			return 0, d.hogGetErr
		}
		return uint32(d.hogPid), nil

	case SelectorSupportsMixing:
		if !d.hasMixing {
			return 0, StatusUnknownProperty
		}
		return d.mixing, nil
	}

	return 0, StatusUnknownProperty
}

func (h *fakeHAL) SetUint32(obj ObjectID, addr Address, value uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[obj]
	if !ok {
		return StatusBadObject
	}

	switch addr.Selector {
	case SelectorHogMode:
		if d.hogSetErr != nil {
			return d.hogSetErr
		}
		d.hogPid = int32(value)
		h.record("hog %d", d.hogPid)

		return nil

	case SelectorSupportsMixing:
		if !d.hasMixing {
			return StatusUnknownProperty
		}
		if d.mixingSetErr != nil {
			return d.mixingSetErr
		}
		d.mixing = value
		h.record("mixing %d", value)

		return nil
	}

	return StatusUnknownProperty
}

func (h *fakeHAL) GetObjectIDs(obj ObjectID, addr Address) ([]ObjectID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if obj == SystemObject && addr.Selector == SelectorDevices {
		return append([]ObjectID(nil), h.order...), nil
	}

	d, ok := h.devices[obj]
	if !ok {
		return nil, StatusBadObject
	}

	if addr.Selector != SelectorStreams {
		return nil, StatusUnknownProperty
	}

	if d.streamsErr != nil {
		return nil, d.streamsErr
	}

	return append([]ObjectID(nil), d.streams...), nil
}

func (h *fakeHAL) GetString(obj ObjectID, addr Address) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[obj]
	if !ok {
		return "", StatusBadObject
	}

	if d.nameErr != nil {
		return "", d.nameErr
	}

	return d.name, nil
}

func (h *fakeHAL) GetFormat(obj ObjectID, addr Address) (StreamFormat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[obj]
	if !ok {
		return StreamFormat{}, StatusBadObject
	}

	if s.formatErr != nil {
		return StreamFormat{}, s.formatErr
	}

	return s.format, nil
}

func (h *fakeHAL) SetFormat(obj ObjectID, addr Address, format StreamFormat) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[obj]
	if !ok {
		return StatusBadObject
	}

	if s.setErr != nil {
		return s.setErr
	}

	h.record("format %d %s %.0f", obj, format.FormatID, format.SampleRate)

	if s.neverConfirm {
		return nil
	}

	settled := format
	if s.settleOn != nil {
		settled = *s.settleOn
	}

	h.wg.Add(1)
	time.AfterFunc(h.confirmDelay, func() {
		defer h.wg.Done()

		h.mu.Lock()
		s.format = settled
		h.mu.Unlock()

		h.fire(obj, SelectorPhysicalFormat)
	})

	return nil
}

func (h *fakeHAL) GetFormats(obj ObjectID, addr Address) ([]StreamFormat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[obj]
	if !ok {
		return nil, StatusBadObject
	}

	if s.formatsErr != nil {
		return nil, s.formatsErr
	}

	return append([]StreamFormat(nil), s.available...), nil
}

func (h *fakeHAL) AddListener(obj ObjectID, addr Address, listener Listener) (ListenerToken, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.addListenerErr != nil {
		return 0, h.addListenerErr
	}

	h.nextToken++
	h.listeners[h.nextToken] = fakeListener{obj: obj, selector: addr.Selector, listener: listener}
	h.record("listen %d %s", obj, addr.Selector)

	return h.nextToken, nil
}

func (h *fakeHAL) RemoveListener(obj ObjectID, addr Address, token ListenerToken) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.listeners[token]; !ok {
		return StatusIllegalOp
	}

	delete(h.listeners, token)
	h.record("unlisten %d %s", obj, addr.Selector)

	return nil
}

func (h *fakeHAL) CreateIOProc(device ObjectID, proc IOProc) (IOProcID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.createIOProcErr != nil {
		return 0, h.createIOProcErr
	}

	h.nextIOProc++
	h.ioProcs[h.nextIOProc] = proc
	h.record("ioproc create")

	return h.nextIOProc, nil
}

func (h *fakeHAL) DestroyIOProc(device ObjectID, id IOProcID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.ioProcs, id)
	h.record("ioproc destroy")

	return nil
}

func (h *fakeHAL) StartIOProc(device ObjectID, id IOProcID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record("ioproc start")

	return nil
}

func (h *fakeHAL) StopIOProc(device ObjectID, id IOProcID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record("ioproc stop")

	return nil
}

func (h *fakeHAL) Close() error {
	h.wait()
	return nil
}

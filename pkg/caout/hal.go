package caout

import (
	"errors"
	"fmt"
	"strings"
)

// ObjectID identifies a HAL object (the system object, a device or a stream)
type ObjectID uint32

// SystemObject is the HAL's root object; it owns the device list and the defaults
const SystemObject ObjectID = 1

// FourCC is a four-character code as used by CoreAudio for selectors, scopes and format ids
type FourCC uint32

// Selector names a property
type Selector = FourCC

// Scope narrows a property to a direction of the object
type Scope = FourCC

// Element selects a channel of a property, 0 being the main element
type Element uint32

// Address fully qualifies a property on an object
type Address struct {
	Selector Selector
	Scope    Scope
	Element  Element
}

const (
	ScopeGlobal Scope = 'g'<<24 | 'l'<<16 | 'o'<<8 | 'b'
	ScopeOutput Scope = 'o'<<24 | 'u'<<16 | 't'<<8 | 'p'

	ElementMain Element = 0
)

const (
	SelectorDevices                  Selector = 'd'<<24 | 'e'<<16 | 'v'<<8 | '#'
	SelectorDefaultOutputDevice      Selector = 'd'<<24 | 'O'<<16 | 'u'<<8 | 't'
	SelectorName                     Selector = 'l'<<24 | 'n'<<16 | 'a'<<8 | 'm'
	SelectorDeviceIsAlive            Selector = 'l'<<24 | 'i'<<16 | 'v'<<8 | 'n'
	SelectorHogMode                  Selector = 'o'<<24 | 'i'<<16 | 'n'<<8 | 'k'
	SelectorSupportsMixing           Selector = 'm'<<24 | 'i'<<16 | 'x'<<8 | '?'
	SelectorStreams                  Selector = 's'<<24 | 't'<<16 | 'm'<<8 | '#'
	SelectorPhysicalFormat           Selector = 'p'<<24 | 'f'<<16 | 't'<<8 | ' '
	SelectorAvailablePhysicalFormats Selector = 'p'<<24 | 'f'<<16 | 't'<<8 | 'a'
	SelectorDeviceHasChanged         Selector = 'd'<<24 | 'i'<<16 | 'f'<<8 | 'f'
)

// Global returns the main-element, global-scope address of sel
func Global(sel Selector) Address {
	return Address{Selector: sel, Scope: ScopeGlobal, Element: ElementMain}
}

// Listener is invoked by the HAL on its own thread whenever a watched property changes.
// Implementations must not block and must not touch session state beyond signalling.
type Listener func()

// ListenerToken identifies a registered listener so it can be removed later
type ListenerToken uint64

// IOProcID identifies a device-level render callback
type IOProcID uint64

// BufferList is the set of hardware buffers handed to an IOProc, one per device stream
type BufferList interface {
	Len() int
	Bytes(i int) []byte
}

// IOProc fills the hardware buffers; it runs on the HAL's real-time thread
type IOProc func(out BufferList)

// HAL is the property protocol of the host audio subsystem.
//
// Every call addresses a property by (object, selector, scope, element). Hard failures
// are returned as OSStatus values; a property the object does not have is reported as
// StatusUnknownProperty, which IsUnsupported recognizes.
type HAL interface {
	HasProperty(obj ObjectID, addr Address) bool
	IsPropertySettable(obj ObjectID, addr Address) (bool, error)

	GetUint32(obj ObjectID, addr Address) (uint32, error)
	SetUint32(obj ObjectID, addr Address, value uint32) error
	GetObjectIDs(obj ObjectID, addr Address) ([]ObjectID, error)
	GetString(obj ObjectID, addr Address) (string, error)

	GetFormat(obj ObjectID, addr Address) (StreamFormat, error)
	SetFormat(obj ObjectID, addr Address, format StreamFormat) error
	GetFormats(obj ObjectID, addr Address) ([]StreamFormat, error)

	AddListener(obj ObjectID, addr Address, listener Listener) (ListenerToken, error)
	RemoveListener(obj ObjectID, addr Address, token ListenerToken) error

	CreateIOProc(device ObjectID, proc IOProc) (IOProcID, error)
	DestroyIOProc(device ObjectID, id IOProcID) error
	StartIOProc(device ObjectID, id IOProcID) error
	StopIOProc(device ObjectID, id IOProcID) error

	Close() error
}

var (
	// ErrUnsupported means the hardware doesn't offer the property or operation
	ErrUnsupported = errors.New("unsupported by device")

	// ErrDeviceBusy means another process holds exclusive access to the device
	ErrDeviceBusy = errors.New("device exclusively in use by another process")

	// ErrNoDigitalFormat means no stream of the device offers a compressed digital format
	ErrNoDigitalFormat = errors.New("no digital output stream format")

	// ErrNoSystemHAL means this platform has no audio HAL backend
	ErrNoSystemHAL = errors.New("no audio HAL on this platform")

	// ErrNotOpen is returned when using a driver that has not been opened
	ErrNotOpen = errors.New("driver not open")
)

// OSStatus is a status code returned by the HAL
type OSStatus int32

const (
	StatusOK              OSStatus = 0
	StatusUnknownProperty OSStatus = 'w'<<24 | 'h'<<16 | 'o'<<8 | '?'
	StatusIllegalOp       OSStatus = 'n'<<24 | 'o'<<16 | 'p'<<8 | 'e'
	StatusUnsupportedOp   OSStatus = 'u'<<24 | 'n'<<16 | 'o'<<8 | 'p'
	StatusBadDevice       OSStatus = '!'<<24 | 'd'<<16 | 'e'<<8 | 'v'
	StatusBadObject       OSStatus = '!'<<24 | 'o'<<16 | 'b'<<8 | 'j'
)

func (s OSStatus) Error() string {
	return fourCCRepr(uint32(s))
}

// IsUnsupported reports whether err means the property or operation isn't available,
// as opposed to a hard failure of the call itself
func IsUnsupported(err error) bool {
	if errors.Is(err, ErrUnsupported) {
		return true
	}

	var status OSStatus
	if errors.As(err, &status) {
		return status == StatusUnknownProperty || status == StatusUnsupportedOp
	}

	return false
}

func (c FourCC) String() string {
	return fourCCRepr(uint32(c))
}

// fourCCRepr renders code as 'abcd' when all four bytes are printable, else as its signed decimal value
func fourCCRepr(code uint32) string {
	fcc := []byte{
		byte(code >> 24),
		byte(code >> 16),
		byte(code >> 8),
		byte(code),
	}

	for _, c := range fcc {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%d", int32(code))
		}
	}

	var b strings.Builder
	b.WriteByte('\'')
	b.Write(fcc)
	b.WriteByte('\'')

	return b.String()
}

package caout

import (
	"fmt"
	"strings"

	"github.com/thoas/go-funk"
)

// FormatID identifies the encoding of a stream format
type FormatID = FourCC

const (
	FormatLinearPCM FormatID = 'l'<<24 | 'p'<<16 | 'c'<<8 | 'm'
	FormatAC3       FormatID = 'a'<<24 | 'c'<<16 | '-'<<8 | '3'
	Format60958AC3  FormatID = 'c'<<24 | 'a'<<16 | 'c'<<8 | '3'
	FormatIAC3      FormatID = 'I'<<24 | 'A'<<16 | 'C'<<8 | '3'
	FormatIAC3Lower FormatID = 'i'<<24 | 'a'<<16 | 'c'<<8 | '3'
)

// digitalFormatIDs are the codec tags a stream must advertise to carry passthrough audio
var digitalFormatIDs = []FormatID{FormatIAC3, FormatIAC3Lower, Format60958AC3, FormatAC3}

// IsDigital reports whether id denotes a compressed digital (passthrough) codec
func IsDigital(id FormatID) bool {
	return funk.Contains(digitalFormatIDs, id)
}

// FormatFlags describe the sample layout of a linear format
type FormatFlags uint32

const (
	FlagIsFloat          FormatFlags = 1 << 0
	FlagIsBigEndian      FormatFlags = 1 << 1
	FlagIsSignedInteger  FormatFlags = 1 << 2
	FlagIsPacked         FormatFlags = 1 << 3
	FlagIsAlignedHigh    FormatFlags = 1 << 4
	FlagIsNonInterleaved FormatFlags = 1 << 5
)

// StreamFormat is a physical stream format as reported by the HAL
type StreamFormat struct {
	SampleRate       float64
	FormatID         FormatID
	Flags            FormatFlags
	BytesPerPacket   uint32
	FramesPerPacket  uint32
	BytesPerFrame    uint32
	ChannelsPerFrame uint32
	BitsPerChannel   uint32
}

// IsDigital reports whether the format carries a compressed digital codec
func (f StreamFormat) IsDigital() bool {
	return IsDigital(f.FormatID)
}

// sameActiveFormat compares the fields the hardware confirms when switching formats
func (f StreamFormat) sameActiveFormat(other StreamFormat) bool {
	return f.SampleRate == other.SampleRate &&
		f.FormatID == other.FormatID &&
		f.FramesPerPacket == other.FramesPerPacket
}

// BytesPerSecond is the data rate of the format, 0 if it can't be derived
func (f StreamFormat) BytesPerSecond() int {
	if f.FramesPerPacket == 0 {
		return 0
	}

	return int(f.SampleRate * float64(f.BytesPerPacket/f.FramesPerPacket))
}

func (f StreamFormat) String() string {
	kind := "int"
	if f.Flags&FlagIsFloat != 0 {
		kind = "float"
	}

	endian := "LE"
	if f.Flags&FlagIsBigEndian != 0 {
		endian = "BE"
	}

	sign := "U"
	if f.Flags&FlagIsSignedInteger != 0 {
		sign = "S"
	}

	var extra strings.Builder
	if f.Flags&FlagIsPacked != 0 {
		extra.WriteString(" packed")
	}
	if f.Flags&FlagIsAlignedHigh != 0 {
		extra.WriteString(" aligned")
	}
	if f.Flags&FlagIsNonInterleaved != 0 {
		extra.WriteString(" P")
	}

	return fmt.Sprintf("%7.1fHz %dbit [%s][%d][%d][%d][%d][%d] %s %s %s%s",
		f.SampleRate, f.BitsPerChannel, f.FormatID,
		uint32(f.Flags), f.BytesPerPacket, f.FramesPerPacket,
		f.BytesPerFrame, f.ChannelsPerFrame,
		kind, endian, sign, extra.String())
}

// SampleFormat is the encoding of the audio handed to the driver
type SampleFormat int

const (
	SampleS16LE SampleFormat = iota
	SampleS16BE
	SampleS32LE
	SampleF32LE
	SampleU8
	// SampleAC3 is an IEC 61937 framed AC3 bitstream, carried as 16-bit words
	SampleAC3
)

func (s SampleFormat) String() string {
	switch s {
	case SampleS16LE:
		return "s16le"
	case SampleS16BE:
		return "s16be"
	case SampleS32LE:
		return "s32le"
	case SampleF32LE:
		return "f32le"
	case SampleU8:
		return "u8"
	case SampleAC3:
		return "ac3"
	}

	return fmt.Sprintf("SampleFormat(%d)", int(s))
}

// ParseSampleFormat maps a config/CLI name onto a SampleFormat
func ParseSampleFormat(name string) (SampleFormat, error) {
	for _, s := range []SampleFormat{SampleS16LE, SampleS16BE, SampleS32LE, SampleF32LE, SampleU8, SampleAC3} {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}

	return 0, fmt.Errorf("unknown sample format %q", name)
}

// Bits per sample
func (s SampleFormat) Bits() int {
	switch s {
	case SampleU8:
		return 8
	case SampleS32LE, SampleF32LE:
		return 32
	}

	return 16
}

// SourceFormat is what the caller asks the driver to play
type SourceFormat struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// IsCompressed reports whether the source is a passthrough bitstream
func (s SourceFormat) IsCompressed() bool {
	return s.Sample == SampleAC3
}

// BytesPerFrame of the source
func (s SourceFormat) BytesPerFrame() int {
	return s.Channels * s.Sample.Bits() / 8
}

// BytesPerSecond of the source
func (s SourceFormat) BytesPerSecond() int {
	return s.SampleRate * s.BytesPerFrame()
}

// streamFormat builds the HAL description of the source, as the driver would hand it to the hardware
func (s SourceFormat) streamFormat(digital bool) StreamFormat {
	f := StreamFormat{
		SampleRate:       float64(s.SampleRate),
		FormatID:         FormatLinearPCM,
		ChannelsPerFrame: uint32(s.Channels),
		BitsPerChannel:   uint32(s.Sample.Bits()),
		Flags:            FlagIsPacked,
		FramesPerPacket:  1,
	}

	if digital {
		f.FormatID = Format60958AC3
	}

	switch s.Sample {
	case SampleF32LE:
		f.Flags |= FlagIsFloat
	case SampleS16LE, SampleS32LE, SampleAC3:
		f.Flags |= FlagIsSignedInteger
	case SampleS16BE:
		f.Flags |= FlagIsSignedInteger | FlagIsBigEndian
	}

	f.BytesPerFrame = f.FramesPerPacket * f.ChannelsPerFrame * (f.BitsPerChannel / 8)
	f.BytesPerPacket = f.BytesPerFrame

	return f
}

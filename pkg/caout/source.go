package caout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Source is a file being played
type Source interface {
	io.ReadCloser

	Format() SourceFormat
}

// OpenSource opens path as a WAV file, or as a headerless stream described by raw
// for anything that doesn't carry a .wav extension
func OpenSource(path string, raw SourceFormat) (Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return &rawSource{file: file, format: raw}, nil
	}

	src, err := newWAVSource(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return src, nil
}

type rawSource struct {
	file   *os.File
	format SourceFormat
}

func (rs *rawSource) Read(p []byte) (int, error) {
	return rs.file.Read(p)
}

func (rs *rawSource) Close() error {
	return rs.file.Close()
}

func (rs *rawSource) Format() SourceFormat {
	return rs.format
}

// wavSource decodes a PCM WAV file into signed 16-bit little endian frames
type wavSource struct {
	file    *os.File
	decoder *wav.Decoder
	format  SourceFormat

	buf     *audio.IntBuffer
	scratch []byte
	pending []byte
}

func newWAVSource(file *os.File) (*wavSource, error) {
	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()

	if !decoder.IsValidFile() {
		return nil, errors.New("input is not a valid WAV audio file")
	}

	switch decoder.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported bit depth: %d", decoder.BitDepth)
	}

	if decoder.NumChans == 0 {
		return nil, errors.New("WAV file has no channels")
	}

	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("seek to WAV PCM data: %w", err)
	}

	format := SourceFormat{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		Sample:     SampleS16LE,
	}

	return &wavSource{
		file:    file,
		decoder: decoder,
		format:  format,
		buf: &audio.IntBuffer{
			Data:           make([]int, 4096*format.Channels),
			Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
			SourceBitDepth: int(decoder.BitDepth),
		},
	}, nil
}

func (ws *wavSource) Format() SourceFormat {
	return ws.format
}

func (ws *wavSource) Read(p []byte) (int, error) {
	if len(ws.pending) == 0 {
		n, err := ws.decoder.PCMBuffer(ws.buf)
		if err != nil {
			return 0, fmt.Errorf("decode WAV: %w", err)
		}

		if n == 0 {
			return 0, io.EOF
		}

		ws.scratch = toS16LE(ws.scratch[:0], ws.buf.Data[:n], int(ws.decoder.BitDepth))
		ws.pending = ws.scratch
	}

	n := copy(p, ws.pending)
	ws.pending = ws.pending[n:]

	return n, nil
}

func (ws *wavSource) Close() error {
	return ws.file.Close()
}

// toS16LE appends samples of the given bit depth to dst as signed 16-bit little endian
func toS16LE(dst []byte, samples []int, bitDepth int) []byte {
	for _, s := range samples {
		var v int16

		switch bitDepth {
		case 8:
			v = int16((s - 128) << 8)
		case 16:
			v = int16(s)
		case 24:
			v = int16(s >> 8)
		case 32:
			v = int16(s >> 16)
		}

		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}

	return dst
}

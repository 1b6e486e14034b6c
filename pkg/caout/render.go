package caout

import (
	"encoding/binary"
	"math"
)

// Everything in here runs on the OS render thread. It may only touch the ring buffer
// (without waiting on its lock), atomics and the metrics.

// pull fills dst from the ring buffer. Whatever can't be filled, because the buffer ran
// dry or the writer holds its lock right now, is rendered as silence. When mute is set the
// queued audio is still consumed so playback time keeps advancing.
func (d *Driver) pull(dst []byte, mute bool) {
	n, _ := d.buffer.TryRead(dst)

	if n < len(dst) {
		clear(dst[n:])
		d.metrics.observeUnderrun(len(dst) - n)
	}

	if mute {
		clear(dst[:n])
	}
}

// renderDigital is the device-level IO proc of the passthrough path
func (d *Driver) renderDigital(out BufferList) {
	idx := d.streamIndex
	if idx < 0 || idx >= out.Len() {
		return
	}

	d.pull(out.Bytes(idx), d.muted.Load())
}

// renderLPCM is the playback callback of the linear PCM path
func (d *Driver) renderLPCM(dst []byte) {
	volume := d.volume.Load()
	d.pull(dst, volume == 0)

	if volume > 0 && volume < maxVolume {
		applyGain(dst, d.source.Sample, float64(volume)/maxVolume)
	}
}

// applyGain scales interleaved samples in place
func applyGain(buf []byte, sample SampleFormat, gain float64) {
	switch sample {
	case SampleS16LE:
		for i := 0; i+1 < len(buf); i += 2 {
			v := int16(binary.LittleEndian.Uint16(buf[i:]))
			binary.LittleEndian.PutUint16(buf[i:], uint16(int16(float64(v)*gain)))
		}
	case SampleS16BE:
		for i := 0; i+1 < len(buf); i += 2 {
			v := int16(binary.BigEndian.Uint16(buf[i:]))
			binary.BigEndian.PutUint16(buf[i:], uint16(int16(float64(v)*gain)))
		}
	case SampleS32LE:
		for i := 0; i+3 < len(buf); i += 4 {
			v := int32(binary.LittleEndian.Uint32(buf[i:]))
			binary.LittleEndian.PutUint32(buf[i:], uint32(int32(float64(v)*gain)))
		}
	case SampleF32LE:
		for i := 0; i+3 < len(buf); i += 4 {
			v := math.Float32frombits(binary.LittleEndian.Uint32(buf[i:]))
			binary.LittleEndian.PutUint32(buf[i:], math.Float32bits(float32(float64(v)*gain)))
		}
	case SampleU8:
		for i := range buf {
			buf[i] = uint8(128 + int(float64(int(buf[i])-128)*gain))
		}
	}
}

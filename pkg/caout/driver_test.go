package caout

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDriver(h *fakeHAL, opts DriverOptions) *Driver {
	opts.PID = testPID
	if opts.ConfirmWait == 0 {
		opts.ConfirmWait = time.Second
	}
	if opts.OpenPCM == nil {
		opts.OpenPCM = func(*zap.SugaredLogger, string, SourceFormat, func([]byte)) (PCMSink, error) {
			panic("unexpected PCM open")
		}
	}

	return NewDriver(testLogger(), h, opts)
}

func TestDriverOpensDigitalOutput(t *testing.T) {
	h := passthroughHAL(t)
	d := newTestDriver(h, DriverOptions{})

	require.NoError(t, d.Open(ac3Source))
	assert.True(t, d.Digital())

	assert.Equal(t, []string{
		"hog 4242",
		"mixing 0",
		"listen 20 'pft '",
		"format 20 'cac3' 48000",
		"unlisten 20 'pft '",
		"listen 10 'diff'",
		"ioproc create",
	}, h.entries())
	assert.Equal(t, digitalFormat(48000, Format60958AC3), h.streamFormat(20))

	// half a second of 48 kHz stereo 16-bit
	assert.Equal(t, 96000, d.Space())
	assert.Zero(t, d.QueuedBytes())

	h.resetJournal()
	assert.Equal(t, 4, d.Write([]byte{1, 2, 3, 4}))
	assert.Equal(t, []string{"ioproc start"}, h.entries())
	assert.Equal(t, 4, d.QueuedBytes())

	h.resetJournal()
	d.Teardown(true)

	assert.Equal(t, []string{
		"unlisten 10 'diff'",
		"ioproc stop",
		"ioproc destroy",
		"listen 20 'pft '",
		"format 20 'lpcm' 48000",
		"unlisten 20 'pft '",
		"mixing 1",
		"hog -1",
	}, h.entries())
	assert.Equal(t, lpcm48, h.streamFormat(20))
	assert.Zero(t, h.listenerCount())
}

func TestDriverOpenContention(t *testing.T) {
	h := passthroughHAL(t)
	h.devices[10].hogPid = 1
	notifier := &recordingNotifier{}
	d := newTestDriver(h, DriverOptions{Notifier: notifier})

	err := d.Open(ac3Source)

	require.ErrorIs(t, err, ErrDeviceBusy)
	assert.Empty(t, h.entries(), "device left untouched")
	assert.Equal(t, lpcm48, h.streamFormat(20))
	assert.Equal(t, 1, notifier.count())
	assert.ErrorIs(t, d.Control(ControlGetVolume, &Volume{}), ErrNotOpen)
}

func TestDriverOpenWithoutHogMode(t *testing.T) {
	h := passthroughHAL(t)
	h.devices[10].hogGetErr = StatusUnknownProperty
	h.devices[10].hogSetErr = StatusUnknownProperty

	d := newTestDriver(h, DriverOptions{})

	require.NoError(t, d.Open(ac3Source))
	assert.True(t, d.Digital())
	assert.Equal(t, []string{
		"mixing 0",
		"listen 20 'pft '",
		"format 20 'cac3' 48000",
		"unlisten 20 'pft '",
		"listen 10 'diff'",
		"ioproc create",
	}, h.entries())

	h.resetJournal()
	d.Teardown(true)

	assert.NotContains(t, h.entries(), "hog -1", "never held, never released")
	assert.Equal(t, lpcm48, h.streamFormat(20))
}

func TestDriverOpenHogHardFailure(t *testing.T) {
	h := passthroughHAL(t)
	h.devices[10].hogSetErr = StatusBadDevice

	d := newTestDriver(h, DriverOptions{})

	require.ErrorIs(t, d.Open(ac3Source), StatusBadDevice)
	assert.False(t, d.Digital())
	assert.Empty(t, h.entries())
}

func TestDriverOpenWithoutDigitalStream(t *testing.T) {
	h := newFakeHAL()
	h.addDevice(10, "Speakers")
	h.addStream(10, 20, lpcm48, lpcm48)

	d := newTestDriver(h, DriverOptions{})

	require.ErrorIs(t, d.Open(ac3Source), ErrNoDigitalFormat)
	assert.Empty(t, h.entries())
}

func TestDriverOpenRollsBackOnFailure(t *testing.T) {
	h := passthroughHAL(t)
	h.createIOProcErr = StatusBadDevice

	d := newTestDriver(h, DriverOptions{})

	require.ErrorIs(t, d.Open(ac3Source), StatusBadDevice)

	assert.Equal(t, []string{
		"hog 4242",
		"mixing 0",
		"listen 20 'pft '",
		"format 20 'cac3' 48000",
		"unlisten 20 'pft '",
		"listen 10 'diff'",
		"unlisten 10 'diff'",
		"listen 20 'pft '",
		"format 20 'lpcm' 48000",
		"unlisten 20 'pft '",
		"mixing 1",
		"hog -1",
	}, h.entries())
	assert.Equal(t, lpcm48, h.streamFormat(20))
	assert.Equal(t, uint32(1), h.devices[10].mixing)
	assert.Equal(t, int32(hogNone), h.devices[10].hogPid)
}

func TestDriverOpenRollsBackBeforeFormatChange(t *testing.T) {
	h := passthroughHAL(t)

	// the stream offers AC3 but its current format can't be read, so it can't be reverted later
	h.streams[20].formatErr = StatusUnknownProperty

	d := newTestDriver(h, DriverOptions{})

	require.ErrorIs(t, d.Open(ac3Source), ErrNoDigitalFormat)
	assert.Equal(t, []string{"hog 4242", "mixing 0", "mixing 1", "hog -1"}, h.entries())
}

func TestDriverContinuesAfterSwitchTimeout(t *testing.T) {
	h := passthroughHAL(t)
	h.streams[20].neverConfirm = true

	d := newTestDriver(h, DriverOptions{SwitchAttempts: 2, ConfirmWait: 5 * time.Millisecond})

	require.NoError(t, d.Open(ac3Source))
	assert.True(t, d.Digital())

	d.Teardown(true)
}

func TestDriverRestoresDigitalAfterDeviceChange(t *testing.T) {
	h := passthroughHAL(t)
	d := newTestDriver(h, DriverOptions{})

	require.NoError(t, d.Open(ac3Source))
	d.Write(make([]byte, 64))

	// the OS puts the stream back into LPCM, e.g. after another app played a sound
	h.resetJournal()
	h.reformat(10, 20, lpcm48)

	data := []byte{9, 9, 9, 9}
	assert.Equal(t, len(data), d.Write(data))

	assert.Equal(t, []string{
		"listen 20 'pft '",
		"format 20 'cac3' 48000",
		"unlisten 20 'pft '",
		"ioproc stop",
		"ioproc start",
	}, h.entries())
	assert.Equal(t, digitalFormat(48000, Format60958AC3), h.streamFormat(20))
	assert.Equal(t, len(data), d.QueuedBytes(), "stale audio dropped")

	// without another change notification nothing is re-applied
	h.resetJournal()
	d.Write(data)
	assert.Empty(t, h.entries())

	d.Teardown(true)
}

func TestDriverRenderDigital(t *testing.T) {
	h := newFakeHAL()
	h.addDevice(10, "Receiver")
	h.addStream(10, 19, lpcm48, lpcm48)
	h.addStream(10, 20, lpcm48, digitalFormat(48000, Format60958AC3))
	t.Cleanup(h.wait)

	metrics := NewMetrics()
	d := newTestDriver(h, DriverOptions{Metrics: metrics})
	require.NoError(t, d.Open(ac3Source))
	defer d.Teardown(true)

	d.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	out := h.render(16, 16)

	assert.Equal(t, make([]byte, 16), out.bufs[0], "other streams untouched")
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, out.bufs[1][:8])
	assert.Equal(t, make([]byte, 8), out.bufs[1][8:], "underrun rendered as silence")
	assert.Zero(t, d.QueuedBytes())
	assert.Equal(t, float64(8), testutil.ToFloat64(metrics.underrunBytes))
}

func TestDriverDigitalMute(t *testing.T) {
	h := passthroughHAL(t)
	d := newTestDriver(h, DriverOptions{})
	require.NoError(t, d.Open(ac3Source))
	defer d.Teardown(true)

	vol := Volume{}
	require.NoError(t, d.Control(ControlGetVolume, &vol))
	assert.Equal(t, Volume{Left: 100, Right: 100}, vol)

	require.NoError(t, d.Control(ControlSetVolume, &Volume{Left: 0, Right: 0}))
	require.NoError(t, d.Control(ControlGetVolume, &vol))
	assert.Equal(t, Volume{}, vol)

	d.Write(bytes.Repeat([]byte{0x55}, 8))
	out := h.render(8)

	assert.Equal(t, make([]byte, 8), out.bufs[0])
	assert.Zero(t, d.QueuedBytes(), "muted audio is still consumed")

	// anything but silence on both channels plays
	require.NoError(t, d.Control(ControlSetVolume, &Volume{Left: 0, Right: 30}))
	require.NoError(t, d.Control(ControlGetVolume, &vol))
	assert.Equal(t, Volume{Left: 100, Right: 100}, vol)

	assert.ErrorIs(t, d.Control(ControlCommand(99), &vol), ErrUnknownControl)
}

func TestDriverDelay(t *testing.T) {
	h := passthroughHAL(t)
	d := newTestDriver(h, DriverOptions{})
	require.NoError(t, d.Open(ac3Source))
	defer d.Teardown(true)

	d.Write(make([]byte, 19200))

	assert.Equal(t, 100*time.Millisecond, d.Delay())

	d.Reset()
	assert.Zero(t, d.Delay())
}

type fakePCM struct {
	device string
	format SourceFormat
	render func([]byte)

	started int
	stopped int
	closed  int
}

func (p *fakePCM) Start() error {
	p.started++
	return nil
}

func (p *fakePCM) Stop() error {
	p.stopped++
	return nil
}

func (p *fakePCM) Close() error {
	p.closed++
	return nil
}

func newPCMDriver(t *testing.T, deviceID ObjectID) (*Driver, *fakePCM) {
	t.Helper()

	h := newFakeHAL()
	h.addDevice(10, "Speakers")
	h.addDevice(11, "Headphones")
	h.addStream(10, 20, lpcm48, lpcm48)

	pcm := &fakePCM{}
	d := newTestDriver(h, DriverOptions{
		DeviceID: deviceID,
		OpenPCM: func(_ *zap.SugaredLogger, name string, format SourceFormat, render func([]byte)) (PCMSink, error) {
			pcm.device = name
			pcm.format = format
			pcm.render = render
			return pcm, nil
		},
	})

	return d, pcm
}

func TestDriverOpensPCMOutput(t *testing.T) {
	d, pcm := newPCMDriver(t, 11)

	require.NoError(t, d.Open(SourceFormat{SampleRate: 44100, Channels: 2, Sample: SampleS16LE}))
	assert.False(t, d.Digital())
	assert.Equal(t, "Headphones", pcm.device)
	assert.Equal(t, 88200, d.Space())

	d.Write([]byte{1, 0, 2, 0})
	assert.Equal(t, 1, pcm.started)

	d.Teardown(true)
	assert.Equal(t, 1, pcm.closed)
	assert.Positive(t, pcm.stopped)
}

func TestDriverPCMDefaultDevice(t *testing.T) {
	d, pcm := newPCMDriver(t, 0)

	require.NoError(t, d.Open(SourceFormat{SampleRate: 48000, Channels: 2, Sample: SampleS16LE}))
	defer d.Teardown(true)

	assert.Empty(t, pcm.device, "the playback backend picks its own default")
}

func TestDriverPCMSoftwareVolume(t *testing.T) {
	d, pcm := newPCMDriver(t, 0)

	require.NoError(t, d.Open(SourceFormat{SampleRate: 48000, Channels: 1, Sample: SampleS16LE}))
	defer d.Teardown(true)

	require.NoError(t, d.Control(ControlSetVolume, &Volume{Left: 50, Right: 50}))

	vol := Volume{}
	require.NoError(t, d.Control(ControlGetVolume, &vol))
	assert.Equal(t, Volume{Left: 50, Right: 50}, vol)

	in := binary.LittleEndian.AppendUint16(nil, uint16(1000))
	in = binary.LittleEndian.AppendUint16(in, uint16(0xffff&-1000))
	d.Write(in)

	out := make([]byte, 6)
	pcm.render(out)

	assert.Equal(t, int16(500), int16(binary.LittleEndian.Uint16(out[0:])))
	assert.Equal(t, int16(-500), int16(binary.LittleEndian.Uint16(out[2:])))
	assert.Equal(t, []byte{0, 0}, out[4:])
}

func TestDriverTeardownWaitsForQueuedAudio(t *testing.T) {
	d, _ := newPCMDriver(t, 0)

	// 1 kHz mono 8-bit: every byte is a millisecond
	require.NoError(t, d.Open(SourceFormat{SampleRate: 1000, Channels: 1, Sample: SampleU8}))
	d.Write(make([]byte, 20))

	start := time.Now()
	d.Teardown(false)

	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestApplyGain(t *testing.T) {
	buf := []byte{128 + 100, 128 - 100}
	applyGain(buf, SampleU8, 0.5)
	assert.Equal(t, []byte{128 + 50, 128 - 50}, buf)

	s32 := binary.LittleEndian.AppendUint32(nil, uint32(1<<20))
	applyGain(s32, SampleS32LE, 0.25)
	assert.Equal(t, uint32(1<<18), binary.LittleEndian.Uint32(s32))
}

package audio

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/zbynekdrlik/audiotester/internal/errors"
	"github.com/zbynekdrlik/audiotester/internal/logging"
)

// MalgoBackend is the production Backend implementation on top of the
// miniaudio bindings.
type MalgoBackend struct {
	ctx *malgo.AllocatedContext
}

// NewMalgoBackend initializes a malgo context with the platform backend.
func NewMalgoBackend() (*MalgoBackend, error) {
	var backend malgo.Backend
	switch runtime.GOOS {
	case "linux":
		backend = malgo.BackendAlsa
	case "windows":
		backend = malgo.BackendWasapi
	case "darwin":
		backend = malgo.BackendCoreaudio
	}

	logger := logging.ForService("malgo")
	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, errors.Newf("failed to initialize audio context: %w", err).
			Component("audio").
			Category(errors.CategoryDevice).
			Build()
	}
	return &MalgoBackend{ctx: ctx}, nil
}

// Devices enumerates capture devices paired with their playback channel
// counts. Duplex monitoring needs both directions on the same device.
func (b *MalgoBackend) Devices() ([]DeviceInfo, error) {
	captureInfos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	playbackInfos, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate playback devices: %w", err)
	}

	playbackChannels := make(map[string]int, len(playbackInfos))
	for i := range playbackInfos {
		playbackChannels[playbackInfos[i].Name()] = deviceChannels(&playbackInfos[i])
	}

	devices := make([]DeviceInfo, 0, len(captureInfos))
	for i := range captureInfos {
		info := &captureInfos[i]
		id, err := hexToASCII(info.ID.String())
		if err != nil {
			id = info.ID.String()
		}
		devices = append(devices, DeviceInfo{
			ID:             id,
			Name:           info.Name(),
			IsDefault:      info.IsDefault != 0,
			InputChannels:  deviceChannels(info),
			OutputChannels: playbackChannels[info.Name()],
		})
	}
	return devices, nil
}

// deviceChannels returns the widest channel count among the device's native
// formats. Enumeration without a full device query may report no formats;
// assume stereo in that case.
func deviceChannels(info *malgo.DeviceInfo) int {
	channels := 0
	for _, f := range info.Formats[:info.FormatCount] {
		channels = max(channels, int(f.Channels))
	}
	if channels == 0 {
		channels = 2
	}
	return channels
}

// malgoStream wraps a malgo device as a Stream.
type malgoStream struct {
	device   *malgo.Device
	stopping atomic.Bool
}

func (s *malgoStream) Start() error {
	return s.device.Start()
}

func (s *malgoStream) Stop() error {
	s.stopping.Store(true)
	defer s.stopping.Store(false)
	return s.device.Stop()
}

func (s *malgoStream) Close() error {
	s.stopping.Store(true)
	s.device.Uninit()
	return nil
}

// OpenDuplex opens a full-duplex float32 stream on the named device.
func (b *MalgoBackend) OpenDuplex(cfg StreamConfig, onData DataCallback, onStop func()) (Stream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if cfg.Device != "" {
		captureID, playbackID, err := b.findDevice(cfg.Device)
		if err != nil {
			return nil, err
		}
		deviceConfig.Capture.DeviceID = captureID
		deviceConfig.Playback.DeviceID = playbackID
	}

	stream := &malgoStream{}
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, in []byte, frameCount uint32) {
			onData(out, in, frameCount)
		},
		Stop: func() {
			// Deliberate stops are not device failures.
			if !stream.stopping.Load() && onStop != nil {
				onStop()
			}
		},
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, errors.Newf("failed to open device %q: %w: %w", cfg.Device, err, errors.ErrDeviceUnavailable).
			Component("audio").
			Category(errors.CategoryDevice).
			Context("device", cfg.Device).
			Context("sample_rate", cfg.SampleRate).
			Build()
	}
	stream.device = device
	return stream, nil
}

// findDevice resolves a device name or decoded ID to malgo device pointers
// for both directions.
func (b *MalgoBackend) findDevice(name string) (capture, playback unsafe.Pointer, err error) {
	captureInfos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	for i := range captureInfos {
		if matchesDevice(&captureInfos[i], name) {
			capture = captureInfos[i].ID.Pointer()
			break
		}
	}

	playbackInfos, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enumerate playback devices: %w", err)
	}
	for i := range playbackInfos {
		if matchesDevice(&playbackInfos[i], name) {
			playback = playbackInfos[i].ID.Pointer()
			break
		}
	}

	if capture == nil || playback == nil {
		return nil, nil, errors.Newf("device %q not found: %w", name, errors.ErrDeviceUnavailable).
			Component("audio").
			Category(errors.CategoryDevice).
			Context("device", name).
			Build()
	}
	return capture, playback, nil
}

func matchesDevice(info *malgo.DeviceInfo, name string) bool {
	if info.Name() == name {
		return true
	}
	decoded, err := hexToASCII(info.ID.String())
	return err == nil && decoded == name
}

// Close releases the malgo context.
func (b *MalgoBackend) Close() error {
	return b.ctx.Uninit()
}

// hexToASCII decodes the hex-encoded device IDs malgo reports on ALSA.
func hexToASCII(hexStr string) (string, error) {
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

package audio

import (
	"log/slog"
	"os/exec"
	"strings"

	"github.com/speakcapture/speakcapture/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypePipeWire  BackendType = "pipewire"
	BackendTypeSynthetic BackendType = "synthetic"
	BackendTypeAuto      BackendType = "auto"
)

// NewDevice creates a device using the appropriate backend based on configuration
func NewDevice(cfg *config.Config) Device {
	switch determineBackend(cfg, probePortAudio) {
	case BackendTypeSynthetic:
		return NewSyntheticDevice()
	case BackendTypePipeWire:
		return NewPipeWireDevice(cfg.Audio.Source)
	default:
		return NewPortAudioDevice()
	}
}

// ConstraintsFromConfig maps the audio section onto device constraints.
func ConstraintsFromConfig(cfg *config.Config) Constraints {
	return Constraints{
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		FramesPerBuffer:  cfg.Audio.FramesPerBuffer,
		EchoCancellation: config.Enabled(cfg.Audio.EchoCancellation),
		NoiseSuppression: config.Enabled(cfg.Audio.NoiseSuppression),
		AutoGainControl:  config.Enabled(cfg.Audio.AutoGainControl),
	}
}

// determineBackend determines which backend to use based on configuration.
// "auto" prefers a real input device and falls back to the tone generator.
func determineBackend(cfg *config.Config, hasInput func() bool) BackendType {
	switch strings.ToLower(cfg.Audio.Backend) {
	case "portaudio":
		return BackendTypePortAudio
	case "pipewire":
		return BackendTypePipeWire
	case "synthetic":
		return BackendTypeSynthetic
	}

	if hasInput() {
		return BackendTypePortAudio
	}
	slog.Warn("No audio input device found, falling back to synthetic backend")
	return BackendTypeSynthetic
}

func probePortAudio() bool {
	devices, err := NewPortAudioDevice().List()
	if err != nil {
		slog.Debug("PortAudio probe failed", "error", err)
		return false
	}
	return len(devices) > 0
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	backends := []BackendType{BackendTypeSynthetic}
	if _, err := exec.LookPath("pw-record"); err == nil {
		backends = append([]BackendType{BackendTypePipeWire}, backends...)
	}
	if probePortAudio() {
		backends = append([]BackendType{BackendTypePortAudio}, backends...)
	}
	return backends
}

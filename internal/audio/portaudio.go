package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice captures from the system default input device.
type PortAudioDevice struct{}

// NewPortAudioDevice creates a PortAudio-backed device.
func NewPortAudioDevice() *PortAudioDevice {
	return &PortAudioDevice{}
}

func (d *PortAudioDevice) Name() string { return string(BackendTypePortAudio) }

// Acquire opens and starts the default input stream. PortAudio reference
// counts Initialize/Terminate, so every stream owns one initialization.
func (d *PortAudioDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		slog.Debug("PortAudio captures raw input; processing constraints are advisory",
			"echo_cancellation", c.EchoCancellation,
			"noise_suppression", c.NoiseSuppression,
			"auto_gain_control", c.AutoGainControl)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	buf := make([]int16, c.FramesPerBuffer*c.Channels)
	st, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), c.FramesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	if err := st.Start(); err != nil {
		st.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := &paStream{
		stream: st,
		buf:    buf,
		format: Format{SampleRate: c.SampleRate, Channels: c.Channels},
		subs:   newFanout(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop()

	slog.Info("PortAudio input stream opened", "sample_rate", c.SampleRate, "channels", c.Channels, "frames_per_buffer", c.FramesPerBuffer)
	return s, nil
}

func (d *PortAudioDevice) NewEncoder(s Stream, opts EncoderOptions) (Encoder, error) {
	return NewWAVEncoder(s, opts), nil
}

func (d *PortAudioDevice) NewAnalyser(s Stream) (Analyser, error) {
	return NewLevelMeter(s), nil
}

// List returns the input-capable devices known to PortAudio.
func (d *PortAudioDevice) List() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list PortAudio devices: %w", err)
	}

	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var infos []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels == 0 {
			continue
		}
		infos = append(infos, DeviceInfo{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			Default:           dev.Name == defaultName,
		})
	}
	return infos, nil
}

type paStream struct {
	stream *portaudio.Stream
	buf    []int16
	format Format
	subs   *fanout

	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
	done      chan struct{}
}

func (s *paStream) Format() Format { return s.format }

func (s *paStream) Subscribe(fn func([]int16)) func() {
	return s.subs.subscribe(fn)
}

func (s *paStream) readLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			slog.Error("PortAudio read failed, ending stream", "error", err)
			return
		}
		s.subs.publish(s.buf)
	}
}

// Close stops the reader, then stops and closes the stream. Every step
// runs even if an earlier one fails.
func (s *paStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.subs.clear()

		var errs []error
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		slog.Debug("PortAudio input stream closed", "error", s.closeErr)
	})
	return s.closeErr
}

package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// SyntheticDevice generates a sine tone in real time. It stands in for a
// microphone on headless hosts and in demos.
type SyntheticDevice struct {
	Frequency float64 // Hz, default 440
	Amplitude float64 // 0..1, default 0.3

	// Pace controls how often a frame buffer is produced; zero means real time.
	Pace time.Duration
}

// NewSyntheticDevice creates a tone generator with default settings.
func NewSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{Frequency: 440, Amplitude: 0.3}
}

func (d *SyntheticDevice) Name() string { return string(BackendTypeSynthetic) }

func (d *SyntheticDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.SampleRate <= 0 || c.Channels <= 0 || c.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("%w: invalid constraints %+v", ErrDeviceUnavailable, c)
	}

	pace := d.Pace
	if pace <= 0 {
		pace = time.Duration(int64(c.FramesPerBuffer) * int64(time.Second) / int64(c.SampleRate))
	}
	freq := d.Frequency
	if freq <= 0 {
		freq = 440
	}
	amp := d.Amplitude
	if amp <= 0 || amp > 1 {
		amp = 0.3
	}

	s := &toneStream{
		format: Format{SampleRate: c.SampleRate, Channels: c.Channels},
		frames: c.FramesPerBuffer,
		freq:   freq,
		amp:    amp,
		subs:   newFanout(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run(pace)
	return s, nil
}

func (d *SyntheticDevice) NewEncoder(s Stream, opts EncoderOptions) (Encoder, error) {
	return NewWAVEncoder(s, opts), nil
}

func (d *SyntheticDevice) NewAnalyser(s Stream) (Analyser, error) {
	return NewLevelMeter(s), nil
}

func (d *SyntheticDevice) List() ([]DeviceInfo, error) {
	return []DeviceInfo{{Name: "synthetic tone", MaxInputChannels: 2, DefaultSampleRate: 48000, Default: true}}, nil
}

type toneStream struct {
	format Format
	frames int
	freq   float64
	amp    float64
	phase  float64
	subs   *fanout

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func (s *toneStream) Format() Format { return s.format }

func (s *toneStream) Subscribe(fn func([]int16)) func() {
	return s.subs.subscribe(fn)
}

func (s *toneStream) run(pace time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	buf := make([]int16, s.frames*s.format.Channels)
	step := 2 * math.Pi * s.freq / float64(s.format.SampleRate)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for i := 0; i < s.frames; i++ {
				v := int16(s.amp * 32767 * math.Sin(s.phase))
				for ch := 0; ch < s.format.Channels; ch++ {
					buf[i*s.format.Channels+ch] = v
				}
				s.phase += step
			}
			s.phase = math.Mod(s.phase, 2*math.Pi)
			s.subs.publish(buf)
		}
	}
}

func (s *toneStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.subs.clear()
	})
	return nil
}

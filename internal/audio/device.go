package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned when the input device cannot be opened,
// either because access was denied or because no device exists.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// BytesPerSecond returns the PCM byte rate for the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Constraints are the capture settings requested from a device.
type Constraints struct {
	SampleRate       int
	Channels         int
	FramesPerBuffer  int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DeviceInfo describes an input device reported by a backend.
type DeviceInfo struct {
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	Default           bool    `json:"default"`
}

// Stream is a live input stream. Frames are delivered to subscribers on the
// stream's reader goroutine; subscribers must not block.
type Stream interface {
	Format() Format
	Subscribe(fn func(frame []int16)) (unsubscribe func())
	// Close stops the stream's tracks and releases the device.
	Close() error
}

// Encoder turns stream frames into opaque chunks.
type Encoder interface {
	// Start begins encoding. onChunk is called for every emitted chunk in
	// order; onStopped is called once after RequestStop has flushed the
	// final chunk. Neither callback is guaranteed to fire after Close.
	Start(onChunk func(chunk []byte), onStopped func()) error
	// RequestStop asks the encoder to flush pending data and stop.
	RequestStop() error
	Close() error
	ContentType() string
}

// Analyser is a level-metering tap on a stream.
type Analyser interface {
	// Level returns the most recent normalized amplitude in [0,1].
	Level() float64
	Close() error
}

// EncoderOptions controls chunking.
type EncoderOptions struct {
	ChunkBytes int
}

// Device is the media subsystem consumed by the capture controller.
type Device interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
	NewEncoder(s Stream, opts EncoderOptions) (Encoder, error)
	NewAnalyser(s Stream) (Analyser, error)
	List() ([]DeviceInfo, error)
	Name() string
}

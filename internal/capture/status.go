package capture

import (
	"errors"
	"time"

	"github.com/speakcapture/speakcapture/internal/audio"
)

// Status represents the current state of a capture session
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusCapturing Status = "CAPTURING"
	StatusStopping  Status = "STOPPING"
	StatusReady     Status = "READY"
	StatusFailed    Status = "FAILED"
)

var (
	// ErrDeviceUnavailable is returned by Start when microphone access is
	// denied or no input device exists. The session stays Idle.
	ErrDeviceUnavailable = audio.ErrDeviceUnavailable

	// ErrEmptyCapture is recorded when a session stopped before any audio
	// arrived. The session moves to Failed.
	ErrEmptyCapture = errors.New("no audio captured")
)

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	Status         Status    `json:"status"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	Amplitude      float64   `json:"amplitude"`
	Chunks         int       `json:"chunks"`
	Bytes          int       `json:"bytes"`
	ContentType    string    `json:"content_type,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	CaptureStarted()
	CaptureFinished(status Status, d time.Duration)
	ReleaseFailed(resource string)
}

type nopObserver struct{}

func (nopObserver) CaptureStarted()                       {}
func (nopObserver) CaptureFinished(Status, time.Duration) {}
func (nopObserver) ReleaseFailed(string)                  {}

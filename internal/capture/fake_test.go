package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/speakcapture/speakcapture/internal/audio"
)

var errRelease = errors.New("release failed")

// fakeDevice records every handle it hands out so tests can check for leaks.
type fakeDevice struct {
	mu sync.Mutex

	acquireErr  error
	analyserErr error
	encoderErr  error
	closeErr    error // returned by every resource Close
	silentStop  bool  // encoders never report stopped
	level       float64

	// blockAcquire makes Acquire wait for ctx; acquiring is signalled first.
	blockAcquire bool
	acquiring    chan struct{}

	acquired  int
	live      int
	streams   []*fakeStream
	encoders  []*fakeEncoder
	analysers []*fakeAnalyser
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{level: 0.5, acquiring: make(chan struct{}, 1)}
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) Acquire(ctx context.Context, c audio.Constraints) (audio.Stream, error) {
	if d.blockAcquire {
		d.acquiring <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquireErr != nil {
		return nil, d.acquireErr
	}
	d.acquired++
	d.live++
	s := &fakeStream{dev: d}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) NewEncoder(s audio.Stream, opts audio.EncoderOptions) (audio.Encoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.encoderErr != nil {
		return nil, d.encoderErr
	}
	e := &fakeEncoder{dev: d, silentStop: d.silentStop}
	d.encoders = append(d.encoders, e)
	return e, nil
}

func (d *fakeDevice) NewAnalyser(s audio.Stream) (audio.Analyser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.analyserErr != nil {
		return nil, d.analyserErr
	}
	a := &fakeAnalyser{dev: d, level: d.level}
	d.analysers = append(d.analysers, a)
	return a, nil
}

func (d *fakeDevice) List() ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{Name: "fake", MaxInputChannels: 1, Default: true}}, nil
}

func (d *fakeDevice) liveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *fakeDevice) encoder(i int) *fakeEncoder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encoders[i]
}

type fakeStream struct {
	dev    *fakeDevice
	closed int
}

func (s *fakeStream) Format() audio.Format {
	return audio.Format{SampleRate: 8000, Channels: 1}
}

func (s *fakeStream) Subscribe(fn func([]int16)) func() { return func() {} }

func (s *fakeStream) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.closed++
	if s.closed == 1 {
		s.dev.live--
	}
	return s.dev.closeErr
}

func (s *fakeStream) closeCount() int {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.closed
}

type fakeEncoder struct {
	dev        *fakeDevice
	silentStop bool

	mu           sync.Mutex
	onChunk      func([]byte)
	onStopped    func()
	stopRequests int
	closed       int
}

func (e *fakeEncoder) ContentType() string { return "audio/wav" }

func (e *fakeEncoder) Start(onChunk func([]byte), onStopped func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChunk = onChunk
	e.onStopped = onStopped
	return nil
}

// emit delivers a chunk the way a device callback would.
func (e *fakeEncoder) emit(b string) {
	e.mu.Lock()
	cb := e.onChunk
	e.mu.Unlock()
	cb([]byte(b))
}

// fireStopped delivers the stopped notification, even if late.
func (e *fakeEncoder) fireStopped() {
	e.mu.Lock()
	cb := e.onStopped
	e.mu.Unlock()
	cb()
}

func (e *fakeEncoder) RequestStop() error {
	e.mu.Lock()
	e.stopRequests++
	silent := e.silentStop
	e.mu.Unlock()

	if !silent {
		e.fireStopped()
	}
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return e.dev.closeErr
}

func (e *fakeEncoder) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeAnalyser struct {
	dev    *fakeDevice
	level  float64
	closed int
}

func (a *fakeAnalyser) Level() float64 { return a.level }

func (a *fakeAnalyser) Close() error {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	a.closed++
	return a.dev.closeErr
}

type fakeObserver struct {
	mu             sync.Mutex
	started        int
	finished       map[Status]int
	releaseFailure map[string]int
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{finished: map[Status]int{}, releaseFailure: map[string]int{}}
}

func (o *fakeObserver) CaptureStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *fakeObserver) CaptureFinished(s Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[s]++
}

func (o *fakeObserver) ReleaseFailed(resource string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.releaseFailure[resource]++
}

func (o *fakeObserver) failures(resource string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.releaseFailure[resource]
}

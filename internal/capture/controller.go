package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/speakcapture/speakcapture/internal/audio"
	"github.com/speakcapture/speakcapture/internal/config"
)

// Options configures a Controller. Zero durations fall back to defaults.
type Options struct {
	Constraints audio.Constraints

	TickInterval   time.Duration // elapsed-seconds interval, default 1s
	SampleInterval time.Duration // amplitude sampling interval, default 50ms
	ChunkInterval  time.Duration // encoder timeslice, default 1s
	FlushTimeout   time.Duration // fallback after Stop, default 3s

	// OnTick is called after every elapsed increment with the new value.
	// It runs on the ticker goroutine without any controller lock held, so
	// it may call back into the controller.
	OnTick func(elapsed int)
	// OnLevel receives each amplitude sample while capturing.
	OnLevel func(level float64)

	Observer Observer
}

// OptionsFromConfig builds controller options from the capture and audio
// sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Constraints:    audio.ConstraintsFromConfig(cfg),
		TickInterval:   cfg.Capture.TickInterval,
		SampleInterval: cfg.Capture.SampleInterval,
		ChunkInterval:  cfg.Capture.ChunkInterval,
		FlushTimeout:   cfg.Capture.FlushTimeout,
	}
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = 50 * time.Millisecond
	}
	if o.ChunkInterval <= 0 {
		o.ChunkInterval = time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 3 * time.Second
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}

// session holds the resources owned by one capture. Fields are guarded by
// Controller.mu; a nil resource has already been released.
type session struct {
	gen      uint64
	stream   audio.Stream
	encoder  audio.Encoder
	analyser audio.Analyser

	loopsOnce sync.Once
	loopStop  chan struct{}

	fallback *time.Timer

	// gate resolves Stopping exactly once, whichever of the encoder's
	// stopped notification or the fallback timer gets there first.
	gate         sync.Once
	resolvedOnce sync.Once
	resolved     chan struct{}
}

func (s *session) stopLoops() {
	s.loopsOnce.Do(func() { close(s.loopStop) })
}

func (s *session) markResolved() {
	s.resolvedOnce.Do(func() { close(s.resolved) })
}

// Controller owns the capture lifecycle for a single microphone. All
// methods are safe for concurrent use.
type Controller struct {
	device audio.Device
	opts   Options

	// opMu serialises Start, Stop and Reset. Device and encoder callbacks
	// never take it.
	opMu sync.Mutex

	mu            sync.Mutex
	gen           uint64
	status        Status
	elapsed       int
	amplitude     float64
	chunks        [][]byte
	size          int
	artifact      []byte
	contentType   string
	startedAt     time.Time
	err           error
	sess          *session
	cancelAcquire context.CancelFunc
}

// NewController creates an idle controller for device.
func NewController(device audio.Device, opts Options) *Controller {
	opts.applyDefaults()
	return &Controller{
		device: device,
		opts:   opts,
		status: StatusIdle,
	}
}

// Start acquires the device and begins capturing. Any previous session,
// including one still capturing, is torn down first.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	prev, wasCapturing := c.detachLocked()
	actx, cancel := context.WithCancel(ctx)
	c.cancelAcquire = cancel
	c.mu.Unlock()

	if prev != nil {
		slog.Debug("Superseding previous capture session", "generation", prev.gen)
		c.release(prev, wasCapturing)
	}

	defer func() {
		c.mu.Lock()
		c.cancelAcquire = nil
		c.mu.Unlock()
		cancel()
	}()

	stream, err := c.device.Acquire(actx, c.opts.Constraints)
	if err != nil {
		if ctxErr := actx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := &session{
		stream:   stream,
		loopStop: make(chan struct{}),
		resolved: make(chan struct{}),
	}

	analyser, err := c.device.NewAnalyser(stream)
	if err != nil {
		c.release(s, false)
		return fmt.Errorf("%w: failed to open analyser: %v", ErrDeviceUnavailable, err)
	}
	s.analyser = analyser

	encoder, err := c.device.NewEncoder(stream, audio.EncoderOptions{
		ChunkBytes: audio.ChunkBytesFor(stream.Format(), c.opts.ChunkInterval),
	})
	if err != nil {
		c.release(s, false)
		return fmt.Errorf("%w: failed to open encoder: %v", ErrDeviceUnavailable, err)
	}
	s.encoder = encoder

	c.mu.Lock()
	c.gen++
	s.gen = c.gen
	c.sess = s
	c.status = StatusCapturing
	c.elapsed = 0
	c.amplitude = 0
	c.chunks = nil
	c.size = 0
	c.artifact = nil
	c.err = nil
	c.contentType = encoder.ContentType()
	c.startedAt = time.Now()
	c.mu.Unlock()

	gen := s.gen
	if err := encoder.Start(
		func(chunk []byte) { c.onChunk(gen, chunk) },
		func() { c.resolve(gen, "encoder") },
	); err != nil {
		c.mu.Lock()
		detached, _ := c.detachLocked()
		c.mu.Unlock()
		if detached != nil {
			c.release(detached, false)
		}
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	go c.runTicker(s)
	go c.runSampler(s)

	c.opts.Observer.CaptureStarted()
	f := stream.Format()
	slog.Info("Capture started", "device", c.device.Name(), "sample_rate", f.SampleRate, "channels", f.Channels, "generation", gen)
	return nil
}

// Stop ends an active capture. The session moves to Stopping and resolves
// to Ready or Failed once the encoder has flushed or FlushTimeout expires.
// Stop reports whether a capture was stopped; outside Capturing it does
// nothing.
func (c *Controller) Stop() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.status != StatusCapturing || c.sess == nil {
		c.mu.Unlock()
		return false
	}
	s := c.sess
	gen := s.gen
	c.status = StatusStopping
	c.amplitude = 0
	s.stopLoops()
	s.fallback = time.AfterFunc(c.opts.FlushTimeout, func() { c.resolve(gen, "fallback") })

	encoder := s.encoder
	stream, analyser := s.stream, s.analyser
	s.stream, s.analyser = nil, nil
	elapsed := c.elapsed
	c.mu.Unlock()

	slog.Debug("Stopping capture", "generation", gen, "elapsed_seconds", elapsed)

	if err := encoder.RequestStop(); err != nil {
		slog.Warn("Encoder refused stop request, resolving immediately", "error", err)
		c.resolve(gen, "stop-error")
	}
	if err := stream.Close(); err != nil {
		c.opts.Observer.ReleaseFailed("stream")
		slog.Warn("Failed to release input stream", "error", err)
	}
	if err := analyser.Close(); err != nil {
		c.opts.Observer.ReleaseFailed("analyser")
		slog.Warn("Failed to close analyser", "error", err)
	}
	return true
}

// Wait blocks while the session is Stopping. It returns the resulting
// snapshot and ErrEmptyCapture if the session failed.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	var resolved chan struct{}
	if c.status == StatusStopping && c.sess != nil {
		resolved = c.sess.resolved
	}
	c.mu.Unlock()

	if resolved != nil {
		select {
		case <-resolved:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), c.err
}

// StopAndWait stops an active capture and waits for it to resolve.
func (c *Controller) StopAndWait(ctx context.Context) (Snapshot, error) {
	c.Stop()
	return c.Wait(ctx)
}

// Reset tears down everything from any state and returns to Idle. Release
// failures are logged, never returned.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.cancelAcquire != nil {
		c.cancelAcquire()
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s, wasCapturing := c.detachLocked()
	c.mu.Unlock()

	if s != nil {
		c.release(s, wasCapturing)
	}
	slog.Debug("Capture reset")
}

// Artifact returns the concatenated chunks. Mid-capture this is a partial
// snapshot; it returns false when nothing has been captured.
func (c *Controller) Artifact() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusReady && c.artifact != nil {
		return bytes.Clone(c.artifact), true
	}
	if len(c.chunks) == 0 {
		return nil, false
	}
	return bytes.Join(c.chunks, nil), true
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:         c.status,
		ElapsedSeconds: c.elapsed,
		Amplitude:      c.amplitude,
		Chunks:         len(c.chunks),
		Bytes:          c.size,
		ContentType:    c.contentType,
		StartedAt:      c.startedAt,
	}
	if c.err != nil {
		snap.Error = c.err.Error()
	}
	return snap
}

// detachLocked invalidates the current session and clears all state. The
// caller must release the returned session outside c.mu.
func (c *Controller) detachLocked() (*session, bool) {
	s := c.sess
	wasCapturing := c.status == StatusCapturing

	c.gen++
	c.sess = nil
	c.status = StatusIdle
	c.elapsed = 0
	c.amplitude = 0
	c.chunks = nil
	c.size = 0
	c.artifact = nil
	c.contentType = ""
	c.startedAt = time.Time{}
	c.err = nil

	if s == nil {
		return nil, false
	}
	s.stopLoops()
	if s.fallback != nil {
		s.fallback.Stop()
	}
	s.markResolved()
	return s, wasCapturing
}

// release closes every resource still held by s. Each step runs even if an
// earlier one fails.
func (c *Controller) release(s *session, stopEncoder bool) {
	var errs []error
	fail := func(resource string, err error) {
		c.opts.Observer.ReleaseFailed(resource)
		errs = append(errs, fmt.Errorf("%s: %w", resource, err))
	}

	if s.encoder != nil {
		if stopEncoder {
			if err := s.encoder.RequestStop(); err != nil {
				slog.Debug("Encoder stop during teardown", "error", err)
			}
		}
		if err := s.encoder.Close(); err != nil {
			fail("encoder", err)
		}
		s.encoder = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			fail("stream", err)
		}
		s.stream = nil
	}
	if s.analyser != nil {
		if err := s.analyser.Close(); err != nil {
			fail("analyser", err)
		}
		s.analyser = nil
	}

	if err := errors.Join(errs...); err != nil {
		slog.Warn("Capture teardown incomplete", "generation", s.gen, "error", err)
	}
}

func (c *Controller) onChunk(gen uint64, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || (c.status != StatusCapturing && c.status != StatusStopping) {
		return
	}
	c.chunks = append(c.chunks, chunk)
	c.size += len(chunk)
}

// resolve completes Stopping for session gen. Later calls for the same
// session, and calls for stale sessions, are ignored.
func (c *Controller) resolve(gen uint64, via string) {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.gen != gen || c.status != StatusStopping {
		c.mu.Unlock()
		return
	}

	var encoder audio.Encoder
	s.gate.Do(func() {
		if s.fallback != nil {
			s.fallback.Stop()
		}
		if len(c.chunks) == 0 {
			c.status = StatusFailed
			c.err = ErrEmptyCapture
		} else {
			c.artifact = bytes.Join(c.chunks, nil)
			c.status = StatusReady
		}
		encoder = s.encoder
		s.encoder = nil
		c.sess = nil
		s.markResolved()
	})
	status, size, chunks := c.status, c.size, len(c.chunks)
	d := time.Since(c.startedAt)
	c.mu.Unlock()

	if encoder == nil {
		return
	}
	if err := encoder.Close(); err != nil {
		slog.Debug("Encoder close after stop", "error", err)
	}

	c.opts.Observer.CaptureFinished(status, d)
	slog.Info("Capture finished", "status", status, "via", via, "chunks", chunks, "bytes", size, "generation", gen)
}

func (c *Controller) runTicker(s *session) {
	t := time.NewTicker(c.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.loopStop:
			return
		case <-t.C:
			if !c.tick(s.gen) {
				return
			}
		}
	}
}

func (c *Controller) tick(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusCapturing {
		c.mu.Unlock()
		return false
	}
	c.elapsed++
	elapsed := c.elapsed
	c.mu.Unlock()

	if c.opts.OnTick != nil {
		c.opts.OnTick(elapsed)
	}
	return true
}

func (c *Controller) runSampler(s *session) {
	t := time.NewTicker(c.opts.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-s.loopStop:
			return
		case <-t.C:
			if !c.sample(s.gen) {
				return
			}
		}
	}
}

// sample reads one amplitude value. The analyser is called without c.mu
// held and the result is discarded if the session moved on meanwhile.
func (c *Controller) sample(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusCapturing || c.sess == nil || c.sess.analyser == nil {
		c.mu.Unlock()
		return false
	}
	analyser := c.sess.analyser
	c.mu.Unlock()

	level := analyser.Level()

	c.mu.Lock()
	if gen != c.gen || c.status != StatusCapturing {
		c.mu.Unlock()
		return false
	}
	c.amplitude = level
	c.mu.Unlock()

	if c.opts.OnLevel != nil {
		c.opts.OnLevel(level)
	}
	return true
}

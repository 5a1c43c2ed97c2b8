package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakcapture/speakcapture/internal/config"
)

func testOptions() Options {
	return Options{
		TickInterval:   time.Hour,
		SampleInterval: time.Hour,
		ChunkInterval:  100 * time.Millisecond,
		FlushTimeout:   time.Hour,
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestController_StartStop_ReadyWithChunksInArrivalOrder(t *testing.T) {
	dev := newFakeDevice()
	obs := newFakeObserver()
	opts := testOptions()
	opts.Observer = obs
	c := NewController(dev, opts)

	require.NoError(t, c.Start(context.Background()))
	snap := c.Snapshot()
	assert.Equal(t, StatusCapturing, snap.Status)
	assert.Equal(t, "audio/wav", snap.ContentType)

	enc := dev.encoder(0)
	enc.emit("ab")
	enc.emit("cde")
	enc.emit("")
	enc.emit("f")

	assert.True(t, c.Stop())
	snap, err := c.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, 3, snap.Chunks)
	assert.Equal(t, 6, snap.Bytes)

	artifact, ok := c.Artifact()
	require.True(t, ok)
	assert.Equal(t, "abcdef", string(artifact))

	assert.Zero(t, dev.liveStreams())
	assert.Equal(t, 1, enc.closeCount())
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 1, obs.finished[StatusReady])
}

func TestController_StopWithoutChunks_Fails(t *testing.T) {
	dev := newFakeDevice()
	c := NewController(dev, testOptions())

	require.NoError(t, c.Start(context.Background()))
	snap, err := c.StopAndWait(waitCtx(t))

	assert.ErrorIs(t, err, ErrEmptyCapture)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, ErrEmptyCapture.Error(), snap.Error)

	_, ok := c.Artifact()
	assert.False(t, ok)
}

func TestController_StopIsNoopOutsideCapturing(t *testing.T) {
	dev := newFakeDevice()
	c := NewController(dev, testOptions())

	assert.False(t, c.Stop())
	assert.Equal(t, StatusIdle, c.Snapshot().Status)

	require.NoError(t, c.Start(context.Background()))
	dev.encoder(0).emit("x")
	require.True(t, c.Stop())
	_, err := c.Wait(waitCtx(t))
	require.NoError(t, err)

	before := c.Snapshot()
	assert.False(t, c.Stop())
	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, 1, dev.encoder(0).stopRequests)
}

func TestController_ArtifactIsPartialMidCapture(t *testing.T) {
	dev := newFakeDevice()
	c := NewController(dev, testOptions())

	_, ok := c.Artifact()
	assert.False(t, ok)

	require.NoError(t, c.Start(context.Background()))
	_, ok = c.Artifact()
	assert.False(t, ok)

	dev.encoder(0).emit("abc")
	partial, ok := c.Artifact()
	require.True(t, ok)
	assert.Equal(t, "abc", string(partial))
	assert.Equal(t, StatusCapturing, c.Snapshot().Status)

	partial[0] = 'z'
	again, _ := c.Artifact()
	assert.Equal(t, "abc", string(again), "artifact copies are independent")
}

func TestController_ResetFromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, c *Controller, dev *fakeDevice)
	}{
		{
			name:  "idle",
			setup: func(t *testing.T, c *Controller, dev *fakeDevice) {},
		},
		{
			name: "capturing",
			setup: func(t *testing.T, c *Controller, dev *fakeDevice) {
				require.NoError(t, c.Start(context.Background()))
				dev.encoder(0).emit("abc")
			},
		},
		{
			name: "stopping",
			setup: func(t *testing.T, c *Controller, dev *fakeDevice) {
				dev.silentStop = true
				require.NoError(t, c.Start(context.Background()))
				dev.encoder(0).emit("abc")
				require.True(t, c.Stop())
				require.Equal(t, StatusStopping, c.Snapshot().Status)
			},
		},
		{
			name: "ready",
			setup: func(t *testing.T, c *Controller, dev *fakeDevice) {
				require.NoError(t, c.Start(context.Background()))
				dev.encoder(0).emit("abc")
				_, err := c.StopAndWait(waitCtx(t))
				require.NoError(t, err)
			},
		},
		{
			name: "failed",
			setup: func(t *testing.T, c *Controller, dev *fakeDevice) {
				require.NoError(t, c.Start(context.Background()))
				_, err := c.StopAndWait(waitCtx(t))
				require.ErrorIs(t, err, ErrEmptyCapture)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			c := NewController(dev, testOptions())
			tt.setup(t, c, dev)

			// every release step now fails
			dev.mu.Lock()
			dev.closeErr = errRelease
			dev.mu.Unlock()

			assert.NotPanics(t, c.Reset)

			snap := c.Snapshot()
			assert.Equal(t, StatusIdle, snap.Status)
			assert.Zero(t, snap.ElapsedSeconds)
			assert.Zero(t, snap.Amplitude)
			assert.Zero(t, snap.Chunks)
			assert.Zero(t, snap.Bytes)
			assert.Empty(t, snap.Error)
			_, ok := c.Artifact()
			assert.False(t, ok)

			assert.Zero(t, dev.liveStreams())
			for _, e := range dev.encoders {
				assert.GreaterOrEqual(t, e.closeCount(), 1, "encoder closed")
			}
			for _, a := range dev.analysers {
				assert.GreaterOrEqual(t, a.closed, 1, "analyser closed")
			}
		})
	}
}

func TestController_ResetRunsEveryReleaseStepDespiteFailures(t *testing.T) {
	dev := newFakeDevice()
	obs := newFakeObserver()
	opts := testOptions()
	opts.Observer = obs
	c := NewController(dev, opts)

	require.NoError(t, c.Start(context.Background()))
	dev.closeErr = errRelease
	c.Reset()

	assert.Equal(t, 1, obs.failures("encoder"))
	assert.Equal(t, 1, obs.failures("stream"))
	assert.Equal(t, 1, obs.failures("analyser"))
	assert.Equal(t, 1, dev.streams[0].closeCount())
	assert.Equal(t, 1, dev.encoders[0].stopRequests, "active encoder is asked to stop")
}

func TestController_StaleCallbacksAfterResetAreIgnored(t *testing.T) {
	dev := newFakeDevice()
	dev.silentStop = true
	c := NewController(dev, testOptions())

	require.NoError(t, c.Start(context.Background()))
	enc := dev.encoder(0)
	enc.emit("abc")
	c.Reset()

	enc.emit("late")
	enc.fireStopped()

	snap := c.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Zero(t, snap.Chunks)
}

func TestController_ElapsedTicksWhileCapturingOnly(t *testing.T) {
	dev := newFakeDevice()
	ticks := make(chan int, 16)
	opts := testOptions()
	opts.TickInterval = 10 * time.Millisecond
	opts.OnTick = func(elapsed int) {
		select {
		case ticks <- elapsed:
		default:
		}
	}
	c := NewController(dev, opts)

	require.NoError(t, c.Start(context.Background()))
	for want := 1; want <= 3; want++ {
		select {
		case got := <-ticks:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d never arrived", want)
		}
	}

	dev.encoder(0).emit("x")
	c.Stop()
	frozen := c.Snapshot().ElapsedSeconds
	assert.GreaterOrEqual(t, frozen, 3)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, c.Snapshot().ElapsedSeconds)

	c.Reset()
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, c.Snapshot().ElapsedSeconds)
}

func TestController_HostTimeLimitAutoStops(t *testing.T) {
	const limit = 3
	dev := newFakeDevice()
	opts := testOptions()
	opts.TickInterval = 15 * time.Millisecond

	var c *Controller
	var mu sync.Mutex
	var atLimit []Status
	opts.OnTick = func(elapsed int) {
		if elapsed >= limit {
			c.Stop()
			mu.Lock()
			atLimit = append(atLimit, c.Snapshot().Status)
			mu.Unlock()
		}
	}
	c = NewController(dev, opts)

	require.NoError(t, c.Start(context.Background()))
	dev.encoder(0).emit("audio")

	require.Eventually(t, func() bool {
		s := c.Snapshot().Status
		return s == StatusReady || s == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, limit, snap.ElapsedSeconds)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, atLimit, 1, "ticker stops once the limit is reached")
	assert.NotEqual(t, StatusCapturing, atLimit[0])
}

func TestController_DoubleStartReleasesFirstSession(t *testing.T) {
	dev := newFakeDevice()
	c := NewController(dev, testOptions())

	require.NoError(t, c.Start(context.Background()))
	first := dev.encoder(0)
	first.emit("first")

	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, 2, dev.acquired)
	assert.Equal(t, 1, dev.liveStreams(), "only one live device handle")
	assert.Equal(t, 1, dev.streams[0].closeCount())
	assert.Equal(t, 1, first.closeCount())

	snap := c.Snapshot()
	assert.Equal(t, StatusCapturing, snap.Status)
	assert.Zero(t, snap.Chunks, "previous chunks discarded")

	first.emit("stale")
	assert.Zero(t, c.Snapshot().Chunks)

	dev.encoder(1).emit("second")
	snap, err := c.StopAndWait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, snap.Status)
	artifact, _ := c.Artifact()
	assert.Equal(t, "second", string(artifact))
}

func TestController_StartFromReadyDiscardsArtifact(t *testing.T) {
	dev := newFakeDevice()
	c := NewController(dev, testOptions())

	require.NoError(t, c.Start(context.Background()))
	dev.encoder(0).emit("take one")
	_, err := c.StopAndWait(waitCtx(t))
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	_, ok := c.Artifact()
	assert.False(t, ok)
	assert.Equal(t, 1, dev.liveStreams())
}

func TestController_FallbackResolvesWhenFlushNeverFires(t *testing.T) {
	t.Run("with chunks", func(t *testing.T) {
		dev := newFakeDevice()
		dev.silentStop = true
		opts := testOptions()
		opts.FlushTimeout = 30 * time.Millisecond
		c := NewController(dev, opts)

		require.NoError(t, c.Start(context.Background()))
		enc := dev.encoder(0)
		enc.emit("abc")

		require.True(t, c.Stop())
		assert.Equal(t, StatusStopping, c.Snapshot().Status)

		enc.emit("d") // flushed data may still arrive while stopping

		snap, err := c.Wait(waitCtx(t))
		require.NoError(t, err)
		assert.Equal(t, StatusReady, snap.Status)

		// the losing completion signal and any later chunk are ignored
		enc.fireStopped()
		enc.emit("late")
		artifact, ok := c.Artifact()
		require.True(t, ok)
		assert.Equal(t, "abcd", string(artifact))
		assert.Equal(t, StatusReady, c.Snapshot().Status)
		assert.Equal(t, 1, enc.closeCount())
	})

	t.Run("without chunks", func(t *testing.T) {
		dev := newFakeDevice()
		dev.silentStop = true
		opts := testOptions()
		opts.FlushTimeout = 20 * time.Millisecond
		c := NewController(dev, opts)

		require.NoError(t, c.Start(context.Background()))
		c.Stop()

		snap, err := c.Wait(waitCtx(t))
		assert.ErrorIs(t, err, ErrEmptyCapture)
		assert.Equal(t, StatusFailed, snap.Status)
	})
}

func TestController_WaitHonoursContext(t *testing.T) {
	dev := newFakeDevice()
	dev.silentStop = true
	c := NewController(dev, testOptions())

	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusStopping, snap.Status)

	c.Reset()
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
}

func TestController_DeviceUnavailable(t *testing.T) {
	t.Run("acquire denied", func(t *testing.T) {
		dev := newFakeDevice()
		dev.acquireErr = errors.New("permission denied")
		c := NewController(dev, testOptions())

		err := c.Start(context.Background())
		assert.ErrorIs(t, err, ErrDeviceUnavailable)
		assert.Equal(t, StatusIdle, c.Snapshot().Status)
		assert.Zero(t, dev.liveStreams())

		// retryable
		dev.acquireErr = nil
		require.NoError(t, c.Start(context.Background()))
	})

	t.Run("encoder open fails", func(t *testing.T) {
		dev := newFakeDevice()
		dev.encoderErr = errors.New("no codec")
		c := NewController(dev, testOptions())

		err := c.Start(context.Background())
		assert.ErrorIs(t, err, ErrDeviceUnavailable)
		assert.Equal(t, StatusIdle, c.Snapshot().Status)
		assert.Zero(t, dev.liveStreams())
		require.Len(t, dev.analysers, 1)
		assert.Equal(t, 1, dev.analysers[0].closed)
	})
}

func TestController_ResetCancelsPendingAcquire(t *testing.T) {
	dev := newFakeDevice()
	dev.blockAcquire = true
	c := NewController(dev, testOptions())

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()

	select {
	case <-dev.acquiring:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never started")
	}
	c.Reset()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after reset")
	}
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
}

func TestController_SamplesAmplitudeWhileCapturing(t *testing.T) {
	dev := newFakeDevice()
	dev.level = 0.7
	levels := make(chan float64, 64)
	opts := testOptions()
	opts.SampleInterval = 5 * time.Millisecond
	opts.OnLevel = func(l float64) {
		select {
		case levels <- l:
		default:
		}
	}
	c := NewController(dev, opts)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return c.Snapshot().Amplitude == 0.7
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.7, <-levels)

	c.Stop()
	assert.Zero(t, c.Snapshot().Amplitude)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, cfg.Capture.TickInterval, opts.TickInterval)
	assert.Equal(t, cfg.Capture.FlushTimeout, opts.FlushTimeout)
	assert.Equal(t, cfg.Audio.SampleRate, opts.Constraints.SampleRate)
	assert.True(t, opts.Constraints.EchoCancellation)

	var zero Options
	zero.applyDefaults()
	assert.Equal(t, time.Second, zero.TickInterval)
	assert.Equal(t, 3*time.Second, zero.FlushTimeout)
	assert.NotNil(t, zero.Observer)
}

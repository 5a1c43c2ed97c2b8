package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// PipeWireDevice records through pw-record, reading raw PCM from its stdout.
type PipeWireDevice struct {
	// Target is a PipeWire node name or serial; empty records from the
	// default source.
	Target string

	lookPath func(string) (string, error)
}

func NewPipeWireDevice(target string) *PipeWireDevice {
	return &PipeWireDevice{Target: target, lookPath: exec.LookPath}
}

func (d *PipeWireDevice) Name() string { return string(BackendTypePipeWire) }

func (d *PipeWireDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.SampleRate <= 0 || c.Channels <= 0 || c.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("%w: invalid constraints %+v", ErrDeviceUnavailable, c)
	}

	bin, err := d.lookPath("pw-record")
	if err != nil {
		return nil, fmt.Errorf("%w: pw-record not found", ErrDeviceUnavailable)
	}

	cmd := exec.Command(bin, recordArgs(c, d.Target)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start pw-record: %v", ErrDeviceUnavailable, err)
	}
	slog.Debug("Started pw-record", "target", d.Target, "args", strings.Join(cmd.Args, " "))

	s := newPipeStream(Format{SampleRate: c.SampleRate, Channels: c.Channels}, c.FramesPerBuffer, stdout)
	s.stop = func() error {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to stop pw-record: %w", err)
		}
		return nil
	}
	// Killed on purpose, so the exit status carries no information.
	s.reap = func() { _ = cmd.Wait() }
	return s, nil
}

func (d *PipeWireDevice) NewEncoder(s Stream, opts EncoderOptions) (Encoder, error) {
	return NewWAVEncoder(s, opts), nil
}

func (d *PipeWireDevice) NewAnalyser(s Stream) (Analyser, error) {
	return NewLevelMeter(s), nil
}

// List returns the PipeWire output ports that can be recorded from.
func (d *PipeWireDevice) List() ([]DeviceInfo, error) {
	cmd := exec.Command("pw-link", "-o")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}

	var devices []DeviceInfo
	for _, port := range parsePorts(string(output)) {
		devices = append(devices, DeviceInfo{
			Name:             port,
			MaxInputChannels: 1,
			Default:          d.Target != "" && strings.HasPrefix(port, d.Target+":"),
		})
	}
	return devices, nil
}

func recordArgs(c Constraints, target string) []string {
	args := []string{
		"--raw",
		"--format", "s16",
		"--rate", strconv.Itoa(c.SampleRate),
		"--channels", strconv.Itoa(c.Channels),
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	return append(args, "-")
}

// parsePorts extracts port names from pw-link output.
func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Input ports:") || strings.HasPrefix(line, "Output ports:") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

// pipeStream turns little-endian s16 PCM from r into frames.
type pipeStream struct {
	format Format
	frames int
	r      io.Reader
	subs   *fanout

	// stop ends the producer; reap runs once the reader has drained.
	stop func() error
	reap func()

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newPipeStream(f Format, frames int, r io.Reader) *pipeStream {
	s := &pipeStream{
		format: f,
		frames: frames,
		r:      r,
		subs:   newFanout(),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *pipeStream) Format() Format { return s.format }

func (s *pipeStream) Subscribe(fn func([]int16)) func() {
	return s.subs.subscribe(fn)
}

func (s *pipeStream) run() {
	defer close(s.done)

	raw := make([]byte, s.frames*s.format.Channels*2)
	frame := make([]int16, s.frames*s.format.Channels)
	for {
		n, err := io.ReadFull(s.r, raw)
		if n >= 2 {
			samples := n / 2
			for i := 0; i < samples; i++ {
				frame[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
			}
			s.subs.publish(frame[:samples])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("PipeWire stream ended", "error", err)
			}
			return
		}
	}
}

func (s *pipeStream) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.closeErr = s.stop()
		}
		<-s.done
		if s.reap != nil {
			s.reap()
		}
		s.subs.clear()
	})
	return s.closeErr
}

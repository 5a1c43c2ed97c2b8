package audio

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	wavHeaderSize = 44
	// streamingSize marks RIFF and data lengths as unknown.
	streamingSize = 0xFFFFFFFF
)

// ChunkBytesFor returns the PCM byte count covering interval at format.
func ChunkBytesFor(f Format, interval time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(interval) / int64(time.Second))
	frame := f.Channels * 2
	if frame > 0 {
		n -= n % frame
	}
	if n < frame {
		n = frame
	}
	return n
}

// wavHeader builds a canonical 44-byte PCM header. dataLen of streamingSize
// produces a header for a stream of unknown length.
func wavHeader(f Format, dataLen uint32) []byte {
	h := make([]byte, wavHeaderSize)
	riffLen := uint32(streamingSize)
	if dataLen != streamingSize {
		riffLen = dataLen + wavHeaderSize - 8
	}
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], riffLen)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.Channels*2))
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataLen)
	return h
}

// FinalizeWAV rewrites the length fields of a streamed WAV in place so that
// strict decoders accept it. The slice length is unchanged.
func FinalizeWAV(b []byte) error {
	if len(b) < wavHeaderSize || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return errors.New("not a WAV stream")
	}
	dataLen := uint32(len(b) - wavHeaderSize)
	binary.LittleEndian.PutUint32(b[4:8], dataLen+wavHeaderSize-8)
	binary.LittleEndian.PutUint32(b[40:44], dataLen)
	return nil
}

// WAVDuration returns the playback length of a WAV stream produced by
// WAVEncoder.
func WAVDuration(b []byte) time.Duration {
	if len(b) < wavHeaderSize {
		return 0
	}
	byteRate := binary.LittleEndian.Uint32(b[28:32])
	if byteRate == 0 {
		return 0
	}
	return time.Duration(int64(len(b)-wavHeaderSize) * int64(time.Second) / int64(byteRate))
}

// WAVEncoder emits 16-bit PCM WAV chunks. The first chunk carries a
// streaming header, so concatenating all chunks yields a playable file.
type WAVEncoder struct {
	stream     Stream
	chunkBytes int

	mu          sync.Mutex
	buf         []byte
	headerSent  bool
	started     bool
	stopping    bool
	closed      bool
	unsubscribe func()
	onChunk     func([]byte)
	onStopped   func()

	// emitMu serialises callbacks so chunk order matches arrival order.
	emitMu sync.Mutex
}

// NewWAVEncoder creates an encoder for s.
func NewWAVEncoder(s Stream, opts EncoderOptions) *WAVEncoder {
	chunk := opts.ChunkBytes
	if chunk <= 0 {
		chunk = ChunkBytesFor(s.Format(), time.Second)
	}
	return &WAVEncoder{stream: s, chunkBytes: chunk}
}

func (e *WAVEncoder) ContentType() string { return "audio/wav" }

func (e *WAVEncoder) Start(onChunk func([]byte), onStopped func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("encoder closed")
	}
	if e.started {
		return errors.New("encoder already started")
	}
	e.started = true
	e.onChunk = onChunk
	e.onStopped = onStopped
	e.unsubscribe = e.stream.Subscribe(e.write)
	return nil
}

func (e *WAVEncoder) write(frame []int16) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if e.closed || e.stopping {
		e.mu.Unlock()
		return
	}
	for _, s := range frame {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(s))
	}
	var out [][]byte
	for len(e.buf) >= e.chunkBytes {
		out = append(out, e.takeLocked(e.chunkBytes))
	}
	e.mu.Unlock()

	e.emitLocked(out)
}

// takeLocked removes n buffered bytes, prefixing the header on first use.
func (e *WAVEncoder) takeLocked(n int) []byte {
	var chunk []byte
	if !e.headerSent {
		chunk = wavHeader(e.stream.Format(), streamingSize)
		e.headerSent = true
	}
	chunk = append(chunk, e.buf[:n]...)
	e.buf = append(e.buf[:0], e.buf[n:]...)
	return chunk
}

// emitLocked runs chunk callbacks; the caller holds emitMu.
func (e *WAVEncoder) emitLocked(chunks [][]byte) {
	for _, c := range chunks {
		e.mu.Lock()
		closed, cb := e.closed, e.onChunk
		e.mu.Unlock()
		if closed || cb == nil {
			return
		}
		cb(c)
	}
}

// RequestStop flushes buffered audio and reports completion asynchronously.
func (e *WAVEncoder) RequestStop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("encoder closed")
	}
	if !e.started || e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	unsubscribe := e.unsubscribe
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	go func() {
		e.emitMu.Lock()
		defer e.emitMu.Unlock()

		e.mu.Lock()
		var out [][]byte
		if len(e.buf) > 0 {
			out = append(out, e.takeLocked(len(e.buf)))
		}
		e.mu.Unlock()
		e.emitLocked(out)

		e.mu.Lock()
		closed, cb := e.closed, e.onStopped
		e.mu.Unlock()
		if !closed && cb != nil {
			cb()
		}
	}()
	return nil
}

// Close detaches the encoder. Closing twice returns an error.
func (e *WAVEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("encoder already closed")
	}
	e.closed = true
	e.buf = nil
	unsubscribe := e.unsubscribe
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

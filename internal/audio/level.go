package audio

import (
	"math"
	"sync"
)

// floorDB is the level mapped to zero amplitude.
const floorDB = -60.0

// LevelMeter is an Analyser computing a dBFS-scaled RMS level of the most
// recent frame.
type LevelMeter struct {
	mu          sync.Mutex
	level       float64
	closed      bool
	unsubscribe func()
}

// NewLevelMeter taps s.
func NewLevelMeter(s Stream) *LevelMeter {
	m := &LevelMeter{}
	m.unsubscribe = s.Subscribe(m.observe)
	return m
}

func (m *LevelMeter) observe(frame []int16) {
	l := Level(frame)
	m.mu.Lock()
	if !m.closed {
		m.level = l
	}
	m.mu.Unlock()
}

func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *LevelMeter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.level = 0
	m.mu.Unlock()
	m.unsubscribe()
	return nil
}

// Level maps the RMS of frame onto [0,1], with floorDB dBFS and below as 0
// and full scale as 1.
func Level(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	l := (db - floorDB) / -floorDB
	return math.Max(0, math.Min(1, l))
}

package audio

import (
	"sync"
)

// fanout delivers frames to a dynamic set of subscribers.
type fanout struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func([]int16)
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]func([]int16))}
}

func (f *fanout) subscribe(fn func([]int16)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// publish hands every subscriber its own copy of frame. Callbacks run
// outside the lock, so a subscriber may see one frame after unsubscribing.
func (f *fanout) publish(frame []int16) {
	f.mu.RLock()
	fns := make([]func([]int16), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		cp := make([]int16, len(frame))
		copy(cp, frame)
		fn(cp)
	}
}

func (f *fanout) clear() {
	f.mu.Lock()
	f.subs = make(map[int]func([]int16))
	f.mu.Unlock()
}

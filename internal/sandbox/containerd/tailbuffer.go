package containerd

import "sync"

// tailBuffer is an io.Writer keeping only the most recent cap bytes of
// container output.
type tailBuffer struct {
	mu   sync.Mutex
	cap  int
	data []byte
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if t.cap == 0 {
		return len(p), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.cap {
		t.data = append(t.data[:0], p[len(p)-t.cap:]...)
		return len(p), nil
	}
	t.data = append(t.data, p...)
	if overflow := len(t.data) - t.cap; overflow > 0 {
		t.data = append(t.data[:0], t.data[overflow:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.data) == 0 {
		return nil
	}
	out := make([]byte, len(t.data))
	copy(out, t.data)
	return out
}

package dashboard

import "sync"

const subscriberBuffer = 8

type hub struct {
	mu   sync.Mutex
	subs map[chan View]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan View]struct{})}
}

func (h *hub) subscribe() (<-chan View, func()) {
	ch := make(chan View, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// broadcast never blocks. A subscriber whose buffer is full loses its oldest
// queued view so the latest one is always delivered.
func (h *hub) broadcast(v View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

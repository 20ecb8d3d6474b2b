package store

import (
	"context"
	"sync"
)

// watchHub fans out in-process change notifications.
type watchHub struct {
	mu       sync.Mutex
	watchers map[*hubWatcher]struct{}
	closed   bool
}

type hubWatcher struct {
	parent string
	ch     chan Key
}

func newWatchHub() *watchHub {
	return &watchHub{watchers: make(map[*hubWatcher]struct{})}
}

func (h *watchHub) watch(ctx context.Context, parent string) (<-chan Key, error) {
	w := &hubWatcher{parent: parent, ch: make(chan Key, 64)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.watchers[w] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(w)
	}()

	return w.ch, nil
}

func (h *watchHub) remove(w *hubWatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[w]; ok {
		delete(h.watchers, w)
		close(w.ch)
	}
}

func (h *watchHub) notify(keys ...Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		for _, k := range keys {
			if k.Parent != w.parent {
				continue
			}
			select {
			case w.ch <- k:
			default:
				// Channel full, drop notification
			}
		}
	}
}

// close ends every watch. Watch goroutines still waiting on their
// context find nothing left to remove.
func (h *watchHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for w := range h.watchers {
		close(w.ch)
	}
	h.watchers = make(map[*hubWatcher]struct{})
}

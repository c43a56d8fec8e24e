package session

import "sync"

// handle is a weak reference to a session handed to in-flight callbacks.
// Once released, the session is unreachable through the handle even if a
// callback still holds it.
type handle struct {
	mu sync.Mutex
	s  *CastSession
}

func newHandle(s *CastSession) *handle {
	return &handle{s: s}
}

func (h *handle) get() *CastSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s
}

func (h *handle) invalidate() {
	h.mu.Lock()
	h.s = nil
	h.mu.Unlock()
}

package softbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

var loopbackCounter atomic.Int64

// NewLoopback returns two connected in-process bus ends. Callbacks are
// delivered on dedicated goroutines, in order per session direction, which
// mirrors the real transport's threading.
func NewLoopback() (*Loopback, *Loopback) {
	n := loopbackCounter.Add(1)
	a := &Loopback{
		networkID: fmt.Sprintf("loopback-%d-a", n),
		servers:   make(map[string]SessionListener),
		sessions:  make(map[int64]*loopSession),
	}
	b := &Loopback{
		networkID: fmt.Sprintf("loopback-%d-b", n),
		servers:   make(map[string]SessionListener),
		sessions:  make(map[int64]*loopSession),
	}
	a.peer = b
	b.peer = a
	return a, b
}

// Loopback is one end of an in-process bus pair.
type Loopback struct {
	networkID string
	peer      *Loopback

	mu       sync.Mutex
	servers  map[string]SessionListener
	sessions map[int64]*loopSession
	closed   bool
}

type loopSession struct {
	id       int64
	bus      *Loopback
	listener SessionListener
	remote   *loopSession

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (b *Loopback) NetworkID() string {
	return b.networkID
}

func (b *Loopback) CreateSessionServer(name string, l SessionListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.servers[name]; ok {
		return ErrServerExists
	}
	b.servers[name] = l
	return nil
}

func (b *Loopback) RemoveSessionServer(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.servers[name]; !ok {
		return ErrNoSuchServer
	}
	delete(b.servers, name)
	return nil
}

func (b *Loopback) OpenSession(ctx context.Context, name, peerNetworkID string, l SessionListener) (int64, error) {
	_ = ctx

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBusClosed
	}
	b.mu.Unlock()

	if peerNetworkID != b.peer.networkID {
		return 0, ErrPeerUnreachable
	}

	b.peer.mu.Lock()
	serverListener, ok := b.peer.servers[name]
	b.peer.mu.Unlock()
	if !ok {
		return 0, ErrNoSuchServer
	}

	local := &loopSession{
		id:       nextTransportID(),
		bus:      b,
		listener: l,
		sendCh:   make(chan []byte, 64),
		closeCh:  make(chan struct{}),
	}
	remote := &loopSession{
		id:       nextTransportID(),
		bus:      b.peer,
		listener: serverListener,
		sendCh:   make(chan []byte, 64),
		closeCh:  make(chan struct{}),
	}
	local.remote = remote
	remote.remote = local

	b.mu.Lock()
	b.sessions[local.id] = local
	b.mu.Unlock()
	b.peer.mu.Lock()
	b.peer.sessions[remote.id] = remote
	b.peer.mu.Unlock()

	go local.deliverLoop()
	go remote.deliverLoop()

	go serverListener.OnSessionOpened(remote.id, nil)
	go l.OnSessionOpened(local.id, nil)

	return local.id, nil
}

func (s *loopSession) deliverLoop() {
	for {
		select {
		case data := <-s.sendCh:
			s.remote.listener.OnBytesReceived(s.remote.id, data)
		case <-s.closeCh:
			return
		}
	}
}

// close tears down one direction. The remote side is closed only after
// the Once body completes: the remote's close calls back into this one,
// and re-entering an in-progress Once blocks forever.
func (s *loopSession) close() {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.closeCh)
		s.bus.mu.Lock()
		delete(s.bus.sessions, s.id)
		s.bus.mu.Unlock()
		s.listener.OnSessionClosed(s.id)
	})
	if first {
		s.remote.close()
	}
}

func (b *Loopback) CloseSession(id int64) error {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return ErrNoSuchSession
	}
	sess.close()
	return nil
}

func (b *Loopback) SendBytes(id int64, data []byte) error {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return ErrNoSuchSession
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case sess.sendCh <- buf:
		return nil
	case <-sess.closeCh:
		return ErrNoSuchSession
	}
}

func (b *Loopback) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*loopSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

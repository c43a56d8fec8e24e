package softbus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/castengine/castengine/internal/log"
)

const quicALPN = "castengine"

// QUICBus is the soft-bus channel type: sessions are QUIC streams towards a
// peer, one QUIC connection per peer, reused across sessions.
type QUICBus struct {
	identity *Identity
	listener *quic.Listener
	logger   zerolog.Logger

	mu       sync.Mutex
	servers  map[string]SessionListener
	sessions map[int64]*streamSession
	conns    map[string]quic.Connection
	closed   bool

	acceptCancel context.CancelFunc
}

// NewQUICBus creates a bus listening on an ephemeral UDP port.
func NewQUICBus(deviceName string) (*QUICBus, error) {
	identity, err := NewIdentity(deviceName)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*identity.Certificate},
		NextProtos:   []string{quicALPN},
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifySelfSigned(cs)
		},
	}

	listener, err := quic.ListenAddr(":0", tlsConfig, nil)
	if err != nil {
		return nil, err
	}

	b := &QUICBus{
		identity: identity,
		listener: listener,
		logger:   log.WithComponent("softbus-quic"),
		servers:  make(map[string]SessionListener),
		sessions: make(map[int64]*streamSession),
		conns:    make(map[string]quic.Connection),
	}

	acceptCtx, acceptCancel := context.WithCancel(context.Background())
	b.acceptCancel = acceptCancel
	go b.acceptLoop(acceptCtx)

	return b, nil
}

func (b *QUICBus) NetworkID() string {
	addr := b.listener.Addr().(*net.UDPAddr)
	if addr.IP.IsUnspecified() {
		return fmt.Sprintf("127.0.0.1:%d", addr.Port)
	}
	return addr.String()
}

func (b *QUICBus) CreateSessionServer(name string, l SessionListener) error {
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

func (b *QUICBus) RemoveSessionServer(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.servers[name]; !ok {
		return ErrNoSuchServer
	}
	delete(b.servers, name)
	return nil
}

func (b *QUICBus) acceptLoop(ctx context.Context) {
	for {
		conn, err := b.listener.Accept(ctx)
		if err != nil {
			return
		}
		go b.acceptStreams(ctx, conn)
	}
}

func (b *QUICBus) acceptStreams(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go b.handleInbound(stream)
	}
}

func (b *QUICBus) handleInbound(stream quic.Stream) {
	name, err := readPreamble(stream)
	if err != nil {
		_ = stream.Close()
		return
	}

	b.mu.Lock()
	listener, ok := b.servers[name]
	if !ok {
		b.mu.Unlock()
		b.logger.Debug().Str("server", name).Msg("rejecting session for unknown server")
		_ = stream.Close()
		return
	}
	id := nextTransportID()
	sess := newStreamSession(id, name, stream, listener, b.dropSession)
	b.sessions[id] = sess
	b.mu.Unlock()

	listener.OnSessionOpened(id, nil)
	sess.run()
}

func (b *QUICBus) dropSession(s *streamSession) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
}

func (b *QUICBus) OpenSession(ctx context.Context, name, peerNetworkID string, l SessionListener) (int64, error) {
	conn, err := b.peerConn(ctx, peerNetworkID)
	if err != nil {
		return 0, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, err
	}

	if err := writePreamble(stream, name); err != nil {
		_ = stream.Close()
		return 0, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = stream.Close()
		return 0, ErrBusClosed
	}
	id := nextTransportID()
	sess := newStreamSession(id, name, stream, l, b.dropSession)
	b.sessions[id] = sess
	b.mu.Unlock()

	go sess.run()
	go l.OnSessionOpened(id, nil)

	return id, nil
}

// peerConn returns the cached QUIC connection to the peer, dialing if
// needed.
func (b *QUICBus) peerConn(ctx context.Context, peerNetworkID string) (quic.Connection, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if conn, ok := b.conns[peerNetworkID]; ok {
		b.mu.Unlock()
		return conn, nil
	}
	b.mu.Unlock()

	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		Certificates:       []tls.Certificate{*b.identity.Certificate},
		VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			for _, rawCert := range rawCerts {
				if _, err := x509.ParseCertificate(rawCert); err != nil {
					return err
				}
			}
			return nil
		},
	}

	conn, err := quic.DialAddr(ctx, peerNetworkID, tlsConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	b.mu.Lock()
	if existing, ok := b.conns[peerNetworkID]; ok {
		b.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return existing, nil
	}
	b.conns[peerNetworkID] = conn
	b.mu.Unlock()

	// Streams the peer opens back over this connection still need routing.
	go b.acceptStreams(context.Background(), conn)

	return conn, nil
}

func (b *QUICBus) CloseSession(id int64) error {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return ErrNoSuchSession
	}
	sess.close()
	return nil
}

func (b *QUICBus) SendBytes(id int64, data []byte) error {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return ErrNoSuchSession
	}
	return sess.send(data)
}

func (b *QUICBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*streamSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	conns := b.conns
	b.conns = make(map[string]quic.Connection)
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	for _, c := range conns {
		_ = c.CloseWithError(0, "closed")
	}
	b.acceptCancel()
	return b.listener.Close()
}

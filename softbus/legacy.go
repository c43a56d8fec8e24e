package softbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/sctp"
	"github.com/rs/zerolog"

	"github.com/castengine/castengine/internal/log"
)

const legacyMTU = 8192

// LegacyBus carries sessions over a DTLS connection multiplexed with SCTP
// streams. It serves devices that do not speak the soft-bus QUIC transport.
type LegacyBus struct {
	identity *Identity
	listener net.Listener
	logger   zerolog.Logger

	mu       sync.Mutex
	servers  map[string]SessionListener
	sessions map[int64]*streamSession
	assocs   map[string]*legacyAssoc
	closed   bool
}

type legacyAssoc struct {
	conn  *dtls.Conn
	assoc *sctp.Association

	mu            sync.Mutex
	streamCounter uint16
}

func (a *legacyAssoc) nextStreamIdentifier() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streamCounter++
	return a.streamCounter
}

// NewLegacyBus creates a bus listening on an ephemeral UDP port.
func NewLegacyBus(deviceName string) (*LegacyBus, error) {
	identity, err := NewIdentity(deviceName)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", ":0")
	if err != nil {
		return nil, err
	}

	config := &dtls.Config{
		Certificates: []tls.Certificate{*identity.Certificate},
		ClientAuth:   dtls.RequireAnyClientCert,
	}

	listener, err := dtls.Listen("udp", udpAddr, config)
	if err != nil {
		return nil, err
	}

	b := &LegacyBus{
		identity: identity,
		listener: listener,
		logger:   log.WithComponent("softbus-legacy"),
		servers:  make(map[string]SessionListener),
		sessions: make(map[int64]*streamSession),
		assocs:   make(map[string]*legacyAssoc),
	}

	go b.acceptLoop()

	return b, nil
}

func (b *LegacyBus) NetworkID() string {
	addr := b.listener.Addr().(*net.UDPAddr)
	if addr.IP.IsUnspecified() {
		return fmt.Sprintf("127.0.0.1:%d", addr.Port)
	}
	return addr.String()
}

func (b *LegacyBus) CreateSessionServer(name string, l SessionListener) error {
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

func (b *LegacyBus) RemoveSessionServer(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.servers[name]; !ok {
		return ErrNoSuchServer
	}
	delete(b.servers, name)
	return nil
}

func (b *LegacyBus) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		go b.handleConn(conn)
	}
}

func (b *LegacyBus) handleConn(conn net.Conn) {
	dtlsConn, ok := conn.(*dtls.Conn)
	if !ok {
		_ = conn.Close()
		return
	}
	if err := dtlsConn.HandshakeContext(context.Background()); err != nil {
		b.logger.Debug().Err(err).Msg("inbound handshake failed")
		_ = dtlsConn.Close()
		return
	}

	assoc, err := sctp.Server(sctp.Config{
		NetConn:       dtlsConn,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		b.logger.Debug().Err(err).Msg("sctp server failed")
		_ = dtlsConn.Close()
		return
	}

	for {
		stream, err := assoc.AcceptStream()
		if err != nil {
			return
		}
		go b.handleInbound(newSCTPStream(stream))
	}
}

func (b *LegacyBus) handleInbound(stream io.ReadWriteCloser) {
	name, err := readPreamble(stream)
	if err != nil {
		_ = stream.Close()
		return
	}

	b.mu.Lock()
	listener, ok := b.servers[name]
	if !ok {
		b.mu.Unlock()
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

func (b *LegacyBus) dropSession(s *streamSession) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
}

func (b *LegacyBus) OpenSession(ctx context.Context, name, peerNetworkID string, l SessionListener) (int64, error) {
	assoc, err := b.peerAssoc(ctx, peerNetworkID)
	if err != nil {
		return 0, err
	}

	stream, err := assoc.assoc.OpenStream(assoc.nextStreamIdentifier(), sctp.PayloadTypeWebRTCBinary)
	if err != nil {
		return 0, err
	}
	rw := newSCTPStream(stream)

	if err := writePreamble(rw, name); err != nil {
		_ = rw.Close()
		return 0, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = rw.Close()
		return 0, ErrBusClosed
	}
	id := nextTransportID()
	sess := newStreamSession(id, name, rw, l, b.dropSession)
	b.sessions[id] = sess
	b.mu.Unlock()

	go sess.run()
	go l.OnSessionOpened(id, nil)

	return id, nil
}

func (b *LegacyBus) peerAssoc(ctx context.Context, peerNetworkID string) (*legacyAssoc, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if a, ok := b.assocs[peerNetworkID]; ok {
		b.mu.Unlock()
		return a, nil
	}
	b.mu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", peerNetworkID)
	if err != nil {
		return nil, err
	}

	config := &dtls.Config{
		Certificates:       []tls.Certificate{*b.identity.Certificate},
		InsecureSkipVerify: true,
	}

	conn, err := dtls.Dial("udp", udpAddr, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dial failed to handshake: %v", err)
	}

	assoc, err := sctp.Client(sctp.Config{
		NetConn:       conn,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	a := &legacyAssoc{conn: conn, assoc: assoc}

	b.mu.Lock()
	if existing, ok := b.assocs[peerNetworkID]; ok {
		b.mu.Unlock()
		_ = assoc.Close()
		_ = conn.Close()
		return existing, nil
	}
	b.assocs[peerNetworkID] = a
	b.mu.Unlock()

	return a, nil
}

func (b *LegacyBus) CloseSession(id int64) error {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return ErrNoSuchSession
	}
	sess.close()
	return nil
}

func (b *LegacyBus) SendBytes(id int64, data []byte) error {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return ErrNoSuchSession
	}
	return sess.send(data)
}

func (b *LegacyBus) Close() error {
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
	assocs := b.assocs
	b.assocs = make(map[string]*legacyAssoc)
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	for _, a := range assocs {
		_ = a.assoc.Close()
		_ = a.conn.Close()
	}
	return b.listener.Close()
}

// sctpStream adapts an SCTP stream to io.ReadWriteCloser. Reads are
// buffered per SCTP message; writes are chunked to the MTU.
type sctpStream struct {
	stream *sctp.Stream

	mu             sync.Mutex
	rdBuf          []byte
	rdBufRemaining []byte
}

func newSCTPStream(stream *sctp.Stream) *sctpStream {
	return &sctpStream{
		stream: stream,
		rdBuf:  make([]byte, legacyMTU),
	}
}

func (s *sctpStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rdBufRemaining) > 0 {
		return s.readRemaining(p)
	}

	n, err := s.stream.Read(s.rdBuf)
	if err != nil {
		return n, err
	}
	s.rdBufRemaining = s.rdBuf[:n]

	return s.readRemaining(p)
}

// Caller must hold the lock.
func (s *sctpStream) readRemaining(p []byte) (int, error) {
	n := copy(p, s.rdBufRemaining)
	s.rdBufRemaining = s.rdBufRemaining[n:]
	return n, nil
}

func (s *sctpStream) Write(p []byte) (int, error) {
	b := p
	nr := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > legacyMTU {
			chunk = chunk[:legacyMTU]
		}
		n, err := s.stream.Write(chunk)
		if err != nil {
			return nr, err
		}
		nr += n
		b = b[n:]
	}
	return nr, nil
}

func (s *sctpStream) Close() error {
	return s.stream.Close()
}

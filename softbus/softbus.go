// Package softbus provides the device-to-device transport used by the cast
// engine: named session servers, point-to-point byte sessions identified by a
// positive transport id, and callback-based delivery.
//
// Two wire implementations exist, QUICBus (the soft-bus channel type) and
// LegacyBus (DTLS + SCTP), plus an in-process Loopback pair for tests.
package softbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed       = errors.New("bus closed")
	ErrServerExists    = errors.New("session server already exists")
	ErrNoSuchServer    = errors.New("no such session server")
	ErrNoSuchSession   = errors.New("no such session")
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// SessionListener receives transport callbacks. Callbacks arrive on
// transport-owned goroutines and are not serialized with each other across
// sessions; within one session they are delivered in order.
type SessionListener interface {
	OnSessionOpened(id int64, err error)
	OnSessionClosed(id int64)
	OnBytesReceived(id int64, data []byte)
}

// Bus is the transport backend capability consumed by the engine.
type Bus interface {
	// CreateSessionServer registers a named server accepting inbound
	// sessions. One listener per name.
	CreateSessionServer(name string, l SessionListener) error
	// RemoveSessionServer removes a named server. Established sessions
	// survive removal.
	RemoveSessionServer(name string) error
	// OpenSession opens a session towards the named server on the peer
	// identified by its network id. The returned transport id is positive
	// and process-unique.
	OpenSession(ctx context.Context, name, peerNetworkID string, l SessionListener) (int64, error)
	CloseSession(id int64) error
	SendBytes(id int64, data []byte) error
	// NetworkID identifies this bus end on the network.
	NetworkID() string
	Close() error
}

var transportIDCounter atomic.Int64

func nextTransportID() int64 {
	return transportIDCounter.Add(1)
}

func readVaruint(r io.Reader) (uint64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	return binary.ReadUvarint(br)
}

func writeVaruint(v uint64, w io.Writer) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	_, err := w.Write(buf[:n])
	return err
}

type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(b.r, b.buf[:])
	return b.buf[0], err
}

const maxFrameSize = 4 << 20

// writeFrame writes a length-prefixed frame as a single Write call.
func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(data))
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	n, err := readVaruint(r)
	if err != nil {
		return nil, err
	}
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	_, err = io.ReadFull(r, data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// writePreamble sends the target session server name when a session opens.
func writePreamble(w io.Writer, name string) error {
	return writeFrame(w, []byte(name))
}

func readPreamble(r io.Reader) (string, error) {
	data, err := readFrame(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// streamSession drives one byte session over a reliable stream.
type streamSession struct {
	id       int64
	name     string
	stream   io.ReadWriteCloser
	listener SessionListener

	wrMu      sync.Mutex
	closeOnce sync.Once
	onClose   func(*streamSession)
}

func newStreamSession(id int64, name string, stream io.ReadWriteCloser, l SessionListener, onClose func(*streamSession)) *streamSession {
	return &streamSession{
		id:       id,
		name:     name,
		stream:   stream,
		listener: l,
		onClose:  onClose,
	}
}

// run reads frames until the stream fails. Must be called on its own
// goroutine.
func (s *streamSession) run() {
	for {
		data, err := readFrame(s.stream)
		if err != nil {
			s.close()
			return
		}
		s.listener.OnBytesReceived(s.id, data)
	}
}

func (s *streamSession) send(data []byte) error {
	s.wrMu.Lock()
	defer s.wrMu.Unlock()
	return writeFrame(s.stream, data)
}

func (s *streamSession) close() {
	s.closeOnce.Do(func() {
		_ = s.stream.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
		s.listener.OnSessionClosed(s.id)
	})
}

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	spake2 "github.com/backkem/spake2-go"
	"github.com/rs/zerolog"

	"github.com/castengine/castengine/internal/log"
	"github.com/castengine/castengine/softbus"
)

// AuthServerName is the inbound session server a discoverable device
// exposes for pairing handshakes.
const AuthServerName = "CastEngineAuth"

// Pairing failure reason codes reported through AuthResult.Reason.
const (
	ReasonNone = iota
	ReasonPSKUnavailable
	ReasonProofInvalid
	ReasonTransport
)

// PSKProvider supplies the low-entropy shared secret (typically a PIN
// shown on the sink and typed on the source) for a pairing attempt.
type PSKProvider func(info DeviceInfo) ([]byte, error)

const (
	authMsgPublic  byte = 1
	authMsgConfirm byte = 2
)

// The initiator's public frame carries its device id ahead of the SPAKE2
// public value, so the responder can attribute the derived key before the
// consult reveals anything else: [idLen][id][public].
func packAuthPublic(deviceID string, public []byte) ([]byte, error) {
	if len(deviceID) > 255 {
		return nil, errors.New("device id too long")
	}
	buf := make([]byte, 0, 2+len(deviceID)+len(public))
	buf = append(buf, authMsgPublic, byte(len(deviceID)))
	buf = append(buf, deviceID...)
	return append(buf, public...), nil
}

func unpackAuthPublic(body []byte) (string, []byte, error) {
	if len(body) < 1 {
		return "", nil, errors.New("short auth public frame")
	}
	n := int(body[0])
	if len(body) < 1+n {
		return "", nil, errors.New("truncated device id in auth public frame")
	}
	return string(body[1 : 1+n]), body[1+n:], nil
}

// SpakeAuthenticator pairs devices with a SPAKE2 exchange carried over a
// dedicated transport session. The initiating side runs the client role;
// the discoverable side answers as server. On success both ends derive
// the same shared key, of which the first SessionKeyLen bytes become the
// device session key.
type SpakeAuthenticator struct {
	bus   softbus.Bus
	local DeviceInfo
	psk   PSKProvider
	trust *TrustStore

	mu      sync.Mutex
	serving bool
	onPeer  func(AuthResult)

	logger zerolog.Logger
}

func NewSpakeAuthenticator(bus softbus.Bus, local DeviceInfo, psk PSKProvider, trust *TrustStore) *SpakeAuthenticator {
	return &SpakeAuthenticator{
		bus:    bus,
		local:  local,
		psk:    psk,
		trust:  trust,
		logger: log.WithComponent("auth"),
	}
}

// Authenticate starts the client side of the pairing flow towards the
// device's auth server. Completion is reported through done on a
// background goroutine.
func (a *SpakeAuthenticator) Authenticate(info DeviceInfo, extra string, done func(AuthResult)) error {
	if done == nil {
		return errors.New("nil auth callback")
	}
	if info.NetworkID == "" {
		return errors.New("device has no network id")
	}

	cl := &spakeClient{a: a, info: info, done: done}
	if _, err := a.bus.OpenSession(context.Background(), AuthServerName, info.NetworkID, cl); err != nil {
		return fmt.Errorf("open auth session: %w", err)
	}
	return nil
}

// Unauthenticate forgets the trust relationship with a device.
func (a *SpakeAuthenticator) Unauthenticate(info DeviceInfo) error {
	a.trust.Remove(info.ID)
	return nil
}

// Serve exposes the server side of the pairing flow. onPeer is invoked
// for every completed inbound pairing. Idempotent.
func (a *SpakeAuthenticator) Serve(onPeer func(AuthResult)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serving {
		return nil
	}
	if err := a.bus.CreateSessionServer(AuthServerName, &spakeServerListener{a: a}); err != nil {
		return err
	}
	a.serving = true
	a.onPeer = onPeer
	return nil
}

func (a *SpakeAuthenticator) StopServe() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.serving {
		return nil
	}
	if err := a.bus.RemoveSessionServer(AuthServerName); err != nil {
		return err
	}
	a.serving = false
	a.onPeer = nil
	return nil
}

func (a *SpakeAuthenticator) peerCallback() func(AuthResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onPeer
}

func sessionKeyFrom(state *spake2.SPAKE2) ([]byte, error) {
	shared, err := state.SharedKey()
	if err != nil {
		return nil, err
	}
	if len(shared) < SessionKeyLen {
		return nil, errors.New("shared key too short")
	}
	key := make([]byte, SessionKeyLen)
	copy(key, shared[:SessionKeyLen])
	return key, nil
}

// spakeClient drives the initiator half: send public, finish with the
// server's public, send confirmation, verify the server's confirmation.
type spakeClient struct {
	a    *SpakeAuthenticator
	info DeviceInfo
	done func(AuthResult)

	mu        sync.Mutex
	state     *spake2.SPAKE2
	confirmed bool
	finished  bool
}

func (c *spakeClient) fail(id int64, reason int) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	if id != 0 {
		_ = c.a.bus.CloseSession(id)
	}
	c.done(AuthResult{DeviceID: c.info.ID, Status: AuthStatusFailed, Reason: reason})
}

func (c *spakeClient) OnSessionOpened(id int64, err error) {
	if err != nil {
		c.a.logger.Warn().Err(err).Str("device", c.info.ID).Msg("auth session failed to open")
		c.fail(0, ReasonTransport)
		return
	}
	go c.begin(id)
}

func (c *spakeClient) begin(id int64) {
	psk, err := c.a.psk(c.info)
	if err != nil {
		c.a.logger.Warn().Err(err).Str("device", c.info.ID).Msg("no pairing secret")
		c.fail(id, ReasonPSKUnavailable)
		return
	}

	// SPAKE2 identities are left empty; the initiator announces its
	// device id in the public frame instead.
	opts := &spake2.Options{
		Ciphersuite: spake2.DefaultCiphersuite(),
	}
	client := spake2.NewClient(psk, opts)

	c.mu.Lock()
	c.state = client
	c.mu.Unlock()

	public, err := client.Start()
	if err != nil {
		c.fail(id, ReasonNone)
		return
	}
	frame, err := packAuthPublic(c.a.local.ID, public)
	if err != nil {
		c.fail(id, ReasonNone)
		return
	}
	if err := c.a.bus.SendBytes(id, frame); err != nil {
		c.fail(id, ReasonTransport)
	}
}

func (c *spakeClient) OnBytesReceived(id int64, data []byte) {
	if len(data) < 2 {
		c.fail(id, ReasonNone)
		return
	}
	tag, body := data[0], data[1:]
	payload := make([]byte, len(body))
	copy(payload, body)
	go c.handle(id, tag, payload)
}

func (c *spakeClient) handle(id int64, tag byte, body []byte) {
	c.mu.Lock()
	state := c.state
	confirmed := c.confirmed
	c.mu.Unlock()
	if state == nil {
		c.fail(id, ReasonNone)
		return
	}

	switch tag {
	case authMsgPublic:
		if confirmed {
			c.fail(id, ReasonNone)
			return
		}
		confirmation, err := state.Finish(body)
		if err != nil {
			c.fail(id, ReasonProofInvalid)
			return
		}
		c.mu.Lock()
		c.confirmed = true
		c.mu.Unlock()
		if err := c.a.bus.SendBytes(id, append([]byte{authMsgConfirm}, confirmation...)); err != nil {
			c.fail(id, ReasonTransport)
		}

	case authMsgConfirm:
		if !confirmed {
			c.fail(id, ReasonNone)
			return
		}
		if err := state.Verify(body); err != nil {
			reason := ReasonNone
			if errors.Is(err, spake2.ErrInvalidConfirmation) {
				reason = ReasonProofInvalid
			}
			c.fail(id, reason)
			return
		}
		key, err := sessionKeyFrom(state)
		if err != nil {
			c.fail(id, ReasonNone)
			return
		}

		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
		// Deliver the result before the close: a transport whose close is
		// slow (or blocks) must not hold the pairing outcome hostage.
		c.done(AuthResult{DeviceID: c.info.ID, SessionKey: key, Status: AuthStatusSuccess})
		_ = c.a.bus.CloseSession(id)

	default:
		c.fail(id, ReasonNone)
	}
}

func (c *spakeClient) OnSessionClosed(id int64) {
	c.fail(0, ReasonTransport)
}

// spakeServerListener accepts inbound pairing sessions; each session gets
// its own server-role state machine.
type spakeServerListener struct {
	a *SpakeAuthenticator

	mu       sync.Mutex
	sessions map[int64]*spakeServer
}

// session lazily creates per-session state: first bytes may arrive
// before the session-opened callback on some transports.
func (l *spakeServerListener) session(id int64) *spakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessions == nil {
		l.sessions = make(map[int64]*spakeServer)
	}
	s, ok := l.sessions[id]
	if !ok {
		s = &spakeServer{a: l.a}
		l.sessions[id] = s
	}
	return s
}

func (l *spakeServerListener) OnSessionOpened(id int64, err error) {
	if err != nil {
		return
	}
	l.session(id)
}

func (l *spakeServerListener) OnSessionClosed(id int64) {
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
}

func (l *spakeServerListener) OnBytesReceived(id int64, data []byte) {
	s := l.session(id)
	if s == nil || len(data) < 2 {
		return
	}
	tag, body := data[0], data[1:]
	payload := make([]byte, len(body))
	copy(payload, body)
	go s.handle(id, tag, payload)
}

// spakeServer answers one inbound pairing: exchange publics on the
// client's public, confirm on the client's confirmation.
type spakeServer struct {
	a *SpakeAuthenticator

	mu       sync.Mutex
	state    *spake2.SPAKE2
	deviceID string
	done     bool
}

func (s *spakeServer) handle(id int64, tag byte, body []byte) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	state := s.state
	deviceID := s.deviceID
	s.mu.Unlock()

	switch tag {
	case authMsgPublic:
		if state != nil {
			return
		}
		peerID, public, err := unpackAuthPublic(body)
		if err != nil {
			s.a.logger.Warn().Err(err).Msg("malformed inbound pairing frame")
			_ = s.a.bus.CloseSession(id)
			return
		}
		psk, err := s.a.psk(DeviceInfo{ID: peerID})
		if err != nil {
			s.a.logger.Warn().Err(err).Msg("no pairing secret for inbound attempt")
			_ = s.a.bus.CloseSession(id)
			return
		}
		opts := &spake2.Options{
			Ciphersuite: spake2.DefaultCiphersuite(),
		}
		server := spake2.NewServer(psk, opts)
		public, err = server.Exchange(public)
		if err != nil {
			_ = s.a.bus.CloseSession(id)
			return
		}
		s.mu.Lock()
		s.state = server
		s.deviceID = peerID
		s.mu.Unlock()
		if err := s.a.bus.SendBytes(id, append([]byte{authMsgPublic}, public...)); err != nil {
			_ = s.a.bus.CloseSession(id)
		}

	case authMsgConfirm:
		if state == nil {
			return
		}
		confirmation, err := state.Confirm(body)
		if err != nil {
			s.a.logger.Warn().Err(err).Msg("inbound pairing proof invalid")
			_ = s.a.bus.CloseSession(id)
			return
		}
		if err := s.a.bus.SendBytes(id, append([]byte{authMsgConfirm}, confirmation...)); err != nil {
			return
		}
		key, err := sessionKeyFrom(state)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		if cb := s.a.peerCallback(); cb != nil {
			cb(AuthResult{DeviceID: deviceID, SessionKey: key, Status: AuthStatusSuccess})
		}
	}
}

package rtsp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/castengine/castengine/internal/log"
	"github.com/castengine/castengine/internal/metrics"
)

// ModuleName tags controller-level errors.
const ModuleName = "RTSP"

// Error codes surfaced through Listener.OnError.
const (
	CodeBadFrame = iota + 1
	CodeBadMessage
	CodeSendFailed
	CodePeerError
)

// SessionKeyLen is the length of the frame encryption key.
const SessionKeyLen = 16

var ErrKeyLength = errors.New("session key must be exactly 16 bytes")

// EndType selects which half of the custom-params flow this controller
// runs.
type EndType int

const (
	EndSource EndType = iota
	EndSink
)

// SetupInfo is what a completed (or proposed) setup exchange tells the
// session. Request is true when the peer proposed parameters and this
// side must answer with SendSetupResponse.
type SetupInfo struct {
	Request           bool
	Result            int
	Param             ParamInfo
	MediaPort         int
	RemoteControlPort int
	DeviceID          string
	DeviceName        string
}

// Listener receives decoded control intents. Play, pause and teardown are
// requests only; the session decides whether to honor them.
type Listener interface {
	OnSetup(info SetupInfo)
	OnPlay(port int, deviceID string)
	OnPause(deviceID string)
	OnTeardown(deviceID string)
	// OnModuleCustomParams returns the local capability reply, sent back
	// to the peer when ok.
	OnModuleCustomParams(params string) (reply string, ok bool)
	OnTrigger(moduleID, event int, param string)
	OnPeerGone()
	OnError(module string, code int)
}

// Sender pushes an encoded frame towards the peer.
type Sender interface {
	Send(data []byte) error
}

// Controller runs the control exchange for one session. Send, StartSession
// and StopSession share one mutex so the encryption state cannot change
// mid-frame.
type Controller struct {
	end      EndType
	listener Listener

	mu     sync.Mutex
	sender Sender
	aead   cipher.AEAD
	key    [SessionKeyLen]byte
	active bool

	logger zerolog.Logger
}

func NewController(end EndType, listener Listener) *Controller {
	return &Controller{
		end:      end,
		listener: listener,
		logger:   log.WithComponent("rtsp"),
	}
}

// SetSender attaches the outbound half. A nil sender detaches it; sends
// while detached fail locally.
func (c *Controller) SetSender(s Sender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

// StartSession arms frame encryption with the pairing-derived key. The
// key is copied into a fixed buffer; any other length is rejected.
func (c *Controller) StartSession(key []byte) error {
	if len(key) != SessionKeyLen {
		return ErrKeyLength
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.key[:], key)
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	c.aead = aead
	c.active = true
	return nil
}

// StopSession zeroes the key and reports the peer gone. Calling it when
// no session is active is a no-op, so OnPeerGone fires exactly once.
func (c *Controller) StopSession() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.aead = nil
	for i := range c.key {
		c.key[i] = 0
	}
	c.mu.Unlock()

	c.listener.OnPeerGone()
}

func (c *Controller) send(msg interface{}) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sender == nil {
		return errors.New("no sender attached")
	}
	if c.active {
		nonce := make([]byte, c.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		data = c.aead.Seal(nonce, nonce, data, nil)
	}
	return c.sender.Send(data)
}

func (c *Controller) sendOrReport(msg interface{}) error {
	if err := c.send(msg); err != nil {
		metrics.NegotiationErrors.WithLabelValues(ModuleName).Inc()
		c.logger.Warn().Err(err).Msgf("send %T", msg)
		c.listener.OnError(ModuleName, CodeSendFailed)
		return err
	}
	return nil
}

func (c *Controller) SendSetupRequest(param ParamInfo, deviceID, deviceName string) error {
	return c.sendOrReport(&msgSetupRequest{Param: param, DeviceID: deviceID, DeviceName: deviceName})
}

func (c *Controller) SendSetupResponse(result int, param ParamInfo, mediaPort, rcPort int, deviceID string) error {
	return c.sendOrReport(&msgSetupResponse{
		Result:            result,
		Param:             param,
		MediaPort:         mediaPort,
		RemoteControlPort: rcPort,
		DeviceID:          deviceID,
	})
}

func (c *Controller) SendPlay(port int, deviceID string) error {
	return c.sendOrReport(&msgPlayRequest{Port: port, DeviceID: deviceID})
}

func (c *Controller) SendPause(deviceID string) error {
	return c.sendOrReport(&msgPauseRequest{DeviceID: deviceID})
}

func (c *Controller) SendTeardown(deviceID string) error {
	return c.sendOrReport(&msgTeardownRequest{DeviceID: deviceID})
}

func (c *Controller) SendModuleCustomParams(params string) error {
	return c.sendOrReport(&msgModuleCustomParams{Params: params})
}

func (c *Controller) SendTrigger(moduleID, event int, param string) error {
	return c.sendOrReport(&msgTrigger{ModuleID: moduleID, Event: event, Param: param})
}

func (c *Controller) SendError(module string, code int) error {
	return c.sendOrReport(&msgError{Module: module, Code: code})
}

func (c *Controller) SendKeepAlive() error {
	return c.send(&msgKeepAlive{})
}

// OnData decodes one inbound frame and dispatches it. Undecodable frames
// surface as controller errors; the session treats them as fatal for the
// current negotiation attempt.
func (c *Controller) OnData(data []byte) {
	c.mu.Lock()
	aead := c.aead
	active := c.active
	c.mu.Unlock()

	if active {
		if len(data) < aead.NonceSize() {
			c.reportBad(CodeBadFrame, errors.New("frame shorter than nonce"))
			return
		}
		nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
		plain, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			c.reportBad(CodeBadFrame, fmt.Errorf("open frame: %w", err))
			return
		}
		data = plain
	}

	msg, err := decodeMessage(data)
	if err != nil {
		c.reportBad(CodeBadMessage, err)
		return
	}
	c.dispatch(msg)
}

func (c *Controller) reportBad(code int, err error) {
	metrics.NegotiationErrors.WithLabelValues(ModuleName).Inc()
	c.logger.Warn().Err(err).Msg("bad control frame")
	c.listener.OnError(ModuleName, code)
}

func (c *Controller) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case *msgSetupRequest:
		c.listener.OnSetup(SetupInfo{
			Request:    true,
			Param:      m.Param,
			DeviceID:   m.DeviceID,
			DeviceName: m.DeviceName,
		})

	case *msgSetupResponse:
		c.listener.OnSetup(SetupInfo{
			Result:            m.Result,
			Param:             m.Param,
			MediaPort:         m.MediaPort,
			RemoteControlPort: m.RemoteControlPort,
			DeviceID:          m.DeviceID,
		})

	case *msgPlayRequest:
		c.listener.OnPlay(m.Port, m.DeviceID)

	case *msgPauseRequest:
		c.listener.OnPause(m.DeviceID)

	case *msgTeardownRequest:
		c.listener.OnTeardown(m.DeviceID)

	case *msgModuleCustomParams:
		reply, ok := c.listener.OnModuleCustomParams(m.Params)
		// The source acks negotiated params with its own capabilities.
		if ok && c.end == EndSource {
			_ = c.sendOrReport(&msgModuleCustomParams{Params: reply})
		}

	case *msgTrigger:
		c.listener.OnTrigger(m.ModuleID, m.Event, m.Param)

	case *msgError:
		metrics.NegotiationErrors.WithLabelValues(m.Module).Inc()
		c.listener.OnError(m.Module, m.Code)

	case *msgKeepAlive:
		// Liveness only; nothing to update.

	default:
		c.reportBad(CodeBadMessage, fmt.Errorf("unhandled message %T", msg))
	}
}

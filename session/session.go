package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/castengine/castengine/channel"
	"github.com/castengine/castengine/device"
	"github.com/castengine/castengine/internal/log"
	"github.com/castengine/castengine/rtsp"
	"github.com/castengine/castengine/stream"
)

// sessionState is the internal machine state. The application-facing
// DeviceState is derived from it per remote device.
type sessionState int

const (
	stateIdle sessionState = iota
	stateAuthing
	stateConnecting
	stateSetup
	statePlaying
	statePaused
	stateStream
	stateTeardown
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateAuthing:
		return "AUTHING"
	case stateConnecting:
		return "CONNECTING"
	case stateSetup:
		return "SETUP"
	case statePlaying:
		return "PLAYING"
	case statePaused:
		return "PAUSED"
	case stateStream:
		return "STREAM"
	case stateTeardown:
		return "TEARDOWN"
	default:
		return "UNKNOWN"
	}
}

// Event ids delivered through Listener.OnEvent.
const (
	EventRenderReady = iota + 1
	// EventStreamInterrupted reports a lost stream channel on a sink that
	// keeps playing cached media.
	EventStreamInterrupted
	EventModuleError
)

var (
	ErrReleased   = errors.New("session released")
	ErrStreamMode = errors.New("session already in stream mode")
	ErrWrongMode  = errors.New("player does not match session mode")
	ErrNoDevice   = errors.New("no device attached to session")
)

// recoverable channel loss is flagged through msgError's second argument.
const errRecoverable = 1

// CastSession drives the cast relationship with one remote device. All
// state transitions run on the session's own message loop; transport,
// discovery and control callbacks only post messages.
type CastSession struct {
	id    string
	numID int

	registry *device.Registry
	conn     *device.ConnectionCoordinator
	channels *channel.Manager
	control  *rtsp.Controller
	streams  *stream.Manager
	// ownsChannels is false on the sink, where the channel manager is
	// shared with the discoverable listener and outlives the session.
	ownsChannels bool
	owner        *Manager

	handle *handle

	mu           sync.Mutex
	state        sessionState
	property     Property
	remote       device.RemoteDevice
	hasRemote    bool
	listener     Listener
	pendingSetup []rtsp.SetupInfo
	negotiated   rtsp.ParamInfo
	mediaPort    int
	rcPort       int
	sessionKey   []byte

	msgCh     chan message
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	logger zerolog.Logger
}

type sessionDeps struct {
	registry *device.Registry
	conn     *device.ConnectionCoordinator
	// channels may be nil; the session then builds its own manager on the
	// bus and owns its lifecycle.
	channels *channel.Manager
	bus      channel.Bus
	owner    *Manager
}

func newSession(id string, numID int, property Property, deps sessionDeps) *CastSession {
	s := &CastSession{
		id:       id,
		numID:    numID,
		registry: deps.registry,
		conn:     deps.conn,
		owner:    deps.owner,
		property: property,
		listener: NopListener{},
		msgCh:    make(chan message, 32),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
		logger:   log.WithComponent("session").With().Str("session", id).Logger(),
	}
	s.handle = newHandle(s)
	s.control = rtsp.NewController(rtspEnd(property.End), &controlRelay{h: s.handle})
	s.streams = stream.NewManager()
	if deps.channels != nil {
		s.channels = deps.channels
	} else {
		s.channels = channel.NewManager(deps.bus, &channelRelay{h: s.handle})
		s.ownsChannels = true
	}
	s.control.SetSender(&moduleSender{s: s, module: channel.ModuleRTSP})
	s.streams.SetSender(&moduleSender{s: s, module: channel.ModuleStream})
	go s.run()
	return s
}

func rtspEnd(end EndType) rtsp.EndType {
	if end == EndSink {
		return rtsp.EndSink
	}
	return rtsp.EndSource
}

// ID returns the string session id handed to the application.
func (s *CastSession) ID() string { return s.id }

// SetListener replaces the session listener. A nil listener installs the
// no-op one.
func (s *CastSession) SetListener(l Listener) {
	s.mu.Lock()
	if l == nil {
		l = NopListener{}
	}
	s.listener = l
	s.mu.Unlock()
}

func (s *CastSession) getListener() Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// Property returns the current negotiation intent.
func (s *CastSession) Property() Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.property
}

// SetProperty replaces the negotiation intent. It only affects future
// negotiation; an established session keeps its negotiated parameters.
func (s *CastSession) SetProperty(p Property) {
	s.mu.Lock()
	s.property = p
	s.mu.Unlock()
}

// DeviceID returns the attached remote device id, empty when none.
func (s *CastSession) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasRemote {
		return ""
	}
	return s.remote.ID
}

// AddDevice attaches a remote device and starts connecting to it.
// Completion arrives through the connection listener once the peer acks
// the consult handshake.
func (s *CastSession) AddDevice(dev device.RemoteDevice) error {
	if dev.ID == "" {
		return errors.New("empty device id")
	}
	s.mu.Lock()
	if s.released() {
		s.mu.Unlock()
		return ErrReleased
	}
	s.remote = dev
	s.hasRemote = true
	if s.state == stateIdle {
		s.state = stateConnecting
	}
	s.mu.Unlock()
	if s.owner != nil {
		s.owner.bindDevice(dev.ID, s.numID)
	}
	s.notifyState(dev.ID, DeviceStateConnecting, ReasonNone)

	if err := s.conn.ConnectDevice(dev, s.numID); err != nil {
		s.mu.Lock()
		s.state = stateIdle
		s.hasRemote = false
		s.mu.Unlock()
		s.notifyState(dev.ID, DeviceStateDisconnected, ReasonConnectFailed)
		return err
	}
	return nil
}

// RemoveDevice disconnects the attached device and tears the session
// back to idle.
func (s *CastSession) RemoveDevice(deviceID string) error {
	s.mu.Lock()
	known := s.hasRemote && s.remote.ID == deviceID
	s.mu.Unlock()
	if !known {
		return device.ErrDeviceUnknown
	}
	s.post(message{id: msgDisconnect, arg1: ReasonNone})
	return nil
}

// SwitchToStream flips the session into stream sub-mode. Illegal when the
// session is already streaming.
func (s *CastSession) SwitchToStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released() {
		return ErrReleased
	}
	if s.state == stateStream || s.property.Protocol == ProtocolStream {
		return ErrStreamMode
	}
	s.postLocked(message{id: msgSwitchToStream})
	return nil
}

// NotifyEvent forwards an application event to the peer over the control
// channel.
func (s *CastSession) NotifyEvent(eventID int, param string) error {
	return s.control.SendTrigger(0, eventID, param)
}

// NotifyRenderReady reports the local render pipeline ready; the peer is
// told through a control trigger and the local listener sees the event.
func (s *CastSession) NotifyRenderReady() {
	s.post(message{id: msgPeerRenderReady})
}

// SendRemoteCtrlEvent pushes an input event to the peer over the
// remote-control channel.
func (s *CastSession) SendRemoteCtrlEvent(ev RemoteCtrlEvent) error {
	if s.released() {
		return ErrReleased
	}
	data, err := encodeRemoteCtrl(ev)
	if err != nil {
		return err
	}
	return s.channels.Send(channel.ModuleRemoteControl, data)
}

// Stream returns the stream relay for this session.
func (s *CastSession) Stream() *stream.Manager {
	return s.streams
}

func (s *CastSession) released() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Release tears the session down and makes it unreachable through its
// handle. Safe to call more than once.
func (s *CastSession) Release() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	<-s.done
	s.handle.invalidate()

	s.mu.Lock()
	remote := s.remote
	hadRemote := s.hasRemote
	active := s.state != stateIdle
	s.state = stateIdle
	s.hasRemote = false
	s.mu.Unlock()

	s.control.StopSession()
	if s.ownsChannels {
		s.channels.Close()
	} else {
		s.channels.Reset()
	}
	if hadRemote {
		if err := s.conn.DisconnectDevice(remote.ID); err != nil && !errors.Is(err, device.ErrDeviceUnknown) {
			s.logger.Debug().Err(err).Str("device", remote.ID).Msg("disconnect on release")
		}
		if s.owner != nil {
			s.owner.unbindDevice(remote.ID, s.numID)
		}
		if active {
			s.notifyState(remote.ID, DeviceStateDisconnected, ReasonReleased)
		}
	}
}

// post queues a message for the run loop, dropping it once the session is
// released.
func (s *CastSession) post(msg message) {
	select {
	case s.msgCh <- msg:
	case <-s.closeCh:
	}
}

// postLocked is post for callers already holding s.mu; it never blocks on
// a full queue to avoid deadlocking against the loop.
func (s *CastSession) postLocked(msg message) {
	select {
	case s.msgCh <- msg:
	case <-s.closeCh:
	default:
		s.logger.Warn().Str("message", msg.id.String()).Msg("message queue full, dropped")
	}
}

func (s *CastSession) run() {
	defer close(s.done)
	for {
		select {
		case msg := <-s.msgCh:
			s.handleMessage(msg)
		case <-s.closeCh:
			return
		}
	}
}

func (s *CastSession) notifyState(deviceID string, state DeviceState, reason int) {
	s.getListener().OnDeviceState(StateInfo{DeviceID: deviceID, State: state, Reason: reason})
}

func (s *CastSession) setState(next sessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("state")
	}
}

func (s *CastSession) stateNow() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CastSession) remoteDevice() (device.RemoteDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, s.hasRemote
}

func (s *CastSession) handleMessage(msg message) {
	s.logger.Debug().Str("message", msg.id.String()).Msg("handle")
	switch msg.id {
	case msgAuthing:
		s.handleAuthing(msg.arg1)
	case msgConnect:
		s.handleConnect()
	case msgDisconnect:
		s.teardown(msg.arg1)
	case msgSetup:
		s.handleSetup()
	case msgSetupSuccess:
		s.handleModuleReady(channel.ModuleType(msg.arg1))
	case msgPlayReq:
		s.handlePlay(msg.arg1, msg.str)
	case msgPauseReq:
		s.handlePause(msg.str)
	case msgTeardownReq:
		s.teardown(ReasonPeerTeardown)
	case msgSwitchToStream:
		s.handleSwitchToStream()
	case msgPeerRenderReady:
		s.handleRenderReady()
	case msgStreamActionToPeers:
		if err := s.channels.Send(channel.ModuleStream, []byte(msg.str)); err != nil {
			s.logger.Warn().Err(err).Msg("relay stream action")
		}
	case msgTrigger:
		s.getListener().OnEvent(msg.arg2, msg.str)
	case msgError:
		s.handleError(channel.ModuleType(msg.arg1), msg.arg2)
	default:
		s.logger.Warn().Int("id", int(msg.id)).Msg("unknown message")
	}
}

func (s *CastSession) handleAuthing(reason int) {
	remote, ok := s.remoteDevice()
	if !ok {
		return
	}
	s.setState(stateAuthing)
	s.notifyState(remote.ID, DeviceStateAuthing, reason)
}

func (s *CastSession) handleConnect() {
	remote, ok := s.remoteDevice()
	if !ok {
		return
	}
	switch s.stateNow() {
	case stateIdle, stateAuthing, stateConnecting:
	default:
		return
	}
	s.setState(stateSetup)

	if key, ok := s.conn.TakeSessionKey(remote.ID); ok {
		s.armKey(key)
	}
	s.applyKey()

	s.notifyState(remote.ID, DeviceStateConnected, ReasonNone)

	s.mu.Lock()
	prop := s.property
	s.mu.Unlock()
	s.channels.SetMode(prop.Video.VideoOnly, prop.End == EndSink && prop.Protocol == ProtocolStream)

	if prop.End == EndSource {
		networkID := s.registry.GetNetworkID(remote.ID)
		go s.openModules(remote.ID, networkID, []channel.ModuleType{channel.ModuleRTSP})
	}
}

// armKey stores a pairing-derived control key; applyKey turns encryption
// on. Split so the sink can arm before the connect message runs.
func (s *CastSession) armKey(key []byte) {
	s.mu.Lock()
	s.sessionKey = key
	s.mu.Unlock()
}

func (s *CastSession) applyKey() {
	s.mu.Lock()
	key := s.sessionKey
	s.sessionKey = nil
	s.mu.Unlock()
	if len(key) == 0 {
		return
	}
	if err := s.control.StartSession(key); err != nil {
		s.logger.Warn().Err(err).Msg("arm control encryption")
	}
}

func (s *CastSession) openModules(deviceID, networkID string, modules []channel.ModuleType) {
	if err := s.channels.Open(context.Background(), deviceID, networkID, modules); err != nil {
		s.logger.Warn().Err(err).Str("device", deviceID).Msg("open module channels")
	}
}

// handleModuleReady processes SETUP_SUCCESS: a module channel (or the
// combined media pair) became ready.
func (s *CastSession) handleModuleReady(module channel.ModuleType) {
	remote, ok := s.remoteDevice()
	if !ok {
		return
	}
	s.mu.Lock()
	prop := s.property
	s.mu.Unlock()

	switch module {
	case channel.ModuleRTSP:
		if prop.End == EndSource {
			param := s.paramFromProperty(prop)
			local := s.localIdentity()
			if err := s.control.SendSetupRequest(param, local.ID, local.Name); err != nil {
				s.logger.Warn().Err(err).Msg("send setup request")
			}
		}
		return
	case channel.ModuleStream:
		if prop.Protocol == ProtocolStream && s.stateNow() != stateStream {
			s.setState(stateStream)
			s.notifyState(remote.ID, DeviceStateStream, ReasonNone)
		}
		return
	}

	// Media and remote control gate mirror playback.
	if prop.Protocol != ProtocolMirror {
		return
	}
	if s.channelsReadyForMirror() && s.stateNow() == stateSetup {
		s.setState(statePlaying)
		s.notifyState(remote.ID, DeviceStatePlaying, ReasonNone)
	}
}

func (s *CastSession) channelsReadyForMirror() bool {
	s.mu.Lock()
	videoOnly := s.property.Video.VideoOnly
	s.mu.Unlock()
	media := s.channels.HasChannel(channel.ModuleVideo) &&
		(videoOnly || s.channels.HasChannel(channel.ModuleAudio))
	return media && s.channels.HasChannel(channel.ModuleRemoteControl)
}

func (s *CastSession) localIdentity() device.RemoteDevice {
	if s.conn != nil {
		return s.conn.LocalDevice()
	}
	return device.RemoteDevice{}
}

func (s *CastSession) paramFromProperty(prop Property) rtsp.ParamInfo {
	mode := "mirror"
	if prop.Protocol == ProtocolStream {
		mode = "stream"
	}
	return rtsp.ParamInfo{
		Mode:            mode,
		VideoWidth:      prop.Video.Width,
		VideoHeight:     prop.Video.Height,
		Framerate:       prop.Video.Framerate,
		AudioSampleRate: prop.Audio.SampleRate,
		AudioChannels:   prop.Audio.Channels,
	}
}

// handleSetup consumes a queued rtsp.SetupInfo: a proposal on the sink, a
// response on the source.
func (s *CastSession) handleSetup() {
	s.mu.Lock()
	if len(s.pendingSetup) == 0 {
		s.mu.Unlock()
		return
	}
	info := s.pendingSetup[0]
	s.pendingSetup = s.pendingSetup[1:]
	s.mu.Unlock()

	if info.Request {
		s.handleSetupRequest(info)
		return
	}
	s.handleSetupResponse(info)
}

func (s *CastSession) handleSetupRequest(info rtsp.SetupInfo) {
	remote, ok := s.remoteDevice()
	if !ok {
		return
	}
	s.mu.Lock()
	if info.Param.Mode == "stream" {
		s.property.Protocol = ProtocolStream
	}
	s.property.Video.VideoOnly = info.Param.AudioSampleRate == 0
	s.negotiated = info.Param
	prop := s.property
	local := s.localIdentity()
	s.mu.Unlock()

	s.channels.SetMode(prop.Video.VideoOnly, prop.End == EndSink && prop.Protocol == ProtocolStream)

	err := s.control.SendSetupResponse(rtsp.ResultOK, info.Param, 0, 0, local.ID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("send setup response")
		s.teardown(ReasonNegotiationError)
		return
	}
	s.logger.Info().Str("device", remote.ID).Str("mode", info.Param.Mode).Msg("setup accepted")
}

func (s *CastSession) handleSetupResponse(info rtsp.SetupInfo) {
	remote, ok := s.remoteDevice()
	if !ok {
		return
	}
	if info.Result != rtsp.ResultOK {
		s.logger.Warn().Int("result", info.Result).Str("device", remote.ID).Msg("setup refused")
		s.teardown(ReasonNegotiationError)
		return
	}
	s.mu.Lock()
	if info.Param.Mode == "stream" {
		s.property.Protocol = ProtocolStream
	}
	s.negotiated = info.Param
	s.mediaPort = info.MediaPort
	s.rcPort = info.RemoteControlPort
	prop := s.property
	s.mu.Unlock()

	s.channels.SetMode(prop.Video.VideoOnly, false)

	modules := []channel.ModuleType{channel.ModuleRemoteControl}
	if prop.Protocol == ProtocolStream {
		modules = append(modules, channel.ModuleStream)
	} else {
		modules = append(modules, channel.ModuleVideo)
		if !prop.Video.VideoOnly {
			modules = append(modules, channel.ModuleAudio)
		}
	}
	networkID := s.registry.GetNetworkID(remote.ID)
	go s.openModules(remote.ID, networkID, modules)
}

func (s *CastSession) handlePlay(port int, deviceID string) {
	remote, ok := s.remoteDevice()
	if !ok {
		return
	}
	switch s.stateNow() {
	case statePaused, stateSetup:
		s.setState(statePlaying)
		s.notifyState(remote.ID, DeviceStatePlaying, ReasonNone)
	default:
		s.logger.Debug().Str("device", deviceID).Int("port", port).Msg("play request ignored")
	}
}

func (s *CastSession) handlePause(deviceID string) {
	remote, ok := s.remoteDevice()
	if !ok {
		return
	}
	if s.stateNow() != statePlaying {
		s.logger.Debug().Str("device", deviceID).Msg("pause request ignored")
		return
	}
	s.setState(statePaused)
	s.notifyState(remote.ID, DeviceStatePaused, ReasonNone)
}

func (s *CastSession) handleSwitchToStream() {
	if s.stateNow() == stateStream {
		return
	}
	s.mu.Lock()
	s.property.Protocol = ProtocolStream
	prop := s.property
	remote := s.remote
	hasRemote := s.hasRemote
	s.mu.Unlock()

	s.channels.SetMode(prop.Video.VideoOnly, prop.End == EndSink)
	if !hasRemote {
		return
	}
	if prop.End == EndSource && !s.channels.HasChannel(channel.ModuleStream) {
		networkID := s.registry.GetNetworkID(remote.ID)
		go s.openModules(remote.ID, networkID, []channel.ModuleType{channel.ModuleStream})
	}
}

func (s *CastSession) handleRenderReady() {
	if err := s.control.SendTrigger(0, EventRenderReady, ""); err != nil {
		s.logger.Debug().Err(err).Msg("notify render ready")
	}
	s.getListener().OnEvent(EventRenderReady, "")
}

func (s *CastSession) handleError(module channel.ModuleType, flags int) {
	if flags == errRecoverable {
		// Stream-mode sink keeps playing cached media after channel loss.
		s.logger.Warn().Str("module", module.String()).Msg("stream channel lost, continuing with cached media")
		s.getListener().OnEvent(EventStreamInterrupted, "")
		return
	}
	switch s.stateNow() {
	case stateIdle, stateTeardown:
		return
	}
	s.getListener().OnEvent(EventModuleError, module.String())
	s.teardown(ReasonChannelLost)
}

// teardown unwinds the session back to idle and reports the terminal
// device state.
func (s *CastSession) teardown(reason int) {
	s.mu.Lock()
	if s.state == stateIdle || s.state == stateTeardown {
		s.mu.Unlock()
		return
	}
	s.state = stateTeardown
	remote := s.remote
	hadRemote := s.hasRemote
	s.hasRemote = false
	s.pendingSetup = nil
	s.mu.Unlock()

	if !hadRemote {
		s.setState(stateIdle)
		return
	}

	s.notifyState(remote.ID, DeviceStateDisconnecting, reason)

	if reason != ReasonPeerTeardown {
		if err := s.control.SendTeardown(s.localIdentity().ID); err != nil {
			s.logger.Debug().Err(err).Msg("send teardown")
		}
	}
	s.control.StopSession()
	if s.ownsChannels {
		s.channels.Close()
	} else {
		s.channels.Reset()
	}
	if err := s.conn.DisconnectDevice(remote.ID); err != nil && !errors.Is(err, device.ErrDeviceUnknown) {
		s.logger.Debug().Err(err).Str("device", remote.ID).Msg("disconnect device")
	}
	if s.owner != nil {
		s.owner.unbindDevice(remote.ID, s.numID)
	}

	s.setState(stateIdle)
	s.notifyState(remote.ID, DeviceStateDisconnected, reason)
}

// attachRemote binds the consulted remote device on the sink side.
func (s *CastSession) attachRemote(dev device.RemoteDevice) {
	s.mu.Lock()
	s.remote = dev
	s.hasRemote = true
	if s.state == stateIdle {
		s.state = stateConnecting
	}
	s.mu.Unlock()
}

// moduleSender pushes control or stream frames over the module channel.
type moduleSender struct {
	s      *CastSession
	module channel.ModuleType
}

func (m *moduleSender) Send(data []byte) error {
	return m.s.channels.Send(m.module, data)
}

// controlRelay adapts rtsp.Listener callbacks into session messages. It
// holds a weak handle so an in-flight control frame cannot outlive the
// session.
type controlRelay struct {
	h *handle
}

func (r *controlRelay) OnSetup(info rtsp.SetupInfo) {
	s := r.h.get()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.pendingSetup = append(s.pendingSetup, info)
	s.postLocked(message{id: msgSetup})
	s.mu.Unlock()
}

func (r *controlRelay) OnPlay(port int, deviceID string) {
	if s := r.h.get(); s != nil {
		s.post(message{id: msgPlayReq, arg1: port, str: deviceID})
	}
}

func (r *controlRelay) OnPause(deviceID string) {
	if s := r.h.get(); s != nil {
		s.post(message{id: msgPauseReq, str: deviceID})
	}
}

func (r *controlRelay) OnTeardown(deviceID string) {
	if s := r.h.get(); s != nil {
		s.post(message{id: msgTeardownReq, str: deviceID})
	}
}

func (r *controlRelay) OnModuleCustomParams(params string) (string, bool) {
	s := r.h.get()
	if s == nil {
		return "", false
	}
	return s.streams.NegotiateCapabilities(params), true
}

func (r *controlRelay) OnTrigger(moduleID, event int, param string) {
	if s := r.h.get(); s != nil {
		s.post(message{id: msgTrigger, arg1: moduleID, arg2: event, str: param})
	}
}

func (r *controlRelay) OnPeerGone() {
	if s := r.h.get(); s != nil {
		s.post(message{id: msgDisconnect, arg1: ReasonPeerTeardown})
	}
}

// OnError escalates every control-protocol failure, locally detected or
// peer-reported; any of them invalidates the negotiation attempt.
func (r *controlRelay) OnError(module string, code int) {
	s := r.h.get()
	if s == nil {
		return
	}
	s.logger.Warn().Str("module", module).Int("code", code).Msg("control error")
	s.post(message{id: msgError, arg1: int(channel.ModuleRTSP)})
}

// channelRelay adapts channel.Listener callbacks into session messages
// through a weak handle.
type channelRelay struct {
	h *handle
}

func (r *channelRelay) OnModuleReady(module channel.ModuleType) {
	if s := r.h.get(); s != nil {
		s.post(message{id: msgSetupSuccess, arg1: int(module)})
	}
}

func (r *channelRelay) OnChannelError(module channel.ModuleType, code int) {
	if s := r.h.get(); s != nil {
		s.post(message{id: msgError, arg1: int(module)})
	}
}

func (r *channelRelay) OnChannelRemoved(module channel.ModuleType, recoverable bool) {
	s := r.h.get()
	if s == nil {
		return
	}
	flags := 0
	if recoverable {
		flags = errRecoverable
	}
	s.post(message{id: msgError, arg1: int(module), arg2: flags})
}

func (r *channelRelay) OnControlData(data []byte) {
	if s := r.h.get(); s != nil {
		s.control.OnData(data)
	}
}

func (r *channelRelay) OnStreamData(data []byte) {
	s := r.h.get()
	if s == nil {
		return
	}
	if err := s.streams.ProcessAction(data); err != nil {
		s.logger.Warn().Err(err).Msg("process stream action")
	}
}

func (r *channelRelay) OnRemoteControlData(data []byte) {
	s := r.h.get()
	if s == nil {
		return
	}
	ev, err := decodeRemoteCtrl(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("drop remote-control payload")
		return
	}
	s.getListener().OnRemoteCtrlEvent(ev)
}

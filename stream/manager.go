package stream

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/ugorji/go/codec"

	"github.com/castengine/castengine/internal/log"
)

// Player is the local media-player backend the relay drives.
type Player interface {
	SetSource(info MediaInfo) error
	Prepare() error
	Play() error
	Pause() error
	Stop() error
	Seek(positionMs int64) error
	SetLooping(mode LoopMode) error
	SetSpeed(speed PlaybackSpeed) error
	SetVolume(volume int) error
	Duration() int64
	Position() int64
}

// Sender pushes an encoded action event to the remote peer.
type Sender interface {
	Send(data []byte) error
}

// Relay action codes.
const (
	actionLoad = iota + 1
	actionPlay
	actionPause
	actionResume
	actionStop
	actionNext
	actionPrevious
	actionSeek
	actionFastForward
	actionFastRewind
	actionSetVolume
	actionSetRepeatMode
	actionSetSpeed
	actionStateChanged
	actionPositionChanged
)

// actionEvent is the CBOR wire form of one relayed playback intent.
type actionEvent struct {
	Action   int              `codec:"1"`
	Media    *MediaInfoHolder `codec:"2"`
	Position int64            `codec:"3"`
	Value    int              `codec:"4"`
}

func encodeAction(ev *actionEvent) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := codec.NewEncoder(buf, &codec.CborHandle{})
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAction(data []byte) (*actionEvent, error) {
	ev := &actionEvent{}
	dec := codec.NewDecoderBytes(data, &codec.CborHandle{})
	if err := dec.Decode(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Manager mirrors playback state and relays control both ways. Every
// NotifyPeer call tolerates a missing transport; it reports false
// instead of blocking or failing.
type Manager struct {
	mu     sync.RWMutex
	sender Sender
	player Player

	state    PlayerState
	position int64
	duration int64
	volume   int
	loop     LoopMode
	speed    PlaybackSpeed

	playlist MediaInfoHolder

	localCaps string
	peerCaps  string

	logger zerolog.Logger
}

func NewManager() *Manager {
	return &Manager{
		speed:  Speed100,
		volume: 100,
		logger: log.WithComponent("stream"),
	}
}

// SetSender attaches (or detaches, with nil) the channel towards the
// peer. A session may exist before any channel does.
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	m.sender = s
	m.mu.Unlock()
}

// SetPlayer attaches the local media-player backend.
func (m *Manager) SetPlayer(p Player) {
	m.mu.Lock()
	m.player = p
	m.mu.Unlock()
}

func (m *Manager) notify(ev *actionEvent) bool {
	m.mu.RLock()
	sender := m.sender
	m.mu.RUnlock()
	if sender == nil {
		return false
	}
	data, err := encodeAction(ev)
	if err != nil {
		m.logger.Warn().Err(err).Int("action", ev.Action).Msg("encode action")
		return false
	}
	if err := sender.Send(data); err != nil {
		m.logger.Warn().Err(err).Int("action", ev.Action).Msg("send action")
		return false
	}
	return true
}

func (m *Manager) NotifyPeerLoad(holder MediaInfoHolder) bool {
	m.mu.Lock()
	m.playlist = holder
	m.mu.Unlock()
	return m.notify(&actionEvent{Action: actionLoad, Media: &holder})
}

func (m *Manager) NotifyPeerPlay() bool {
	return m.notify(&actionEvent{Action: actionPlay})
}

func (m *Manager) NotifyPeerPause() bool {
	return m.notify(&actionEvent{Action: actionPause})
}

func (m *Manager) NotifyPeerResume() bool {
	return m.notify(&actionEvent{Action: actionResume})
}

func (m *Manager) NotifyPeerStop() bool {
	return m.notify(&actionEvent{Action: actionStop})
}

func (m *Manager) NotifyPeerNext() bool {
	return m.notify(&actionEvent{Action: actionNext})
}

func (m *Manager) NotifyPeerPrevious() bool {
	return m.notify(&actionEvent{Action: actionPrevious})
}

func (m *Manager) NotifyPeerSeek(positionMs int64) bool {
	return m.notify(&actionEvent{Action: actionSeek, Position: positionMs})
}

func (m *Manager) NotifyPeerFastForward(deltaMs int64) bool {
	return m.notify(&actionEvent{Action: actionFastForward, Position: deltaMs})
}

func (m *Manager) NotifyPeerFastRewind(deltaMs int64) bool {
	return m.notify(&actionEvent{Action: actionFastRewind, Position: deltaMs})
}

func (m *Manager) NotifyPeerSetVolume(volume int) bool {
	return m.notify(&actionEvent{Action: actionSetVolume, Value: volume})
}

func (m *Manager) NotifyPeerSetRepeatMode(mode LoopMode) bool {
	return m.notify(&actionEvent{Action: actionSetRepeatMode, Value: int(mode)})
}

func (m *Manager) NotifyPeerSetSpeed(speed PlaybackSpeed) bool {
	return m.notify(&actionEvent{Action: actionSetSpeed, Value: speed.Mode()})
}

// ProcessAction handles one event from the peer: dispatch the intent to
// the local player (when attached) and update the mirrored state.
func (m *Manager) ProcessAction(data []byte) error {
	ev, err := decodeAction(data)
	if err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	if ev.Action == actionLoad && ev.Media != nil {
		idx, n := ev.Media.CurrentIndex, len(ev.Media.MediaInfos)
		if idx < 0 || (n == 0 && idx != 0) || (n > 0 && idx >= n) {
			return fmt.Errorf("load index %d outside playlist of %d", idx, n)
		}
	}

	m.mu.Lock()
	player := m.player
	switch ev.Action {
	case actionLoad:
		if ev.Media != nil {
			m.playlist = *ev.Media
		}
	case actionPlay, actionResume:
		m.state = StatePlaying
	case actionPause:
		m.state = StatePaused
	case actionStop:
		m.state = StateStopped
	case actionSeek:
		m.position = ev.Position
	case actionSetVolume:
		m.volume = ev.Value
	case actionSetRepeatMode:
		m.loop = LoopMode(ev.Value)
	case actionSetSpeed:
		m.speed = SpeedFromMode(ev.Value)
	case actionStateChanged:
		m.state = PlayerState(ev.Value)
	case actionPositionChanged:
		m.position = ev.Position
	}
	m.mu.Unlock()

	if player == nil {
		return nil
	}
	return m.dispatch(player, ev)
}

func (m *Manager) dispatch(player Player, ev *actionEvent) error {
	switch ev.Action {
	case actionLoad:
		if ev.Media == nil || len(ev.Media.MediaInfos) == 0 {
			return nil
		}
		item := ev.Media.MediaInfos[ev.Media.CurrentIndex]
		if err := player.SetSource(item); err != nil {
			return err
		}
		return player.Prepare()
	case actionPlay, actionResume:
		return player.Play()
	case actionPause:
		return player.Pause()
	case actionStop:
		return player.Stop()
	case actionNext, actionPrevious:
		return m.skip(player, ev.Action == actionNext)
	case actionSeek:
		return player.Seek(ev.Position)
	case actionFastForward:
		return player.Seek(player.Position() + ev.Position)
	case actionFastRewind:
		return player.Seek(player.Position() - ev.Position)
	case actionSetVolume:
		return player.SetVolume(ev.Value)
	case actionSetRepeatMode:
		return player.SetLooping(LoopMode(ev.Value))
	case actionSetSpeed:
		return player.SetSpeed(SpeedFromMode(ev.Value))
	case actionStateChanged, actionPositionChanged:
		// Mirror updates only; nothing to drive locally.
		return nil
	default:
		return fmt.Errorf("unknown action %d", ev.Action)
	}
}

func (m *Manager) skip(player Player, forward bool) error {
	m.mu.Lock()
	n := len(m.playlist.MediaInfos)
	if n == 0 {
		m.mu.Unlock()
		return nil
	}
	idx := m.playlist.CurrentIndex
	if idx < 0 || idx >= n {
		idx = 0
	}
	if forward {
		idx = (idx + 1) % n
	} else {
		idx = (idx + n - 1) % n
	}
	m.playlist.CurrentIndex = idx
	item := m.playlist.MediaInfos[idx]
	m.mu.Unlock()

	if err := player.SetSource(item); err != nil {
		return err
	}
	if err := player.Prepare(); err != nil {
		return err
	}
	return player.Play()
}

// Local player callbacks: update the mirror and echo to the peer.

func (m *Manager) OnPlayerStateChanged(state PlayerState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.notify(&actionEvent{Action: actionStateChanged, Value: int(state)})
}

func (m *Manager) OnPositionChanged(positionMs int64) {
	m.mu.Lock()
	m.position = positionMs
	m.mu.Unlock()
	m.notify(&actionEvent{Action: actionPositionChanged, Position: positionMs})
}

func (m *Manager) OnDurationChanged(durationMs int64) {
	m.mu.Lock()
	m.duration = durationMs
	m.mu.Unlock()
}

// Pure reads of the mirrored state; never touch the peer.

func (m *Manager) PlayerStatus() PlayerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Position() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

func (m *Manager) Duration() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.duration
}

func (m *Manager) Volume() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volume
}

func (m *Manager) GetLoopMode() LoopMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loop
}

func (m *Manager) PlaySpeed() PlaybackSpeed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.speed
}

// SetLocalCapabilities sets the capability string offered during custom
// parameter negotiation.
func (m *Manager) SetLocalCapabilities(caps string) {
	m.mu.Lock()
	m.localCaps = caps
	m.mu.Unlock()
}

// NegotiateCapabilities records the peer's custom parameters and returns
// the local capability string to answer with.
func (m *Manager) NegotiateCapabilities(peer string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerCaps = peer
	return m.localCaps
}

func (m *Manager) PeerCapabilities() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peerCaps
}

// Playlist is a snapshot of the mirrored playlist.
func (m *Manager) Playlist() MediaInfoHolder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.playlist
}

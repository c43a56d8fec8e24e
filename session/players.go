package session

import (
	"github.com/castengine/castengine/stream"
)

// MirrorPlayer is the mirror-mode facade: play and pause translate into
// control requests towards the peer.
type MirrorPlayer struct {
	h *handle
}

// CreateMirrorPlayer hands out the mirror facade. Only legal while the
// session is in mirror mode.
func (s *CastSession) CreateMirrorPlayer() (*MirrorPlayer, error) {
	if s.released() {
		return nil, ErrReleased
	}
	if s.Property().Protocol != ProtocolMirror {
		return nil, ErrWrongMode
	}
	return &MirrorPlayer{h: s.handle}, nil
}

func (p *MirrorPlayer) Play() error {
	s := p.h.get()
	if s == nil {
		return ErrReleased
	}
	remote, ok := s.remoteDevice()
	if !ok {
		return ErrNoDevice
	}
	s.mu.Lock()
	port := s.mediaPort
	s.mu.Unlock()
	return s.control.SendPlay(port, remote.ID)
}

func (p *MirrorPlayer) Pause() error {
	s := p.h.get()
	if s == nil {
		return ErrReleased
	}
	remote, ok := s.remoteDevice()
	if !ok {
		return ErrNoDevice
	}
	return s.control.SendPause(remote.ID)
}

// StreamPlayer is the stream-mode facade over the session's relay: peer
// notifications for outbound intents, mirrored state for reads.
type StreamPlayer struct {
	h *handle
}

// CreateStreamPlayer hands out the stream facade. Only legal while the
// session is in stream mode.
func (s *CastSession) CreateStreamPlayer() (*StreamPlayer, error) {
	if s.released() {
		return nil, ErrReleased
	}
	if s.Property().Protocol != ProtocolStream {
		return nil, ErrWrongMode
	}
	return &StreamPlayer{h: s.handle}, nil
}

func (p *StreamPlayer) relay() *stream.Manager {
	s := p.h.get()
	if s == nil {
		return nil
	}
	return s.streams
}

// SetPlayer attaches the local media-player backend that remote intents
// dispatch to.
func (p *StreamPlayer) SetPlayer(backend stream.Player) {
	if m := p.relay(); m != nil {
		m.SetPlayer(backend)
	}
}

func (p *StreamPlayer) Load(holder stream.MediaInfoHolder) bool {
	m := p.relay()
	return m != nil && m.NotifyPeerLoad(holder)
}

func (p *StreamPlayer) Play() bool {
	m := p.relay()
	return m != nil && m.NotifyPeerPlay()
}

func (p *StreamPlayer) Pause() bool {
	m := p.relay()
	return m != nil && m.NotifyPeerPause()
}

func (p *StreamPlayer) Resume() bool {
	m := p.relay()
	return m != nil && m.NotifyPeerResume()
}

func (p *StreamPlayer) Stop() bool {
	m := p.relay()
	return m != nil && m.NotifyPeerStop()
}

func (p *StreamPlayer) Next() bool {
	m := p.relay()
	return m != nil && m.NotifyPeerNext()
}

func (p *StreamPlayer) Previous() bool {
	m := p.relay()
	return m != nil && m.NotifyPeerPrevious()
}

func (p *StreamPlayer) Seek(positionMs int64) bool {
	m := p.relay()
	return m != nil && m.NotifyPeerSeek(positionMs)
}

func (p *StreamPlayer) FastForward(deltaMs int64) bool {
	m := p.relay()
	return m != nil && m.NotifyPeerFastForward(deltaMs)
}

func (p *StreamPlayer) FastRewind(deltaMs int64) bool {
	m := p.relay()
	return m != nil && m.NotifyPeerFastRewind(deltaMs)
}

func (p *StreamPlayer) SetVolume(volume int) bool {
	m := p.relay()
	return m != nil && m.NotifyPeerSetVolume(volume)
}

func (p *StreamPlayer) SetRepeatMode(mode stream.LoopMode) bool {
	m := p.relay()
	return m != nil && m.NotifyPeerSetRepeatMode(mode)
}

func (p *StreamPlayer) SetSpeed(speed stream.PlaybackSpeed) bool {
	m := p.relay()
	return m != nil && m.NotifyPeerSetSpeed(speed)
}

// Reads never block on the peer; they answer from the local mirror.

func (p *StreamPlayer) PlayerStatus() stream.PlayerState {
	m := p.relay()
	if m == nil {
		return stream.StateIdle
	}
	return m.PlayerStatus()
}

func (p *StreamPlayer) Position() int64 {
	m := p.relay()
	if m == nil {
		return 0
	}
	return m.Position()
}

func (p *StreamPlayer) Duration() int64 {
	m := p.relay()
	if m == nil {
		return 0
	}
	return m.Duration()
}

func (p *StreamPlayer) Volume() int {
	m := p.relay()
	if m == nil {
		return 0
	}
	return m.Volume()
}

func (p *StreamPlayer) LoopMode() stream.LoopMode {
	m := p.relay()
	if m == nil {
		return stream.LoopModeOff
	}
	return m.GetLoopMode()
}

func (p *StreamPlayer) PlaySpeed() stream.PlaybackSpeed {
	m := p.relay()
	if m == nil {
		return stream.Speed100
	}
	return m.PlaySpeed()
}

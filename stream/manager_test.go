package stream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// pipeSender hands action events straight to the peer manager.
type pipeSender struct {
	peer *Manager
}

func (s *pipeSender) Send(data []byte) error {
	return s.peer.ProcessAction(data)
}

type fakePlayer struct {
	mu       sync.Mutex
	calls    []string
	source   MediaInfo
	position int64
	volume   int
	loop     LoopMode
	speed    PlaybackSpeed
}

func (p *fakePlayer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlayer) SetSource(info MediaInfo) error {
	p.mu.Lock()
	p.source = info
	p.mu.Unlock()
	p.record("SetSource")
	return nil
}

func (p *fakePlayer) Prepare() error { p.record("Prepare"); return nil }
func (p *fakePlayer) Play() error    { p.record("Play"); return nil }
func (p *fakePlayer) Pause() error   { p.record("Pause"); return nil }
func (p *fakePlayer) Stop() error    { p.record("Stop"); return nil }

func (p *fakePlayer) Seek(positionMs int64) error {
	p.mu.Lock()
	p.position = positionMs
	p.mu.Unlock()
	p.record("Seek")
	return nil
}

func (p *fakePlayer) SetLooping(mode LoopMode) error {
	p.mu.Lock()
	p.loop = mode
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) SetSpeed(speed PlaybackSpeed) error {
	p.mu.Lock()
	p.speed = speed
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) SetVolume(volume int) error {
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) Duration() int64 { return 0 }

func (p *fakePlayer) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *fakePlayer) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func relayPair() (*Manager, *Manager, *fakePlayer) {
	source := NewManager()
	sink := NewManager()
	player := &fakePlayer{}
	sink.SetPlayer(player)
	source.SetSender(&pipeSender{peer: sink})
	sink.SetSender(&pipeSender{peer: source})
	return source, sink, player
}

func TestNotifyWithoutSender(t *testing.T) {
	m := NewManager()
	require.False(t, m.NotifyPeerPlay())
	require.False(t, m.NotifyPeerSeek(1000))
	require.False(t, m.NotifyPeerLoad(MediaInfoHolder{}))
}

func TestLoadRelayedToPlayer(t *testing.T) {
	source, sink, player := relayPair()

	holder := MediaInfoHolder{
		MediaInfos: []MediaInfo{
			{MediaID: "m1", MediaName: "Song One", MediaURL: "https://cdn.example/m1.mp4", Duration: 215000},
			{MediaID: "m2", MediaName: "Song Two", MediaURL: "https://cdn.example/m2.mp4"},
		},
		CurrentIndex: 0,
	}
	require.True(t, source.NotifyPeerLoad(holder))

	require.Equal(t, []string{"SetSource", "Prepare"}, player.recorded())
	require.Equal(t, "m1", player.source.MediaID)
	require.Equal(t, holder, sink.Playlist())
}

func TestPlayPauseStateMirrored(t *testing.T) {
	source, sink, player := relayPair()

	require.True(t, source.NotifyPeerPlay())
	require.Equal(t, StatePlaying, sink.PlayerStatus())
	require.True(t, source.NotifyPeerPause())
	require.Equal(t, StatePaused, sink.PlayerStatus())
	require.Equal(t, []string{"Play", "Pause"}, player.recorded())
}

func TestSeekAndVolume(t *testing.T) {
	source, sink, player := relayPair()

	require.True(t, source.NotifyPeerSeek(42000))
	require.Equal(t, int64(42000), sink.Position())
	require.Equal(t, int64(42000), player.Position())

	require.True(t, source.NotifyPeerSetVolume(35))
	require.Equal(t, 35, sink.Volume())
	require.Equal(t, 35, player.volume)
}

func TestNextWrapsPlaylist(t *testing.T) {
	source, sink, player := relayPair()

	holder := MediaInfoHolder{
		MediaInfos:   []MediaInfo{{MediaID: "m1"}, {MediaID: "m2"}},
		CurrentIndex: 1,
	}
	require.True(t, source.NotifyPeerLoad(holder))
	require.True(t, source.NotifyPeerNext())

	require.Equal(t, "m1", player.source.MediaID)
	require.Equal(t, 0, sink.Playlist().CurrentIndex)
}

func TestStateEchoedBack(t *testing.T) {
	source, sink, _ := relayPair()

	// The sink's local player reports buffering; the source mirror follows.
	sink.OnPlayerStateChanged(StateBuffering)
	require.Equal(t, StateBuffering, source.PlayerStatus())

	sink.OnPositionChanged(9000)
	require.Equal(t, int64(9000), source.Position())
}

func TestSpeedMappingTotalAndReversible(t *testing.T) {
	speeds := []PlaybackSpeed{Speed075, Speed100, Speed125, Speed175, Speed200}
	for _, s := range speeds {
		require.Equal(t, s, SpeedFromMode(s.Mode()), "speed %v must round trip", s)
	}
	// Unknown values fail closed to 1.00x.
	require.Equal(t, Speed100, SpeedFromMode(-1))
	require.Equal(t, Speed100, SpeedFromMode(99))
	require.Equal(t, Speed100.Mode(), PlaybackSpeed(99).Mode())
	require.Equal(t, 1.00, PlaybackSpeed(99).Ratio())
}

func TestSpeedRelayed(t *testing.T) {
	source, sink, player := relayPair()

	require.True(t, source.NotifyPeerSetSpeed(Speed175))
	require.Equal(t, Speed175, sink.PlaySpeed())
	require.Equal(t, Speed175, player.speed)
}

func TestRepeatModeRelayed(t *testing.T) {
	source, sink, player := relayPair()

	require.True(t, source.NotifyPeerSetRepeatMode(LoopModeSingle))
	require.Equal(t, LoopModeSingle, sink.GetLoopMode())
	require.Equal(t, LoopModeSingle, player.loop)
}

func TestProcessActionRejectsGarbage(t *testing.T) {
	m := NewManager()
	require.Error(t, m.ProcessAction([]byte{0xff, 0x00, 0x13}))
}

func TestLoadIndexOutOfRangeRejected(t *testing.T) {
	m := NewManager()
	player := &fakePlayer{}
	m.SetPlayer(player)

	load := func(holder MediaInfoHolder) []byte {
		t.Helper()
		data, err := encodeAction(&actionEvent{Action: actionLoad, Media: &holder})
		require.NoError(t, err)
		return data
	}

	require.Error(t, m.ProcessAction(load(MediaInfoHolder{
		MediaInfos:   []MediaInfo{{MediaID: "m1"}},
		CurrentIndex: 5,
	})))
	require.Error(t, m.ProcessAction(load(MediaInfoHolder{
		MediaInfos:   []MediaInfo{{MediaID: "m1"}},
		CurrentIndex: -1,
	})))

	// A rejected load drives nothing and changes nothing.
	require.Empty(t, player.recorded())
	require.Empty(t, m.Playlist().MediaInfos)
}

func TestNextClampsStaleIndex(t *testing.T) {
	m := NewManager()
	player := &fakePlayer{}
	m.SetPlayer(player)

	// Locally stored playlists are not validated; a stale index must not
	// escape the skip step.
	m.NotifyPeerLoad(MediaInfoHolder{
		MediaInfos:   []MediaInfo{{MediaID: "m1"}, {MediaID: "m2"}},
		CurrentIndex: 7,
	})

	data, err := encodeAction(&actionEvent{Action: actionNext})
	require.NoError(t, err)
	require.NoError(t, m.ProcessAction(data))
	require.Equal(t, "m2", player.source.MediaID)
	require.Equal(t, 1, m.Playlist().CurrentIndex)
}

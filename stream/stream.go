// Package stream relays structured playback control between the two ends
// of a stream-mode cast session and mirrors the peer's playback state.
package stream

// PlayerState describes the local or mirrored player state.
type PlayerState int

const (
	StateIdle PlayerState = iota
	StateBuffering
	StatePlaying
	StatePaused
	StateStopped
	StateCompleted
	StateError
)

func (s PlayerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuffering:
		return "BUFFERING"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	case StateCompleted:
		return "COMPLETED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoopMode describes repeat behavior.
type LoopMode int

const (
	LoopModeOff LoopMode = iota
	LoopModeSingle
	LoopModeAll
	LoopModeShuffle
)

// PlaybackSpeed is the closed set of supported speed multipliers.
type PlaybackSpeed int

const (
	Speed075 PlaybackSpeed = iota
	Speed100
	Speed125
	Speed175
	Speed200
)

// speedModes pairs each speed with its wire mode value. The mapping must
// stay reversible for every listed speed; anything else falls back to
// 1.00x.
var speedModes = []struct {
	speed PlaybackSpeed
	mode  int
	ratio float64
}{
	{Speed075, 0, 0.75},
	{Speed100, 1, 1.00},
	{Speed125, 2, 1.25},
	{Speed175, 3, 1.75},
	{Speed200, 4, 2.00},
}

// SpeedFromMode maps a wire mode value to a speed. Unknown modes fail
// closed to 1.00x.
func SpeedFromMode(mode int) PlaybackSpeed {
	for _, m := range speedModes {
		if m.mode == mode {
			return m.speed
		}
	}
	return Speed100
}

// Mode maps a speed back to its wire mode value. Unknown speeds fail
// closed to the 1.00x mode.
func (s PlaybackSpeed) Mode() int {
	for _, m := range speedModes {
		if m.speed == s {
			return m.mode
		}
	}
	return Speed100.Mode()
}

// Ratio is the numeric multiplier for a speed.
func (s PlaybackSpeed) Ratio() float64 {
	for _, m := range speedModes {
		if m.speed == s {
			return m.ratio
		}
	}
	return 1.00
}

// MediaInfo describes one playback item. Passed by value across the
// relay; no ownership beyond the call.
type MediaInfo struct {
	MediaID       string `codec:"1"`
	MediaName     string `codec:"2"`
	MediaType     string `codec:"3"`
	MediaURL      string `codec:"4"`
	MediaSize     int64  `codec:"5"`
	AlbumCoverURL string `codec:"6"`
	LyricURL      string `codec:"7"`
	StartPosition int64  `codec:"8"`
	Duration      int64  `codec:"9"`
}

// MediaInfoHolder is an ordered playlist with a current position.
type MediaInfoHolder struct {
	MediaInfos              []MediaInfo `codec:"1"`
	CurrentIndex            int         `codec:"2"`
	ProgressRefreshInterval int         `codec:"3"`
}

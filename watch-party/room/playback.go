package room

import (
	"fmt"
	"math"
)

// PlaybackState is the authoritative transport record of a room. Position is
// the media position at AsOfClientTime on the sender's clock, not a live value.
type PlaybackState struct {
	VideoID        string  `json:"videoId"`
	Playing        bool    `json:"playing"`
	Position       float64 `json:"currentTime"`
	AsOfServerTime int64   `json:"lastUpdate"`
	AsOfClientTime int64   `json:"lastClientTime"`
}

// Project returns where the media should be at nowMs.
func (s PlaybackState) Project(nowMs int64) float64 {
	if !s.Playing {
		return s.Position
	}
	return Compensate(s.Position, s.AsOfClientTime, nowMs)
}

// Playback is the Empty -> Loaded state machine. The zero value is Empty.
// It is not safe for concurrent use; the owning room serializes access.
type Playback struct {
	state  PlaybackState
	loaded bool
}

func (p *Playback) Loaded() bool { return p.loaded }

// Load is the only transition out of Empty and the only way to replace the video.
func (p *Playback) Load(videoID string, position float64, clientMs, serverMs int64) error {
	if videoID == "" {
		return fmt.Errorf("%w: load-video without videoId", ErrMalformedEvent)
	}
	p.loaded = true
	p.state = PlaybackState{
		VideoID:        videoID,
		Playing:        false,
		Position:       clampPosition(position),
		AsOfServerTime: serverMs,
		AsOfClientTime: clientMs,
	}
	return nil
}

func (p *Playback) Play(position float64, clientMs, serverMs int64) error {
	return p.transport(true, position, clientMs, serverMs)
}

func (p *Playback) Pause(position float64, clientMs, serverMs int64) error {
	return p.transport(false, position, clientMs, serverMs)
}

// Seek moves the position without touching the playing flag.
func (p *Playback) Seek(position float64, clientMs, serverMs int64) error {
	return p.transport(p.state.Playing, position, clientMs, serverMs)
}

func (p *Playback) transport(playing bool, position float64, clientMs, serverMs int64) error {
	if !p.loaded {
		return ErrNoVideo
	}
	p.state.Playing = playing
	p.state.Position = clampPosition(position)
	p.state.AsOfClientTime = clientMs
	p.state.AsOfServerTime = serverMs
	return nil
}

// Snapshot reports the current state and whether a video is loaded.
func (p *Playback) Snapshot() (PlaybackState, bool) {
	return p.state, p.loaded
}

func clampPosition(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

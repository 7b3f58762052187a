package follower

import (
	"sync"
	"time"
)

// Player is the media surface a follower drives.
type Player interface {
	Load(videoID string, position float64)
	Play()
	Pause()
	Seek(position float64)
	Position() float64
	Playing() bool
	VideoID() string
}

// VirtualPlayer advances its position with the wall clock while playing.
type VirtualPlayer struct {
	mu      sync.Mutex
	now     func() time.Time
	videoID string
	playing bool
	base    float64
	baseAt  time.Time
}

func NewVirtualPlayer(now func() time.Time) *VirtualPlayer {
	if now == nil {
		now = time.Now
	}
	return &VirtualPlayer{now: now, baseAt: now()}
}

func (p *VirtualPlayer) Load(videoID string, position float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoID = videoID
	p.playing = false
	p.base = position
	p.baseAt = p.now()
}

func (p *VirtualPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return
	}
	p.base, p.baseAt = p.positionLocked(), p.now()
	p.playing = true
}

func (p *VirtualPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	p.base, p.baseAt = p.positionLocked(), p.now()
	p.playing = false
}

func (p *VirtualPlayer) Seek(position float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if position < 0 {
		position = 0
	}
	p.base, p.baseAt = position, p.now()
}

func (p *VirtualPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *VirtualPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *VirtualPlayer) VideoID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoID
}

func (p *VirtualPlayer) positionLocked() float64 {
	if !p.playing {
		return p.base
	}
	return p.base + p.now().Sub(p.baseAt).Seconds()
}

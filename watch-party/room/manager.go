package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	maxCodeAttempts = 16
	maxCodeLen      = 32
)

var errCodeSpaceExhausted = errors.New("could not allocate a free room code")

// Archiver receives every appended chat message. Record must not block.
type Archiver interface {
	Record(code string, msg Message)
}

// Config holds the registry tunables.
type Config struct {
	// MaxHistory caps each room's ledger; 0 keeps everything.
	MaxHistory int
	// IdleTTL is how long an empty room survives; 0 disables eviction.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	CommandBuffer int

	Now     func() time.Time
	NewCode func() string
	Archive Archiver
	Metrics *Metrics
}

func DefaultConfig() Config {
	return Config{
		MaxHistory:    500,
		IdleTTL:       30 * time.Minute,
		SweepInterval: time.Minute,
		CommandBuffer: 256,
		Now:           time.Now,
		NewCode:       newRoomCode,
	}
}

// Manager is the room registry. It maps codes to rooms and connections to
// the one room they have joined.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	rooms map[string]*Room
	conns map[string]*Room
}

func NewManager(options ...func(*Config)) *Manager {
	cfg := DefaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewCode == nil {
		cfg.NewCode = newRoomCode
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 1
	}
	return &Manager{
		cfg:   cfg,
		rooms: make(map[string]*Room),
		conns: make(map[string]*Room),
	}
}

// Create registers a room. An existing code is returned as is; an empty code
// gets a freshly generated one that is not in use.
func (m *Manager) Create(code string) (string, error) {
	code = NormalizeCode(code)
	if code != "" && !validCode(code) {
		return "", fmt.Errorf("%w: invalid room code %q", ErrMalformedEvent, code)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if code != "" {
		if _, ok := m.rooms[code]; !ok {
			m.addRoomLocked(code)
		}
		return code, nil
	}
	for range maxCodeAttempts {
		candidate := NormalizeCode(m.cfg.NewCode())
		if _, taken := m.rooms[candidate]; taken || candidate == "" {
			continue
		}
		m.addRoomLocked(candidate)
		return candidate, nil
	}
	return "", errCodeSpaceExhausted
}

func (m *Manager) Lookup(code string) (*Room, error) {
	code = NormalizeCode(code)
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	return r, nil
}

func (m *Manager) Exists(code string) bool {
	_, err := m.Lookup(code)
	return err == nil
}

// Join validates that code names a room before a client navigates to it. It
// attaches nothing.
func (m *Manager) Join(code, username string) error {
	if NormalizeCode(code) == "" || username == "" {
		return fmt.Errorf("%w: room and username are required", ErrMalformedEvent)
	}
	_, err := m.Lookup(code)
	return err
}

// Attach joins a connection to a room, creating the room if needed. A
// connection already in another room leaves it first.
func (m *Manager) Attach(ctx context.Context, code string, c Member, username string) error {
	code = NormalizeCode(code)
	if code == "" || !validCode(code) {
		return fmt.Errorf("%w: invalid room code %q", ErrMalformedEvent, code)
	}

	m.mu.Lock()
	room, ok := m.rooms[code]
	if !ok {
		room = m.addRoomLocked(code)
	}
	prev := m.conns[c.ID()]
	if prev != room {
		if prev != nil {
			prev.attached--
		}
		room.attached++
		m.conns[c.ID()] = room
	}
	m.mu.Unlock()

	if prev != nil && prev != room {
		_ = prev.enqueue(ctx, func(r *Room) { r.leave(c.ID()) })
	}
	return room.enqueue(ctx, func(r *Room) {
		r.dispatch(c, &JoinRoom{Room: code, Username: username})
	})
}

// Detach removes a connection from whatever room it joined.
func (m *Manager) Detach(c Member) {
	m.mu.Lock()
	room, ok := m.conns[c.ID()]
	if ok {
		delete(m.conns, c.ID())
		room.attached--
	}
	m.mu.Unlock()
	if ok {
		_ = room.enqueue(context.Background(), func(r *Room) {
			r.leave(c.ID())
		})
	}
}

// Route hands an event to its room. Rejections are pushed back to c as an
// error frame and returned.
func (m *Manager) Route(ctx context.Context, c Member, ev Event) error {
	if j, ok := ev.(*JoinRoom); ok {
		err := m.Attach(ctx, j.Room, c, j.Username)
		if err != nil {
			m.rejected(c, ev, err)
		}
		return err
	}

	code := NormalizeCode(ev.RoomCode())
	m.mu.RLock()
	room, exists := m.rooms[code]
	joined := m.conns[c.ID()]
	m.mu.RUnlock()

	var err error
	switch {
	case !exists:
		err = fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	case joined != room:
		err = fmt.Errorf("%w: %s", ErrNotMember, code)
	default:
		err = room.enqueue(ctx, func(r *Room) { r.dispatch(c, ev) })
	}
	if err != nil {
		m.rejected(c, ev, err)
	}
	return err
}

func (m *Manager) rejected(c Member, ev Event, err error) {
	log.Debug().Err(err).Str("conn", c.ID()).Str("event", ev.Type()).Msg("route rejected")
	m.cfg.Metrics.reject(err)
	c.Push(ErrorEvent(err))
}

// Rooms summarizes every registered room, sorted by code.
func (m *Manager) Rooms(ctx context.Context) ([]Summary, error) {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		s, err := r.Summary(ctx)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out, nil
}

// Sweep evicts rooms that have had no attached connection for IdleTTL.
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	m.mu.Lock()
	var evicted []*Room
	for code, r := range m.rooms {
		if r.attached > 0 || now.Sub(r.LastActivity()) < m.cfg.IdleTTL {
			continue
		}
		delete(m.rooms, code)
		evicted = append(evicted, r)
	}
	m.cfg.Metrics.roomsSet(len(m.rooms))
	m.mu.Unlock()

	for _, r := range evicted {
		r.close()
		log.Info().Str("room", r.code).Msg("[syncflix] evicted idle room")
	}
	m.cfg.Metrics.evictedAdd(len(evicted))
	return len(evicted)
}

// Run sweeps idle rooms until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.IdleTTL <= 0 || m.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.cfg.Now())
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, r := range m.rooms {
		r.shutdown()
		delete(m.rooms, code)
	}
	m.conns = make(map[string]*Room)
	m.cfg.Metrics.roomsSet(0)
}

func (m *Manager) addRoomLocked(code string) *Room {
	r := newRoom(code, &m.cfg)
	m.rooms[code] = r
	m.cfg.Metrics.roomsSet(len(m.rooms))
	log.Info().Str("room", code).Msg("[syncflix] room created")
	return r
}

// validCode accepts any printable code up to maxCodeLen runes. A slash would
// break the archive key layout.
func validCode(code string) bool {
	if utf8.RuneCountInString(code) > maxCodeLen {
		return false
	}
	for _, r := range code {
		if r == '/' || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

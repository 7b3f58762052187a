package follower

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/syncflix/watch-party/room"
)

const (
	outboxSize = 64
	writeWait  = 10 * time.Second
)

// Config describes which room to follow and how.
type Config struct {
	// URL is the server's websocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL      string
	Room     string
	Username string

	PollInterval   time.Duration
	DriftThreshold float64
	// AutoSeen acknowledges every message as seen as well as received.
	AutoSeen bool

	Now    func() time.Time
	Dialer *websocket.Dialer
}

// Follower keeps a Player in step with a room and acknowledges chat.
type Follower struct {
	cfg    Config
	player Player
	drift  *DriftDetector
	conn   *websocket.Conn

	outbox  chan room.ServerEvent
	actions chan func()
	stopped chan struct{}
	stop    sync.Once

	mu       sync.Mutex
	order    []string
	messages map[string]room.Message
}

func newFollower(cfg Config, player Player) *Follower {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Username == "" {
		cfg.Username = room.DefaultUsername
	}
	cfg.Room = room.NormalizeCode(cfg.Room)
	return &Follower{
		cfg:      cfg,
		player:   player,
		drift:    NewDriftDetector(cfg.DriftThreshold),
		outbox:   make(chan room.ServerEvent, outboxSize),
		actions:  make(chan func(), outboxSize),
		stopped:  make(chan struct{}),
		messages: make(map[string]room.Message),
	}
}

// Dial connects to the server and queues the join-room event.
func Dial(ctx context.Context, cfg Config, player Player) (*Follower, error) {
	if cfg.URL == "" || room.NormalizeCode(cfg.Room) == "" {
		return nil, errors.New("follower: url and room are required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	f := newFollower(cfg, player)
	f.conn = conn
	f.emit(room.ServerEvent{Type: room.TypeJoinRoom, Data: room.JoinRoom{Room: f.cfg.Room, Username: f.cfg.Username}})
	return f, nil
}

// Run pumps the connection until ctx is done or the connection fails.
func (f *Follower) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	defer f.stop.Do(func() { close(f.stopped) })
	defer func() { _ = f.conn.Close() }()

	frames := make(chan room.Frame, outboxSize)
	errs := make(chan error, 2)
	go func() { errs <- f.readLoop(frames, done) }()
	go func() { errs <- f.writeLoop(done) }()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = f.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case err := <-errs:
			return err
		case fr := <-frames:
			f.handle(fr)
		case fn := <-f.actions:
			fn()
		case <-ticker.C:
			f.poll()
		}
	}
}

func (f *Follower) readLoop(frames chan<- room.Frame, done <-chan struct{}) error {
	for {
		_, payload, err := f.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var fr room.Frame
		if err := json.Unmarshal(payload, &fr); err != nil {
			log.Debug().Err(err).Msg("[follower] skip undecodable frame")
			continue
		}
		select {
		case frames <- fr:
		case <-done:
			return nil
		}
	}
}

func (f *Follower) writeLoop(done <-chan struct{}) error {
	for {
		select {
		case ev := <-f.outbox:
			_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteJSON(ev); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-done:
			return nil
		}
	}
}

func (f *Follower) emit(ev room.ServerEvent) {
	select {
	case f.outbox <- ev:
	default:
		log.Warn().Str("type", ev.Type).Msg("[follower] outbox full; dropping event")
	}
}

// do runs fn on the Run goroutine. Once Run has returned, fn is dropped.
func (f *Follower) do(fn func()) {
	select {
	case f.actions <- fn:
	case <-f.stopped:
	}
}

func (f *Follower) handle(fr room.Frame) {
	nowMs := f.cfg.Now().UnixMilli()
	switch fr.Type {
	case room.TypeLoadVideo:
		var p room.VideoLoaded
		if decode(fr, &p) {
			f.player.Load(p.VideoID, p.CurrentTime)
			f.rebase()
		}
	case room.TypeRoomVideoState:
		var st room.PlaybackState
		if decode(fr, &st) {
			f.player.Load(st.VideoID, st.Project(nowMs))
			if st.Playing {
				f.player.Play()
			}
			f.rebase()
		}
	case room.TypeVideoPlay:
		var p room.TransportUpdate
		if decode(fr, &p) {
			f.player.Seek(room.Compensate(p.CurrentTime, p.ClientTime, nowMs))
			f.player.Play()
			f.rebase()
		}
	case room.TypeVideoPause:
		var p room.TransportUpdate
		if decode(fr, &p) {
			f.player.Pause()
			f.player.Seek(p.CurrentTime)
			f.rebase()
		}
	case room.TypeVideoSeek:
		var p room.SeekUpdate
		if decode(fr, &p) {
			target := p.SeekTime
			if f.player.Playing() {
				target = room.Compensate(p.SeekTime, p.ClientTime, nowMs)
			}
			f.player.Seek(target)
			f.rebase()
		}
	case room.TypeNewMessage:
		var m room.Message
		if decode(fr, &m) {
			f.store(m)
			f.ack(m.ID)
		}
	case room.TypeMessageHistory:
		var ms []room.Message
		if decode(fr, &ms) {
			for _, m := range ms {
				f.store(m)
				f.ack(m.ID)
			}
		}
	case room.TypeMessageDelivered:
		var p room.Delivered
		if decode(fr, &p) {
			f.update(p.MessageID, func(m *room.Message) { m.Delivered = true })
		}
	case room.TypeMessageSeen:
		var p room.Seen
		if decode(fr, &p) {
			f.update(p.MessageID, func(m *room.Message) {
				if len(p.SeenBy) > len(m.SeenBy) {
					m.SeenBy = p.SeenBy
				}
			})
		}
	case room.TypeUserJoined, room.TypeUserLeft:
		var p room.Presence
		if decode(fr, &p) {
			log.Info().Str("user", p.Username).Str("event", fr.Type).Msg("[follower] presence")
		}
	case room.TypeEmoji:
		var p room.EmojiBurst
		if decode(fr, &p) {
			log.Info().Str("user", p.Username).Str("emoji", p.Emoji).Msg("[follower] emoji")
		}
	case room.TypeError:
		var p room.ErrorReply
		if decode(fr, &p) {
			log.Warn().Str("code", p.Code).Str("body", p.Body).Msg("[follower] server rejected event")
		}
	default:
		log.Debug().Str("type", fr.Type).Msg("[follower] ignoring frame")
	}
}

func decode(fr room.Frame, v any) bool {
	if err := json.Unmarshal(fr.Data, v); err != nil {
		log.Debug().Err(err).Str("type", fr.Type).Msg("[follower] bad payload")
		return false
	}
	return true
}

func (f *Follower) rebase() {
	f.drift.Reset(f.player.Position(), f.player.Playing(), f.cfg.Now())
}

// poll reports local jumps the player made on its own as seeks.
func (f *Follower) poll() {
	if f.player.VideoID() == "" {
		return
	}
	now := f.cfg.Now()
	pos := f.player.Position()
	if f.drift.Observe(pos, f.player.Playing(), now) {
		ms := float64(now.UnixMilli())
		f.emit(room.ServerEvent{Type: room.TypeVideoSeek, Data: room.Seek{Room: f.cfg.Room, SeekTime: &pos, ClientTime: &ms}})
	}
}

func (f *Follower) ack(id string) {
	f.emit(room.ServerEvent{Type: room.TypeMessageReceived, Data: room.Ack{Room: f.cfg.Room, MessageID: id}})
	if f.cfg.AutoSeen {
		f.emit(room.ServerEvent{Type: room.TypeMessageSeen, Data: room.Ack{Room: f.cfg.Room, MessageID: id}})
	}
}

func (f *Follower) store(m room.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[m.ID]; !ok {
		f.order = append(f.order, m.ID)
	}
	f.messages[m.ID] = m
}

func (f *Follower) update(id string, fn func(*room.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return
	}
	fn(&m)
	f.messages[id] = m
}

// Messages returns the chat seen so far, oldest first.
func (f *Follower) Messages() []room.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]room.Message, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.messages[id])
	}
	return out
}

// Local actions. The player is changed first, then the room is told, the
// same order a browser client uses.

func (f *Follower) LoadVideo(videoID string) {
	f.do(func() {
		now := f.cfg.Now()
		f.player.Load(videoID, 0)
		f.rebase()
		pos, ms := 0.0, float64(now.UnixMilli())
		f.emit(room.ServerEvent{Type: room.TypeLoadVideo, Data: room.LoadVideo{Room: f.cfg.Room, VideoID: videoID, CurrentTime: &pos, ClientTime: &ms}})
	})
}

func (f *Follower) Play() { f.transport(false) }

func (f *Follower) Pause() { f.transport(true) }

func (f *Follower) transport(pause bool) {
	f.do(func() {
		typ := room.TypeVideoPlay
		if pause {
			f.player.Pause()
			typ = room.TypeVideoPause
		} else {
			f.player.Play()
		}
		f.rebase()
		pos, ms := f.player.Position(), float64(f.cfg.Now().UnixMilli())
		f.emit(room.ServerEvent{Type: typ, Data: room.Transport{Room: f.cfg.Room, CurrentTime: &pos, ClientTime: &ms}})
	})
}

func (f *Follower) Say(text string) {
	f.do(func() {
		ms := float64(f.cfg.Now().UnixMilli())
		f.emit(room.ServerEvent{Type: room.TypeChatMessage, Data: room.ChatMessage{Room: f.cfg.Room, Message: text, Time: &ms}})
	})
}

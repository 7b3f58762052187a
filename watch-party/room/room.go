package room

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const maxClientIDLen = 64

// Member is a live connection as seen by a room.
type Member interface {
	ID() string
	Push(ev ServerEvent)
}

type member struct {
	conn     Member
	username string
}

// Summary is a point-in-time view of a room for operators.
type Summary struct {
	Room     string         `json:"room"`
	Members  int            `json:"members"`
	Messages int            `json:"messages"`
	Video    *PlaybackState `json:"video,omitempty"`
}

// Room owns the playback state, ledger and members of one code. All state is
// touched only from the loop goroutine; everything else goes through enqueue.
type Room struct {
	code string
	cfg  *Config

	members  map[string]*member
	playback Playback
	ledger   *Ledger

	commands  chan func(*Room)
	closing   chan struct{}
	closeOnce sync.Once

	lastActivity atomic.Int64

	// attached counts connections mapped to this room; guarded by Manager.mu.
	attached int
}

func newRoom(code string, cfg *Config) *Room {
	r := &Room{
		code:     code,
		cfg:      cfg,
		members:  make(map[string]*member),
		ledger:   NewLedger(cfg.MaxHistory),
		commands: make(chan func(*Room), cfg.CommandBuffer),
		closing:  make(chan struct{}),
	}
	r.touch()
	go r.loop()
	return r
}

func (r *Room) Code() string { return r.code }

func (r *Room) LastActivity() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

func (r *Room) loop() {
	for {
		select {
		case fn := <-r.commands:
			select {
			case <-r.closing:
				return
			default:
			}
			fn(r)
		case <-r.closing:
			return
		}
	}
}

func (r *Room) enqueue(ctx context.Context, fn func(*Room)) error {
	select {
	case r.commands <- fn:
		return nil
	case <-r.closing:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) close() {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
}

// shutdown drops the remaining members from the gauge, then closes the room.
func (r *Room) shutdown() {
	done := make(chan struct{})
	err := r.enqueue(context.Background(), func(r *Room) {
		r.cfg.Metrics.membersAdd(-len(r.members))
		clear(r.members)
		close(done)
	})
	if err == nil {
		<-done
	}
	r.close()
}

// Summary waits for the room to process everything queued before it.
func (r *Room) Summary(ctx context.Context) (Summary, error) {
	res := make(chan Summary, 1)
	err := r.enqueue(ctx, func(r *Room) {
		s := Summary{Room: r.code, Members: len(r.members), Messages: r.ledger.Len()}
		if st, ok := r.playback.Snapshot(); ok {
			s.Video = &st
		}
		res <- s
	})
	if err != nil {
		return Summary{}, err
	}
	select {
	case s := <-res:
		return s, nil
	case <-r.closing:
		return Summary{}, ErrRoomClosed
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// History returns the retained ledger, oldest first.
func (r *Room) History(ctx context.Context) ([]Message, error) {
	res := make(chan []Message, 1)
	if err := r.enqueue(ctx, func(r *Room) { res <- r.ledger.History() }); err != nil {
		return nil, err
	}
	select {
	case h := <-res:
		return h, nil
	case <-r.closing:
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Room) touch() {
	r.lastActivity.Store(r.cfg.Now().UnixNano())
}

func (r *Room) nowMs() int64 {
	return r.cfg.Now().UnixMilli()
}

func (r *Room) dispatch(from Member, ev Event) {
	r.touch()
	if _, joining := ev.(*JoinRoom); !joining {
		if _, ok := r.members[from.ID()]; !ok {
			r.reject(from, ev, ErrNotMember)
			return
		}
	}

	var err error
	switch e := ev.(type) {
	case *JoinRoom:
		r.join(from, e.Username)
	case *LoadVideo:
		err = r.loadVideo(e)
	case *Transport:
		err = r.transport(from, e)
	case *Seek:
		err = r.seek(from, e)
	case *ChatMessage:
		err = r.chat(from, e)
	case *Ack:
		if e.Seen {
			err = r.seen(from, e)
		} else {
			err = r.received(from, e)
		}
	case *Emoji:
		err = r.emoji(from, e)
	default:
		err = fmt.Errorf("%w: unhandled %T", ErrMalformedEvent, ev)
	}
	if err != nil {
		r.reject(from, ev, err)
		return
	}
	r.cfg.Metrics.event(ev.Type())
}

func (r *Room) reject(from Member, ev Event, err error) {
	log.Debug().Err(err).Str("room", r.code).Str("conn", from.ID()).Str("event", ev.Type()).Msg("event rejected")
	r.cfg.Metrics.reject(err)
	from.Push(ErrorEvent(err))
}

func (r *Room) join(from Member, username string) {
	id := from.ID()
	name := CleanUsername(username)
	if m, ok := r.members[id]; ok {
		m.username = name
	} else {
		r.members[id] = &member{conn: from, username: name}
		r.cfg.Metrics.membersAdd(1)
		r.broadcastOthers(id, ServerEvent{Type: TypeUserJoined, Data: Presence{Username: name, ID: id}})
		log.Info().Str("room", r.code).Str("user", name).Int("members", len(r.members)).Msg("[syncflix] joined")
	}
	if st, ok := r.playback.Snapshot(); ok {
		from.Push(ServerEvent{Type: TypeRoomVideoState, Data: st})
	}
	from.Push(ServerEvent{Type: TypeMessageHistory, Data: r.ledger.History()})
}

func (r *Room) leave(id string) {
	m, ok := r.members[id]
	if !ok {
		return
	}
	r.touch()
	delete(r.members, id)
	r.cfg.Metrics.membersAdd(-1)
	r.broadcastAll(ServerEvent{Type: TypeUserLeft, Data: Presence{Username: m.username, ID: id}})
	log.Info().Str("room", r.code).Str("user", m.username).Int("members", len(r.members)).Msg("[syncflix] left")
}

func (r *Room) loadVideo(e *LoadVideo) error {
	now := r.nowMs()
	clientMs := millisOr(e.ClientTime, now)
	if err := r.playback.Load(e.VideoID, valueOr(e.CurrentTime, 0), clientMs, now); err != nil {
		return err
	}
	st, _ := r.playback.Snapshot()
	r.broadcastAll(ServerEvent{Type: TypeLoadVideo, Data: VideoLoaded{
		VideoID:     st.VideoID,
		CurrentTime: st.Position,
		ClientTime:  clientMs,
	}})
	return nil
}

func (r *Room) transport(from Member, e *Transport) error {
	now := r.nowMs()
	clientMs := millisOr(e.ClientTime, now)
	apply := r.playback.Play
	if e.Pause {
		apply = r.playback.Pause
	}
	if err := apply(valueOr(e.CurrentTime, 0), clientMs, now); err != nil {
		return err
	}
	st, _ := r.playback.Snapshot()
	r.broadcastOthers(from.ID(), ServerEvent{Type: e.Type(), Data: TransportUpdate{
		CurrentTime: st.Position,
		ClientTime:  clientMs,
		Origin:      from.ID(),
	}})
	return nil
}

func (r *Room) seek(from Member, e *Seek) error {
	now := r.nowMs()
	clientMs := millisOr(e.ClientTime, now)
	if err := r.playback.Seek(valueOr(e.SeekTime, 0), clientMs, now); err != nil {
		return err
	}
	st, _ := r.playback.Snapshot()
	r.broadcastOthers(from.ID(), ServerEvent{Type: TypeVideoSeek, Data: SeekUpdate{
		SeekTime:   st.Position,
		ClientTime: clientMs,
		Origin:     from.ID(),
	}})
	return nil
}

func (r *Room) chat(from Member, e *ChatMessage) error {
	text := CleanText(e.Message)
	if text == "" {
		return missing("message")
	}
	username := r.members[from.ID()].username
	if e.Username != "" {
		username = CleanUsername(e.Username)
	}
	clientID := e.ID
	if len(clientID) > maxClientIDLen {
		clientID = ""
	}
	msg := r.ledger.Append(from.ID(), username, text, clientID, millisOr(e.Time, 0), r.nowMs())
	if r.cfg.Archive != nil {
		r.cfg.Archive.Record(r.code, msg)
	}
	r.broadcastAll(ServerEvent{Type: TypeNewMessage, Data: msg})
	return nil
}

func (r *Room) received(from Member, e *Ack) error {
	fired, err := r.ledger.AckDelivered(from.ID(), e.MessageID, len(r.members))
	if err != nil {
		return err
	}
	if fired {
		r.cfg.Metrics.deliveredInc()
		r.broadcastAll(ServerEvent{Type: TypeMessageDelivered, Data: Delivered{MessageID: e.MessageID}})
	}
	return nil
}

func (r *Room) seen(from Member, e *Ack) error {
	seenBy, added, err := r.ledger.AckSeen(from.ID(), e.MessageID)
	if err != nil {
		return err
	}
	if added {
		r.broadcastAll(ServerEvent{Type: TypeMessageSeen, Data: Seen{MessageID: e.MessageID, SeenBy: seenBy}})
	}
	return nil
}

func (r *Room) emoji(from Member, e *Emoji) error {
	emoji := CleanEmoji(e.Emoji)
	if emoji == "" {
		return missing("emoji")
	}
	username := r.members[from.ID()].username
	if e.Username != "" {
		username = CleanUsername(e.Username)
	}
	r.broadcastAll(ServerEvent{Type: TypeEmoji, Data: EmojiBurst{Username: username, Emoji: emoji}})
	return nil
}

func (r *Room) broadcastAll(ev ServerEvent) {
	for _, m := range r.members {
		m.conn.Push(ev)
	}
}

func (r *Room) broadcastOthers(exceptID string, ev ServerEvent) {
	for id, m := range r.members {
		if id == exceptID {
			continue
		}
		m.conn.Push(ev)
	}
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// millisOr truncates a client timestamp to whole milliseconds. Browsers may
// send fractional values from performance.now().
func millisOr(p *float64, def int64) int64 {
	if p == nil || math.IsNaN(*p) || math.Abs(*p) >= math.MaxInt64 {
		return def
	}
	return int64(*p)
}

package room

import (
	"encoding/json"
	"fmt"
)

// Wire event names.
const (
	TypeJoinRoom         = "join-room"
	TypeLoadVideo        = "load-video"
	TypeVideoPlay        = "video-play"
	TypeVideoPause       = "video-pause"
	TypeVideoSeek        = "video-seek"
	TypeChatMessage      = "chat-message"
	TypeMessageReceived  = "message-received"
	TypeMessageSeen      = "message-seen"
	TypeEmoji            = "emoji"
	TypeUserJoined       = "user-joined"
	TypeUserLeft         = "user-left"
	TypeRoomVideoState   = "room-video-state"
	TypeMessageHistory   = "message-history"
	TypeNewMessage       = "new-message"
	TypeMessageDelivered = "message-delivered"
	TypeError            = "error"
)

// Frame is the JSON envelope used in both directions over the websocket.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is an inbound client event. The set of implementations is closed:
// only this package can satisfy validate.
type Event interface {
	Type() string
	RoomCode() string
	validate() error
}

type JoinRoom struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

type LoadVideo struct {
	Room        string   `json:"room"`
	VideoID     string   `json:"videoId"`
	CurrentTime *float64 `json:"currentTime,omitempty"`
	ClientTime  *float64 `json:"clientTime,omitempty"`
}

// Transport carries video-play and video-pause; Pause selects which.
type Transport struct {
	Room        string   `json:"room"`
	CurrentTime *float64 `json:"currentTime,omitempty"`
	ClientTime  *float64 `json:"clientTime,omitempty"`
	Pause       bool     `json:"-"`
}

type Seek struct {
	Room       string   `json:"room"`
	SeekTime   *float64 `json:"seekTime,omitempty"`
	ClientTime *float64 `json:"clientTime,omitempty"`
}

type ChatMessage struct {
	Room     string   `json:"room"`
	Username string   `json:"username,omitempty"`
	Message  string   `json:"message"`
	ID       string   `json:"id,omitempty"`
	Time     *float64 `json:"time,omitempty"`
}

// Ack carries message-received and message-seen; Seen selects which.
type Ack struct {
	Room      string `json:"room"`
	MessageID string `json:"messageId"`
	Seen      bool   `json:"-"`
}

type Emoji struct {
	Room     string `json:"room"`
	Username string `json:"username,omitempty"`
	Emoji    string `json:"emoji"`
}

func (*JoinRoom) Type() string    { return TypeJoinRoom }
func (*LoadVideo) Type() string   { return TypeLoadVideo }
func (*Seek) Type() string        { return TypeVideoSeek }
func (*ChatMessage) Type() string { return TypeChatMessage }
func (*Emoji) Type() string       { return TypeEmoji }

func (e *Transport) Type() string {
	if e.Pause {
		return TypeVideoPause
	}
	return TypeVideoPlay
}

func (e *Ack) Type() string {
	if e.Seen {
		return TypeMessageSeen
	}
	return TypeMessageReceived
}

func (e *JoinRoom) RoomCode() string    { return e.Room }
func (e *LoadVideo) RoomCode() string   { return e.Room }
func (e *Transport) RoomCode() string   { return e.Room }
func (e *Seek) RoomCode() string        { return e.Room }
func (e *ChatMessage) RoomCode() string { return e.Room }
func (e *Ack) RoomCode() string         { return e.Room }
func (e *Emoji) RoomCode() string       { return e.Room }

func (e *JoinRoom) validate() error  { return nil }
func (e *Transport) validate() error { return nil }
func (e *Seek) validate() error      { return nil }

func (e *LoadVideo) validate() error {
	if e.VideoID == "" {
		return missing("videoId")
	}
	return nil
}

func (e *ChatMessage) validate() error {
	if e.Message == "" {
		return missing("message")
	}
	return nil
}

func (e *Ack) validate() error {
	if e.MessageID == "" {
		return missing("messageId")
	}
	return nil
}

func (e *Emoji) validate() error {
	if e.Emoji == "" {
		return missing("emoji")
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedEvent, field)
}

// Decode parses one websocket frame into its event variant. The room code is
// normalized; every variant requires one.
func Decode(payload []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var ev Event
	switch f.Type {
	case TypeJoinRoom:
		ev = &JoinRoom{}
	case TypeLoadVideo:
		ev = &LoadVideo{}
	case TypeVideoPlay:
		ev = &Transport{}
	case TypeVideoPause:
		ev = &Transport{Pause: true}
	case TypeVideoSeek:
		ev = &Seek{}
	case TypeChatMessage:
		ev = &ChatMessage{}
	case TypeMessageReceived:
		ev = &Ack{}
	case TypeMessageSeen:
		ev = &Ack{Seen: true}
	case TypeEmoji:
		ev = &Emoji{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, f.Type)
	}
	if len(f.Data) == 0 {
		return nil, missing("data")
	}
	if err := json.Unmarshal(f.Data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, f.Type, err)
	}
	setRoom(ev, NormalizeCode(ev.RoomCode()))
	if ev.RoomCode() == "" {
		return nil, missing("room")
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func setRoom(ev Event, code string) {
	switch e := ev.(type) {
	case *JoinRoom:
		e.Room = code
	case *LoadVideo:
		e.Room = code
	case *Transport:
		e.Room = code
	case *Seek:
		e.Room = code
	case *ChatMessage:
		e.Room = code
	case *Ack:
		e.Room = code
	case *Emoji:
		e.Room = code
	}
}

// ServerEvent is pushed to members. Data is one of the payload types below,
// []Message for message-history, or Message for new-message.
type ServerEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type Presence struct {
	Username string `json:"username"`
	ID       string `json:"id"`
}

type VideoLoaded struct {
	VideoID     string  `json:"videoId"`
	CurrentTime float64 `json:"currentTime"`
	ClientTime  int64   `json:"clientTime"`
}

type TransportUpdate struct {
	CurrentTime float64 `json:"currentTime"`
	ClientTime  int64   `json:"clientTime"`
	Origin      string  `json:"origin"`
}

type SeekUpdate struct {
	SeekTime   float64 `json:"seekTime"`
	ClientTime int64   `json:"clientTime"`
	Origin     string  `json:"origin"`
}

type Delivered struct {
	MessageID string `json:"messageId"`
}

type Seen struct {
	MessageID string   `json:"messageId"`
	SeenBy    []string `json:"seenBy"`
}

type EmojiBurst struct {
	Username string `json:"username"`
	Emoji    string `json:"emoji"`
}

type ErrorReply struct {
	Code string `json:"code"`
	Body string `json:"body"`
}

// ErrorEvent builds the reply sent to a connection whose event was rejected.
func ErrorEvent(err error) ServerEvent {
	return ServerEvent{Type: TypeError, Data: ErrorReply{Code: Code(err), Body: err.Error()}}
}

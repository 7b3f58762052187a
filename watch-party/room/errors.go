package room

import "errors"

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrMalformedEvent = errors.New("malformed event")
	ErrNotMember      = errors.New("connection has not joined this room")
	ErrNoVideo        = errors.New("no video loaded")
	ErrUnknownMessage = errors.New("unknown message id")
	ErrRoomClosed     = errors.New("room closed")
	ErrRateLimited    = errors.New("too many events")
)

// Code maps an error to the short code sent in "error" frames.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrNoVideo):
		return "no_video"
	case errors.Is(err, ErrUnknownMessage):
		return "unknown_message"
	case errors.Is(err, ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

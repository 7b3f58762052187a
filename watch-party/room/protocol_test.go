package room

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVariants(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"video-pause","data":{"room":" abcdef ","currentTime":12.5,"clientTime":1700}}`))
	require.NoError(t, err)
	tr, ok := ev.(*Transport)
	require.True(t, ok)
	assert.True(t, tr.Pause)
	assert.Equal(t, TypeVideoPause, tr.Type())
	assert.Equal(t, "ABCDEF", tr.RoomCode())
	require.NotNil(t, tr.CurrentTime)
	assert.Equal(t, 12.5, *tr.CurrentTime)
	require.NotNil(t, tr.ClientTime)
	assert.Equal(t, 1700.0, *tr.ClientTime)

	ev, err = Decode([]byte(`{"type":"video-play","data":{"room":"abc","clientTime":1700000000000.25}}`))
	require.NoError(t, err, "browsers send fractional milliseconds")
	assert.Equal(t, 1700000000000.25, *ev.(*Transport).ClientTime)

	ev, err = Decode([]byte(`{"type":"video-seek","data":{"room":"X1"}}`))
	require.NoError(t, err)
	seek := ev.(*Seek)
	assert.Nil(t, seek.SeekTime)
	assert.Nil(t, seek.ClientTime)

	ev, err = Decode([]byte(`{"type":"message-seen","data":{"room":"X1","messageId":"m1"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMessageSeen, ev.Type())
	assert.True(t, ev.(*Ack).Seen)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":         `{"type":`,
		"unknown type":     `{"type":"dance","data":{"room":"A"}}`,
		"missing data":     `{"type":"video-play"}`,
		"missing room":     `{"type":"video-play","data":{"currentTime":1}}`,
		"blank room":       `{"type":"join-room","data":{"room":"   ","username":"x"}}`,
		"no video id":      `{"type":"load-video","data":{"room":"A"}}`,
		"empty chat":       `{"type":"chat-message","data":{"room":"A","message":""}}`,
		"ack without id":   `{"type":"message-received","data":{"room":"A"}}`,
		"empty emoji":      `{"type":"emoji","data":{"room":"A"}}`,
		"wrong field type": `{"type":"video-seek","data":{"room":"A","seekTime":"soon"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestServerEventEncoding(t *testing.T) {
	raw, err := json.Marshal(ServerEvent{Type: TypeVideoSeek, Data: SeekUpdate{SeekTime: 45, ClientTime: 9, Origin: "c1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"video-seek","data":{"seekTime":45,"clientTime":9,"origin":"c1"}}`, string(raw))

	raw, err = json.Marshal(ErrorEvent(ErrNoVideo))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","data":{"code":"no_video","body":"no video loaded"}}`, string(raw))
}

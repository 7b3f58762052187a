package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/syncflix/watch-party/follower"
	"github.com/gosuda/syncflix/watch-party/room"
)

func newTestServer(t *testing.T, opts ServerOptions, options ...func(*room.Config)) (*httptest.Server, *room.Manager) {
	t.Helper()
	mgr := room.NewManager(options...)
	srv := httptest.NewServer(NewHTTPServer(mgr, opts).Router())
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return srv, mgr
}

func postJSON(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(typ string, data any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(map[string]any{"type": typ, "data": data}))
}

// expect reads frames until one of type typ arrives.
func (p *wsPeer) expect(typ string, v any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var fr room.Frame
		require.NoError(p.t, p.conn.ReadJSON(&fr), "waiting for %s", typ)
		if fr.Type != typ {
			continue
		}
		if v != nil {
			require.NoError(p.t, json.Unmarshal(fr.Data, v))
		}
		return
	}
}

func (p *wsPeer) join(code, username string) {
	p.t.Helper()
	p.send(room.TypeJoinRoom, map[string]any{"room": code, "username": username})
	p.expect(room.TypeMessageHistory, nil)
}

func TestRoomEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{})

	status, body := postJSON(t, srv.URL+"/create-room", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	code, _ := body["room"].(string)
	require.Len(t, code, 6)

	resp, err := http.Get(srv.URL + "/validate-room/" + strings.ToLower(code))
	require.NoError(t, err)
	var valid map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&valid))
	resp.Body.Close()
	assert.True(t, valid["valid"])

	status, body = postJSON(t, srv.URL+"/join-room", map[string]any{"room": code, "username": "alice"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, code, body["room"])

	status, _ = postJSON(t, srv.URL+"/join-room", map[string]any{"room": "NOPE00", "username": "alice"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = postJSON(t, srv.URL+"/join-room", map[string]any{"room": code})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = postJSON(t, srv.URL+"/create-room", map[string]any{"room": "movie-night"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "MOVIE-NIGHT", body["room"])

	status, _ = postJSON(t, srv.URL+"/create-room", map[string]any{"room": "no/slashes"})
	assert.Equal(t, http.StatusBadRequest, status)

	resp, err = http.Get(srv.URL + "/api/rooms/" + code + "/transcript")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "archive disabled")
}

func TestWatchPartyOverWebSocket(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{})
	alice, bob := dial(t, srv), dial(t, srv)

	alice.join("abcdef", "alice")
	bob.join("ABCDEF", "bob")
	var joined room.Presence
	alice.expect(room.TypeUserJoined, &joined)
	assert.Equal(t, "bob", joined.Username)
	bobID := joined.ID

	alice.send(room.TypeLoadVideo, map[string]any{"room": "ABCDEF", "videoId": "dQw4w9WgXcQ"})
	var loaded room.VideoLoaded
	bob.expect(room.TypeLoadVideo, &loaded)
	assert.Equal(t, "dQw4w9WgXcQ", loaded.VideoID)
	alice.expect(room.TypeLoadVideo, nil)

	alice.send(room.TypeVideoPlay, map[string]any{"room": "ABCDEF", "currentTime": 12.5, "clientTime": 1000})
	var play room.TransportUpdate
	bob.expect(room.TypeVideoPlay, &play)
	assert.Equal(t, 12.5, play.CurrentTime)
	assert.Equal(t, int64(1000), play.ClientTime)
	assert.NotEmpty(t, play.Origin)

	alice.send(room.TypeChatMessage, map[string]any{"room": "ABCDEF", "message": "<b>hi</b> bob"})
	var msg room.Message
	bob.expect(room.TypeNewMessage, &msg)
	assert.Equal(t, "<b>hi</b> bob", msg.Text, "chat text is relayed verbatim")
	assert.Equal(t, "alice", msg.Username)
	alice.expect(room.TypeNewMessage, nil)

	bob.send(room.TypeMessageReceived, map[string]any{"room": "ABCDEF", "messageId": msg.ID})
	alice.send(room.TypeMessageReceived, map[string]any{"room": "ABCDEF", "messageId": msg.ID})
	var delivered room.Delivered
	alice.expect(room.TypeMessageDelivered, &delivered)
	assert.Equal(t, msg.ID, delivered.MessageID)

	bob.send(room.TypeMessageSeen, map[string]any{"room": "ABCDEF", "messageId": msg.ID})
	var seen room.Seen
	alice.expect(room.TypeMessageSeen, &seen)
	assert.Equal(t, []string{bobID}, seen.SeenBy)

	bob.send(room.TypeVideoPause, map[string]any{"room": "ZZZZZZ", "currentTime": 1})
	var rejected room.ErrorReply
	bob.expect(room.TypeError, &rejected)
	assert.Equal(t, "room_not_found", rejected.Code)

	require.NoError(t, bob.conn.Close())
	var left room.Presence
	alice.expect(room.TypeUserLeft, &left)
	assert.Equal(t, bobID, left.ID)
}

func TestLateJoinerGetsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{})
	alice := dial(t, srv)
	alice.join("ROOM42", "alice")
	alice.send(room.TypeLoadVideo, map[string]any{"room": "ROOM42", "videoId": "abc", "currentTime": 45})
	alice.expect(room.TypeLoadVideo, nil)
	alice.send(room.TypeChatMessage, map[string]any{"room": "ROOM42", "message": "early"})
	alice.expect(room.TypeNewMessage, nil)

	carol := dial(t, srv)
	carol.send(room.TypeJoinRoom, map[string]any{"room": "ROOM42"})
	var st room.PlaybackState
	carol.expect(room.TypeRoomVideoState, &st)
	assert.Equal(t, "abc", st.VideoID)
	assert.Equal(t, 45.0, st.Position)
	assert.False(t, st.Playing)
	var history []room.Message
	carol.expect(room.TypeMessageHistory, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "early", history[0].Text)

	var joined room.Presence
	alice.expect(room.TypeUserJoined, &joined)
	assert.Equal(t, room.DefaultUsername, joined.Username)
}

func TestWebSocketQueryJoin(t *testing.T) {
	srv, mgr := newTestServer(t, ServerOptions{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=quick1&username=dave"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	p := &wsPeer{t: t, conn: conn}
	p.expect(room.TypeMessageHistory, nil)
	assert.True(t, mgr.Exists("QUICK1"))
}

func TestRateLimits(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{HTTPRequestsPerSecond: 0.001, EventsPerSecond: 0.001})

	status, _ := postJSON(t, srv.URL+"/create-room", map[string]any{})
	assert.Equal(t, http.StatusOK, status)
	status, body := postJSON(t, srv.URL+"/create-room", map[string]any{})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, false, body["success"])

	p := dial(t, srv)
	p.join("LIMIT1", "eve")
	p.send(room.TypeEmoji, map[string]any{"room": "LIMIT1", "emoji": "🎉"})
	var reply room.ErrorReply
	p.expect(room.TypeError, &reply)
	assert.Equal(t, "rate_limited", reply.Code)
}

func TestMetricsAndTranscript(t *testing.T) {
	reg := prometheus.NewRegistry()
	archive, err := room.OpenArchive("archive", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	srv, _ := newTestServer(t, ServerOptions{
		Archive: archive,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, func(c *room.Config) {
		c.Archive = archive
		c.Metrics = room.NewMetrics(reg)
	})

	p := dial(t, srv)
	p.join("TAPE01", "frank")
	p.send(room.TypeChatMessage, map[string]any{"room": "TAPE01", "message": "for the record"})
	p.expect(room.TypeNewMessage, nil)
	require.NoError(t, archive.Sync())

	resp, err := http.Get(srv.URL + "/api/rooms/TAPE01/transcript?limit=10")
	require.NoError(t, err)
	var transcript []room.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&transcript))
	resp.Body.Close()
	require.Len(t, transcript, 1)
	assert.Equal(t, "for the record", transcript[0].Text)

	resp, err = http.Get(srv.URL + "/api/rooms/TAPE01/transcript?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/rooms/")
	require.NoError(t, err)
	var rooms []room.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	resp.Body.Close()
	require.Len(t, rooms, 1)
	assert.Equal(t, "TAPE01", rooms[0].Room)
	assert.Equal(t, 1, rooms[0].Members)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "syncflix_events_total")
	assert.Contains(t, string(raw), "syncflix_members 1")
}

func TestFollowerTracksRoom(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{})
	alice := dial(t, srv)
	alice.join("SYNC01", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	player := follower.NewVirtualPlayer(nil)
	f, err := follower.Dial(ctx, follower.Config{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Room:     "sync01",
		Username: "bot",
		AutoSeen: true,
	}, player)
	require.NoError(t, err)
	go func() { _ = f.Run(ctx) }()
	alice.expect(room.TypeUserJoined, nil)

	alice.send(room.TypeLoadVideo, map[string]any{"room": "SYNC01", "videoId": "abc"})
	alice.send(room.TypeVideoPlay, map[string]any{"room": "SYNC01", "currentTime": 30, "clientTime": time.Now().UnixMilli()})
	require.Eventually(t, func() bool {
		return player.Playing() && player.VideoID() == "abc"
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 30.0, player.Position(), 1.0)

	alice.send(room.TypeChatMessage, map[string]any{"room": "SYNC01", "message": "hello bot"})
	var seen room.Seen
	alice.expect(room.TypeMessageSeen, &seen)
	assert.Len(t, seen.SeenBy, 1)
	require.Eventually(t, func() bool {
		return len(f.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()

	catalog, err := loadCatalog()
	require.NoError(t, err)

	registry := newRegistry(testConfig(), catalog)

	mux := httprouter.New()
	registerGame(testConfig(), registry, mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, registry
}

// wsClient wraps a test connection, buffering messages so that waiting for
// an ack never discards an interleaved broadcast.
type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	backlog []map[string]any
}

func dialWS(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg ClientMessage) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *wsClient) await(match func(map[string]any) bool) map[string]any {
	c.t.Helper()

	for i, msg := range c.backlog {
		if match(msg) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return msg
		}
	}

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var raw map[string]any
		require.NoError(c.t, c.conn.ReadJSON(&raw))
		if match(raw) {
			return raw
		}
		c.backlog = append(c.backlog, raw)
	}
}

func (c *wsClient) awaitAck(id int) map[string]any {
	c.t.Helper()

	return c.await(func(m map[string]any) bool {
		got, ok := m["id"].(float64)
		return m["type"] == "ack" && ok && int(got) == id
	})
}

func (c *wsClient) awaitState(match func(game map[string]any) bool) map[string]any {
	c.t.Helper()

	msg := c.await(func(m map[string]any) bool {
		game, ok := m["game"].(map[string]any)
		return m["type"] == "game:state" && ok && match(game)
	})
	return msg["game"].(map[string]any)
}

func TestWebSocketCreateAndJoin(t *testing.T) {
	srv, registry := newTestServer(t)

	host := dialWS(t, srv)
	host.send(ClientMessage{ID: 1, Type: "create_game", Nickname: "Alice", GameName: "Friday"})

	ack := host.awaitAck(1)
	require.Equal(t, true, ack["success"])
	code, _ := ack["code"].(string)
	require.Len(t, code, 4)
	assert.True(t, registry.Has(code))

	guest := dialWS(t, srv)
	guest.send(ClientMessage{ID: 1, Type: "join_game", Code: code, Nickname: "Bob"})

	guestAck := guest.awaitAck(1)
	require.Equal(t, true, guestAck["success"])
	assert.NotEmpty(t, guestAck["playerId"])

	// The host's connection sees the grown roster.
	game := host.awaitState(func(game map[string]any) bool {
		players, ok := game["players"].([]any)
		return ok && len(players) == 2
	})
	assert.Equal(t, code, game["code"])
	assert.Equal(t, "Friday", game["name"])
	assert.Equal(t, "lobby", game["state"])
}

func TestWebSocketJoinUnknownCode(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	conn.send(ClientMessage{ID: 7, Type: "join_game", Code: "ZZZZ", Nickname: "Bob"})

	ack := conn.awaitAck(7)
	assert.Equal(t, false, ack["success"])
	assert.Equal(t, "Game not found", ack["error"])
}

func TestWebSocketIntentOutsideGame(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	conn.send(ClientMessage{ID: 1, Type: "start_game"})

	ack := conn.awaitAck(1)
	assert.Equal(t, false, ack["success"])
	assert.Equal(t, "Not in a game", ack["error"])

	conn.send(ClientMessage{ID: 2, Type: "warp_drive"})
	ack = conn.awaitAck(2)
	assert.Equal(t, false, ack["success"])
}

func TestWebSocketSinglePlayerRound(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	conn.send(ClientMessage{ID: 1, Type: "create_game", Nickname: "Alice", RegionFilter: "europe"})
	require.Equal(t, true, conn.awaitAck(1)["success"])

	conn.send(ClientMessage{ID: 2, Type: "start_game"})
	require.Equal(t, true, conn.awaitAck(2)["success"])

	game := conn.awaitState(func(game map[string]any) bool {
		return game["state"] == "playing"
	})
	target, _ := game["targetCode"].(string)
	require.NotEmpty(t, target)

	options, ok := game["options"].([]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(options), 1)
	assert.LessOrEqual(t, len(options), 4)

	conn.send(ClientMessage{ID: 3, Type: "submit_guess", Choice: target})
	require.Equal(t, true, conn.awaitAck(3)["success"])

	game = conn.awaitState(func(game map[string]any) bool {
		return game["state"] == "revealed"
	})
	players := game["players"].([]any)
	require.Len(t, players, 1)
	player := players[0].(map[string]any)
	assert.Equal(t, float64(10), player["score"])
	assert.Equal(t, "correct", player["status"])
}

func TestWebSocketKickNotifiesTarget(t *testing.T) {
	srv, _ := newTestServer(t)

	host := dialWS(t, srv)
	host.send(ClientMessage{ID: 1, Type: "create_game", Nickname: "Alice"})
	code := host.awaitAck(1)["code"].(string)

	guest := dialWS(t, srv)
	guest.send(ClientMessage{ID: 1, Type: "join_game", Code: code, Nickname: "Bob"})
	guestID := guest.awaitAck(1)["playerId"].(string)

	host.send(ClientMessage{ID: 2, Type: "kick_player", PlayerID: guestID})
	require.Equal(t, true, host.awaitAck(2)["success"])

	guest.await(func(m map[string]any) bool {
		return m["type"] == "game:kicked"
	})
}

func TestWebSocketDisconnectFlagsPlayer(t *testing.T) {
	srv, _ := newTestServer(t)

	host := dialWS(t, srv)
	host.send(ClientMessage{ID: 1, Type: "create_game", Nickname: "Alice"})
	code := host.awaitAck(1)["code"].(string)

	guest := dialWS(t, srv)
	guest.send(ClientMessage{ID: 1, Type: "join_game", Code: code, Nickname: "Bob"})
	require.Equal(t, true, guest.awaitAck(1)["success"])

	require.NoError(t, guest.conn.Close())

	game := host.awaitState(func(game map[string]any) bool {
		players, ok := game["players"].([]any)
		if !ok || len(players) != 2 {
			return false
		}
		for _, entry := range players {
			player := entry.(map[string]any)
			if player["nickname"] == "Bob" {
				return player["connected"] == false && player["needsHostDecision"] == true
			}
		}
		return false
	})
	assert.Equal(t, "lobby", game["state"])
}

func TestWebSocketLeaveEmptiesLobby(t *testing.T) {
	srv, registry := newTestServer(t)

	conn := dialWS(t, srv)
	conn.send(ClientMessage{ID: 1, Type: "create_game", Nickname: "Alice"})
	code := conn.awaitAck(1)["code"].(string)
	require.True(t, registry.Has(code))

	conn.send(ClientMessage{ID: 2, Type: "leave_game"})
	require.Equal(t, true, conn.awaitAck(2)["success"])

	assert.False(t, registry.Has(code))
}

func TestQRCodeHandler(t *testing.T) {
	srv, registry := newTestServer(t)

	lobby, _, err := registry.CreateLobby("Alice", "", "all")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/game/" + lobby.code + "/qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	missing, err := http.Get(srv.URL + "/game/ZZZZ/qr")
	require.NoError(t, err)
	defer missing.Body.Close()

	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

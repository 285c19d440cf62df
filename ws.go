package main

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

// ClientMessage is the single inbound envelope. Type selects the intent;
// the remaining fields are that intent's payload. ID, when set, is echoed
// in the matching ack so clients can correlate unordered request/ack pairs.
type ClientMessage struct {
	ID   int    `json:"id,omitempty"`
	Type string `json:"type"`

	Nickname     string `json:"nickname,omitempty"`     // create_game / join_game
	GameName     string `json:"gameName,omitempty"`     // create_game
	RegionFilter string `json:"regionFilter,omitempty"` // create_game
	Code         string `json:"code,omitempty"`         // join_game
	Choice       string `json:"choice,omitempty"`       // submit_guess
	Filter       string `json:"filter,omitempty"`       // set_region_filter
	PlayerID     string `json:"playerId,omitempty"`     // kick_player / resolve_disconnect
	Action       string `json:"action,omitempty"`       // resolve_disconnect: "kick" or "wait"
}

// AckMessage answers exactly one ClientMessage.
type AckMessage struct {
	Type    string `json:"type"` // "ack"
	ID      int    `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Code        string `json:"code,omitempty"`     // create_game
	PlayerID    string `json:"playerId,omitempty"` // create_game / join_game
	Reconnected bool   `json:"reconnected,omitempty"`
}

// GameStateMessage carries the full canonical snapshot to every member of
// a lobby after each state-affecting mutation.
type GameStateMessage struct {
	Type string       `json:"type"` // "game:state"
	Game GameSnapshot `json:"game"`
}

// KickedMessage is sent only to a removed connection, just before it is
// severed.
type KickedMessage struct {
	Type string `json:"type"` // "game:kicked"
}

// PlayerSnapshot is one roster entry in a GameSnapshot.
type PlayerSnapshot struct {
	ID                 string `json:"id"`
	Nickname           string `json:"nickname"`
	Score              int    `json:"score"`
	Status             string `json:"status"`
	IsHost             bool   `json:"isHost"`
	LastChoice         string `json:"lastChoice,omitempty"`
	Connected          bool   `json:"connected"`
	NeedsHostDecision  bool   `json:"needsHostDecision"`
	DisconnectDeadline int64  `json:"disconnectDeadline,omitempty"` // unix ms
}

// GameSnapshot is the full lobby state as broadcast to clients. The target
// is included even while the round is open; clients are trusted not to
// display it.
type GameSnapshot struct {
	Code         string           `json:"code"`
	Name         string           `json:"name"`
	State        string           `json:"state"`
	Round        int              `json:"round"`
	TargetCode   string           `json:"targetCode,omitempty"`
	TargetName   string           `json:"targetName,omitempty"`
	Options      []RoundOption    `json:"options"`
	Players      []PlayerSnapshot `json:"players"`
	TimerEndsAt  int64            `json:"timerEndsAt,omitempty"` // unix ms
	RegionFilter string           `json:"regionFilter"`
	MaxRounds    int              `json:"maxRounds"`
	MVPIDs       []string         `json:"mvpIds"`
}

// snapshotLocked serializes the lobby. Players are ordered by join
// sequence so every broadcast lists the roster identically.
func (l *Lobby) snapshotLocked() GameSnapshot {
	players := make([]*Player, 0, len(l.players))
	for _, player := range l.players {
		players = append(players, player)
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].joinSeq < players[j].joinSeq
	})

	roster := make([]PlayerSnapshot, 0, len(players))
	for _, player := range players {
		entry := PlayerSnapshot{
			ID:                player.ID,
			Nickname:          player.Nickname,
			Score:             player.Score,
			Status:            player.Status,
			IsHost:            player.ID == l.hostID,
			LastChoice:        player.LastChoice,
			Connected:         player.Connected,
			NeedsHostDecision: player.AwaitingHostDecision,
		}
		if !player.DisconnectDeadline.IsZero() {
			entry.DisconnectDeadline = player.DisconnectDeadline.UnixMilli()
		}
		roster = append(roster, entry)
	}

	snapshot := GameSnapshot{
		Code:         l.code,
		Name:         l.name,
		State:        l.state,
		Round:        l.round,
		Options:      l.options,
		Players:      roster,
		RegionFilter: l.regionFilter,
		MaxRounds:    l.cfg.roundLimit,
		MVPIDs:       l.mvpIDsLocked(players),
	}
	if l.target != nil {
		snapshot.TargetCode = l.target.Code
		snapshot.TargetName = l.target.Name
	}
	if !l.timerEndsAt.IsZero() {
		snapshot.TimerEndsAt = l.timerEndsAt.UnixMilli()
	}
	if snapshot.Options == nil {
		snapshot.Options = []RoundOption{}
	}

	return snapshot
}

// mvpIDsLocked returns every player holding the (nonzero) top score.
func (l *Lobby) mvpIDsLocked(players []*Player) []string {
	topScore := 0
	for _, player := range players {
		if player.Score > topScore {
			topScore = player.Score
		}
	}

	ids := []string{}
	if topScore == 0 {
		return ids
	}
	for _, player := range players {
		if player.Score == topScore {
			ids = append(ids, player.ID)
		}
	}
	return ids
}

type client struct {
	conn *websocket.Conn
	send chan any

	// sendMu guards closed: acks are written from the read loop while
	// broadcasts and kicks are written under the lobby mutex, and a send
	// on a closed channel must never happen.
	sendMu sync.Mutex
	closed bool

	// lobby and playerID are bound by create_game/join_game and read by
	// this connection's readPump only.
	lobby    *Lobby
	playerID string
}

// trySend queues a message without ever blocking. Reports false when the
// channel is closed or full.
func (c *client) trySend(msg any) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound channel exactly once, ending writePump.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades a connection and runs its read loop. One connection
// serves at most one (lobby, player) binding at a time.
func serveWS(cfg *Config, registry *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("websocket upgrade failed")
			return
		}

		c := &client{
			conn: conn,
			send: make(chan any, 8),
		}

		go c.writePump()
		c.readPump(registry)
	}
}

func (c *client) readPump(registry *Registry) {
	defer func() {
		if c.lobby != nil {
			c.lobby.handleDisconnect(c)
		}
		c.closeSend()
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.dispatch(registry, msg)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// ack reports one intent's outcome back to the issuing connection. A nil
// err acknowledges success.
func (c *client) ack(id int, err error, mutate func(*AckMessage)) {
	msg := AckMessage{Type: "ack", ID: id, Success: err == nil}
	if err != nil {
		msg.Error = err.Error()
	}
	if mutate != nil {
		mutate(&msg)
	}

	c.trySend(msg)
}

// dispatch routes one inbound intent. Failures never mutate lobby state;
// they only produce a failed ack.
func (c *client) dispatch(registry *Registry, msg ClientMessage) {
	switch msg.Type {
	case "create_game":
		if c.lobby != nil {
			c.ack(msg.ID, validationError("Already in a game"), nil)
			return
		}

		lobby, playerID, err := registry.CreateLobby(msg.Nickname, msg.GameName, msg.RegionFilter)
		if err != nil {
			c.ack(msg.ID, err, nil)
			return
		}

		c.lobby = lobby
		c.playerID = playerID
		lobby.Attach(c)
		c.ack(msg.ID, nil, func(ack *AckMessage) {
			ack.Code = lobby.code
			ack.PlayerID = playerID
		})

	case "join_game":
		if c.lobby != nil {
			c.ack(msg.ID, validationError("Already in a game"), nil)
			return
		}

		lobby := registry.Get(strings.ToUpper(strings.TrimSpace(msg.Code)))
		if lobby == nil {
			c.ack(msg.ID, notFoundError("Game not found"), nil)
			return
		}

		playerID, reconnected, err := lobby.Join(c, msg.Nickname)
		if err != nil {
			c.ack(msg.ID, err, nil)
			return
		}

		c.ack(msg.ID, nil, func(ack *AckMessage) {
			ack.PlayerID = playerID
			ack.Reconnected = reconnected
		})

	case "leave_game":
		if c.lobby == nil {
			c.ack(msg.ID, validationError("Not in a game"), nil)
			return
		}

		c.lobby.Leave(c)
		c.lobby = nil
		c.playerID = ""
		c.ack(msg.ID, nil, nil)

	case "start_game":
		c.ackBound(msg.ID, func(l *Lobby) error {
			return l.Start(c.playerID)
		})

	case "submit_guess":
		c.ackBound(msg.ID, func(l *Lobby) error {
			return l.SubmitGuess(c.playerID, msg.Choice)
		})

	case "set_region_filter":
		c.ackBound(msg.ID, func(l *Lobby) error {
			return l.SetRegionFilter(c.playerID, msg.Filter)
		})

	case "kick_player":
		c.ackBound(msg.ID, func(l *Lobby) error {
			return l.Kick(c.playerID, msg.PlayerID)
		})

	case "resolve_disconnect":
		c.ackBound(msg.ID, func(l *Lobby) error {
			return l.ResolveDisconnect(c.playerID, msg.PlayerID, msg.Action)
		})

	default:
		c.ack(msg.ID, validationError("Unknown intent"), nil)
	}
}

// ackBound runs an intent that requires an existing lobby binding.
func (c *client) ackBound(id int, intent func(*Lobby) error) {
	if c.lobby == nil {
		c.ack(id, validationError("Not in a game"), nil)
		return
	}
	c.ack(id, intent(c.lobby), nil)
}

// qrHandler generates a PNG QR code encoding a lobby's join URL.
func qrHandler(cfg *Config, registry *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))
		if !registry.Has(code) {
			http.Error(w, "unknown game code", http.StatusNotFound)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/game/" + code

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Header().Set("Expires", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
		_, _ = w.Write(png)
	}
}

// registerGame wires the multiplayer endpoints:
//   - /ws            → websocket gateway (create/join happen in-band)
//   - /game/:code/qr → PNG QR code linking to that lobby
func registerGame(cfg *Config, registry *Registry, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, registry))
	mux.GET(cfg.prefix+"/game/:code/qr", qrHandler(cfg, registry))
}

package main

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Lobby phases.
const (
	phaseLobby    = "lobby"
	phasePlaying  = "playing"
	phaseRevealed = "revealed"
	phaseComplete = "complete"
)

// Scoring: the earliest correct answer of a round earns the full award,
// every later correct answer earns one point less.
const (
	firstCorrectPoints = 10
	followupPoints     = 9
)

// Lobby is one game session. All state behind mu; every intent, timer
// callback and disconnect notification locks it, runs to completion and
// broadcasts once, so a round either resolves fully or not at all.
type Lobby struct {
	mu sync.Mutex

	code         string
	name         string
	hostID       string
	regionFilter string

	players   map[string]*Player
	nicknames map[string]string // lowercase nickname -> player ID
	nextSeq   int

	state   string
	round   int
	target  *Country
	options []RoundOption

	// gen increments every time a round is dealt. Timer callbacks carry the
	// generation they were armed for; a mismatch means the game was
	// restarted underneath them and they must not fire, which the round
	// number alone cannot detect (a restart begins at round one again).
	gen int

	roundTimer  *time.Timer
	revealTimer *time.Timer
	timerEndsAt time.Time

	conns map[*client]bool

	cfg     *Config
	catalog *Catalog
	rng     *rand.Rand

	lastActive time.Time

	// onEmpty is invoked (with mu held) when the last player is removed,
	// so the registry can drop this lobby.
	onEmpty func(code string)
}

func newLobby(cfg *Config, catalog *Catalog, code, name, hostNickname, regionFilter string, rng *rand.Rand) (*Lobby, string) {
	if name == "" {
		name = "Untitled Lobby"
	}

	l := &Lobby{
		code:         code,
		name:         name,
		regionFilter: regionFilter,
		players:      make(map[string]*Player),
		nicknames:    make(map[string]string),
		state:        phaseLobby,
		conns:        make(map[*client]bool),
		cfg:          cfg,
		catalog:      catalog,
		rng:          rng,
		lastActive:   time.Now(),
	}

	host := newPlayer(hostNickname, l.nextSeq)
	l.nextSeq++
	l.players[host.ID] = host
	l.nicknames[strings.ToLower(hostNickname)] = host.ID
	l.hostID = host.ID

	return l, host.ID
}

func (l *Lobby) touchLocked() {
	l.lastActive = time.Now()
}

func (l *Lobby) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActive
}

// Attach registers a live connection with this lobby and sends it the
// current state.
func (l *Lobby) Attach(c *client) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()
	l.conns[c] = true
	l.broadcastLocked()
}

// Join adds a new player, or reconnects a disconnected one matched by
// nickname (case-insensitive).
func (l *Lobby) Join(c *client, nickname string) (playerID string, reconnected bool, err error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return "", false, validationError("Nickname required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()

	if existingID, ok := l.nicknames[strings.ToLower(nickname)]; ok {
		player := l.players[existingID]
		if player.Connected {
			return "", false, conflictError("Nickname already taken")
		}

		player.cancelGrace()
		player.Connected = true
		if l.state == phaseLobby {
			player.Status = statusLobby
		} else {
			player.Status = statusPlaying
		}

		l.conns[c] = true
		c.lobby = l
		c.playerID = player.ID

		logrus.WithFields(logrus.Fields{"lobby": l.code, "player": player.Nickname}).Info("player reconnected")
		l.broadcastLocked()
		return player.ID, true, nil
	}

	if l.state != phaseLobby {
		return "", false, conflictError("Game already started")
	}

	player := newPlayer(nickname, l.nextSeq)
	l.nextSeq++
	l.players[player.ID] = player
	l.nicknames[strings.ToLower(nickname)] = player.ID

	l.conns[c] = true
	c.lobby = l
	c.playerID = player.ID

	logrus.WithFields(logrus.Fields{"lobby": l.code, "player": player.Nickname}).Info("player joined")
	l.broadcastLocked()
	return player.ID, false, nil
}

// Leave removes the caller's player and severs its connection binding.
func (l *Lobby) Leave(c *client) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()

	if l.conns[c] {
		delete(l.conns, c)
	}

	resolved := false
	if player, ok := l.players[c.playerID]; ok {
		logrus.WithFields(logrus.Fields{"lobby": l.code, "player": player.Nickname}).Info("player left")
		resolved = l.removePlayerLocked(player)
	}

	if len(l.players) > 0 && !resolved {
		l.broadcastLocked()
	}
}

// Start begins a fresh game: scores to zero, round one dealt. Host only.
func (l *Lobby) Start(requesterID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()

	if requesterID != l.hostID {
		return permissionError("Only host can start")
	}
	if len(l.players) == 0 {
		return validationError("Need at least one player")
	}

	for _, player := range l.players {
		player.Score = 0
	}
	l.round = 1

	logrus.WithFields(logrus.Fields{"lobby": l.code}).Info("game started")
	l.startRoundLocked("")
	return nil
}

// SubmitGuess records a player's single answer for the current round. The
// response window is armed by the first guess of the round and never reset.
func (l *Lobby) SubmitGuess(playerID, choice string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()

	if l.state != phasePlaying {
		return stateError("Not accepting guesses")
	}

	player, ok := l.players[playerID]
	if !ok {
		return notFoundError("Player not part of game")
	}
	if !player.Connected {
		return stateError("Player disconnected")
	}
	if player.HasAnswered {
		return stateError("Already answered")
	}
	if choice == "" {
		return validationError("Choice required")
	}

	player.LastChoice = choice
	player.HasAnswered = true
	player.AnswerAt = time.Now()
	player.Status = statusAnswered

	if l.roundTimer == nil {
		gen := l.gen
		l.timerEndsAt = time.Now().Add(l.cfg.guessWindow)
		l.roundTimer = time.AfterFunc(l.cfg.guessWindow, func() {
			l.timeoutRound(gen)
		})
	}

	if !l.maybeResolveLocked() {
		l.broadcastLocked()
	}
	return nil
}

// SetRegionFilter changes which regions the next dealt round draws from.
// Host only; not phase-restricted.
func (l *Lobby) SetRegionFilter(requesterID, filter string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()

	if requesterID != l.hostID {
		return permissionError("Only host can change region")
	}
	if !validFilter(filter) {
		return validationError("Unknown region")
	}

	l.regionFilter = filter
	l.broadcastLocked()
	return nil
}

// Kick removes a player at the host's request, notifying and severing any
// live connection the player still holds.
func (l *Lobby) Kick(requesterID, targetID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()

	if requesterID != l.hostID {
		return permissionError("Only host can kick")
	}
	target, ok := l.players[targetID]
	if !ok {
		return notFoundError("Player not in lobby")
	}

	l.severLocked(targetID)
	logrus.WithFields(logrus.Fields{"lobby": l.code, "player": target.Nickname}).Info("player kicked")
	resolved := l.removePlayerLocked(target)

	if len(l.players) > 0 && !resolved {
		l.broadcastLocked()
	}
	return nil
}

// ResolveDisconnect is the host's choice for a disconnected player: kick
// immediately, or start a grace timer awaiting reconnection.
func (l *Lobby) ResolveDisconnect(requesterID, targetID, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()

	if requesterID != l.hostID {
		return permissionError("Only host can decide")
	}
	target, ok := l.players[targetID]
	if !ok {
		return notFoundError("Player not found")
	}

	switch action {
	case "kick":
		l.severLocked(targetID)
		resolved := l.removePlayerLocked(target)
		if len(l.players) > 0 && !resolved {
			l.broadcastLocked()
		}
		return nil
	case "wait":
		if target.Connected {
			return stateError("Player is connected")
		}
		target.AwaitingHostDecision = false
		target.DisconnectDeadline = time.Now().Add(l.cfg.disconnectGrace)
		if target.graceTimer != nil {
			target.graceTimer.Stop()
		}
		target.graceTimer = time.AfterFunc(l.cfg.disconnectGrace, func() {
			l.expireGrace(targetID)
		})
		l.broadcastLocked()
		return nil
	default:
		return validationError("Unknown action")
	}
}

// handleDisconnect reacts to a transport-level connection loss. The player
// record survives, flagged for a host decision; removal only happens via
// kick or grace expiry.
func (l *Lobby) handleDisconnect(c *client) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.touchLocked()

	if !l.conns[c] {
		return
	}
	delete(l.conns, c)

	player, ok := l.players[c.playerID]
	if !ok {
		return
	}

	// A reconnected player may still have a stale connection going away.
	for other := range l.conns {
		if other.playerID == player.ID {
			return
		}
	}

	player.Connected = false
	player.Status = statusDisconnected
	player.AwaitingHostDecision = true
	player.DisconnectDeadline = time.Time{}

	if l.hostID == player.ID {
		l.transferHostLocked(player.ID, false)
	}

	logrus.WithFields(logrus.Fields{"lobby": l.code, "player": player.Nickname}).Info("player disconnected")

	if !l.maybeResolveLocked() {
		l.broadcastLocked()
	}
}

// expireGrace fires when a disconnect grace period lapses without a
// reconnection.
func (l *Lobby) expireGrace(playerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	player, ok := l.players[playerID]
	if !ok || player.Connected {
		return
	}

	logrus.WithFields(logrus.Fields{"lobby": l.code, "player": player.Nickname}).Info("grace period expired")
	resolved := l.removePlayerLocked(player)

	if len(l.players) > 0 && !resolved {
		l.broadcastLocked()
	}
}

// timeoutRound fires when the response window elapses. The generation guard
// discards stale timers that lost the race against resolution or a restart.
func (l *Lobby) timeoutRound(gen int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != phasePlaying || l.gen != gen {
		return
	}
	l.resolveRoundLocked()
}

// advanceAfterReveal deals the next round or completes the game after the
// post-reveal pause.
func (l *Lobby) advanceAfterReveal(gen int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != phaseRevealed || l.gen != gen {
		return
	}

	if l.round >= l.cfg.roundLimit {
		l.state = phaseComplete
		l.timerEndsAt = time.Time{}
		logrus.WithFields(logrus.Fields{"lobby": l.code}).Info("game complete")
		l.broadcastLocked()
		return
	}

	l.round++
	exclude := ""
	if l.target != nil {
		exclude = l.target.Code
	}
	l.startRoundLocked(exclude)
}

// startRoundLocked deals a fresh round. Pending timers from the previous
// phase are always canceled first.
func (l *Lobby) startRoundLocked(excludeCode string) {
	l.stopTimersLocked()

	l.gen++
	l.state = phasePlaying
	pool := l.catalog.Filter(l.regionFilter)
	round := l.catalog.BuildRound(pool, excludeCode, l.rng)
	target := round.Target
	l.target = &target
	l.options = round.Options

	for _, player := range l.players {
		player.resetForRound(false)
	}

	l.broadcastLocked()
}

// maybeResolveLocked resolves the round once every connected player has
// answered, reporting whether it did. Re-checked after guesses, disconnects
// and removals.
func (l *Lobby) maybeResolveLocked() bool {
	if l.state != phasePlaying {
		return false
	}

	connected := 0
	for _, player := range l.players {
		if !player.Connected {
			continue
		}
		connected++
		if !player.HasAnswered {
			return false
		}
	}
	if connected == 0 {
		return false
	}

	l.resolveRoundLocked()
	return true
}

// resolveRoundLocked evaluates all guesses in a single atomic step, applies
// score deltas and moves to the reveal phase.
func (l *Lobby) resolveRoundLocked() {
	l.stopTimersLocked()

	correct := make([]*Player, 0, len(l.players))
	for _, player := range l.players {
		if !player.Connected {
			continue
		}
		if player.LastChoice == l.target.Code {
			correct = append(correct, player)
		} else {
			player.Status = statusWrong
		}
	}

	sort.Slice(correct, func(i, j int) bool {
		if !correct[i].AnswerAt.Equal(correct[j].AnswerAt) {
			return correct[i].AnswerAt.Before(correct[j].AnswerAt)
		}
		return strings.ToLower(correct[i].Nickname) < strings.ToLower(correct[j].Nickname)
	})

	for i, player := range correct {
		if i == 0 {
			player.Score += firstCorrectPoints
		} else {
			player.Score += followupPoints
		}
		player.Status = statusCorrect
	}

	l.state = phaseRevealed
	l.timerEndsAt = time.Time{}

	logrus.WithFields(logrus.Fields{
		"lobby":   l.code,
		"round":   l.round,
		"target":  l.target.Code,
		"correct": len(correct),
	}).Debug("round resolved")

	l.broadcastLocked()

	gen := l.gen
	l.revealTimer = time.AfterFunc(l.cfg.revealDelay, func() {
		l.advanceAfterReveal(gen)
	})
}

// removePlayerLocked deletes a player outright, transferring host status
// and possibly resolving the current round or emptying the lobby. Reports
// whether removal resolved the round (and thus already broadcast).
func (l *Lobby) removePlayerLocked(player *Player) bool {
	player.cancelGrace()

	delete(l.players, player.ID)
	delete(l.nicknames, strings.ToLower(player.Nickname))

	if l.hostID == player.ID {
		l.transferHostLocked(player.ID, true)
	}

	if len(l.players) == 0 {
		l.stopTimersLocked()
		if l.onEmpty != nil {
			l.onEmpty(l.code)
		}
		return false
	}

	return l.maybeResolveLocked()
}

// transferHostLocked reassigns host status to the earliest-joined remaining
// connected player. Removal passes fallbackAny so the role survives a
// fully-disconnected roster; a plain disconnect does not, leaving host
// status with the departing player so it is restored on reconnect.
func (l *Lobby) transferHostLocked(departingID string, fallbackAny bool) {
	var connectedPick, anyPick *Player
	for _, candidate := range l.players {
		if candidate.ID == departingID {
			continue
		}
		if anyPick == nil || candidate.joinSeq < anyPick.joinSeq {
			anyPick = candidate
		}
		if candidate.Connected && (connectedPick == nil || candidate.joinSeq < connectedPick.joinSeq) {
			connectedPick = candidate
		}
	}

	switch {
	case connectedPick != nil:
		l.hostID = connectedPick.ID
	case !fallbackAny:
		// Disconnected host keeps the role until removed.
	case anyPick != nil:
		l.hostID = anyPick.ID
	default:
		l.hostID = ""
	}
}

// stopTimersLocked cancels the round and reveal timers so nothing fires
// against a stale round.
func (l *Lobby) stopTimersLocked() {
	if l.roundTimer != nil {
		l.roundTimer.Stop()
		l.roundTimer = nil
	}
	if l.revealTimer != nil {
		l.revealTimer.Stop()
		l.revealTimer = nil
	}
	l.timerEndsAt = time.Time{}
}

// severLocked notifies and closes every live connection bound to a player.
func (l *Lobby) severLocked(playerID string) {
	for c := range l.conns {
		if c.playerID != playerID {
			continue
		}
		c.trySend(KickedMessage{Type: "game:kicked"})
		delete(l.conns, c)
		c.closeSend()
	}
}

// closeAll severs every connection and cancels every timer. Used by the
// registry reaper.
func (l *Lobby) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopTimersLocked()
	for _, player := range l.players {
		player.cancelGrace()
	}
	for c := range l.conns {
		c.closeSend()
		_ = c.conn.Close()
		delete(l.conns, c)
	}
}

// broadcastLocked fans the canonical snapshot out to every connection in
// the lobby. Clients that cannot keep up are dropped.
func (l *Lobby) broadcastLocked() {
	msg := GameStateMessage{Type: "game:state", Game: l.snapshotLocked()}
	for c := range l.conns {
		if !c.trySend(msg) {
			delete(l.conns, c)
			c.closeSend()
		}
	}
}

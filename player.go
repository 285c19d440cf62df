package main

import (
	"time"

	"github.com/google/uuid"
)

// Player statuses as broadcast to clients.
const (
	statusLobby        = "lobby"
	statusPlaying      = "playing"
	statusAnswered     = "answered"
	statusCorrect      = "correct"
	statusWrong        = "wrong"
	statusDisconnected = "disconnected"
)

// Player is one participant in a lobby. A Player is owned exclusively by its
// Lobby and is only ever touched while the lobby mutex is held.
type Player struct {
	ID       string
	Nickname string
	Score    int
	Status   string

	Connected            bool
	AwaitingHostDecision bool
	DisconnectDeadline   time.Time

	LastChoice  string
	HasAnswered bool
	AnswerAt    time.Time

	// joinSeq orders players by arrival; host transfer picks the
	// earliest-joined connected player.
	joinSeq int

	graceTimer *time.Timer
}

func newPlayer(nickname string, joinSeq int) *Player {
	return &Player{
		ID:        uuid.NewString(),
		Nickname:  nickname,
		Status:    statusLobby,
		Connected: true,
		joinSeq:   joinSeq,
	}
}

// cancelGrace stops a pending removal timer and clears the disconnect
// bookkeeping. Safe to call when no timer is armed.
func (p *Player) cancelGrace() {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.DisconnectDeadline = time.Time{}
	p.AwaitingHostDecision = false
}

// resetForRound clears per-round answer state. Connected players get the
// status matching the lobby phase; disconnected players keep theirs.
func (p *Player) resetForRound(inLobby bool) {
	p.LastChoice = ""
	p.HasAnswered = false
	p.AnswerAt = time.Time{}
	if p.Connected {
		if inLobby {
			p.Status = statusLobby
		} else {
			p.Status = statusPlaying
		}
	}
}

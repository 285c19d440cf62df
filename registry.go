package main

import (
	cryptorand "crypto/rand"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 4
)

// Registry owns the process-wide mapping from join codes to lobbies. A
// Registry is self-contained; tests build their own instances.
type Registry struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby

	cfg     *Config
	catalog *Catalog
}

func newRegistry(cfg *Config, catalog *Catalog) *Registry {
	r := &Registry{
		lobbies: make(map[string]*Lobby),
		cfg:     cfg,
		catalog: catalog,
	}
	if cfg.lobbyTimeout > 0 {
		go r.reaperLoop()
	}
	return r
}

// CreateLobby allocates a fresh code, builds the lobby with its host player
// and registers it. The hostNickname must not trim to empty.
func (r *Registry) CreateLobby(hostNickname, lobbyName, regionFilter string) (*Lobby, string, error) {
	hostNickname = strings.TrimSpace(hostNickname)
	if hostNickname == "" {
		return nil, "", validationError("Nickname required")
	}
	if regionFilter == "" {
		regionFilter = "all"
	}
	if !validFilter(regionFilter) {
		return nil, "", validationError("Unknown region")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	r.mu.Lock()
	defer r.mu.Unlock()

	code := r.newCodeLocked()
	lobby, hostID := newLobby(r.cfg, r.catalog, code, strings.TrimSpace(lobbyName), hostNickname, regionFilter, rng)
	lobby.onEmpty = r.drop
	r.lobbies[code] = lobby

	logrus.WithFields(logrus.Fields{"lobby": code, "host": hostNickname}).Info("lobby created")
	return lobby, hostID, nil
}

// Get looks a lobby up by its join code.
func (r *Registry) Get(code string) *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lobbies[code]
}

// Has reports whether a code is currently allocated.
func (r *Registry) Has(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lobbies[code]
	return ok
}

// RemoveIfEmpty drops a lobby whose roster has emptied out.
func (r *Registry) RemoveIfEmpty(code string) {
	lobby := r.Get(code)
	if lobby == nil {
		return
	}

	lobby.mu.Lock()
	empty := len(lobby.players) == 0
	if empty {
		lobby.stopTimersLocked()
	}
	lobby.mu.Unlock()

	if empty {
		r.drop(code)
	}
}

// drop deletes a registry entry. Called by lobbies (with their own mutex
// held) when their last player is removed, so it must never lock a lobby.
func (r *Registry) drop(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.lobbies[code]; ok {
		delete(r.lobbies, code)
		logrus.WithFields(logrus.Fields{"lobby": code}).Info("lobby removed")
	}
}

// newCodeLocked draws random 4-character codes until one is free. Collisions
// are retried, never surfaced.
func (r *Registry) newCodeLocked() string {
	for {
		buf := make([]byte, codeLength)
		if _, err := cryptorand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		out := make([]byte, codeLength)
		for i := range out {
			out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(out)

		if _, exists := r.lobbies[code]; !exists {
			return code
		}
	}
}

// reaperLoop periodically removes lobbies that have been idle longer than
// the configured timeout.
func (r *Registry) reaperLoop() {
	ticker := time.NewTicker(r.cfg.lobbyTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-r.cfg.lobbyTimeout)

		r.mu.Lock()
		candidates := make([]*Lobby, 0, len(r.lobbies))
		for _, lobby := range r.lobbies {
			candidates = append(candidates, lobby)
		}
		r.mu.Unlock()

		for _, lobby := range candidates {
			if lobby.idleSince().Before(cutoff) {
				logrus.WithFields(logrus.Fields{"lobby": lobby.code}).Info("lobby reaped")
				r.drop(lobby.code)
				go lobby.closeAll()
			}
		}
	}
}

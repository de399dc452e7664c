// ABOUTME: In-memory registry of online participants per room
// ABOUTME: Process-local by design; horizontal scaling needs an external store

package presence

import (
	"log/slog"
	"sort"
	"sync"
)

// Departure records one (room, user) pair vacated during connection cleanup.
type Departure struct {
	RoomID string
	UserID string
}

// Tracker maps rooms to online users to their live connections. A user can
// hold several connections in one room (multiple tabs) and entries in several
// rooms through one connection; a dying connection is scrubbed everywhere.
//
// The registry is process-local mutable state. Mutations are atomic under one
// lock, but there is no cross-instance synchronization: running more than one
// gateway process requires sticky routing per room or an external presence
// store.
type Tracker struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]map[string]struct{} // roomID -> userID -> connID set
	logger *slog.Logger
}

// NewTracker creates an empty presence tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		rooms:  make(map[string]map[string]map[string]struct{}),
		logger: logger.With("component", "presence"),
	}
}

// Join records a connection entering a room. Returns the updated roster and
// whether this made the user newly online in the room (first connection).
func (t *Tracker) Join(roomID, userID, connID string) (online []string, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.rooms[roomID]
	if !ok {
		users = make(map[string]map[string]struct{})
		t.rooms[roomID] = users
	}
	conns, ok := users[userID]
	if !ok {
		conns = make(map[string]struct{})
		users[userID] = conns
		first = true
	}
	conns[connID] = struct{}{}

	t.logger.Debug("presence join",
		"room_id", roomID, "user_id", userID, "conn_id", connID, "first", first)
	return t.rosterLocked(roomID), first
}

// Leave records a connection leaving a room. Returns the updated roster and
// whether the user is now fully offline in the room (last connection gone).
func (t *Tracker) Leave(roomID, userID, connID string) (online []string, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last = t.leaveLocked(roomID, userID, connID)
	return t.rosterLocked(roomID), last
}

// Cleanup removes every entry held by a dying connection across all rooms.
// Returns the (room, user) pairs where the user went fully offline.
func (t *Tracker) Cleanup(connID string) []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	var departed []Departure
	for roomID, users := range t.rooms {
		for userID, conns := range users {
			if _, ok := conns[connID]; !ok {
				continue
			}
			if t.leaveLocked(roomID, userID, connID) {
				departed = append(departed, Departure{RoomID: roomID, UserID: userID})
			}
		}
	}

	if len(departed) > 0 {
		t.logger.Debug("presence cleanup", "conn_id", connID, "departed_rooms", len(departed))
	}
	return departed
}

// Connections returns every live connection ID in a room, optionally
// excluding one user's connections. Used by the hub for room fan-out.
func (t *Tracker) Connections(roomID, exceptUserID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var conns []string
	for userID, set := range t.rooms[roomID] {
		if userID == exceptUserID {
			continue
		}
		for connID := range set {
			conns = append(conns, connID)
		}
	}
	return conns
}

// Online returns the sorted roster of a room.
func (t *Tracker) Online(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rosterLocked(roomID)
}

// leaveLocked removes one connection entry. Returns true if the user has no
// connections left in the room. Must be called with mu held.
func (t *Tracker) leaveLocked(roomID, userID, connID string) bool {
	users, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	conns, ok := users[userID]
	if !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

// rosterLocked returns the sorted user list for a room. Must be called with
// mu held (read or write).
func (t *Tracker) rosterLocked(roomID string) []string {
	users := t.rooms[roomID]
	online := make([]string, 0, len(users))
	for userID := range users {
		online = append(online, userID)
	}
	sort.Strings(online)
	return online
}

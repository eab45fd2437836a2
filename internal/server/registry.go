package server

import (
	"sync"
	"time"
)

// member is the registry's view of a session joined to a room.
type member struct {
	session  *clientSession
	username string
	roomID   uint
}

type recipient struct {
	session  *clientSession
	username string
}

// roomEviction lists the sessions removed from one stale room.
type roomEviction struct {
	roomID   uint
	idle     time.Duration
	sessions []*clientSession
}

// Registry is the shared table of live connections, joined sessions and
// per-room last activity.
//
// Every method holds mu for the whole call and never performs I/O. A room has
// an activity entry exactly while at least one registered session is in it.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*clientSession
	sessions map[string]member
	activity map[uint]time.Time
	counts   map[uint]int
	closed   bool
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*clientSession),
		sessions: make(map[string]member),
		activity: make(map[uint]time.Time),
		counts:   make(map[uint]int),
		now:      time.Now,
	}
}

// Attach tracks a live connection so shutdown can reach it.
func (r *Registry) Attach(s *clientSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRegistryClosed
	}
	r.conns[s.id] = s
	return nil
}

// Detach forgets a connection and removes it from its room, if any.
func (r *Registry) Detach(id string) (member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return r.removeLocked(id)
}

// Register places s in roomID, moving it out of any previous room, and marks
// the room active.
func (r *Registry) Register(s *clientSession, username string, roomID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRegistryClosed
	}
	if s.isEvicted() {
		return errSessionClosed
	}

	if prev, ok := r.sessions[s.id]; ok {
		if prev.roomID == roomID {
			r.touchLocked(roomID)
			return nil
		}
		r.removeLocked(s.id)
	}

	r.sessions[s.id] = member{session: s, username: username, roomID: roomID}
	r.counts[roomID]++
	r.touchLocked(roomID)
	return nil
}

// Leave removes the session from its room but keeps the connection tracked.
func (r *Registry) Leave(id string) (member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// TouchAndSnapshot marks roomID active and returns every other session in it.
// It reports false when senderID is not registered in roomID, in which case
// nothing is touched.
func (r *Registry) TouchAndSnapshot(roomID uint, senderID string) ([]recipient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.sessions[senderID]; !ok || m.roomID != roomID {
		return nil, false
	}
	r.touchLocked(roomID)

	out := make([]recipient, 0, r.counts[roomID])
	for id, m := range r.sessions {
		if m.roomID == roomID && id != senderID {
			out = append(out, recipient{session: m.session, username: m.username})
		}
	}
	return out, true
}

// Expire removes every room idle for longer than timeout together with its
// sessions. Removed sessions are marked so they cannot register again.
func (r *Registry) Expire(timeout time.Duration) []roomEviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []roomEviction
	for roomID, last := range r.activity {
		if idle := now.Sub(last); idle > timeout {
			out = append(out, roomEviction{roomID: roomID, idle: idle, sessions: r.evictRoomLocked(roomID)})
		}
	}
	return out
}

// EvictRoom removes every session in roomID and the room's activity entry.
func (r *Registry) EvictRoom(roomID uint) []*clientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictRoomLocked(roomID)
}

// Drain empties the registry and refuses further attachments. It returns every
// live connection.
func (r *Registry) Drain() []*clientSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	out := make([]*clientSession, 0, len(r.conns))
	for _, s := range r.conns {
		s.markEvicted()
		out = append(out, s)
	}
	r.conns = make(map[string]*clientSession)
	r.sessions = make(map[string]member)
	r.activity = make(map[uint]time.Time)
	r.counts = make(map[uint]int)
	return out
}

// Len returns the number of sessions joined to a room.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Connections returns the number of tracked connections.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Activity returns the last activity of roomID.
func (r *Registry) Activity(roomID uint) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.activity[roomID]
	return t, ok
}

// Members returns how many sessions are in roomID.
func (r *Registry) Members(roomID uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[roomID]
}

// Contains reports whether the session is joined to a room.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) touchLocked(roomID uint) {
	now := r.now()
	if last, ok := r.activity[roomID]; !ok || now.After(last) {
		r.activity[roomID] = now
	}
}

func (r *Registry) removeLocked(id string) (member, bool) {
	m, ok := r.sessions[id]
	if !ok {
		return member{}, false
	}
	delete(r.sessions, id)
	r.counts[m.roomID]--
	if r.counts[m.roomID] <= 0 {
		delete(r.counts, m.roomID)
		delete(r.activity, m.roomID)
	}
	return m, true
}

func (r *Registry) evictRoomLocked(roomID uint) []*clientSession {
	var out []*clientSession
	for id, m := range r.sessions {
		if m.roomID != roomID {
			continue
		}
		m.session.markEvicted()
		delete(r.sessions, id)
		out = append(out, m.session)
	}
	delete(r.counts, roomID)
	delete(r.activity, roomID)
	return out
}

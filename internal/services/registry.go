package services

import (
	"sort"
	"sync"
)

// Transport is a live connection the gateway can push events to.
type Transport interface {
	ConnID() string
	Deliver(msg WebSocketMessage) bool
}

type registryEntry struct {
	handle   Transport
	sessions map[uint]struct{}
}

// ConnectionRegistry maps a user to its single live transport and tracks which
// sessions that transport has joined. It performs no I/O; the last Register
// for a user wins and the superseded handle simply stops receiving events.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	users   map[uint]*registryEntry
	members map[uint]map[uint]struct{}
}

// NewConnectionRegistry 创建连接注册表
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		users:   make(map[uint]*registryEntry),
		members: make(map[uint]map[uint]struct{}),
	}
}

// Register binds handle to userID and returns the handle it replaced, if any.
// Sessions joined by the previous handle carry over.
func (r *ConnectionRegistry) Register(userID uint, handle Transport) Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.users[userID]; ok {
		prev := entry.handle
		entry.handle = handle
		if prev == handle {
			return nil
		}
		return prev
	}
	r.users[userID] = &registryEntry{handle: handle, sessions: make(map[uint]struct{})}
	return nil
}

// Unregister drops userID and all of its session memberships.
func (r *ConnectionRegistry) Unregister(userID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(userID)
}

// UnregisterHandle removes userID only while handle is still the current
// transport, so a superseded connection closing late cannot evict its
// replacement.
func (r *ConnectionRegistry) UnregisterHandle(userID uint, handle Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok || entry.handle != handle {
		return false
	}
	r.removeLocked(userID)
	return true
}

func (r *ConnectionRegistry) removeLocked(userID uint) {
	entry, ok := r.users[userID]
	if !ok {
		return
	}
	for sid := range entry.sessions {
		if set, ok := r.members[sid]; ok {
			delete(set, userID)
			if len(set) == 0 {
				delete(r.members, sid)
			}
		}
	}
	delete(r.users, userID)
}

// Lookup returns the live transport of userID.
func (r *ConnectionRegistry) Lookup(userID uint) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	return entry.handle, true
}

// Join records that userID's transport is a member of sessionID. It is a no-op
// for users without a registered transport.
func (r *ConnectionRegistry) Join(userID, sessionID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return false
	}
	entry.sessions[sessionID] = struct{}{}
	set, ok := r.members[sessionID]
	if !ok {
		set = make(map[uint]struct{})
		r.members[sessionID] = set
	}
	set[userID] = struct{}{}
	return true
}

// Leave removes userID from sessionID.
func (r *ConnectionRegistry) Leave(userID, sessionID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.users[userID]; ok {
		delete(entry.sessions, sessionID)
	}
	if set, ok := r.members[sessionID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(r.members, sessionID)
		}
	}
}

// CloseSession drops every membership of sessionID.
func (r *ConnectionRegistry) CloseSession(sessionID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID := range r.members[sessionID] {
		if entry, ok := r.users[userID]; ok {
			delete(entry.sessions, sessionID)
		}
	}
	delete(r.members, sessionID)
}

// SessionMembers returns the users currently joined to sessionID, sorted.
func (r *ConnectionRegistry) SessionMembers(sessionID uint) []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[sessionID]
	out := make([]uint, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SessionsOf returns the sessions joined by userID, sorted.
func (r *ConnectionRegistry) SessionsOf(userID uint) []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]uint, 0, len(entry.sessions))
	for sid := range entry.sessions {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsMember reports whether userID has joined sessionID.
func (r *ConnectionRegistry) IsMember(userID, sessionID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID][userID]
	return ok
}

// Count returns the number of connected users.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

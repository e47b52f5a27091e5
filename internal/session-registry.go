package sessioncontroller

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash"
)

const sessionShardCount = 32

// CloseNotifier observes every session removed from the registry together
// with the reason it was removed. It is invoked exactly once per removed
// session, outside the registry's locks.
type CloseNotifier func(session *UserSession, reason CloseReason)

// SessionRegistryConfig selects the uniqueness policy for sessions.
type SessionRegistryConfig struct {

	// TreatUserIDAndDeviceTypeAsUniqueUser, when true, allows one session
	// per (userId, deviceType) pair; when false, a user holds at most one
	// session on this node regardless of device type.
	TreatUserIDAndDeviceTypeAsUniqueUser bool
}

// SessionRegistry is the per-gateway table of connected device sessions.
//
// It is the most contended structure on a gateway node: new-connection
// handlers, heartbeat updates and inbound RPC handlers all mutate it
// concurrently. Sessions are partitioned into shards by user id so there is
// no global lock; every single-key operation is atomic within its shard.
type SessionRegistry struct {
	treatDevicePairAsUnique bool
	notifier                CloseNotifier
	shards                  [sessionShardCount]*sessionShard
}

type sessionShard struct {
	rw       sync.RWMutex
	sessions map[int64]map[DeviceType]*UserSession
}

// NewSessionRegistry returns a SessionRegistry with the provided uniqueness
// policy. A nil notifier disables close notifications.
func NewSessionRegistry(cfg SessionRegistryConfig, notifier CloseNotifier) *SessionRegistry {
	if notifier == nil {
		notifier = func(*UserSession, CloseReason) {}
	}

	r := &SessionRegistry{
		treatDevicePairAsUnique: cfg.TreatUserIDAndDeviceTypeAsUniqueUser,
		notifier:                notifier,
	}
	for i := range r.shards {
		r.shards[i] = &sessionShard{
			sessions: map[int64]map[DeviceType]*UserSession{},
		}
	}
	return r
}

func (r *SessionRegistry) shardFor(userID int64) *sessionShard {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(userID))
	return r.shards[xxhash.Sum64(key[:])%sessionShardCount]
}

// Put registers the session, atomically replacing any sessions that conflict
// with it under the active uniqueness policy.
//
// Replaced sessions are returned and each triggers exactly one
// CloseStatusDuplicateLogin notification. When a conflicting session carries
// a higher Version the put is the stale writer: it is dropped without error
// (last-writer-wins) and accepted is false.
func (r *SessionRegistry) Put(session *UserSession) (replaced []*UserSession, accepted bool) {
	shard := r.shardFor(session.UserID)

	shard.rw.Lock()

	devices, ok := shard.sessions[session.UserID]
	if !ok {
		devices = map[DeviceType]*UserSession{}
		shard.sessions[session.UserID] = devices
	}

	var conflicts []*UserSession
	if r.treatDevicePairAsUnique {
		if existing, ok := devices[session.DeviceType]; ok {
			conflicts = append(conflicts, existing)
		}
	} else {
		for _, existing := range devices {
			conflicts = append(conflicts, existing)
		}
	}

	for _, existing := range conflicts {
		if existing.Version > session.Version {
			shard.rw.Unlock()
			return nil, false
		}
	}

	for _, existing := range conflicts {
		delete(devices, existing.DeviceType)
		replaced = append(replaced, existing)
	}
	devices[session.DeviceType] = session

	shard.rw.Unlock()

	reason := NewCloseReason(CloseStatusDuplicateLogin)
	for _, s := range replaced {
		r.notifier(s, reason)
	}

	return replaced, true
}

// Get returns all sessions currently held for the user.
func (r *SessionRegistry) Get(userID int64) []*UserSession {
	shard := r.shardFor(userID)

	defer shard.rw.RUnlock()
	shard.rw.RLock()

	devices := shard.sessions[userID]
	if len(devices) == 0 {
		return nil
	}

	sessions := make([]*UserSession, 0, len(devices))
	for _, s := range devices {
		sessions = append(sessions, s)
	}
	return sessions
}

// GetByDeviceType returns the user's session for the given device type.
func (r *SessionRegistry) GetByDeviceType(userID int64, deviceType DeviceType) (*UserSession, bool) {
	shard := r.shardFor(userID)

	defer shard.rw.RUnlock()
	shard.rw.RLock()

	s, ok := shard.sessions[userID][deviceType]
	return s, ok
}

// Remove removes the user's session for the given device type and reports
// whether one existed.
func (r *SessionRegistry) Remove(userID int64, deviceType DeviceType, reason CloseReason) bool {
	shard := r.shardFor(userID)

	shard.rw.Lock()

	devices := shard.sessions[userID]
	session, ok := devices[deviceType]
	if ok {
		delete(devices, deviceType)
		if len(devices) == 0 {
			delete(shard.sessions, userID)
		}
	}

	shard.rw.Unlock()

	if !ok {
		return false
	}

	r.notifier(session, reason)
	return true
}

// RemoveAll removes every session the user holds and returns how many were
// removed.
func (r *SessionRegistry) RemoveAll(userID int64, reason CloseReason) int {
	shard := r.shardFor(userID)

	shard.rw.Lock()

	devices := shard.sessions[userID]
	removed := make([]*UserSession, 0, len(devices))
	for _, s := range devices {
		removed = append(removed, s)
	}
	delete(shard.sessions, userID)

	shard.rw.Unlock()

	for _, s := range removed {
		r.notifier(s, reason)
	}

	return len(removed)
}

// RemoveAllSessions tears down every session held on this node, notifying
// the close observer for each one, and returns how many were removed. It is
// the shutdown drain path.
func (r *SessionRegistry) RemoveAllSessions(reason CloseReason) int {
	total := 0

	for _, shard := range r.shards {
		shard.rw.Lock()

		var removed []*UserSession
		for _, devices := range shard.sessions {
			for _, s := range devices {
				removed = append(removed, s)
			}
		}
		shard.sessions = map[int64]map[DeviceType]*UserSession{}

		shard.rw.Unlock()

		for _, s := range removed {
			r.notifier(s, reason)
		}
		total += len(removed)
	}

	return total
}

// UpdateHeartbeat touches the session's heartbeat timestamp and reports
// whether the session existed.
func (r *SessionRegistry) UpdateHeartbeat(userID int64, deviceType DeviceType) bool {
	shard := r.shardFor(userID)

	defer shard.rw.Unlock()
	shard.rw.Lock()

	s, ok := shard.sessions[userID][deviceType]
	if !ok {
		return false
	}

	s.LastHeartbeat = time.Now()
	return true
}

// Count returns the number of sessions held on this node.
func (r *SessionRegistry) Count() int {
	count := 0
	for _, shard := range r.shards {
		shard.rw.RLock()
		for _, devices := range shard.sessions {
			count += len(devices)
		}
		shard.rw.RUnlock()
	}
	return count
}

// CountUsers returns the number of distinct users with at least one session
// on this node.
func (r *SessionRegistry) CountUsers() int {
	count := 0
	for _, shard := range r.shards {
		shard.rw.RLock()
		count += len(shard.sessions)
		shard.rw.RUnlock()
	}
	return count
}

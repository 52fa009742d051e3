// Package state owns the server-side session registry. All session
// mutation goes through the Manager so broadcasts can iterate a
// point-in-time snapshot without mutate-during-iterate hazards.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/stormtheory/packhowl/internal/types"
	"github.com/stormtheory/packhowl/pkg/protocol"
)

type Manager struct {
	mu       sync.RWMutex
	maxUsers int
	sessions map[string]*types.PeerSession // key = certificate CN
}

func NewManager(maxUsers int) *Manager {
	return &Manager{
		maxUsers: maxUsers,
		sessions: make(map[string]*types.PeerSession),
	}
}

// Register adds a session to the registry. A reconnect with an identity
// that is still registered evicts the prior session (returned so the
// caller can close its connection). Returns ErrAtCapacity when the
// registry is full and the identity is not already present.
func (m *Manager) Register(sess *types.PeerSession) (evicted *types.PeerSession, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior, exists := m.sessions[sess.Identity]
	if !exists && len(m.sessions) >= m.maxUsers {
		return nil, ErrAtCapacity
	}
	m.sessions[sess.Identity] = sess
	if exists {
		return prior, nil
	}
	return nil, nil
}

// Unregister removes the session for identity, but only if it is still
// the registered holder. Idempotent, and safe to call from a replaced
// session's cleanup without evicting its successor.
func (m *Manager) Unregister(identity, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[identity]; ok && cur.ID == sessionID {
		delete(m.sessions, identity)
	}
}

// ApplyInit applies the fields of a client's init message. Nil mute flags
// leave the current value untouched.
func (m *Manager) ApplyInit(identity, name, ip string, micMuted, spkMuted *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[identity]
	if !ok {
		return ErrNotRegistered
	}
	if name != "" {
		sess.Name = name
	}
	if ip != "" {
		sess.IP = ip
	}
	if micMuted != nil {
		sess.MicMuted = *micMuted
	}
	if spkMuted != nil {
		sess.SpkMuted = *spkMuted
	}
	return nil
}

// SetMutes updates the mute flags for identity. Nil means leave as-is.
func (m *Manager) SetMutes(identity string, micMuted, spkMuted *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[identity]
	if !ok {
		return ErrNotRegistered
	}
	if micMuted != nil {
		sess.MicMuted = *micMuted
	}
	if spkMuted != nil {
		sess.SpkMuted = *spkMuted
	}
	return nil
}

// MarkAudio flags identity as transmitting and stamps the arrival time.
func (m *Manager) MarkAudio(identity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[identity]
	if !ok {
		return ErrNotRegistered
	}
	sess.TX = true
	sess.LastAudio = at
	return nil
}

// ClearStaleTX clears the transmitting flag for every session whose last
// audio frame is older than maxAge. Reports whether anything changed so
// the caller can coalesce one broadcast per sweep.
func (m *Manager) ClearStaleTX(now time.Time, maxAge time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirty := false
	for _, sess := range m.sessions {
		if sess.TX && now.Sub(sess.LastAudio) > maxAge {
			sess.TX = false
			dirty = true
		}
	}
	return dirty
}

// Snapshot returns the userlist rows for all registered sessions, sorted
// by display name for consistent ordering.
func (m *Manager) Snapshot() []protocol.UserEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]protocol.UserEntry, 0, len(m.sessions))
	for _, sess := range m.sessions {
		entries = append(entries, sess.Entry())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// Sessions returns a copied slice of the registered sessions so broadcast
// can iterate without holding the registry lock.
func (m *Manager) Sessions() []*types.PeerSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*types.PeerSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Stats() types.ServerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := types.ServerStats{
		ConnectedPeers: len(m.sessions),
		MaxPeers:       m.maxUsers,
	}
	for _, sess := range m.sessions {
		if sess.TX {
			stats.TalkingPeers++
		}
		if sess.MicMuted {
			stats.MutedPeers++
		}
	}
	return stats
}

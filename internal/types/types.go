package types

import (
	"net"
	"time"

	"github.com/stormtheory/packhowl/pkg/protocol"
)

// PeerSession represents one authenticated client connection. Identity is
// the certificate CN and never changes for the life of the connection;
// Name is the display name and may be overridden by the init message.
// Mutable fields are guarded by the state.Manager that owns the session.
type PeerSession struct {
	ID          string // ksuid, unique per connection
	Identity    string // certificate CN, registry key
	Name        string
	IP          string
	ConnectedAt time.Time

	TX        bool // actively transmitting audio
	MicMuted  bool
	SpkMuted  bool
	LastAudio time.Time

	// Conn and Send belong to the relay engine: Send is drained by the
	// per-peer writer goroutine, Conn is closed to evict the peer.
	Conn net.Conn
	Send chan []byte
}

// Entry renders the session as one userlist row.
func (s *PeerSession) Entry() protocol.UserEntry {
	return protocol.UserEntry{
		Name:     s.Name,
		IP:       s.IP,
		TX:       s.TX,
		Muted:    s.MicMuted,
		SpkMuted: s.SpkMuted,
	}
}

// ServerStats is the admin-surface summary of registry state.
type ServerStats struct {
	ConnectedPeers int       `json:"connected_peers"`
	MaxPeers       int       `json:"max_peers"`
	TalkingPeers   int       `json:"talking_peers"`
	MutedPeers     int       `json:"muted_peers"`
	BlockedIPs     int       `json:"blocked_ips"`
	StartedAt      time.Time `json:"started_at"`
}

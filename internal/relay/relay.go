// Package relay implements the message relay engine: one reader goroutine
// and one writer goroutine per peer, newline-delimited JSON over mutual
// TLS, best-effort fan-out, and the presence decay watcher.
package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stormtheory/packhowl/internal/access"
	"github.com/stormtheory/packhowl/internal/metrics"
	"github.com/stormtheory/packhowl/internal/state"
	"github.com/stormtheory/packhowl/internal/tlsutil"
	"github.com/stormtheory/packhowl/internal/types"
	"github.com/stormtheory/packhowl/pkg/protocol"
)

// Config tunes the relay engine. Zero values fall back to the defaults
// below.
type Config struct {
	SendBuffer       int           // per-peer outbound queue depth
	WriteTimeout     time.Duration // per-message write deadline
	WatcherTick      time.Duration // presence watcher period
	TXDecay          time.Duration // silence before the TX flag decays
	SweepInterval    time.Duration // blocklist sweep period
	HandshakeTimeout time.Duration
	AcceptPerSecond  float64 // 0 disables accept rate limiting
	AcceptBurst      int
}

func (c *Config) withDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.WatcherTick <= 0 {
		c.WatcherTick = 300 * time.Millisecond
	}
	if c.TXDecay <= 0 {
		c.TXDecay = 300 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = access.DefaultSweepInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 5
	}
}

// IdentityFunc extracts the peer identity (certificate CN) and source IP
// from an accepted connection. Injectable so tests can run over net.Pipe.
type IdentityFunc func(ctx context.Context, conn net.Conn) (identity, ip string, err error)

// TLSIdentity completes the TLS handshake and reads the client
// certificate's CommonName.
func TLSIdentity(handshakeTimeout time.Duration) IdentityFunc {
	return func(ctx context.Context, conn net.Conn) (string, string, error) {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return "", "", errors.New("relay: connection is not TLS")
		}
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			return "", "", err
		}
		cn, err := tlsutil.PeerCN(tlsConn.ConnectionState())
		if err != nil {
			return "", "", err
		}
		return cn, remoteIP(conn), nil
	}
}

func remoteIP(conn net.Conn) string {
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		return host
	}
	return conn.RemoteAddr().String()
}

// Server brokers authenticated peers and fans out their messages.
type Server struct {
	cfg      Config
	log      *zap.Logger
	auth     *access.Authenticator
	registry *state.Manager
	identify IdentityFunc
	limiter  *rate.Limiter
	wg       sync.WaitGroup
}

func NewServer(cfg Config, log *zap.Logger, auth *access.Authenticator, registry *state.Manager, identify IdentityFunc) *Server {
	cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		log:      log,
		auth:     auth,
		registry: registry,
		identify: identify,
	}
	if s.identify == nil {
		s.identify = TLSIdentity(cfg.HandshakeTimeout)
	}
	if cfg.AcceptPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptPerSecond), cfg.AcceptBurst)
	}
	return s
}

// Serve accepts peers on ln until ctx is canceled. It owns the presence
// watcher and the blocklist sweeper for its lifetime.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchPresence(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.auth.Run(ctx, s.cfg.SweepInterval)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn("accept rate exceeded, dropping connection",
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}

	// Evict remaining peers so their reader loops unwind.
	for _, sess := range s.registry.Sessions() {
		sess.Conn.Close()
	}
	s.wg.Wait()
	return ctx.Err()
}

// handle runs the full lifecycle of one peer connection.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	identity, ip, err := s.identify(ctx, conn)
	if err != nil {
		s.log.Info("handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		metrics.AuthDenied.WithLabelValues("handshake").Inc()
		return
	}

	if err := s.auth.Authenticate(identity, ip); err != nil {
		switch {
		case errors.Is(err, access.ErrBlocked):
			metrics.AuthDenied.WithLabelValues("blocked").Inc()
		case errors.Is(err, access.ErrNoIdentity):
			metrics.AuthDenied.WithLabelValues("no_identity").Inc()
		default:
			metrics.AuthDenied.WithLabelValues("not_whitelisted").Inc()
		}
		s.log.Info("connection denied", zap.String("cn", identity), zap.String("ip", ip), zap.Error(err))
		metrics.BlockedIPs.Set(float64(s.auth.BlockedCount()))
		return
	}

	sess := &types.PeerSession{
		ID:          ksuid.New().String(),
		Identity:    identity,
		Name:        identity,
		IP:          ip,
		ConnectedAt: time.Now(),
		Conn:        conn,
		Send:        make(chan []byte, s.cfg.SendBuffer),
	}

	evicted, err := s.registry.Register(sess)
	if err != nil {
		s.log.Info("connection rejected", zap.String("cn", identity), zap.Error(err))
		return
	}
	if evicted != nil {
		// Duplicate identity reconnected: the old session loses.
		s.log.Info("evicting stale session", zap.String("cn", identity), zap.String("conn_id", evicted.ID))
		evicted.Conn.Close()
	}
	metrics.ConnectedPeers.Set(float64(s.registry.Len()))
	s.log.Info("peer connected", zap.String("cn", identity), zap.String("ip", ip), zap.String("conn_id", sess.ID))

	defer func() {
		s.registry.Unregister(sess.Identity, sess.ID)
		metrics.ConnectedPeers.Set(float64(s.registry.Len()))
		s.broadcastUserList()
		s.log.Info("peer disconnected", zap.String("cn", identity), zap.String("conn_id", sess.ID))
	}()

	writerDone := make(chan struct{})
	go s.writeLoop(sess, writerDone)
	defer close(writerDone)

	s.broadcastUserList()
	s.readLoop(sess)
}

// readLoop parses the peer's message stream until disconnect or a
// protocol violation. Relayed tags are forwarded as the original raw
// bytes so delivery is byte-identical.
func (s *Server) readLoop(sess *types.PeerSession) {
	// Buffer sized to the line cap: a line that overflows it is an
	// oversize violation by definition.
	reader := bufio.NewReaderSize(sess.Conn, protocol.MaxLineBytes)
	first := true

	for {
		line, err := reader.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				s.log.Warn("dropping peer: line too long", zap.String("cn", sess.Identity))
				metrics.ProtocolViolations.Inc()
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read ended", zap.String("cn", sess.Identity), zap.Error(err))
			}
			return
		}

		msg, err := protocol.Parse(line)
		if err != nil {
			s.log.Warn("dropping peer: protocol violation", zap.String("cn", sess.Identity), zap.Error(err))
			metrics.ProtocolViolations.Inc()
			return
		}

		isInit := msg.Type == protocol.TypeInit
		if isInit && !first {
			s.log.Warn("dropping peer: repeated init", zap.String("cn", sess.Identity))
			metrics.ProtocolViolations.Inc()
			return
		}
		first = false

		switch msg.Type {
		case protocol.TypeInit:
			if err := s.registry.ApplyInit(sess.Identity, msg.Name, msg.IP, msg.Muted, msg.SpkMuted); err != nil {
				return
			}
			s.broadcastUserList()

		case protocol.TypeStatus:
			if err := s.registry.SetMutes(sess.Identity, msg.Muted, msg.SpkMuted); err != nil {
				return
			}
			s.broadcastUserList()

		case protocol.TypeMuted:
			if err := s.registry.SetMutes(sess.Identity, msg.Value, nil); err != nil {
				return
			}
			s.broadcastUserList()

		case protocol.TypeAudio:
			if err := s.registry.MarkAudio(sess.Identity, time.Now()); err != nil {
				return
			}
			s.broadcastUserList()
			s.relayRaw(line, sess.ID)
			metrics.MessagesRelayed.WithLabelValues(protocol.TypeAudio).Inc()

		case protocol.TypeChat:
			s.relayRaw(line, sess.ID)
			metrics.MessagesRelayed.WithLabelValues(protocol.TypeChat).Inc()

		default:
			// userlist and any future server-only tags are not valid
			// from a client.
			s.log.Warn("dropping peer: unexpected tag", zap.String("cn", sess.Identity), zap.String("type", msg.Type))
			metrics.ProtocolViolations.Inc()
			return
		}
	}
}

// writeLoop drains the peer's send queue. A write failure closes the
// connection, which unwinds the read loop and removes only this peer.
func (s *Server) writeLoop(sess *types.PeerSession, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-sess.Send:
			sess.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := sess.Conn.Write(msg); err != nil {
				s.log.Debug("write failed, closing peer", zap.String("cn", sess.Identity), zap.Error(err))
				sess.Conn.Close()
				return
			}
		}
	}
}

// broadcastUserList sends the current presence snapshot to every peer.
func (s *Server) broadcastUserList() {
	line, err := protocol.Encode(protocol.Message{
		Type:  protocol.TypeUserList,
		Users: s.registry.Snapshot(),
	})
	if err != nil {
		s.log.Error("encode userlist", zap.Error(err))
		return
	}
	metrics.BroadcastsSent.Inc()
	for _, sess := range s.registry.Sessions() {
		s.enqueue(sess, line)
	}
}

// relayRaw forwards a raw wire line to every peer except the sender.
func (s *Server) relayRaw(line []byte, excludeID string) {
	// Copy once: the reader's slice is reused by bufio.
	msg := make([]byte, len(line))
	copy(msg, line)
	for _, sess := range s.registry.Sessions() {
		if sess.ID == excludeID {
			continue
		}
		s.enqueue(sess, msg)
	}
}

// enqueue is a non-blocking send: a slow peer loses messages rather than
// stalling the broadcast.
func (s *Server) enqueue(sess *types.PeerSession, msg []byte) {
	select {
	case sess.Send <- msg:
	default:
		metrics.SendQueueDrops.Inc()
	}
}

// watchPresence clears stale TX flags on a fixed tick and issues at most
// one coalesced snapshot broadcast per tick.
func (s *Server) watchPresence(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatcherTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.registry.ClearStaleTX(now, s.cfg.TXDecay) {
				s.broadcastUserList()
			}
			metrics.BlockedIPs.Set(float64(s.auth.BlockedCount()))
		}
	}
}

// Package client implements the Pack Howl client session: it owns the TLS
// connection to the relay, reconnects with a countdown backoff when the
// link drops, and dispatches inbound traffic to the application.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stormtheory/packhowl/internal/tlsutil"
	"github.com/stormtheory/packhowl/pkg/protocol"
)

// State describes where the session currently is in its connect cycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Dialer opens one connection attempt to the relay. Injectable for tests.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// TLSDialer dials the relay over mutual TLS using the user's certificate.
type TLSDialer struct {
	Addr     string
	CertFile string
	KeyFile  string
	CAFile   string
	Timeout  time.Duration
}

func (d *TLSDialer) Dial(ctx context.Context) (net.Conn, error) {
	cfg, err := tlsutil.ClientConfig(d.CertFile, d.KeyFile, d.CAFile)
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
	return dialer.DialContext(dialCtx, "tcp", d.Addr)
}

// EventHandler receives session events. Callbacks run on the session's
// goroutines and must not block.
type EventHandler interface {
	OnState(s State)
	OnStatus(text string)
	OnUserList(users []protocol.UserEntry)
	OnChat(m protocol.Message)
}

// AudioSink receives hex-encoded audio payloads from other peers. The
// playback pipeline's packet queue implements it.
type AudioSink interface {
	Push(data string) bool
}

// Config carries session wiring. Dialer and Handler are required.
type Config struct {
	Name   string // display name announced in init
	IP     string // local address announced in init
	Dialer Dialer
	Handler EventHandler
	Audio   AudioSink // optional; audio messages are dropped without it
	Log     *zap.Logger

	SendBuffer   int           // outbound queue depth, default 64
	BackoffStart int           // countdown start in seconds, default 5
	ReadTimeout  time.Duration // read poll interval, default 1s

	MicMuted bool // initial mic mute announced in init
	SpkMuted bool // initial speaker mute announced in init
}

func (c *Config) withDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.BackoffStart <= 0 {
		c.BackoffStart = 5
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.IP == "" {
		c.IP = localIP()
	}
}

func localIP() string {
	host, err := os.Hostname()
	if err != nil {
		return "0.0.0.0"
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "0.0.0.0"
	}
	return addrs[0]
}

// Session is the reconnecting relay link. Create with New, drive with Run,
// tear down with Stop.
type Session struct {
	cfg  Config
	log  *zap.Logger
	send chan []byte

	state atomic.Int32

	mu   sync.Mutex
	conn net.Conn

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		log:     cfg.Log,
		send:    make(chan []byte, cfg.SendBuffer),
		stopped: make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.cfg.Handler.OnState(st)
}

func (s *Session) status(text string) {
	s.cfg.Handler.OnStatus(text)
}

// Run drives the connect/serve/backoff cycle until ctx is canceled or Stop
// is called. It always returns with the session disconnected.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(StateDisconnected)
	for {
		if s.done(ctx) {
			return
		}

		s.setState(StateConnecting)
		s.status("connecting")
		conn, err := s.cfg.Dialer.Dial(ctx)
		if err != nil {
			if s.done(ctx) {
				return
			}
			s.log.Warn("connect failed", zap.Error(err))
			s.status(fmt.Sprintf("connect failed: %v", err))
			if !s.backoff(ctx) {
				return
			}
			continue
		}

		s.setConn(conn)
		s.setState(StateConnected)
		s.status("connected")
		s.serveConn(ctx, conn)
		s.setConn(nil)
		conn.Close()

		if s.done(ctx) {
			return
		}
		s.setState(StateDisconnected)
		s.status("disconnected")
		if !s.backoff(ctx) {
			return
		}
	}
}

func (s *Session) done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *Session) setConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// backoff counts down before the next attempt, announcing each remaining
// second. Returns false if the session is shutting down.
func (s *Session) backoff(ctx context.Context) bool {
	s.setState(StateBackoff)
	for n := s.cfg.BackoffStart; n >= 1; n-- {
		s.status(fmt.Sprintf("reconnecting in %ds", n))
		select {
		case <-ctx.Done():
			return false
		case <-s.stopped:
			return false
		case <-time.After(time.Second):
		}
	}
	return true
}

// serveConn runs the write and read loops for one live connection and
// returns when either side fails.
func (s *Session) serveConn(ctx context.Context, conn net.Conn) {
	if err := s.sendInit(conn); err != nil {
		s.log.Warn("init failed", zap.Error(err))
		return
	}

	connDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(conn, connDone)
	}()

	s.readLoop(ctx, conn)
	close(connDone)
	wg.Wait()
}

func (s *Session) sendInit(conn net.Conn) error {
	line, err := protocol.Encode(protocol.Message{
		Type:     protocol.TypeInit,
		Name:     s.cfg.Name,
		IP:       s.cfg.IP,
		Muted:    protocol.Bool(s.cfg.MicMuted),
		SpkMuted: protocol.Bool(s.cfg.SpkMuted),
	})
	if err != nil {
		return err
	}
	_, err = conn.Write(line)
	return err
}

func (s *Session) writeLoop(conn net.Conn, connDone <-chan struct{}) {
	for {
		select {
		case <-connDone:
			return
		case <-s.stopped:
			return
		case line := <-s.send:
			if _, err := conn.Write(line); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

// readLoop polls the connection with short deadlines so shutdown is never
// stuck behind a blocking read. Deadline expiry is not an error: any
// partial line it cut off is carried into the next poll.
func (s *Session) readLoop(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReaderSize(conn, protocol.MaxLineBytes)
	var pending []byte
	for {
		if s.done(ctx) {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, bufio.ErrBufferFull) && len(pending) <= protocol.MaxLineBytes {
				continue
			}
			if !s.done(ctx) {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		s.dispatch(pending)
		pending = pending[:0]
	}
}

func (s *Session) dispatch(line []byte) {
	m, err := protocol.Parse(line)
	if err != nil {
		// Server traffic should always parse; a bad line is logged and
		// skipped rather than tearing the link down client-side.
		s.log.Warn("bad server message", zap.Error(err))
		return
	}
	switch m.Type {
	case protocol.TypeUserList:
		s.cfg.Handler.OnUserList(m.Users)
	case protocol.TypeChat:
		s.cfg.Handler.OnChat(m)
	case protocol.TypeAudio:
		if s.cfg.Audio != nil {
			s.cfg.Audio.Push(m.Data)
		}
	default:
		// status/muted/init are client→server only; ignore echoes.
	}
}

// QueueMessage encodes and queues a message for the relay. After Stop it
// is a no-op. A full queue drops the message rather than blocking.
func (s *Session) QueueMessage(m protocol.Message) error {
	line, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-s.stopped:
		return nil
	default:
	}
	select {
	case s.send <- line:
	default:
		s.log.Debug("send queue full, dropping", zap.String("type", m.Type))
	}
	return nil
}

// SendChat queues a chat line. Each line gets a unique id so receivers
// can de-duplicate.
func (s *Session) SendChat(text string) error {
	return s.QueueMessage(protocol.Message{
		Type: protocol.TypeChat,
		Text: text,
		Name: s.cfg.Name,
		ID:   uuid.New().String(),
	})
}

// SendStatus queues a mute-state update.
func (s *Session) SendStatus(micMuted, spkMuted bool) error {
	return s.QueueMessage(protocol.Message{
		Type:     protocol.TypeStatus,
		Muted:    protocol.Bool(micMuted),
		SpkMuted: protocol.Bool(spkMuted),
	})
}

// SendAudio queues one hex-encoded audio packet.
func (s *Session) SendAudio(data string) error {
	return s.QueueMessage(protocol.Message{Type: protocol.TypeAudio, Data: data})
}

// Stop shuts the session down. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}

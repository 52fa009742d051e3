package client_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stormtheory/packhowl/pkg/client"
	"github.com/stormtheory/packhowl/pkg/protocol"
)

// scriptedDialer fails a fixed number of attempts, then hands out pipe
// connections whose server ends arrive on conns.
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	conns    chan net.Conn
}

func newScriptedDialer(failures int) *scriptedDialer {
	return &scriptedDialer{failures: failures, conns: make(chan net.Conn, 4)}
}

func (d *scriptedDialer) Dial(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	d.attempts++
	fail := d.attempts <= d.failures
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	clientEnd, serverEnd := net.Pipe()
	d.conns <- serverEnd
	return clientEnd, nil
}

func (d *scriptedDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

type recordingHandler struct {
	mu        sync.Mutex
	states    []client.State
	statuses  []string
	userlists chan []protocol.UserEntry
	chats     chan protocol.Message
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		userlists: make(chan []protocol.UserEntry, 8),
		chats:     make(chan protocol.Message, 8),
	}
}

func (h *recordingHandler) OnState(s client.State) {
	h.mu.Lock()
	h.states = append(h.states, s)
	h.mu.Unlock()
}

func (h *recordingHandler) OnStatus(text string) {
	h.mu.Lock()
	h.statuses = append(h.statuses, text)
	h.mu.Unlock()
}

func (h *recordingHandler) OnUserList(users []protocol.UserEntry) { h.userlists <- users }
func (h *recordingHandler) OnChat(m protocol.Message)             { h.chats <- m }

func (h *recordingHandler) stateSeq() []client.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]client.State(nil), h.states...)
}

type fakeSink struct {
	packets chan string
}

func (s *fakeSink) Push(data string) bool {
	select {
	case s.packets <- data:
		return true
	default:
		return false
	}
}

func newSession(t *testing.T, dialer client.Dialer, handler client.EventHandler, sink client.AudioSink) *client.Session {
	t.Helper()
	return client.New(client.Config{
		Name:         "scout",
		IP:           "10.0.0.2",
		Dialer:       dialer,
		Handler:      handler,
		Audio:        sink,
		Log:          zap.NewNop(),
		BackoffStart: 1,
		ReadTimeout:  50 * time.Millisecond,
		MicMuted:     true,
	})
}

func readLine(t *testing.T, r *bufio.Reader, conn net.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	m, err := protocol.Parse(line)
	require.NoError(t, err)
	return m
}

func TestReconnectsThroughBackoffAndAnnouncesInit(t *testing.T) {
	dialer := newScriptedDialer(1)
	handler := newRecordingHandler()
	sess := newSession(t, dialer, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		sess.Run(ctx)
	}()
	defer sess.Stop()

	var serverEnd net.Conn
	select {
	case serverEnd = <-dialer.conns:
	case <-time.After(10 * time.Second):
		t.Fatal("session never reconnected")
	}
	defer serverEnd.Close()

	init := readLine(t, bufio.NewReader(serverEnd), serverEnd)
	assert.Equal(t, protocol.TypeInit, init.Type)
	assert.Equal(t, "scout", init.Name)
	assert.Equal(t, "10.0.0.2", init.IP)
	require.NotNil(t, init.Muted)
	assert.True(t, *init.Muted)

	assert.GreaterOrEqual(t, dialer.attemptCount(), 2)
	seq := handler.stateSeq()
	assert.Contains(t, seq, client.StateBackoff)
	assert.Equal(t, client.StateConnected, seq[len(seq)-1])

	sess.Stop()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestDispatchesInboundTraffic(t *testing.T) {
	dialer := newScriptedDialer(0)
	handler := newRecordingHandler()
	sink := &fakeSink{packets: make(chan string, 8)}
	sess := newSession(t, dialer, handler, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	defer sess.Stop()

	serverEnd := <-dialer.conns
	defer serverEnd.Close()
	reader := bufio.NewReader(serverEnd)
	readLine(t, reader, serverEnd) // init

	write := func(m protocol.Message) {
		line, err := protocol.Encode(m)
		require.NoError(t, err)
		serverEnd.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, err = serverEnd.Write(line)
		require.NoError(t, err)
	}

	write(protocol.Message{Type: protocol.TypeUserList, Users: []protocol.UserEntry{{Name: "alpha", IP: "10.0.0.3"}}})
	write(protocol.Message{Type: protocol.TypeChat, Text: "howl", Name: "alpha"})
	write(protocol.Message{Type: protocol.TypeAudio, Data: "deadbeef"})

	select {
	case users := <-handler.userlists:
		require.Len(t, users, 1)
		assert.Equal(t, "alpha", users[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no userlist delivered")
	}
	select {
	case m := <-handler.chats:
		assert.Equal(t, "howl", m.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no chat delivered")
	}
	select {
	case data := <-sink.packets:
		assert.Equal(t, "deadbeef", data)
	case <-time.After(5 * time.Second):
		t.Fatal("no audio delivered")
	}
}

func TestOutboundMessagesReachServer(t *testing.T) {
	dialer := newScriptedDialer(0)
	handler := newRecordingHandler()
	sess := newSession(t, dialer, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	defer sess.Stop()

	serverEnd := <-dialer.conns
	defer serverEnd.Close()
	reader := bufio.NewReader(serverEnd)
	readLine(t, reader, serverEnd) // init

	require.NoError(t, sess.SendChat("anyone there"))
	m := readLine(t, reader, serverEnd)
	assert.Equal(t, protocol.TypeChat, m.Type)
	assert.Equal(t, "anyone there", m.Text)

	require.NoError(t, sess.SendStatus(false, true))
	m = readLine(t, reader, serverEnd)
	assert.Equal(t, protocol.TypeStatus, m.Type)
	require.NotNil(t, m.SpkMuted)
	assert.True(t, *m.SpkMuted)
}

func TestQueueAfterStopIsNoOp(t *testing.T) {
	dialer := newScriptedDialer(0)
	handler := newRecordingHandler()
	sess := newSession(t, dialer, handler, nil)

	sess.Stop()
	sess.Stop() // idempotent

	assert.NoError(t, sess.SendChat("into the void"))
	assert.NoError(t, sess.SendAudio("00ff"))

	// Run after Stop returns promptly without dialing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return for a stopped session")
	}
	assert.Equal(t, 0, dialer.attemptCount())
}

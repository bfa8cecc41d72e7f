package corehub

import (
	"sync"
	"testing"
	"time"

	"github.com/caldera-oss/corehub/challenge"
)

// fakeSocket is a socket double that never touches the network, so the
// heartbeat loop can be exercised directly.
type fakeSocket struct {
	mu          sync.Mutex
	pongHandler func(string) error
	pings       int
	closed      bool
	writeErr    error
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	<-make(chan struct{}) // never returns; the read loop isn't under test here
	return 0, nil, nil
}

func (s *fakeSocket) WriteJSON(interface{}) error { return nil }

func (s *fakeSocket) WriteControl(int, []byte, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.writeErr
}

func (s *fakeSocket) SetPongHandler(h func(string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pongHandler = h
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func newHeartbeatConnection(pingTimeoutMs int) (*Connection, *fakeSocket) {
	opts := testOptions("example.invalid")
	opts.PingTimeoutMs = pingTimeoutMs
	conn := NewConnection(opts, challenge.Credentials{}, nil)
	conn.state = StateConnected
	sock := &fakeSocket{}
	conn.conn = sock
	return conn, sock
}

func TestHeartbeat_AnsweredPingsKeepSocketOpen(t *testing.T) {
	conn, sock := newHeartbeatConnection(5)
	conn.startHeartbeat()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if sock.pingCount() >= 2 {
			break
		}
		// startHeartbeat already sent one ping synchronously before
		// returning; simulate the server answering it (and every
		// subsequent one) by invoking the installed pong handler directly.
		sock.mu.Lock()
		h := sock.pongHandler
		sock.mu.Unlock()
		if h != nil {
			_ = h("")
		}
		time.Sleep(time.Millisecond)
	}

	if sock.isClosed() {
		t.Fatal("socket closed despite answered pings")
	}
	if sock.pingCount() < 2 {
		t.Fatalf("pingCount = %d, want >= 2", sock.pingCount())
	}
}

func TestHeartbeat_MissedPongHardTerminates(t *testing.T) {
	conn, sock := newHeartbeatConnection(5)
	conn.startHeartbeat()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && !sock.isClosed() {
		time.Sleep(2 * time.Millisecond)
	}

	if !sock.isClosed() {
		t.Fatal("socket was never closed after a missed pong")
	}
}

func TestHeartbeat_WriteFailureHardTerminates(t *testing.T) {
	conn, sock := newHeartbeatConnection(5)
	sock.writeErr = errTestWrite
	conn.startHeartbeat()

	sock.mu.Lock()
	h := sock.pongHandler
	sock.mu.Unlock()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && !sock.isClosed() {
		if h != nil {
			_ = h("")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if !sock.isClosed() {
		t.Fatal("socket was never closed after a failed ping write")
	}
}

func TestHeartbeat_ZeroTimeoutDisablesLoop(t *testing.T) {
	conn, sock := newHeartbeatConnection(0)
	conn.startHeartbeat()

	time.Sleep(20 * time.Millisecond)

	if sock.isClosed() {
		t.Fatal("socket closed even though the heartbeat is disabled")
	}
	if sock.pingCount() != 0 {
		t.Fatalf("pingCount = %d, want 0 with heartbeat disabled", sock.pingCount())
	}
}

type testWriteErr struct{}

func (testWriteErr) Error() string { return "write failed" }

var errTestWrite error = testWriteErr{}

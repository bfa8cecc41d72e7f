package corehub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caldera-oss/corehub/challenge"
	"github.com/caldera-oss/corehub/config"
)

func testOptions(host string) config.Options {
	o := config.Options{
		Host:     host,
		Endpoint: "/signalr",
	}
	o.ApplyDefaults()
	o.RetryCount.Negotiate = 1
	o.RetryCount.Connect = 1
	o.RetryCount.Start = 1
	o.RetryDelayMs = 1
	o.PingTimeoutMs = 0 // heartbeat disabled; not under test here
	return o
}

func newTestConnection(t *testing.T, server *httptest.Server) *Connection {
	t.Helper()
	host := strings.TrimPrefix(strings.TrimPrefix(server.URL, "http://"), "https://")
	conn := NewConnection(testOptions(host), challenge.Credentials{}, server.Client())
	conn.httpScheme = "http"
	conn.wsScheme = "ws"
	return conn
}

func TestConnection_ConnectReachesConnectedState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(TestCompleteHandler))
	defer server.Close()

	conn := newTestConnection(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if !conn.Connect(ctx) {
		t.Fatal("Connect returned false from state New")
	}

	select {
	case ev, ok := <-conn.Events():
		if !ok {
			t.Fatal("events channel closed before a connected event")
		}
		if ev.kind != connEvtConnected {
			t.Fatalf("first event kind = %v, want connEvtConnected", ev.kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	if conn.State() != StateConnected {
		t.Fatalf("state = %v, want StateConnected", conn.State())
	}
}

func TestConnection_ConnectTwiceIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(TestCompleteHandler))
	defer server.Close()

	conn := newTestConnection(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if !conn.Connect(ctx) {
		t.Fatal("first Connect should succeed")
	}
	<-conn.Events()

	if conn.Connect(ctx) {
		t.Fatal("second Connect should be rejected")
	}
}

func TestConnection_DisconnectSuppressesDisconnectedEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(TestCompleteHandler))
	defer server.Close()

	conn := newTestConnection(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn.Connect(ctx)
	<-conn.Events() // connected

	conn.Disconnect(context.Background())

	for ev := range conn.Events() {
		if ev.kind == connEvtDisconnected {
			t.Fatal("Disconnect must not emit a disconnected event")
		}
	}

	if conn.State() != StateDisconnected {
		t.Fatalf("state = %v, want StateDisconnected", conn.State())
	}
}

func TestConnection_NegotiateFailureEmitsConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	conn := newTestConnection(t, server)
	conn.opts.RetryCount.Negotiate = 0 // no retries, so exactly one terminal event fires
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn.Connect(ctx)

	select {
	case ev, ok := <-conn.Events():
		if !ok {
			t.Fatal("events channel closed with no error event")
		}
		if ev.kind != connEvtConnectionError {
			t.Fatalf("event kind = %v, want connEvtConnectionError", ev.kind)
		}
		if ev.errStep != "negotiate" {
			t.Fatalf("errStep = %q, want negotiate", ev.errStep)
		}
		if ev.errRetry {
			t.Fatalf("errRetry = true, want false (budget exhausted)")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection error")
	}
}

// scriptedHubHandler completes negotiate/start normally but hands the
// raw *websocket.Conn from /connect to the test over connCh, so the test
// can push arbitrary frames instead of a recorded/discarded reply.
func scriptedHubHandler(connCh chan<- *websocket.Conn) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/negotiate"):
			TestNegotiate(w, r)
		case strings.Contains(r.URL.Path, "/connect"):
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				panic(err)
			}
			connCh <- c
		case strings.Contains(r.URL.Path, "/start"):
			TestStart(w, r)
		case strings.Contains(r.URL.Path, "/abort"):
			TestAbort(w, r)
		}
	}
}

func TestConnection_ReplyMatchesPendingCallback(t *testing.T) {
	connCh := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(scriptedHubHandler(connCh))
	defer server.Close()

	conn := newTestConnection(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn.Connect(ctx)
	<-conn.Events() // connected

	type result struct {
		r   json.RawMessage
		err error
	}
	done := make(chan result, 1)
	if !conn.Invoke("corehub", "ping", nil, func(r json.RawMessage, err error) {
		done <- result{r, err}
	}) {
		t.Fatal("Invoke should succeed once connected")
	}

	peer := <-connCh
	if err := peer.WriteMessage(websocket.TextMessage, []byte(`{"I":"0","R":{"ok":true}}`)); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("callback err = %v, want nil", got.err)
		}
		if string(got.r) != `{"ok":true}` {
			t.Fatalf("callback result = %s, want {\"ok\":true}", got.r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callback")
	}

	conn.pendingMu.Lock()
	_, stillPending := conn.pending[0]
	conn.pendingMu.Unlock()
	if stillPending {
		t.Fatal("id 0 should be removed from the pending table after its reply")
	}
}

func TestConnection_MalformedFrameIsDiscarded(t *testing.T) {
	connCh := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(scriptedHubHandler(connCh))
	defer server.Close()

	conn := newTestConnection(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn.Connect(ctx)
	<-conn.Events() // connected

	peer := <-connCh
	if err := peer.WriteMessage(websocket.TextMessage, []byte("not-json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// Follow the garbage frame with a well-formed push so we can observe
	// that the connection kept reading instead of tearing down.
	push := `{"M":[{"H":"corehub","M":"unknownMethod","A":[]}]}`
	if err := peer.WriteMessage(websocket.TextMessage, []byte(push)); err != nil {
		t.Fatalf("write push: %v", err)
	}

	select {
	case ev := <-conn.Events():
		if ev.kind != connEvtData {
			t.Fatalf("event kind = %v, want connEvtData", ev.kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the push that follows the garbage frame")
	}

	if conn.State() != StateConnected {
		t.Fatalf("state = %v, want StateConnected after garbage frame", conn.State())
	}
}

func TestConnection_AbortUsesGet(t *testing.T) {
	var abortMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/negotiate"):
			TestNegotiate(w, r)
		case strings.Contains(r.URL.Path, "/connect"):
			TestConnect(w, r)
		case strings.Contains(r.URL.Path, "/start"):
			TestStart(w, r)
		case strings.Contains(r.URL.Path, "/abort"):
			abortMethod = r.Method
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	conn := newTestConnection(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn.Connect(ctx)
	<-conn.Events() // connected

	conn.Disconnect(context.Background())

	if abortMethod != http.MethodGet {
		t.Fatalf("abort method = %q, want GET", abortMethod)
	}
}

func TestConnection_InvokeFailsWhenNotConnected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(TestCompleteHandler))
	defer server.Close()

	conn := newTestConnection(t, server)
	if conn.Invoke("corehub", "SubscribeToExchangeDeltas", []interface{}{"USDT-BTC"}, nil) {
		t.Fatal("Invoke should fail before Connect")
	}
}

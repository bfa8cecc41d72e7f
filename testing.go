package corehub

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/caldera-oss/corehub/hubs"
)

// TestCompleteHandler combines the negotiate, connect, start, and abort
// handlers below into one complete hub endpoint, suitable for
// httptest.NewServer in tests that exercise the full handshake against a
// real HTTP/WebSocket server instead of a socket double.
func TestCompleteHandler(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.Contains(r.URL.Path, "/negotiate"):
		TestNegotiate(w, r)
	case strings.Contains(r.URL.Path, "/connect"):
		TestConnect(w, r)
	case strings.Contains(r.URL.Path, "/start"):
		TestStart(w, r)
	case strings.Contains(r.URL.Path, "/abort"):
		TestAbort(w, r)
	}
}

// TestNegotiate provides a sample "/negotiate" handling function whose
// response shape matches ConnectionDescriptor.
func TestNegotiate(w http.ResponseWriter, r *http.Request) {
	// nolint:lll
	_, err := w.Write([]byte(`{"ConnectionId":"1234-ABC","ConnectionToken":"hello world","ProtocolVersion":"1.5","TransportConnectTimeout":5,"DisconnectTimeout":30}`))
	if err != nil {
		panic(err)
	}
}

// TestConnect provides a sample "/connect" handling function: it upgrades
// to a WebSocket and then discards everything it reads, matching a hub
// that accepts invocations without replying unless a test installs its
// own handler.
func TestConnect(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}

	go func() {
		for {
			if _, _, rerr := c.ReadMessage(); rerr != nil {
				return
			}
		}
	}()
}

// TestConnectWithRecorder upgrades like TestConnect, but invokes record
// for every client invocation it reads instead of discarding them.
func TestConnectWithRecorder(w http.ResponseWriter, r *http.Request, record func(hubs.ClientMsg)) {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}

	go func() {
		for {
			_, p, rerr := c.ReadMessage()
			if rerr != nil {
				return
			}
			var msg hubs.ClientMsg
			if jsonErr := json.Unmarshal(p, &msg); jsonErr == nil {
				record(msg)
			}
		}
	}()
}

// TestStart provides a sample "/start" handling function.
func TestStart(w http.ResponseWriter, r *http.Request) {
	_, err := w.Write([]byte(`{"Response":"started"}`))
	if err != nil {
		panic(err)
	}
}

// TestAbort provides a sample "/abort" handling function. Panics if called
// with anything but GET, since abort is specified as a GET request and a
// caller sending the wrong method is a bug worth failing the test over.
func TestAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		panic("abort: want GET, got " + r.Method)
	}
	w.WriteHeader(http.StatusOK)
}

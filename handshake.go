package corehub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caldera-oss/corehub/retry"
)

// retryExhaustedError wraps the last error observed once a retry.Do
// budget is exhausted, so failHandshake can report how many attempts were
// made without retry depending on this package's error types.
type retryExhaustedError struct {
	attempts int
	err      error
}

func (e *retryExhaustedError) Error() string { return e.err.Error() }
func (e *retryExhaustedError) Unwrap() error { return e.err }
func (e *retryExhaustedError) Attempts() int { return e.attempts }

// retryAttemptReporter logs each failed attempt of the named handshake
// phase and, as long as the budget isn't exhausted, relays it to the
// Client facade as a non-terminal ConnectionErrorEvent (Retry: true). The
// terminal event for an exhausted budget is emitted by failHandshake.
func (c *Connection) retryAttemptReporter(step string) func(retry.AttemptEvent) {
	return func(ev retry.AttemptEvent) {
		c.logEntry(step).WithField("attempt", ev.Attempt).
			WithError(ev.Err).Warn("attempt failed")

		if !ev.HasMoreRetries {
			return
		}
		c.events <- connEvent{
			kind:        connEvtConnectionError,
			errStep:     step,
			errAttempts: ev.Attempt + 1,
			errRetry:    true,
			err:         ev.Err,
		}
	}
}

// negotiate performs the HTTP negotiate phase: GET .../negotiate, parsed
// into a ConnectionDescriptor. Retried per opts.RetryCount.Negotiate.
func (c *Connection) negotiate(ctx context.Context) (ConnectionDescriptor, error) {
	attempts := 0
	policy := retry.Policy{Retries: c.opts.RetryCount.Negotiate, MinDelay: c.opts.RetryDelay()}

	onAttempt := c.retryAttemptReporter("negotiate")

	descriptor, err := retry.Do(ctx, policy, onAttempt, func(attempt int) (ConnectionDescriptor, error) {
		attempts = attempt + 1
		return c.doNegotiate(ctx)
	})
	if err != nil && err != retry.ErrIgnored {
		return ConnectionDescriptor{}, &retryExhaustedError{attempts: attempts, err: err}
	}
	return descriptor, err
}

func (c *Connection) doNegotiate(ctx context.Context) (ConnectionDescriptor, error) {
	u := url.URL{Scheme: c.httpScheme, Host: c.opts.Host, Path: c.opts.Endpoint + "/negotiate"}
	q := u.Query()
	q.Set("clientProtocol", "1.5")
	q.Set("transport", "serverSentEvents")
	q.Set("connectionData", c.opts.ConnectionData)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ConnectionDescriptor{}, clientErr(err, "build negotiate request")
	}
	c.applyCredentials(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return ConnectionDescriptor{}, clientErr(err, "negotiate request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ConnectionDescriptor{}, clientErr(err, "read negotiate response")
	}

	if resp.StatusCode != http.StatusOK {
		return ConnectionDescriptor{}, remoteErr(
			fmt.Errorf("unexpected status %d", resp.StatusCode), "negotiate")
	}

	var descriptor ConnectionDescriptor
	if err := json.Unmarshal(body, &descriptor); err != nil {
		return ConnectionDescriptor{}, clientErr(err, "parse negotiate response")
	}

	return descriptor, nil
}

func (c *Connection) applyCredentials(req *http.Request) {
	if c.creds.Cookie != "" {
		req.Header.Set("Cookie", c.creds.Cookie)
	}
	ua := c.creds.UserAgent
	if ua == "" {
		ua = c.opts.UserAgent
	}
	req.Header.Set("User-Agent", ua)
}

// connectWebsocket performs the WebSocket upgrade phase. Retried per
// opts.RetryCount.Connect. The dial timeout is the handshake-timeout
// factor applied to the server-advertised TransportConnectTimeout.
func (c *Connection) connectWebsocket(ctx context.Context, descriptor ConnectionDescriptor) (socket, error) {
	attempts := 0
	policy := retry.Policy{Retries: c.opts.RetryCount.Connect, MinDelay: c.opts.RetryDelay()}

	onAttempt := c.retryAttemptReporter("connect")

	conn, err := retry.Do(ctx, policy, onAttempt, func(attempt int) (*websocket.Conn, error) {
		attempts = attempt + 1
		return c.doConnect(ctx, descriptor)
	})
	if err != nil && err != retry.ErrIgnored {
		return nil, &retryExhaustedError{attempts: attempts, err: err}
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connection) doConnect(ctx context.Context, descriptor ConnectionDescriptor) (*websocket.Conn, error) {
	u := url.URL{Scheme: c.wsScheme, Host: c.opts.Host, Path: c.opts.Endpoint + "/connect"}
	q := u.Query()
	q.Set("clientProtocol", descriptor.ProtocolVersion)
	q.Set("connectionData", c.opts.ConnectionData)
	q.Set("connectionToken", descriptor.ConnectionToken)
	q.Set("transport", "webSockets")
	q.Set("tid", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.creds.Cookie != "" {
		header.Set("Cookie", c.creds.Cookie)
	}
	ua := c.creds.UserAgent
	if ua == "" {
		ua = c.opts.UserAgent
	}
	header.Set("User-Agent", ua)

	dialer := websocket.Dialer{
		HandshakeTimeout: descriptor.handshakeTimeout(),
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, remoteErr(err, fmt.Sprintf("connect upgrade rejected with status %d", resp.StatusCode))
		}
		return nil, clientErr(err, "connect dial")
	}

	return conn, nil
}

// start performs the HTTP start phase. Retried per opts.RetryCount.Start.
// Skipped entirely by the caller when opts.IgnoreStartStep is set.
func (c *Connection) start(ctx context.Context, descriptor ConnectionDescriptor) error {
	attempts := 0
	policy := retry.Policy{Retries: c.opts.RetryCount.Start, MinDelay: c.opts.RetryDelay()}

	onAttempt := c.retryAttemptReporter("start")

	_, err := retry.Do(ctx, policy, onAttempt, func(attempt int) (struct{}, error) {
		attempts = attempt + 1
		return struct{}{}, c.doStart(ctx, descriptor)
	})
	if err != nil && err != retry.ErrIgnored {
		return &retryExhaustedError{attempts: attempts, err: err}
	}
	return err
}

func (c *Connection) doStart(ctx context.Context, descriptor ConnectionDescriptor) error {
	u := url.URL{Scheme: c.httpScheme, Host: c.opts.Host, Path: c.opts.Endpoint + "/start"}
	q := u.Query()
	q.Set("clientProtocol", "1.5")
	q.Set("connectionData", c.opts.ConnectionData)
	q.Set("connectionToken", descriptor.ConnectionToken)
	q.Set("transport", "webSockets")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return clientErr(err, "build start request")
	}
	c.applyCredentials(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return clientErr(err, "start request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return clientErr(err, "read start response")
	}

	if resp.StatusCode != http.StatusOK {
		return remoteErr(fmt.Errorf("unexpected status %d", resp.StatusCode), "start")
	}

	var parsed struct {
		Response string `json:"Response"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return clientErr(err, "parse start response")
	}
	if parsed.Response != "started" {
		return remoteErr(fmt.Errorf("unexpected start response %q", parsed.Response), "start")
	}

	return nil
}

// abort performs the best-effort HTTP abort phase on teardown. Failures
// are logged, never surfaced: by the time abort runs the Connection is
// already tearing down and there's nothing useful a caller could do with
// the error.
func (c *Connection) abort(ctx context.Context, descriptor ConnectionDescriptor) {
	abortCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	u := url.URL{Scheme: c.httpScheme, Host: c.opts.Host, Path: c.opts.Endpoint + "/abort"}
	q := u.Query()
	q.Set("clientProtocol", "1.5")
	q.Set("connectionData", c.opts.ConnectionData)
	q.Set("connectionToken", descriptor.ConnectionToken)
	q.Set("transport", "webSockets")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(abortCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		c.logEntry("abort").WithError(err).Warn("build abort request failed")
		return
	}
	c.applyCredentials(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logEntry("abort").WithError(err).Warn("abort request failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

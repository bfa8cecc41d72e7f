package corehub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caldera-oss/corehub/challenge"
	"github.com/caldera-oss/corehub/config"
	"github.com/caldera-oss/corehub/events"
	corelog "github.com/caldera-oss/corehub/internal/log"
	"github.com/caldera-oss/corehub/registry"
	"github.com/caldera-oss/corehub/watchdog"
)

// Client is the facade a caller constructs and drives: it owns the
// Connection lifecycle, the subscription Registry, the per-feed watchdog
// Group and the push decoder, and republishes everything as events.Event
// values on a single buffered channel.
type Client struct {
	opts   config.Options
	solver challenge.Solver
	log    *corelog.Logger

	registry *registry.Registry
	watchdog *watchdog.Group
	decoder  *events.Decoder

	out     chan events.Event
	dropped atomic.Uint64

	mu          sync.Mutex
	conn        *Connection
	prevSnap    registry.Snapshot
	cancel      context.CancelFunc
	runDone     chan struct{}
	startedOnce bool

	// connFactory builds the Connection for each (re)connect attempt.
	// Defaulted to newConnection; tests in this package substitute a
	// factory that points the Connection at a plaintext test server.
	connFactory func() *Connection
}

// NewClient constructs a Client. solver may be nil, in which case a
// challenge.StaticSolver with empty credentials is used.
func NewClient(opts config.Options, solver challenge.Solver) *Client {
	opts.ApplyDefaults()

	if solver == nil {
		solver = challenge.StaticSolver{}
	}

	log := corelog.Default()
	log.SetLevel(opts.LogLevel)

	wdCfgs := map[watchdog.Category]watchdog.Config{
		"markets": {Timeout: time.Duration(opts.Watchdog.Markets.TimeoutMs) * time.Millisecond, Reconnect: opts.Watchdog.Markets.Reconnect},
		"tickers": {Timeout: time.Duration(opts.Watchdog.Tickers.TimeoutMs) * time.Millisecond, Reconnect: opts.Watchdog.Tickers.Reconnect},
		"summary": {Timeout: time.Duration(opts.Watchdog.Summary.TimeoutMs) * time.Millisecond, Reconnect: opts.Watchdog.Summary.Reconnect},
	}

	c := &Client{
		opts:     opts,
		solver:   solver,
		log:      log,
		registry: registry.New(),
		watchdog: watchdog.NewGroup(wdCfgs),
		decoder:  events.NewDecoder(),
		out:      make(chan events.Event, opts.EventBufferSize),
		prevSnap: registry.EmptySnapshot(),
	}
	c.connFactory = c.newConnection
	return c
}

// Events returns the channel of decoded domain events. Closed once Stop
// has fully torn down the Client.
func (c *Client) Events() <-chan events.Event {
	return c.out
}

// DroppedEvents returns the number of events discarded because Events()
// was not being drained quickly enough. The channel favors newest-over-
// oldest on overflow: one older, already-buffered event is discarded to
// make room for each new one rather than blocking the run loop.
func (c *Client) DroppedEvents() uint64 {
	return c.dropped.Load()
}

// Start begins the reconnect-supervised run loop. Safe to call once; a
// Client cannot be restarted after Stop.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.startedOnce {
		c.mu.Unlock()
		return
	}
	c.startedOnce = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.runDone = make(chan struct{})
	c.mu.Unlock()

	c.watchdog.Start()
	go c.runLoop(runCtx)
}

// Stop tears down the current Connection, if any, and stops the run loop
// and watchdog Group. Blocks until shutdown completes.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.runDone
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.watchdog.Stop()
}

// runLoop drives one Connection at a time, reconnecting with a fixed
// delay between attempts, until ctx is canceled.
func (c *Client) runLoop(ctx context.Context) {
	defer close(c.runDone)
	defer close(c.out)

	for ctx.Err() == nil {
		c.prevSnap = registry.EmptySnapshot()
		c.decoder.Reset()

		conn := c.connFactory()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if !conn.Connect(ctx) {
			return
		}

		c.driveConnection(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.watchdog.DisarmAll()

		if ctx.Err() != nil {
			return
		}

		c.waitReconnectDelay(ctx)
	}
}

func (c *Client) newConnection() *Connection {
	creds, err := c.solver.Solve(context.Background())
	if err != nil {
		creds = challenge.Credentials{}
	}
	return NewConnection(c.opts, creds, nil)
}

func (c *Client) waitReconnectDelay(ctx context.Context) {
	timer := time.NewTimer(c.opts.ReconnectDelay())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// driveConnection pumps one Connection's lifecycle events and the
// watchdog's fires until the Connection ends or ctx is canceled.
func (c *Client) driveConnection(ctx context.Context, conn *Connection) {
	for {
		select {
		case <-ctx.Done():
			conn.Disconnect(context.Background())
			c.drainUntilClosed(conn)
			return

		case fire, ok := <-c.watchdog.Fires():
			if !ok {
				continue
			}
			c.log.WithComponent("watchdog").WithField("category", fire.Category).
				Warn("feed went stale")
			if fire.Reconnect {
				conn.Disconnect(context.Background())
				c.drainUntilClosed(conn)
				return
			}

		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			if c.handleConnEvent(conn, ev) {
				return
			}
		}
	}
}

func (c *Client) drainUntilClosed(conn *Connection) {
	for range conn.Events() {
	}
}

// handleConnEvent processes one internal connEvent, emitting the
// corresponding domain event(s). Returns true if the Connection has
// concluded and driveConnection should return control to runLoop.
func (c *Client) handleConnEvent(conn *Connection, ev connEvent) bool {
	switch ev.kind {
	case connEvtConnected:
		c.onConnected(conn, ev)
		return false

	case connEvtData:
		out, err := c.decoder.Decode(ev.data)
		if err != nil {
			c.log.WithComponent("decode").WithError(err).Warn("discarding malformed push message")
			return false
		}
		c.touchWatchdog(out)
		c.emit(out)
		return false

	case connEvtConnectionError:
		c.emit(events.ConnectionErrorEvent{
			Step:     ev.errStep,
			Attempts: ev.errAttempts,
			Retry:    ev.errRetry,
			Err:      ev.err,
		})
		return !ev.errRetry

	case connEvtDisconnected:
		c.emit(events.DisconnectedEvent{
			ConnectionID: ev.connectionID,
			Code:         ev.closeCode,
			Reason:       ev.closeReason,
		})
		return true

	default:
		return false
	}
}

func (c *Client) onConnected(conn *Connection, ev connEvent) {
	c.emit(events.ConnectedEvent{ConnectionID: ev.connectionID})
	c.resync(conn)
}

// resync replays the full current Registry state onto a freshly connected
// Connection, since a new Connection has no memory of prior subscriptions.
func (c *Client) resync(conn *Connection) {
	diff := c.registry.Diff(registry.EmptySnapshot())
	c.applyDiff(conn, diff)
	c.prevSnap = c.registry.Snapshot()
}

func (c *Client) touchWatchdog(ev events.Event) {
	switch ev.(type) {
	case events.OrderBookEvent, events.OrderBookUpdateEvent, events.TradesEvent:
		c.watchdog.Touch("markets")
	case events.TickerEvent:
		c.watchdog.Touch("tickers")
	case events.SummaryEvent:
		c.watchdog.Touch("summary")
	}
}

// emit delivers ev on the output channel, dropping the oldest buffered
// event to make room if the channel is full, rather than blocking the run
// loop on a slow consumer.
func (c *Client) emit(ev events.Event) {
	select {
	case c.out <- ev:
		return
	default:
	}

	select {
	case <-c.out:
		c.dropped.Add(1)
	default:
	}

	select {
	case c.out <- ev:
	default:
		c.dropped.Add(1)
	}
}

// applyDiff invokes the subscribe hub methods for the additions in d, and
// SubscribeToSummaryDeltas when d turns the summary feed on. Removals
// (ToUnsubscribeMarkets, ToUnsubscribeTickers, summary turned off) invoke
// no hub method; they only stop being replayed by the next resync.
func (c *Client) applyDiff(conn *Connection, d registry.Diff) {
	for _, market := range d.ToSubscribeMarkets {
		conn.Invoke("corehub", c.opts.HubMethods.SubscribeToExchangeDeltas, []interface{}{market}, nil)
		conn.Invoke("corehub", c.opts.HubMethods.QueryExchangeState, []interface{}{market}, nil)
		c.watchdog.Arm("markets")
	}
	for _, ticker := range d.ToSubscribeTickers {
		conn.Invoke("corehub", c.opts.HubMethods.SubscribeToSummaryLite, []interface{}{ticker}, nil)
		c.watchdog.Arm("tickers")
	}
	if d.SummaryChanged && d.SummaryOn {
		conn.Invoke("corehub", c.opts.HubMethods.SubscribeToSummaryDeltas, nil, nil)
		c.watchdog.Arm("summary")
	}
}

// liveConn returns the current Connection if one is connected, else nil.
func (c *Client) liveConn() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.State() != StateConnected {
		return nil
	}
	return c.conn
}

// SubscribeMarkets adds markets to the tracked set and, if a Connection is
// live, subscribes to the delta just added.
func (c *Client) SubscribeMarkets(markets []string) {
	c.registry.Add(registry.Markets, markets)
	c.syncLive()
}

// UnsubscribeMarkets removes markets from the tracked set.
func (c *Client) UnsubscribeMarkets(markets []string) {
	c.registry.Remove(registry.Markets, markets)
	c.syncLive()
}

// ReplaceMarkets atomically replaces the full tracked market set.
func (c *Client) ReplaceMarkets(markets []string) {
	c.registry.Replace(registry.Markets, markets)
	c.syncLive()
}

// SubscribeTickers adds tickers to the tracked set.
func (c *Client) SubscribeTickers(tickers []string) {
	c.registry.Add(registry.Tickers, tickers)
	c.syncLive()
}

// UnsubscribeTickers removes tickers from the tracked set.
func (c *Client) UnsubscribeTickers(tickers []string) {
	c.registry.Remove(registry.Tickers, tickers)
	c.syncLive()
}

// SetSummary turns the market-summary feed on or off.
func (c *Client) SetSummary(on bool) {
	c.registry.SetSummary(on)
	c.syncLive()
}

// syncLive pushes the delta between the last-acknowledged snapshot and
// the current Registry state to the live Connection, if any. A
// subscription change made while disconnected is picked up by the next
// resync on reconnect instead.
func (c *Client) syncLive() {
	conn := c.liveConn()
	if conn == nil {
		return
	}

	diff := c.registry.Diff(c.prevSnap)
	c.applyDiff(conn, diff)
	c.prevSnap = c.registry.Snapshot()
}

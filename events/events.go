// Package events defines the domain event sum type the Client facade
// delivers to listeners, and the decoder that classifies a push message's
// payload by hub method name.
//
// Per Design Note 1 (tagged union keyed by inner M method name), unknown
// hub methods are surfaced as RawEvent rather than silently discarded, so
// consumers can evolve alongside server-side additions without a library
// upgrade.
package events

import "encoding/json"

// Event is implemented by every concrete event type this package emits.
type Event interface {
	eventTag()
}

// ConnectedEvent is emitted exactly once per Connection, after the
// handshake completes and before any data event.
type ConnectedEvent struct {
	ConnectionID string
}

// DisconnectedEvent is emitted when a Connection's transport drops outside
// of a programmatic disconnect. Terminal for that Connection.
type DisconnectedEvent struct {
	ConnectionID string
	Code         int
	Reason       string
}

// ConnectionErrorEvent is emitted once per handshake-phase retry attempt
// (Retry true) and once more, terminally, when a phase's budget is
// exhausted (Retry false).
type ConnectionErrorEvent struct {
	Step     string
	Attempts int
	Retry    bool
	Err      error
}

// PriceLevel is one row of an order-book snapshot or update.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderBookEvent is a full order-book snapshot for pair, marking the start
// of a fresh sequence. Cseq is the channel sequence number the next
// OrderBookUpdateEvent for this pair must follow.
type OrderBookEvent struct {
	Pair string
	Cseq int64
	Bids []PriceLevel
	Asks []PriceLevel
}

// OrderBookUpdateEvent is an incremental order-book delta for pair.
type OrderBookUpdateEvent struct {
	Pair string
	Cseq int64
	Bids []PriceLevel
	Asks []PriceLevel
}

// Trade is one element of a TradesEvent's Data.
type Trade struct {
	ID        int64
	Price     float64
	Quantity  float64
	Timestamp int64
	IsBuy     bool
}

// TradesEvent carries one or more executed trades for pair.
type TradesEvent struct {
	Pair string
	Data []Trade
}

// TickerEvent carries a single ticker update for pair. Data is left raw
// since ticker payload shapes vary by hub configuration and decoding them
// further is outside this module's scope.
type TickerEvent struct {
	Pair string
	Data json.RawMessage
}

// SummaryEvent carries the periodic market-summary push, one row per
// tracked pair. Data is left raw for the same reason as TickerEvent.
type SummaryEvent struct {
	Data []json.RawMessage
}

// RawEvent is the fallback for any push message whose method name this
// decoder does not recognize. Method and Args are exactly what the hub
// sent, so a consumer built against a newer hub surface can still see it.
type RawEvent struct {
	Pair   string
	Method string
	Args   []json.RawMessage
}

func (ConnectedEvent) eventTag()        {}
func (DisconnectedEvent) eventTag()     {}
func (ConnectionErrorEvent) eventTag()  {}
func (OrderBookEvent) eventTag()        {}
func (OrderBookUpdateEvent) eventTag()  {}
func (TradesEvent) eventTag()           {}
func (TickerEvent) eventTag()           {}
func (SummaryEvent) eventTag()          {}
func (RawEvent) eventTag()              {}

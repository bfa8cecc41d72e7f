package events

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/caldera-oss/corehub/hubs"
)

// rawLevel is the wire shape of one order-book row: an object with
// Rate/Quantity fields, normalized into PriceLevel. This module only needs
// enough of the shape to detect session-coherence boundaries (the cseq
// counter). Rows sent as [price, quantity] arrays are not accepted; a
// payload containing one fails to decode.
type rawLevel struct {
	Rate     json.Number `json:"Rate"`
	Quantity json.Number `json:"Quantity"`
}

func decodeLevels(raw []rawLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(raw))
	for _, r := range raw {
		price, _ := r.Rate.Float64()
		qty, _ := r.Quantity.Float64()
		out = append(out, PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

type rawExchangeState struct {
	MarketName string     `json:"MarketName"`
	Nonce      int64      `json:"Nonce"`
	Buys       []rawLevel `json:"Buys"`
	Sells      []rawLevel `json:"Sells"`
	Fills      []rawTrade `json:"Fills"`
}

type rawTrade struct {
	ID        int64       `json:"Id"`
	Price     json.Number `json:"Price"`
	Quantity  json.Number `json:"Quantity"`
	Timestamp int64       `json:"TimeStamp"`
	OrderType string      `json:"OrderType"`
}

func decodeTrades(raw []rawTrade) []Trade {
	out := make([]Trade, 0, len(raw))
	for _, r := range raw {
		price, _ := r.Price.Float64()
		qty, _ := r.Quantity.Float64()
		out = append(out, Trade{
			ID:        r.ID,
			Price:     price,
			Quantity:  qty,
			Timestamp: r.Timestamp,
			IsBuy:     strings.EqualFold(r.OrderType, "buy"),
		})
	}
	return out
}

// Decoder classifies and decodes inbound push messages into typed domain
// events, tracking per-pair sequence state so that Reset can force the
// next order-book payload for each pair to be treated as a fresh snapshot
// after a reconnect, when the hub has no memory of what it already sent.
type Decoder struct {
	// seenSnapshot records which pairs have already received an initial
	// snapshot (cseq=Nonce) since the last Reset.
	seenSnapshot map[string]bool
}

// NewDecoder creates a Decoder with empty sequence state.
func NewDecoder() *Decoder {
	return &Decoder{seenSnapshot: make(map[string]bool)}
}

// Reset clears per-pair sequence state. Called by the Client facade before
// each (re)connect, so the first order-book payload for each pair on the
// new Connection is interpreted as a fresh snapshot rather than an update.
func (d *Decoder) Reset() {
	d.seenSnapshot = make(map[string]bool)
}

// Decode classifies one push message by its hub method name and decodes it
// into a typed Event. Unrecognized methods decode to RawEvent rather than
// an error, per Design Note 1.
func (d *Decoder) Decode(msg hubs.PushMessage) (Event, error) {
	switch strings.ToLower(msg.M) {
	case "updateexchangestate", "queryexchangestate":
		return d.decodeExchangeState(msg)
	case "updatesummarystate", "updatesummaryliststate":
		return d.decodeSummaryState(msg)
	case "updatesummaryliteststate", "updatesummaryliteliststate":
		return d.decodeTickerState(msg)
	case "updateexchangetrades":
		return d.decodeTradeFeed(msg)
	default:
		return RawEvent{Method: msg.M, Args: msg.A}, nil
	}
}

func (d *Decoder) decodeExchangeState(msg hubs.PushMessage) (Event, error) {
	if len(msg.A) == 0 {
		return nil, errors.Errorf("%s: missing argument", msg.M)
	}

	var raw rawExchangeState
	if err := json.Unmarshal(msg.A[0], &raw); err != nil {
		return nil, errors.Wrapf(err, "%s: decode", msg.M)
	}

	pair := raw.MarketName
	bids := decodeLevels(raw.Buys)
	asks := decodeLevels(raw.Sells)

	if !d.seenSnapshot[pair] {
		d.seenSnapshot[pair] = true
		return OrderBookEvent{Pair: pair, Cseq: raw.Nonce, Bids: bids, Asks: asks}, nil
	}

	return OrderBookUpdateEvent{Pair: pair, Cseq: raw.Nonce, Bids: bids, Asks: asks}, nil
}

// decodeTradeFeed handles hub configurations that push fills on a
// dedicated method (e.g. "updateexchangetrades") rather than folded into
// the exchange-state delta above.
func (d *Decoder) decodeTradeFeed(msg hubs.PushMessage) (Event, error) {
	if len(msg.A) == 0 {
		return nil, errors.Errorf("%s: missing argument", msg.M)
	}

	var raw struct {
		MarketName string     `json:"MarketName"`
		Fills      []rawTrade `json:"Fills"`
	}
	if err := json.Unmarshal(msg.A[0], &raw); err != nil {
		return nil, errors.Wrapf(err, "%s: decode", msg.M)
	}

	return TradesEvent{Pair: raw.MarketName, Data: decodeTrades(raw.Fills)}, nil
}

// decodeTickerState handles the "lite" summary feed, which pushes one row
// per pair rather than the full-summary feed's batched Deltas list.
func (d *Decoder) decodeTickerState(msg hubs.PushMessage) (Event, error) {
	if len(msg.A) == 0 {
		return nil, errors.Errorf("%s: missing argument", msg.M)
	}

	var raw struct {
		MarketName string `json:"MarketName"`
	}
	if err := json.Unmarshal(msg.A[0], &raw); err != nil {
		return nil, errors.Wrapf(err, "%s: decode", msg.M)
	}

	return TickerEvent{Pair: raw.MarketName, Data: msg.A[0]}, nil
}

func (d *Decoder) decodeSummaryState(msg hubs.PushMessage) (Event, error) {
	var raw struct {
		Deltas []json.RawMessage `json:"Deltas"`
	}
	if len(msg.A) == 0 {
		return SummaryEvent{}, nil
	}
	if err := json.Unmarshal(msg.A[0], &raw); err != nil {
		return nil, errors.Wrapf(err, "%s: decode", msg.M)
	}
	return SummaryEvent{Data: raw.Deltas}, nil
}

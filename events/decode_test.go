package events_test

import (
	"encoding/json"
	"testing"

	"github.com/caldera-oss/corehub/events"
	"github.com/caldera-oss/corehub/hubs"
)

func push(method string, args ...string) hubs.PushMessage {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i] = json.RawMessage(a)
	}
	return hubs.PushMessage{H: "corehub", M: method, A: raw}
}

func TestDecoder_FirstExchangeStateIsSnapshot(t *testing.T) {
	d := events.NewDecoder()

	payload := `{"MarketName":"USDT-BTC","Nonce":1,"Buys":[{"Rate":"100","Quantity":"2"}],"Sells":[]}`
	ev, err := d.Decode(push("updateExchangeState", payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	snap, ok := ev.(events.OrderBookEvent)
	if !ok {
		t.Fatalf("got %T, want OrderBookEvent", ev)
	}
	if snap.Pair != "USDT-BTC" || snap.Cseq != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != 100 || snap.Bids[0].Quantity != 2 {
		t.Errorf("bids = %+v", snap.Bids)
	}
}

func TestDecoder_SubsequentExchangeStateIsUpdate(t *testing.T) {
	d := events.NewDecoder()
	payload := `{"MarketName":"USDT-BTC","Nonce":1,"Buys":[],"Sells":[]}`
	_, _ = d.Decode(push("updateExchangeState", payload))

	payload2 := `{"MarketName":"USDT-BTC","Nonce":2,"Buys":[],"Sells":[]}`
	ev, err := d.Decode(push("updateExchangeState", payload2))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if _, ok := ev.(events.OrderBookUpdateEvent); !ok {
		t.Fatalf("got %T, want OrderBookUpdateEvent", ev)
	}
}

func TestDecoder_ResetTreatsNextPayloadAsSnapshotAgain(t *testing.T) {
	d := events.NewDecoder()
	payload := `{"MarketName":"USDT-BTC","Nonce":1,"Buys":[],"Sells":[]}`
	_, _ = d.Decode(push("updateExchangeState", payload))

	d.Reset()

	ev, err := d.Decode(push("updateExchangeState", payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := ev.(events.OrderBookEvent); !ok {
		t.Fatalf("got %T, want OrderBookEvent after Reset", ev)
	}
}

func TestDecoder_UnknownMethodIsRawEvent(t *testing.T) {
	d := events.NewDecoder()
	ev, err := d.Decode(push("somethingUnrecognized", `"arg"`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := ev.(events.RawEvent)
	if !ok {
		t.Fatalf("got %T, want RawEvent", ev)
	}
	if raw.Method != "somethingUnrecognized" {
		t.Errorf("method = %q", raw.Method)
	}
}

func TestDecoder_SummaryState(t *testing.T) {
	d := events.NewDecoder()
	payload := `{"Deltas":[{"MarketName":"USDT-BTC","Last":100}]}`
	ev, err := d.Decode(push("updateSummaryState", payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	summary, ok := ev.(events.SummaryEvent)
	if !ok {
		t.Fatalf("got %T, want SummaryEvent", ev)
	}
	if len(summary.Data) != 1 {
		t.Errorf("data = %+v", summary.Data)
	}
}

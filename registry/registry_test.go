package registry_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/caldera-oss/corehub/registry"
)

func setEq(a map[string]struct{}, items ...string) bool {
	if len(a) != len(items) {
		return false
	}
	for _, i := range items {
		if _, ok := a[i]; !ok {
			return false
		}
	}
	return true
}

func TestRegistry_AddIsIdempotent(t *testing.T) {
	r := registry.New()
	r.Add(registry.Markets, []string{"USDT-BTC"})
	r.Add(registry.Markets, []string{"USDT-BTC"})

	snap := r.Snapshot()
	if !setEq(snap.Markets, "USDT-BTC") {
		t.Errorf("snapshot = %v, want {USDT-BTC}", snap.Markets)
	}
}

func TestRegistry_RemoveAbsentIsNoop(t *testing.T) {
	r := registry.New()
	r.Add(registry.Markets, []string{"USDT-BTC"})
	r.Remove(registry.Markets, []string{"BTC-ETH"})

	snap := r.Snapshot()
	if !setEq(snap.Markets, "USDT-BTC") {
		t.Errorf("snapshot = %v, want {USDT-BTC}", snap.Markets)
	}
}

func TestRegistry_ReplaceIsAtomicRegardlessOfPrior(t *testing.T) {
	r := registry.New()
	r.Replace(registry.Markets, []string{"USDT-ETH", "BTC-ETH"})
	r.Replace(registry.Markets, []string{"BTC-NEO"})

	snap := r.Snapshot()
	if !setEq(snap.Markets, "BTC-NEO") {
		t.Errorf("snapshot = %v, want {BTC-NEO}", snap.Markets)
	}
}

func TestRegistry_DiffAfterReplace(t *testing.T) {
	r := registry.New()
	r.Replace(registry.Markets, []string{"USDT-ETH", "BTC-ETH"})
	before := r.Snapshot()

	r.Replace(registry.Markets, []string{"BTC-NEO"})
	d := r.Diff(before)

	if !setEq(toSet(d.ToSubscribeMarkets), "BTC-NEO") {
		t.Errorf("ToSubscribeMarkets = %v, want {BTC-NEO}", d.ToSubscribeMarkets)
	}
	if !setEq(toSet(d.ToUnsubscribeMarkets), "USDT-ETH", "BTC-ETH") {
		t.Errorf("ToUnsubscribeMarkets = %v, want {USDT-ETH,BTC-ETH}", d.ToUnsubscribeMarkets)
	}
}

func TestRegistry_SummaryToggleDiff(t *testing.T) {
	r := registry.New()
	before := r.Snapshot()
	r.SetSummary(true)

	d := r.Diff(before)
	if !d.SummaryChanged || !d.SummaryOn {
		t.Errorf("diff = %+v, want SummaryChanged && SummaryOn", d)
	}
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

func TestRegistry_AddIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("add(S); add(S) == add(S)", prop.ForAll(
		func(items []string) bool {
			once := registry.New()
			once.Add(registry.Markets, items)

			twice := registry.New()
			twice.Add(registry.Markets, items)
			twice.Add(registry.Markets, items)

			a := once.Snapshot().Markets
			b := twice.Snapshot().Markets
			if len(a) != len(b) {
				return false
			}
			for k := range a {
				if _, ok := b[k]; !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("replace(A); replace(B) == replace(B) regardless of A", prop.ForAll(
		func(a, b []string) bool {
			r := registry.New()
			r.Replace(registry.Markets, a)
			r.Replace(registry.Markets, b)

			want := toSet(b)
			got := r.Snapshot().Markets
			if len(want) != len(got) {
				return false
			}
			for k := range want {
				if _, ok := got[k]; !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

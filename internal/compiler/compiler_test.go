package compiler

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/hyperproj/internal/ir/fixtures"
	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vm"
)

// TestCompile_Deterministic exercises Testable Property 10: compiling
// the same entity spec twice must produce byte-for-byte identical
// bytecode, since the engine relies on recompiling a schema reload
// without perturbing already-running state.
func TestCompile_Deterministic(t *testing.T) {
	spec := fixtures.PumpfunToken()
	a, err := Compile(spec, 1)
	require.NoError(t, err)
	b, err := Compile(spec, 1)
	require.NoError(t, err)

	require.True(t, reflect.DeepEqual(a, b))
}

func setPath(v value.Value, path string, val value.Value) value.Value {
	return v.Set(path, val)
}

// event is a small builder so scenario tests can compose nested event
// payloads field by field without routing every literal through
// value.FromAny, which only understands encoding/json's own generic
// decode shapes (float64, not int64/[]byte).
func event(fields map[string]value.Value) value.Value {
	v := value.EmptyObject()
	for path, val := range fields {
		v = setPath(v, path, val)
	}
	return v
}

// TestCompile_PumpfunScenario runs a Create -> Buy -> Sell -> BondingCurve
// event sequence for the bonding-curve token fixture through the
// compiled bytecode and a real VM, exercising Scenario A (creation +
// resolver registration), aggregation across Buy/Sell (Sum/Count/Max/
// Min/UniqueCount, duplicate-ordering dropped), Scenario C (PDA reverse
// lookup registered via a hook), Scenario E (computed cross-field
// values), and Append population of events.buys/sells (each array holds
// one entry here, so truncation is not reached).
func TestCompile_PumpfunScenario(t *testing.T) {
	spec := fixtures.PumpfunToken()
	bytecode, err := Compile(spec, 1)
	require.NoError(t, err)

	table := vm.NewStateTable("PumpfunToken", vm.PdaReverseLookupConfig{}, nil)
	machine := vm.New("PumpfunToken", table)

	createProg, ok := bytecode.ProgramFor("instruction", "Create")
	require.True(t, ok)
	buyProg, ok := bytecode.ProgramFor("instruction", "Buy")
	require.True(t, ok)
	sellProg, ok := bytecode.ProgramFor("instruction", "Sell")
	require.True(t, ok)
	curveProg, ok := bytecode.ProgramFor("account", "BondingCurve")
	require.True(t, ok)

	createEvt := event(map[string]value.Value{
		"accounts.mint":          value.String("mintA"),
		"accounts.bonding_curve": value.String("curveA"),
		"data.name":              value.String("Foo Token"),
		"data.symbol":            value.String("FOO"),
		"data.uri":               value.String("https://example.invalid/a.json"),
	})
	ctx, err := machine.Run(createProg, createEvt, "instruction", "Create", 1, 1000)
	require.NoError(t, err)
	require.Len(t, ctx.Mutations, 1)

	reqs := ctx.DrainResolverRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, "http_json", reqs[0].Type)
	require.Equal(t, "https://example.invalid/a.json", reqs[0].Input)
	require.Equal(t, "image", reqs[0].SubPath)

	state, ok := table.Get("mintA")
	require.True(t, ok)
	require.Equal(t, "mintA", state.Get("id.mint").AsString())
	require.Equal(t, "curveA", state.Get("id.bonding_curve").AsString())
	require.Equal(t, "Foo Token", state.Get("info.name").AsString())
	require.Equal(t, "FOO", state.Get("info.symbol").AsString())

	buyEvt := event(map[string]value.Value{
		"accounts.mint":          value.String("mintA"),
		"accounts.bonding_curve": value.String("curveA"),
		"accounts.user":          value.String("alice"),
		"data.amount":            value.Int64(500_000_000_000),
	})
	ctx, err = machine.Run(buyProg, buyEvt, "instruction", "Buy", 2, 1010)
	require.NoError(t, err)
	require.Len(t, ctx.Mutations, 1)

	// A duplicate ordering for the same key must be dropped entirely —
	// Testable Property 1 exercised through the full compiled program,
	// not just the opcode in isolation.
	ctx, err = machine.Run(buyProg, buyEvt, "instruction", "Buy", 2, 1010)
	require.NoError(t, err)
	require.Empty(t, ctx.Mutations)

	state, _ = table.Get("mintA")
	require.Equal(t, int64(500_000_000_000), state.Get("trading.total_buy_volume").AsInt64())
	require.Equal(t, int64(1), state.Get("trading.total_trades").AsInt64())
	require.Equal(t, int64(1), state.Get("trading.buy_count").AsInt64())
	require.Equal(t, int64(1), state.Get("trading.unique_traders").AsInt64())
	require.Equal(t, int64(500_000_000_000), state.Get("trading.largest_trade").AsInt64())
	require.Equal(t, int64(500_000_000_000), state.Get("trading.smallest_trade").AsInt64())
	require.Equal(t, int64(1010), state.Get("trading.last_trade_timestamp").AsInt64())
	require.True(t, state.Get("trading.whale_trade_count").IsNull(), "trade below the whale threshold must not count")
	require.Len(t, state.Get("events.buys").AsArray(), 1)

	sellEvt := event(map[string]value.Value{
		"accounts.mint":          value.String("mintA"),
		"accounts.bonding_curve": value.String("curveA"),
		"accounts.user":          value.String("bob"),
		"data.amount":            value.Int64(2_000_000_000_000), // above whaleThreshold
	})
	ctx, err = machine.Run(sellProg, sellEvt, "instruction", "Sell", 3, 1020)
	require.NoError(t, err)
	require.Len(t, ctx.Mutations, 1)

	state, _ = table.Get("mintA")
	require.Equal(t, int64(2_000_000_000_000), state.Get("trading.total_sell_volume").AsInt64())
	require.Equal(t, int64(2), state.Get("trading.total_trades").AsInt64())
	require.Equal(t, int64(1), state.Get("trading.sell_count").AsInt64())
	require.Equal(t, int64(2), state.Get("trading.unique_traders").AsInt64(), "alice and bob are two distinct traders")
	require.Equal(t, int64(2_000_000_000_000), state.Get("trading.largest_trade").AsInt64())
	require.Equal(t, int64(500_000_000_000), state.Get("trading.smallest_trade").AsInt64())
	require.Equal(t, int64(1), state.Get("trading.whale_trade_count").AsInt64())
	require.Equal(t, "bob", state.Get("trading.last_whale_address").AsString())
	require.Len(t, state.Get("events.sells").AsArray(), 1)

	// total_volume and average_trade_size are deferred SourceComputed
	// fields, evaluated from state already updated earlier in the same
	// handler body.
	require.Equal(t, int64(2_500_000_000_000), state.Get("trading.total_volume").AsInt64())
	require.Equal(t, int64(1_250_000_000_000), state.Get("trading.average_trade_size").AsInt64())

	curveEvt := event(map[string]value.Value{
		"account_address":        value.String("curveA"),
		"complete":               value.Bool(false),
		"virtual_token_reserves": value.Int64(1_000_000),
		"virtual_sol_reserves":   value.Int64(2_000_000),
		"real_token_reserves":    value.Int64(900_000),
		"real_sol_reserves":      value.Int64(400_000),
		"token_total_supply":     value.Int64(1_000_000_000),
		"creator":                value.Bytes([]byte{0xAB, 0xCD}),
	})
	ctx, err = machine.Run(curveProg, curveEvt, "account", "BondingCurve", 4, 1030)
	require.NoError(t, err)
	require.Len(t, ctx.Mutations, 1)

	state, _ = table.Get("mintA")
	require.False(t, state.Get("info.is_complete").AsBool())
	require.Equal(t, int64(1_000_000), state.Get("reserves.virtual_token_reserves").AsInt64())
	require.Equal(t, int64(2_000_000), state.Get("reserves.virtual_sol_reserves").AsInt64())
	require.Equal(t, "abcd", state.Get("bonding_curve_snapshot.creator").AsString())

	// Buying again now exercises the cross-section computed fields with
	// real reserves on state instead of the zero-valued fallback seen
	// before any BondingCurve snapshot had landed.
	buyEvt2 := event(map[string]value.Value{
		"accounts.mint":          value.String("mintA"),
		"accounts.bonding_curve": value.String("curveA"),
		"accounts.user":          value.String("carol"),
		"data.amount":            value.Int64(100_000),
	})
	ctx, err = machine.Run(buyProg, buyEvt2, "instruction", "Buy", 5, 1040)
	require.NoError(t, err)
	require.Len(t, ctx.Mutations, 1)

	state, _ = table.Get("mintA")
	require.Equal(t, int64(2), state.Get("trading.last_trade_price").AsInt64())
	require.Equal(t, int64(3), state.Get("trading.unique_traders").AsInt64())
}

package engine_test

import (
	"context"
	"testing"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/luxfi/hyperproj/internal/engine"
	"github.com/luxfi/hyperproj/internal/fanout"
	"github.com/luxfi/hyperproj/internal/health"
	"github.com/luxfi/hyperproj/internal/ingest"
	"github.com/luxfi/hyperproj/internal/ingest/fixture"
	"github.com/luxfi/hyperproj/internal/ir/fixtures"
	"github.com/luxfi/hyperproj/internal/projcache"
	"github.com/luxfi/hyperproj/internal/resolver"
	"github.com/luxfi/hyperproj/internal/resolver/resolvermock"
	"github.com/luxfi/hyperproj/internal/value"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func evt(eventType, instruction string, ordering int64, slot uint64, blockTime int64, fields map[string]value.Value) ingest.Event {
	v := value.EmptyObject()
	for path, val := range fields {
		v = v.Set(path, val)
	}
	return ingest.Event{
		Type:        eventType,
		Instruction: instruction,
		Slot:        slot,
		Ordering:    ordering,
		BlockTime:   blockTime,
		Payload:     v,
	}
}

// TestEngine_RoutesCompilesAndPublishesEndToEnd drives a real Engine over
// a fixed Create -> Buy -> Sell -> BondingCurve event log through
// internal/ingest/fixture, and confirms the resulting cached entity
// state, resolver write-back, sorted window, fan-out delivery, and
// health watermark all reflect the replayed log, then verifies the
// engine's goroutines all exit cleanly after Shutdown.
func TestEngine_RoutesCompilesAndPublishesEndToEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockResolver := resolvermock.NewMockExternalResolver(ctrl)
	mockResolver.EXPECT().
		Resolve(gomock.Any(), "http_json", gomock.Any()).
		Return(map[string]resolver.Result{
			"https://example.invalid/a.json": {Value: []byte(`{"image":"https://example.invalid/a.png"}`)},
		}, nil)

	log := []ingest.Event{
		evt("instruction", "Create", 1, 100, 1000, map[string]value.Value{
			"accounts.mint":          value.String("mintA"),
			"accounts.bonding_curve": value.String("curveA"),
			"data.name":              value.String("Foo Token"),
			"data.symbol":            value.String("FOO"),
			"data.uri":               value.String("https://example.invalid/a.json"),
		}),
		evt("instruction", "Buy", 2, 101, 1010, map[string]value.Value{
			"accounts.mint":          value.String("mintA"),
			"accounts.bonding_curve": value.String("curveA"),
			"accounts.user":          value.String("alice"),
			"data.amount":            value.Int64(500_000_000_000),
		}),
		evt("instruction", "Sell", 3, 102, 1020, map[string]value.Value{
			"accounts.mint":          value.String("mintA"),
			"accounts.bonding_curve": value.String("curveA"),
			"accounts.user":          value.String("bob"),
			"data.amount":            value.Int64(2_000_000_000_000),
		}),
		evt("account", "BondingCurve", 4, 103, 1030, map[string]value.Value{
			"account_address":        value.String("curveA"),
			"complete":               value.Bool(false),
			"virtual_token_reserves": value.Int64(1_000_000),
			"virtual_sol_reserves":   value.Int64(2_000_000),
			"real_token_reserves":    value.Int64(900_000),
			"real_sol_reserves":      value.Int64(400_000),
			"token_total_supply":     value.Int64(1_000_000_000),
			"creator":                value.Bytes([]byte{0xAB, 0xCD}),
		}),
	}

	src := fixture.New(log, 0)
	cache := projcache.New(0)
	buses := fanout.NewBusManager()
	clients := fanout.NewClientManager(buses, cache, projcache.SnapshotBatchConfig{}, nil)
	tracker := health.NewTracker(nil)

	client := clients.Connect(16)
	clients.Subscribe(client.ID, &fanout.Subscription{View: "PumpfunToken", Key: "mintA"})

	entities := []engine.EntityConfig{{
		Spec:    fixtures.PumpfunToken(),
		StateID: 1,
		Mode:    fanout.ModeState,
	}}

	eng, err := engine.New(gethlog.Root(), src, mockResolver, resolver.Config{BatchSize: 64, BatchInterval: 5 * time.Millisecond}, cache, buses, clients, tracker, entities)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		state, ok := cache.Get("PumpfunToken", "mintA")
		return ok && state.Get("trading.total_trades").AsInt64() == 2 && !state.Get("info.metadata_image").IsNull()
	}, 2*time.Second, time.Millisecond, "engine did not converge to expected entity state")

	state, ok := cache.Get("PumpfunToken", "mintA")
	require.True(t, ok)
	require.Equal(t, "mintA", state.Get("id.mint").AsString())
	require.Equal(t, "Foo Token", state.Get("info.name").AsString())
	require.Equal(t, int64(500_000_000_000), state.Get("trading.total_buy_volume").AsInt64())
	require.Equal(t, int64(2_000_000_000_000), state.Get("trading.total_sell_volume").AsInt64())
	require.Equal(t, int64(2_000_000), state.Get("reserves.virtual_sol_reserves").AsInt64())
	require.Equal(t, `{"image":"https://example.invalid/a.png"}`, state.Get("info.metadata_image").AsString())

	require.Equal(t, uint64(103), tracker.Watermark("PumpfunToken").Slot)

	last, ok := buses.LastState("PumpfunToken")
	require.True(t, ok)
	require.Equal(t, "mintA", last.Key)

	require.Len(t, client.Outbox, 4, "one dispatched envelope per committed mutation: Create, Buy, Sell, BondingCurve")

	cancel()
	require.NoError(t, <-runDone)
	require.NoError(t, eng.Shutdown())
}

// Command hyperproj-bench compiles the same entity spec twice and
// reports whether the two bytecodes are identical (Testable Property
// 10), then replays a synthetic event log once through a real engine
// end to end and reports throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/hyperproj/internal/compiler"
	"github.com/luxfi/hyperproj/internal/engine"
	"github.com/luxfi/hyperproj/internal/fanout"
	"github.com/luxfi/hyperproj/internal/health"
	"github.com/luxfi/hyperproj/internal/ingest"
	"github.com/luxfi/hyperproj/internal/ingest/fixture"
	"github.com/luxfi/hyperproj/internal/ir/fixtures"
	"github.com/luxfi/hyperproj/internal/projcache"
	"github.com/luxfi/hyperproj/internal/resolver"
	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vm"
)

func main() {
	numTrades := flag.Int("trades", 50_000, "number of synthetic Buy/Sell events to replay")
	numMints := flag.Int("mints", 25, "number of distinct mints the synthetic trades are spread across")
	flag.Parse()

	spec := fixtures.PumpfunToken()

	bcA, err := compiler.Compile(spec, 1)
	if err != nil {
		fmt.Fprintln(os.Stderr, "compile:", err)
		os.Exit(1)
	}
	bcB, err := compiler.Compile(spec, 1)
	if err != nil {
		fmt.Fprintln(os.Stderr, "compile:", err)
		os.Exit(1)
	}
	deterministic := fmt.Sprintf("%#v", bcA) == fmt.Sprintf("%#v", bcB)
	fmt.Printf("bytecode deterministic across independent compiles: %v\n", deterministic)

	log := syntheticLog(*numMints, *numTrades)
	fmt.Printf("replaying %d events across %d mints\n", len(log), *numMints)

	logger := gethlog.Root()
	tracker := health.NewTracker(nil)
	cache := projcache.New(0)
	buses := fanout.NewBusManager()
	clients := fanout.NewClientManager(buses, cache, projcache.SnapshotBatchConfig{}, logger)
	source := fixture.New(log, len(log))

	entities := []engine.EntityConfig{{
		Spec:        spec,
		StateID:     1,
		Mode:        fanout.ModeList,
		AppendPaths: []string{"events.buys", "events.sells"},
		PdaConfig:   vm.PdaReverseLookupConfig{},
		CacheConfig: projcache.EntityCacheConfig{MaxEntries: *numMints + 1, MaxArrayLength: 1000},
	}}

	eng, err := engine.New(logger, source, nil, resolver.Config{}, cache, buses, clients, tracker, entities)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine.New:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	runErr := eng.Run(ctx)
	elapsed := time.Since(start)
	_ = eng.Shutdown()

	if runErr != nil && runErr != context.Canceled && runErr != context.DeadlineExceeded {
		fmt.Fprintln(os.Stderr, "run:", runErr)
		os.Exit(2)
	}

	wm := tracker.Watermark(spec.Name)
	throughput := float64(len(log)) / elapsed.Seconds()
	fmt.Printf("replayed %d events in %s (%.0f events/sec)\n", len(log), elapsed, throughput)
	fmt.Printf("final watermark: slot=%d sub_index=%d\n", wm.Slot, wm.SubIndex)

	for _, vs := range cache.Stats() {
		fmt.Printf("final cache[%s]: entries=%d\n", vs.View, vs.Entries)
	}
}

// syntheticLog builds a deterministic Create-then-alternating-Buy/Sell
// event log spread across numMints distinct mints, mirroring the shape
// internal/ir/fixtures' PumpfunToken handlers expect.
func syntheticLog(numMints, numTrades int) []ingest.Event {
	mints := make([]string, numMints)
	curves := make([]string, numMints)
	for i := range mints {
		mints[i] = fmt.Sprintf("Mint%032d", i)
		curves[i] = fmt.Sprintf("Curve%031d", i)
	}

	log := make([]ingest.Event, 0, numMints+numTrades)
	var ordering int64
	var slot uint64 = 1

	for i := range mints {
		ordering++
		log = append(log, ingest.Event{
			Type: "instruction", Instruction: "Create",
			Slot: slot, SubIndex: 0, Ordering: ordering, BlockTime: 1_700_000_000,
			Payload: value.FromAny(map[string]interface{}{
				"accounts": map[string]interface{}{"mint": mints[i], "bonding_curve": curves[i]},
				"data":     map[string]interface{}{"name": fmt.Sprintf("Token %d", i), "symbol": fmt.Sprintf("T%d", i), "uri": "https://example.invalid/meta.json"},
			}),
		})
		slot++
	}

	user := "BenchUser0000000000000000000000000000000000"
	for i := 0; i < numTrades; i++ {
		mint := mints[i%numMints]
		ordering++
		instr := "Buy"
		if i%2 == 1 {
			instr = "Sell"
		}
		log = append(log, ingest.Event{
			Type: "instruction", Instruction: instr,
			Slot: slot, SubIndex: 0, Ordering: ordering, BlockTime: 1_700_000_000 + int64(i),
			Payload: value.FromAny(map[string]interface{}{
				"accounts": map[string]interface{}{"mint": mint, "user": user},
				"data":     map[string]interface{}{"amount": int64(1_000_000 + i)},
			}),
		})
		slot++
	}

	return log
}

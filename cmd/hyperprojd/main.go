// Command hyperprojd runs the projection engine as a standalone daemon:
// it compiles the built-in entity specs, wires the ingest source,
// resolver coordinator, entity/sorted caches and subscription fan-out
// together, and serves live subscriptions over websocket alongside a
// Prometheus /metrics endpoint.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/hyperproj/config"
	"github.com/luxfi/hyperproj/internal/compiler"
	"github.com/luxfi/hyperproj/internal/engine"
	"github.com/luxfi/hyperproj/internal/fanout"
	"github.com/luxfi/hyperproj/internal/health"
	"github.com/luxfi/hyperproj/internal/ingest"
	"github.com/luxfi/hyperproj/internal/ingest/fixture"
	"github.com/luxfi/hyperproj/internal/ingest/reconnect"
	"github.com/luxfi/hyperproj/internal/ingest/wsclient"
	"github.com/luxfi/hyperproj/internal/ir"
	"github.com/luxfi/hyperproj/internal/ir/fixtures"
	"github.com/luxfi/hyperproj/internal/projcache"
	"github.com/luxfi/hyperproj/internal/resolver"
	"github.com/luxfi/hyperproj/internal/resolver/httpjson"
	"github.com/luxfi/hyperproj/internal/transport/wsserver"
	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vm"
	hplog "github.com/luxfi/hyperproj/log"
)

func main() {
	app := &cli.App{
		Name:  "hyperprojd",
		Usage: "declarative blockchain event-projection engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a TOML config file"},
			&cli.StringFlag{Name: "ws-ingest", Usage: "websocket URL to ingest live events from (fixture replay if unset)"},
		},
		Commands: []*cli.Command{
			runCommand(),
			compileCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the build version",
		Action: func(c *cli.Context) error {
			fmt.Println("hyperprojd (development build)")
			return nil
		},
	}
}

// compileCommand compiles every built-in entity spec and prints a
// deterministic hash of its bytecode, exercising Testable Property 10
// (identical specs compile to identical bytecode) from the CLI.
func compileCommand() *cli.Command {
	return &cli.Command{
		Name:  "compile",
		Usage: "compile the built-in entity specs and print their bytecode hash",
		Action: func(c *cli.Context) error {
			for i, spec := range builtinSpecs() {
				bc, err := compiler.Compile(spec, uint32(i+1))
				if err != nil {
					return cli.Exit(fmt.Errorf("compiling %s: %w", spec.Name, err), 1)
				}
				fmt.Printf("%s\t%s\n", spec.Name, bytecodeHash(bc))
			}
			return nil
		},
	}
}

func bytecodeHash(bc compiler.EntityBytecode) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", bc)))
	return hex.EncodeToString(sum[:])
}

func builtinSpecs() []ir.EntitySpec {
	return []ir.EntitySpec{fixtures.PumpfunToken()}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the engine and serve subscriptions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen-addr", Usage: "override the configured listen address"},
		},
		Action: func(c *cli.Context) error {
			return runDaemon(c)
		},
	}
}

func runDaemon(c *cli.Context) error {
	v := viper.New()
	fs := pflag.NewFlagSet("hyperprojd", pflag.ContinueOnError)
	config.BindFlags(fs, v)
	if addr := c.String("listen-addr"); addr != "" {
		v.Set("listen_addr", addr)
	}

	cfg, err := config.Load(c.String("config"), v)
	if err != nil {
		return cli.Exit(err, 1)
	}

	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer closeLog()

	specs := builtinSpecs()
	entities := make([]engine.EntityConfig, 0, len(specs))
	for i, spec := range specs {
		entities = append(entities, engine.EntityConfig{
			Spec:        spec,
			StateID:     uint32(i + 1),
			Mode:        fanout.ModeList,
			AppendPaths: []string{"events.buys", "events.sells"},
			PdaConfig:   vm.PdaReverseLookupConfig{},
			CacheConfig: projcache.EntityCacheConfig{
				MaxEntries:     cfg.Cache.MaxEntriesPerView,
				MaxArrayLength: cfg.Cache.MaxArrayLength,
				WarmTierBytes:  cfg.Cache.WarmTierBytes,
			},
		})
	}

	reg := prometheus.DefaultRegisterer
	tracker := health.NewTracker(reg)

	source, ingestCloser := buildIngestSource(c, logger, tracker)
	defer ingestCloser()

	cache := projcache.New(cfg.Cache.WarmTierBytes)
	buses := fanout.NewBusManager()
	batchCfg := projcache.SnapshotBatchConfig{}
	clients := fanout.NewClientManager(buses, cache, batchCfg, logger)

	var extResolver resolver.ExternalResolver = httpjson.New(10 * time.Second)
	resolverCfg := resolver.Config{
		BatchSize:     cfg.Resolver.BatchSize,
		BatchInterval: cfg.Resolver.BatchInterval,
	}

	eng, err := engine.New(logger, source, extResolver, resolverCfg, cache, buses, clients, tracker, entities)
	if err != nil {
		return cli.Exit(err, 1)
	}

	ws := wsserver.New(wsserver.Config{ClientBufferSize: cfg.Fanout.ClientBufferSize}, clients, logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", ws.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("hyperprojd listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", "err", err)
		}
	}()

	runErr := eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = eng.Shutdown()

	if runErr != nil && runErr != context.Canceled {
		return cli.Exit(runErr, 2)
	}
	return nil
}

// buildIngestSource selects a live websocket ingest source (wrapped in
// the backoff/reconnect policy) when --ws-ingest is set, otherwise a
// short built-in fixture replay.
func buildIngestSource(c *cli.Context, logger gethlog.Logger, tracker *health.Tracker) (ingest.Source, func()) {
	addr := c.String("ws-ingest")
	if addr == "" {
		src := fixture.New(demoEvents(), 64)
		return src, func() { _ = src.Close() }
	}

	dial := func(ctx context.Context, resumeFrom int64) (ingest.Source, error) {
		return wsclient.Dial(ctx, addr, resumeFrom)
	}
	src := reconnect.New(context.Background(), "ws-ingest", dial, reconnect.Config{}, logger, tracker)
	return src, func() { _ = src.Close() }
}

// demoEvents is a short Create/Buy/Sell log for a single mint, used
// when no live ingest source is configured so `run` has something to
// project on startup.
func demoEvents() []ingest.Event {
	mint := "Gh9ZwEmdLJ8DscKNTkTqPbNwLNNBjuSzaG9Vp2KGtKJr"
	curve := "BondingCurve1111111111111111111111111111111"
	user := "User11111111111111111111111111111111111111"

	return []ingest.Event{
		{
			Type: "instruction", Instruction: "Create",
			Slot: 1, SubIndex: 0, Ordering: 1, BlockTime: 1_700_000_000,
			Payload: value.FromAny(map[string]interface{}{
				"accounts": map[string]interface{}{"mint": mint, "bonding_curve": curve},
				"data":     map[string]interface{}{"name": "Demo Token", "symbol": "DEMO", "uri": "https://example.invalid/demo.json"},
			}),
		},
		{
			Type: "instruction", Instruction: "Buy",
			Slot: 2, SubIndex: 0, Ordering: 2, BlockTime: 1_700_000_010,
			Payload: value.FromAny(map[string]interface{}{
				"accounts": map[string]interface{}{"mint": mint, "user": user},
				"data":     map[string]interface{}{"amount": int64(5_000_000_000)},
			}),
		},
		{
			Type: "account", Instruction: "BondingCurve",
			Slot: 2, SubIndex: 1, Ordering: 3, BlockTime: 1_700_000_010,
			Payload: value.FromAny(map[string]interface{}{
				"account_address":        curve,
				"complete":               false,
				"virtual_token_reserves": int64(1_000_000_000_000),
				"virtual_sol_reserves":   int64(30_000_000_000),
				"real_token_reserves":    int64(800_000_000_000),
				"real_sol_reserves":      int64(5_000_000_000),
				"token_total_supply":     int64(1_000_000_000_000),
				"creator":                []byte{1, 2, 3, 4},
			}),
		},
		{
			Type: "instruction", Instruction: "Sell",
			Slot: 3, SubIndex: 0, Ordering: 4, BlockTime: 1_700_000_020,
			Payload: value.FromAny(map[string]interface{}{
				"accounts": map[string]interface{}{"mint": mint, "user": user},
				"data":     map[string]interface{}{"amount": int64(2_000_000_000)},
			}),
		},
	}
}

func setupLogging(cfg config.Config) (gethlog.Logger, func(), error) {
	var writer io.Writer = os.Stderr
	useColor := isatty.IsTerminal(os.Stderr.Fd())
	closeFn := func() {}

	switch {
	case cfg.LogFile != "":
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		writer = lj
		useColor = false
		closeFn = func() { _ = lj.Close() }
	case useColor:
		writer = colorable.NewColorable(os.Stderr)
	}

	handler := gethlog.NewTerminalHandler(writer, useColor)
	glog := hplog.NewGlogHandler(handler)
	glog.Verbosity(levelFromString(cfg.LogLevel))
	logger := gethlog.NewLogger(glog)
	gethlog.SetDefault(logger)
	return logger, closeFn, nil
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return hplog.LevelTrace
	case "debug":
		return hplog.LevelDebug
	case "warn":
		return hplog.LevelWarn
	case "error":
		return hplog.LevelError
	case "crit":
		return hplog.LevelCrit
	default:
		return hplog.LevelInfo
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowx/params"
	"github.com/uhyunpark/escrowx/pkg/api"
	"github.com/uhyunpark/escrowx/pkg/exchange"
	"github.com/uhyunpark/escrowx/pkg/metrics"
	"github.com/uhyunpark/escrowx/pkg/token"
	"github.com/uhyunpark/escrowx/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLogger(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Token ledgers ----
	registry := token.NewRegistry()
	for _, spec := range cfg.Node.Tokens {
		t := token.NewToken(spec.Address, spec.Name, spec.Symbol, spec.Supply, cfg.Node.Deployer)
		if err := registry.Register(t); err != nil {
			sugar.Fatalw("token_register_failed", "symbol", spec.Symbol, "err", err)
		}
		sugar.Infow("token_registered",
			"address", spec.Address.Hex(), "symbol", spec.Symbol, "supply", spec.Supply)
	}

	resolve := func(addr common.Address) (exchange.Ledger, error) {
		t, err := registry.Get(addr)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	// ---- Engine ----
	ex, err := exchange.Open(cfg.Engine.Address, cfg.Engine.FeeAccount, cfg.Engine.FeePercent, resolve, cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("engine_open_failed", "db", cfg.Node.DBPath, "err", err)
	}
	defer ex.Close()
	ex.SetLogger(sugar)
	ex.AddSink(metrics.Recorder{})
	// Journal replay bypasses sinks, so the gauge starts from the reloaded
	// order book rather than zero.
	metrics.OpenOrders.Set(float64(ex.OpenOrderCount()))

	sugar.Infow("engine_started",
		"exchange", cfg.Engine.Address.Hex(),
		"fee_account", cfg.Engine.FeeAccount.Hex(),
		"fee_percent", cfg.Engine.FeePercent,
		"orders", ex.OrderCount())

	// ---- API ----
	server := api.NewServer(ex, registry, sugar)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Node.ListenAddr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		sugar.Info("shutting down")
		// Give in-flight requests a moment to drain before the deferred
		// engine close releases the database.
		time.Sleep(200 * time.Millisecond)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}
}

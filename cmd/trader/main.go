package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tradecore/internal/config"
	"tradecore/internal/engine"
	"tradecore/internal/exchange/alpaca"
	"tradecore/internal/feed"
	"tradecore/internal/killswitch"
	"tradecore/internal/logger"
	"tradecore/internal/ratelimit"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.WithComponent("main").WithField("mode", cfg.Runtime.Mode).Info("Trader starting.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	budget := ratelimit.New(cfg.Execution.MaxRateLimitWait, log)
	client := alpaca.New(cfg.Broker, log)
	client.SetBudget(budget)

	tier, err := feed.NewSelector(client, cfg.Feed.ProbeSymbol, log).Select(ctx, cfg.Feed.Strict)
	if err != nil {
		log.WithError(err).Fatal("Market data feed unavailable.")
	}

	eng := engine.New(cfg, tier, engine.Deps{
		Broker:     client,
		MarketData: client,
		Stream:     client.Stream(tier, cfg.Feed.Symbols),
		Budget:     budget,
		KillSwitch: killswitch.New(cfg.Risk.KillSwitchFile, cfg.Risk.KillSwitchEnv, log),
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Start(ctx) }()

	select {
	case <-sigCh:
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Fatal("Engine stopped with error.")
		}
	}

	log.WithComponent("main").Info("Trader stopped.")
}

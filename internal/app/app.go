// Package app wires configuration into a running fleet: market source,
// oracle client, per-agent ledgers and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"talos/internal/agent"
	"talos/internal/config"
	"talos/internal/engine"
	"talos/internal/ledger"
	"talos/internal/logger"
	"talos/internal/market"
	"talos/internal/oracle"
	"talos/internal/sandbox"
	"talos/internal/scheduler"
	"talos/internal/store"
	"talos/internal/tools"
	apihttp "talos/internal/transport/http"
)

type App struct {
	cfg     *config.Config
	fleet   *agent.Fleet
	http    *apihttp.Server
	store   *store.Store
	prompts *engine.PromptRegistry
}

func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	source, err := buildSource(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store failed: %w", err)
	}

	prompts := engine.NewPromptRegistry()
	if cfg.Prompt.Path != "" {
		if err := prompts.LoadFile(cfg.Prompt.Path); err != nil {
			return nil, fmt.Errorf("loading prompts failed: %w", err)
		}
		if cfg.Prompt.Watch {
			if err := prompts.Watch(cfg.Prompt.Path); err != nil {
				logger.Warnf("prompt watch disabled: %v", err)
			}
		}
	}

	provider := oracle.NewChatClient(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Oracle.Model,
		time.Duration(cfg.Oracle.TimeoutSeconds)*time.Second)
	if cfg.Oracle.Temperature > 0 {
		provider.Temperature = cfg.Oracle.Temperature
	}
	provider.MaxRetries = cfg.Oracle.MaxRetries

	ledgerCfg := ledger.Config{
		InitialBalance: cfg.Ledger.InitialBalance,
		MinMargin:      cfg.Ledger.MinMargin,
		MinLeverage:    cfg.Ledger.MinLeverage,
		MaxLeverage:    cfg.Ledger.MaxLeverage,
		FeeRate:        cfg.Ledger.FeeRate,
		Cooldown:       time.Duration(cfg.Ledger.CooldownMinutes) * time.Minute,
	}

	runners := make([]*agent.Runner, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		interval, ok := scheduler.ParseIntervalDuration(ac.Interval)
		if !ok {
			return nil, fmt.Errorf("agent %s: invalid interval %q", ac.ID, ac.Interval)
		}
		eval := sandbox.NewEvaluator()
		dispatcher := tools.NewDispatcher(eval, sandbox.NewRegistry(eval), source)
		dispatcher.Timeout = time.Duration(cfg.Engine.ToolTimeoutSeconds) * time.Second

		ctrl := engine.NewController(provider, dispatcher)
		ctrl.MaxRounds = cfg.Engine.MaxRounds
		ctrl.RoundTimeout = time.Duration(cfg.Engine.RoundTimeoutSeconds) * time.Second
		ctrl.CycleBudget = time.Duration(cfg.Engine.CycleBudgetSeconds) * time.Second

		runners = append(runners, &agent.Runner{
			ID:             ac.ID,
			Ledger:         ledger.New(ac.ID, ledgerCfg),
			Controller:     ctrl,
			Source:         source,
			Prompts:        prompts,
			Store:          st,
			Interval:       interval,
			Offset:         time.Duration(ac.OffsetSeconds) * time.Second,
			RunImmediately: ac.RunImmediately,
		})
	}
	fleet := agent.NewFleet(runners...)

	httpSrv, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr:  cfg.App.HTTPAddr,
		Fleet: fleet,
		Store: st,
	})
	if err != nil {
		return nil, err
	}

	return &App{cfg: cfg, fleet: fleet, http: httpSrv, store: st, prompts: prompts}, nil
}

func buildSource(cfg *config.Config) (market.Source, error) {
	switch cfg.Market.Source {
	case "binance":
		return market.NewBinanceSource(market.BinanceConfig{Symbols: cfg.Market.Symbols})
	case "static":
		tickers := make([]market.Ticker, 0, len(cfg.Market.Symbols))
		for _, sym := range cfg.Market.Symbols {
			tickers = append(tickers, market.Ticker{Symbol: sym})
		}
		return market.NewStaticSource(tickers...), nil
	default:
		return nil, fmt.Errorf("unknown market source %q", cfg.Market.Source)
	}
}

// Fleet exposes the running fleet, used by replay harnesses and tests.
func (a *App) Fleet() *agent.Fleet {
	return a.fleet
}

// Run blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	logger.Infof("talos: %d agent(s), market=%s, http=%s",
		len(a.fleet.Runners()), a.cfg.Market.Source, a.http.Addr())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return a.fleet.Run(ctx)
	})
	return group.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.prompts != nil {
		a.prompts.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

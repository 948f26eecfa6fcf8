package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/ledger-agent/internal/accounting"
	"github.com/nugget/ledger-agent/internal/agent"
	"github.com/nugget/ledger-agent/internal/buildinfo"
	"github.com/nugget/ledger-agent/internal/config"
	"github.com/nugget/ledger-agent/internal/confirm"
	"github.com/nugget/ledger-agent/internal/database"
	"github.com/nugget/ledger-agent/internal/ledger"
	"github.com/nugget/ledger-agent/internal/notify"
	"github.com/nugget/ledger-agent/internal/opstate"
	"github.com/nugget/ledger-agent/internal/oracle"
	"github.com/nugget/ledger-agent/internal/processor"
	"github.com/nugget/ledger-agent/internal/tools"
	"github.com/nugget/ledger-agent/internal/usage"
)

// need says how much of the application a command uses.
type need int

const (
	// needStores opens the database and the stores only.
	needStores need = iota
	// needTools adds the accounting gateway so confirmed actions can run.
	needTools
	// needOracle adds the reasoning loop and the processor.
	needOracle
)

// app holds every wired component. Fields past what a command needs
// are nil.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	ledger   *ledger.Store
	usage    *usage.Store
	state    *opstate.Store
	notifier notify.Notifier
	registry *tools.Registry
	coord    *confirm.Coordinator

	gateway *accounting.Gateway
	loop    *agent.Loop
	proc    *processor.Processor

	closers []func()
}

// openApp loads configuration and wires components up to n. Logs go to
// logw so command output on stdout stays clean.
func openApp(ctx context.Context, g *globalOptions, logw io.Writer, n need) (*app, error) {
	cfgPath, err := config.FindConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	logger, err := config.NewLogger(cfg.Logging, logw)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", cfgPath, "version", buildinfo.Current().Version)

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx, n); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, n need) error {
	cfg, logger := a.cfg, a.logger

	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, func() { db.Close() })

	if a.ledger, err = ledger.NewStore(db); err != nil {
		return err
	}
	if a.usage, err = usage.NewStore(db); err != nil {
		return err
	}
	if a.state, err = opstate.NewStore(db); err != nil {
		return err
	}
	pending, err := confirm.NewStore(db)
	if err != nil {
		return err
	}

	a.notifier = notify.New(cfg.Notify, logger.With("component", "notify"))
	a.registry = tools.NewRegistry(cfg.Agent.MaxObservationBytes, logger.With("component", "tools"))
	tools.RegisterCalculation(a.registry)
	tools.RegisterNotification(a.registry, a.notifier)

	if n >= needTools {
		if err := a.wireAccounting(ctx); err != nil {
			return err
		}
	}

	a.coord = confirm.NewCoordinator(pending, a.registry, a.notifier, confirm.Options{
		TTL:      cfg.Confirm.TTL,
		Approver: cfg.Confirm.Approver,
		Logger:   logger.With("component", "confirm"),
	})

	if n >= needOracle {
		if err := a.wireLoop(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) wireAccounting(ctx context.Context) error {
	cfg := a.cfg.Accounting
	if !cfg.Configured() {
		a.logger.Warn("accounting not configured; only calculation and notification tools are available")
		return nil
	}
	logger := a.logger.With("component", "accounting")

	ts, err := accounting.NewTokenSource(ctx, cfg, a.state, logger)
	if err != nil {
		return fmt.Errorf("accounting credentials: %w", err)
	}
	refs, err := accounting.NewRefStore(a.db)
	if err != nil {
		return err
	}
	gw, err := accounting.NewGateway(accounting.NewClient(cfg, ts, logger), refs, accounting.Options{
		CacheTTL:    cfg.CacheTTL,
		AccountsTTL: cfg.AccountsTTL,
		Retry: accounting.RetryPolicy{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			MaxRetries:      cfg.Retry.MaxRetries,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	a.gateway = gw
	a.closers = append(a.closers, gw.Close)
	tools.RegisterAccounting(a.registry, gw)
	return nil
}

func (a *app) wireLoop() error {
	cfg, logger := a.cfg, a.logger

	primary, err := oracle.New(cfg.Oracle, logger.With("component", "oracle"))
	if err != nil {
		return err
	}
	list := a.registry.List()
	reasoner := oracle.NewReasonerFunc(primary, func() string {
		return oracle.SystemPrompt(list, oracle.PromptOptions{
			Organization: cfg.Agent.Organization,
			Today:        time.Now(),
		})
	}, logger.With("component", "oracle"))

	deps := agent.Deps{
		Ledger:    a.ledger,
		Oracle:    reasoner,
		Tools:     a.registry,
		Confirmer: a.coord,
		Notifier:  a.notifier,
		Usage:     a.usage,
		Logger:    logger.With("component", "agent"),
	}
	if cfg.Advisor.Configured() {
		c, err := oracle.New(cfg.Advisor, logger.With("component", "advisor"))
		if err != nil {
			return fmt.Errorf("advisor: %w", err)
		}
		deps.Advisor = oracle.NewConsultant(c, logger.With("component", "advisor"))
	}

	a.loop = agent.New(deps, agent.Config{
		MaxSteps:         cfg.Agent.MaxSteps,
		MaxConsultations: cfg.Agent.MaxConsultations,
		StallThreshold:   cfg.Agent.StallThreshold,
	})
	a.proc = processor.New(a.loop, a.coord, a.notifier, processor.Options{
		Interval:    cfg.Processor.Interval,
		Concurrency: cfg.Processor.Concurrency,
		Approver:    cfg.Confirm.Approver,
		State:       a.state,
		Logger:      logger.With("component", "processor"),
	})
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Package app wires together the arbitrage control plane's collaborators
// (internal/arb) and the optional persistence/archival/cache satellites
// (Postgres, S3, Redis), and supervises them as a single errgroup for the
// lifetime of the process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fzheng/polymarket-arb15/internal/arb"
	"github.com/fzheng/polymarket-arb15/internal/config"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies and supervises the control loop until ctx is
// cancelled or a supervised goroutine returns a non-nil error.
func (a *App) Run(ctx context.Context) error {
	mode := "paper"
	if !a.cfg.Paper.Enabled {
		mode = "live"
	}
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	if deps.Paper != nil {
		a.closers = append(a.closers, func() { _ = deps.Paper.Close() })
	}

	return a.runControlLoop(ctx, deps)
}

// runControlLoop supervises the controller's single-threaded event loop
// alongside its satellite goroutines: the live/paper signal source, the
// optional Redis event forwarder, the optional Postgres cycle-record
// subscriber, and the optional S3 archiver ticker. Any one of them
// returning an error cancels the whole group (spec.md §5).
func (a *App) runControlLoop(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Source.Run(ctx)
	})

	g.Go(func() error {
		return deps.Controller.Run(ctx)
	})

	if deps.Records != nil {
		unsubscribe := a.subscribeCycleRecords(ctx, deps)
		defer unsubscribe()
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			interval := time.Duration(a.cfg.S3.ArchiveIntervalMinutes) * time.Minute
			return deps.Archiver.Run(ctx, interval)
		})
	}

	if deps.SignalBus != nil {
		g.Go(func() error {
			return a.forwardEvents(ctx, deps)
		})
	}

	return g.Wait()
}

// subscribeCycleRecords registers an event-bus handler that persists every
// finalized cycle fire-and-forget (C11). The controller never waits on this
// write: a slow or failing database never stalls the state machine.
func (a *App) subscribeCycleRecords(ctx context.Context, deps *Dependencies) (unsubscribe func()) {
	completeUnsub := deps.Bus.Subscribe(arb.EventCycleComplete, 16, func(ev arb.Event) {
		a.persistCycleRecord(ctx, deps, ev)
	}, nil)
	exitUnsub := deps.Bus.Subscribe(arb.EventEmergencyExit, 16, func(ev arb.Event) {
		if ev.Result == nil {
			return
		}
		if err := deps.Records.RecordEmergencyExit(ctx, ev.Result.MarketID, ev.Result.Status, ev.At); err != nil {
			a.logger.WarnContext(ctx, "record emergency exit failed", slog.String("error", err.Error()))
		}
	}, nil)
	return func() {
		completeUnsub()
		exitUnsub()
	}
}

func (a *App) persistCycleRecord(ctx context.Context, deps *Dependencies, ev arb.Event) {
	if ev.Result == nil {
		return
	}
	rec := arb.NewCycleRecord(ev.Result.MarketID+"-"+ev.At.Format("20060102T150405.000000000"), *ev.Result)
	if err := deps.Records.Create(ctx, rec); err != nil {
		a.logger.WarnContext(ctx, "persist cycle record failed", slog.String("error", err.Error()))
	}
}

// forwardEvents mirrors every bus event onto the Redis signal bus so other
// processes (dashboards, secondary observers) can follow along without
// reaching into the controller's in-process EventBus.
func (a *App) forwardEvents(ctx context.Context, deps *Dependencies) error {
	unsubscribe := deps.Bus.SubscribeAll(64, func(ev arb.Event) {
		payload := fmt.Sprintf(`{"kind":%q,"at":%q}`, ev.Kind, ev.At.Format(time.RFC3339Nano))
		if err := deps.SignalBus.Publish(ctx, "polymarket-arb15:events", []byte(payload)); err != nil {
			a.logger.WarnContext(ctx, "forward event failed", slog.String("error", err.Error()))
		}
	})
	defer unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

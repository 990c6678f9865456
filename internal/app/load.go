package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"api-replay/internal/common/logging"
	"api-replay/internal/descriptors"
	"api-replay/internal/requests"
	"api-replay/internal/transactions"
)

// Run replays the descriptor file with Config.VirtualUsers concurrent
// sessions. Each virtual user runs the initialize phase once, the action
// phase Config.Iterations times and the finalize phase once, even when the
// earlier phases failed. Failures from every virtual user are returned together.
func (app *App) Run(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)

	app.Logger.Info("Starting replay",
		logging.Int("virtual_users", app.Config.VirtualUsers),
		logging.Int("iterations", app.Config.Iterations),
		logging.Int("apis", len(app.Parser.Apis())))
	start := time.Now()

	for vu := 1; vu <= app.Config.VirtualUsers; vu++ {
		vu := vu
		g.Go(func() error {
			if err := app.runVirtualUser(ctx, vu); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("virtual user %d: %w", vu, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	app.Logger.Info("Replay finished",
		logging.Duration("elapsed", time.Since(start)),
		logging.Int("failures", len(multierr.Errors(errs))))
	return errs
}

func (app *App) runVirtualUser(ctx context.Context, vu int) error {
	ctx = context.WithValue(ctx, logging.VirtualUserKey, vu)
	session := app.Engine.NewSession(app.Params)
	var errs error

	errs = multierr.Append(errs, app.runPhase(ctx, session, descriptors.PhaseInitialize))

	for i := 1; i <= app.Config.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		iterCtx := context.WithValue(ctx, logging.IterationKey, i)
		errs = multierr.Append(errs, app.runPhase(iterCtx, session, descriptors.PhaseAction))
	}

	// finalize still runs after cancellation so sessions can log out
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.Config.HTTPTimeout)
	defer cancel()
	errs = multierr.Append(errs, app.runPhase(finalCtx, session, descriptors.PhaseFinalize))

	return errs
}

func (app *App) runPhase(ctx context.Context, session requests.Session, phase descriptors.Phase) error {
	apis := app.Parser.GetApisByPhase(phase)
	if len(apis) == 0 {
		return nil
	}

	ctx = context.WithValue(ctx, logging.PhaseKey, string(phase))
	app.Logger.WithContext(ctx).Debug("Running phase", logging.Int("apis", len(apis)))

	return app.Runner.Execute(ctx, session, apis)
}

// Summary returns pass and fail counts per transaction name
func (app *App) Summary() (map[string]map[string]int, error) {
	families, err := app.Registry.Gather()
	if err != nil {
		return nil, err
	}

	summary := make(map[string]map[string]int)
	for _, mf := range families {
		if mf.GetName() != transactions.TotalMetricName {
			continue
		}
		for _, m := range mf.GetMetric() {
			var name, status string
			for _, label := range m.GetLabel() {
				switch label.GetName() {
				case "name":
					name = label.GetValue()
				case "status":
					status = label.GetValue()
				}
			}
			if summary[name] == nil {
				summary[name] = make(map[string]int)
			}
			summary[name][status] += int(m.GetCounter().GetValue())
		}
	}
	return summary, nil
}

// LogSummary writes Summary to the application log
func (app *App) LogSummary() {
	summary, err := app.Summary()
	if err != nil {
		app.Logger.Error("Failed to gather transaction metrics", err)
		return
	}
	for name, counts := range summary {
		app.Logger.Info("Transaction summary",
			logging.String("transaction", name),
			logging.Int(transactions.StatusPass, counts[transactions.StatusPass]),
			logging.Int(transactions.StatusFail, counts[transactions.StatusFail]))
	}
}

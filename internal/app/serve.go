package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"visitrelay/internal/webhook"
)

// ShutdownTimeout bounds the webhook drain and the wait for running jobs.
const ShutdownTimeout = 30 * time.Second

// Serve runs the scheduler and the webhook server until ctx is cancelled,
// then drains both.
func (a *App) Serve(ctx context.Context) error {
	log := a.log.Named("serve")

	srv := webhook.New(a.status, webhook.HealthReporter{
		Health:  a.health,
		Running: a.relay.Running,
	}, a.log)

	a.relay.Start(ctx)
	log.Info("relay started",
		zap.String("schedule", a.cfg.Relay.Schedule),
		zap.Bool("source", a.cfg.HasSource()),
		zap.String("webhook", a.cfg.Webhook.Addr),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(a.cfg.Webhook.Addr) }()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("webhook server: %w", err)
		}
	}

	a.relay.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Warn("webhook shutdown", zap.Error(err))
	}
	a.relay.WaitRunning(drainCtx)
	if running := a.relay.Running(); len(running) > 0 {
		log.Warn("jobs still running at exit", zap.Strings("jobs", running))
	}
	return serveErr
}

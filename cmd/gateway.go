package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fieldops/reconcile-cli/internal/config"
	"github.com/fieldops/reconcile-cli/internal/gateway"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
	"github.com/fieldops/reconcile-cli/internal/resilience"
)

func initGateway(ctx context.Context) (gateway.Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gw, err := gateway.Open(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "open gateway")
	}
	return gw, nil
}

// engineOptions turns config plus per-invocation flags into reconciler
// options. A non-positive concurrency keeps the configured value.
func engineOptions(c *config.Config, dryRun bool, limit, concurrency int) reconcile.Options {
	rc := c.Reconcile
	if concurrency <= 0 {
		concurrency = rc.Concurrency
	}

	var limiter *rate.Limiter
	if rc.WritesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(rc.WritesPerSecond), max(1, int(rc.WritesPerSecond)))
	}

	return reconcile.Options{
		DryRun:      dryRun,
		Limit:       limit,
		Concurrency: concurrency,
		Timeouts: reconcile.Timeouts{
			Fetch: time.Duration(rc.FetchTimeoutMs) * time.Millisecond,
			Probe: time.Duration(rc.ProbeTimeoutMs) * time.Millisecond,
			Write: time.Duration(rc.WriteTimeoutMs) * time.Millisecond,
		},
		Limiter: limiter,
		Retry: resilience.RetryConfig{
			MaxAttempts:    rc.RetryAttempts,
			InitialBackoff: time.Duration(rc.RetryBackoffMs) * time.Millisecond,
		},
		Logger: zap.L(),
	}
}

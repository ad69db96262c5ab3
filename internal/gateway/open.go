package gateway

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldops/reconcile-cli/internal/config"
	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/resilience"
)

// Store drivers accepted in store.driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverREST     = "rest"
)

// Open builds the gateway selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config) (Gateway, error) {
	switch cfg.Store.Driver {
	case DriverPostgres:
		pg, err := OpenPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	case DriverSQLite:
		lite, err := NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return lite, nil
	case DriverREST:
		rc := cfg.Reconcile
		rest, err := NewREST(cfg.Gateway.URL, cfg.Gateway.ServiceKey,
			WithTimeout(time.Duration(cfg.Gateway.TimeoutSecs)*time.Second),
			WithRetry(resilience.RetryConfig{
				MaxAttempts:    rc.RetryAttempts,
				InitialBackoff: time.Duration(rc.RetryBackoffMs) * time.Millisecond,
				JitterFraction: 0.2,
			}),
			WithCircuitBreaker(resilience.CircuitBreakerConfig{
				FailureThreshold: rc.BreakerThreshold,
				ResetTimeout:     time.Duration(rc.BreakerResetSecs) * time.Second,
			}),
		)
		if err != nil {
			return nil, err
		}
		return rest, nil
	default:
		return nil, eris.Errorf("gateway: unknown store driver %q", cfg.Store.Driver)
	}
}

// Package database wires the PostgreSQL stores with the optional Redis and
// InfluxDB side stores used by the bridge and pool daemons.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/bridgepool/internal/database/influx"
	"github.com/bardlex/bridgepool/internal/database/postgres"
	"github.com/bardlex/bridgepool/internal/database/redis"
	"github.com/bardlex/bridgepool/pkg/circuit"
	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
	"github.com/bardlex/bridgepool/pkg/retry"
)

// hashrateWindow is how long Redis keeps per-miner hashrate samples.
const hashrateWindow = 10 * time.Minute

// Manager coordinates PostgreSQL, Redis and InfluxDB. Redis and Influx are
// optional and nil when not configured.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Transfers *postgres.TransferRepository
	Periods   *postgres.PeriodRepository
	Payouts   *postgres.PayoutRepository

	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects every configured database and applies the schema
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Nop()
	}

	m := &Manager{
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
	}

	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}
	m.Postgres = pgClient

	if err := retry.Do(ctx, m.retryConfig, func() error {
		if err := pgClient.Migrate(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate", "failed to apply schema")
		}
		return nil
	}); err != nil {
		return nil, m.closeAfter(err)
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.closeAfter(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			return nil, m.closeAfter(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = influxClient
	}

	db := pgClient.DB()
	m.Transfers = postgres.NewTransferRepository(db)
	m.Periods = postgres.NewPeriodRepository(db)
	m.Payouts = postgres.NewPayoutRepository(db)

	return m, nil
}

// closeAfter closes whatever connected and returns err with any cleanup
// failure attached.
func (m *Manager) closeAfter(err error) error {
	if closeErr := m.Close(); closeErr != nil {
		if se, ok := err.(*errors.ServiceError); ok {
			return se.WithContext("cleanup_error", closeErr.Error())
		}
	}
	return err
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		if err := m.Postgres.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "PostgreSQL health check failed")
		}

		if m.Redis != nil {
			if err := m.Redis.Health(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "Redis health check failed")
			}
		}

		if m.Influx != nil {
			if err := m.Influx.Health(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "InfluxDB health check failed")
			}
		}

		return nil
	})
}

// ObserveShare records a share verdict in the side stores. Failures are
// logged and never affect the verdict.
func (m *Manager) ObserveShare(ctx context.Context, minerID string, difficulty, networkDiff float64, accepted, block bool, reason string, at time.Time) {
	if m.Influx != nil {
		m.Influx.WriteShare(minerID, difficulty, networkDiff, accepted, block, reason, at)
	}

	if !accepted || m.Redis == nil {
		return
	}

	// one share of difficulty d represents d * 2^32 hashes over the window
	hashrate := difficulty * 4294967296 / hashrateWindow.Seconds()
	if err := m.Redis.SetHashrate(ctx, minerID, hashrate, at, hashrateWindow); err != nil {
		m.logger.WithMiner(minerID).WithError(err).Warn("failed to update hashrate sample")
	}
}

// MinerActivity is a miner's recent activity from the side stores.
type MinerActivity struct {
	Hashrate   float64
	ShareStats *influx.ShareStats
}

// MinerActivity gathers recent hashrate and share statistics for a miner
func (m *Manager) MinerActivity(ctx context.Context, minerID string) *MinerActivity {
	activity := &MinerActivity{ShareStats: &influx.ShareStats{}}

	if m.Redis != nil {
		if hashrate, err := m.Redis.GetAverageHashrate(ctx, minerID, hashrateWindow); err == nil {
			activity.Hashrate = hashrate
		}
	}

	if m.Influx != nil {
		if stats, err := m.Influx.GetShareStats(ctx, minerID, 24*time.Hour); err == nil {
			activity.ShareStats = stats
		}
	}

	return activity
}

// StartPeriodicTasks flushes InfluxDB writes and logs asynchronous write
// errors until ctx ends
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	go func() {
		errCh := m.Influx.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				m.logger.WithError(err).Warn("InfluxDB write failed")
			}
		}
	}()
}

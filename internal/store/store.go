package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uber-go/tally/v6"
	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
)

// Options controls connection-pool and transaction behaviour.
type Options struct {
	MaxConns               int32
	MinConns               int32
	MaxConnIdleTime        time.Duration
	MaxConnLifetime        time.Duration
	ConnTimeout            time.Duration
	StatementCacheCapacity int
	// TxMaxAttempts bounds how often a conflicting transaction is re-executed.
	TxMaxAttempts int
	Logger        *zap.Logger
	Scope         tally.Scope
}

// Store hides direct access to the underlying connection pool so higher layers
// can focus on business logic.
type Store struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	opts    Options
	retries tally.Counter
}

// New initializes a connection pool and validates connectivity with Ping.
func New(ctx context.Context, dbURL string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String(logging.FieldComponent, "store"),
		zap.String(logging.FieldType, "postgres"),
	)
	logger.Info("Initializing connection pool",
		zap.Int32("max_conns", opts.MaxConns),
		zap.Int32("min_conns", opts.MinConns),
		zap.Duration("max_idle", opts.MaxConnIdleTime),
		zap.Duration("max_life", opts.MaxConnLifetime),
		zap.Int("stmt_cache", opts.StatementCacheCapacity),
	)

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.StatementCacheCapacity >= 0 {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement
		cfg.ConnConfig.StatementCacheCapacity = opts.StatementCacheCapacity
	}

	connCtx := ctx
	if opts.ConnTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("Database connection established")

	return NewWithPool(pool, opts), nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of the pool
// unless it later calls Close.
func NewWithPool(pool *pgxpool.Pool, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String(logging.FieldComponent, "store"),
		zap.String(logging.FieldType, "postgres"),
	)
	scope := opts.Scope
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Store{
		pool:    pool,
		logger:  logger,
		opts:    opts,
		retries: scope.Counter("rating_tx_retries"),
	}
}

// RunInTx executes fn inside a read-committed transaction, re-executing it on
// serialization failures and deadlocks up to Options.TxMaxAttempts times.
// Callers serialize writers on a row with SELECT ... FOR UPDATE; under read
// committed a waiter resumes on the committed row instead of aborting.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	onRetry := func(err error) {
		s.retries.Inc(1)
		s.logger.Debug("Retrying conflicting transaction", zap.Error(err))
	}
	return Retry(ctx, s.opts.TxMaxAttempts, onRetry, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return fn(ctx, tx)
		})
	})
}

// Close releases database resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.logger.Info("Closing connection pool")
	s.pool.Close()
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	checkCtx := ctx
	if s.opts.ConnTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, s.opts.ConnTimeout)
		defer cancel()
	}
	return s.pool.Ping(checkCtx)
}

// Pool exposes the underlying pgx pool for repositories.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Stats exposes pgxpool statistics for observability.
func (s *Store) Stats() *pgxpool.Stat {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Stat()
}

// ReportPoolStats publishes pool gauges under scope every interval until ctx
// is done.
func (s *Store) ReportPoolStats(ctx context.Context, scope tally.Scope, interval time.Duration) {
	scope = scope.SubScope("db_pool")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.recordPoolStats(scope)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Store) recordPoolStats(scope tally.Scope) {
	stat := s.Stats()
	if stat == nil {
		return
	}
	scope.Gauge("total_conns").Update(float64(stat.TotalConns()))
	scope.Gauge("idle_conns").Update(float64(stat.IdleConns()))
	scope.Gauge("acquired_conns").Update(float64(stat.AcquiredConns()))
	scope.Gauge("max_conns").Update(float64(stat.MaxConns()))
}

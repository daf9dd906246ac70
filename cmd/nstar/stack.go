package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/nstar/pkg/budget"
	"github.com/Mindburn-Labs/nstar/pkg/config"
	"github.com/Mindburn-Labs/nstar/pkg/contextstore"
	"github.com/Mindburn-Labs/nstar/pkg/kernel"
	"github.com/Mindburn-Labs/nstar/pkg/ledger"
	"github.com/Mindburn-Labs/nstar/pkg/observability"
	"github.com/Mindburn-Labs/nstar/pkg/policy"
)

// stack is the set of subsystems every command shares.
type stack struct {
	cfg       *config.Config
	file      *ledger.FileLedger
	ledger    ledger.Ledger
	store     *contextstore.Store
	engine    *policy.Engine
	budget    budget.Enforcer
	telemetry *observability.Provider
	closers   []func() error
}

// openStack builds the subsystems from cfg. Optional mirrors that fail to
// come up are logged and skipped; only the local ledger and store are required.
func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	logger := slog.Default().With("component", "cli")
	s := &stack{cfg: cfg}

	s.file = ledger.NewFileLedger(s.path(cfg.TracePath))
	s.closers = append(s.closers, s.file.Close)

	var mirrors []ledger.Appender
	db, dialect, err := openDB(cfg)
	if err != nil {
		logger.Warn("database unavailable, continuing without mirror", "error", err)
	}
	if db != nil {
		s.closers = append(s.closers, db.Close)
		sqlLedger := ledger.NewSQLLedger(db, dialect)
		if err := sqlLedger.Init(ctx); err != nil {
			logger.Warn("ledger mirror init failed", "error", err)
		} else {
			mirrors = append(mirrors, sqlLedger)
		}
	}
	s.ledger = ledger.NewTee(s.file, mirrors...)

	store, err := openStore(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("context store: %w", err)
	}
	s.store = store

	s.engine = policy.LoadEngine(cfg.Root)
	s.budget = budget.NewSimpleEnforcer(s.budgetStorage(ctx, db), budget.PenceFromGBP(s.engine.Cost().PerDayGBP))

	s.telemetry = observability.Disabled()
	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.ServiceVersion = version
		if cfg.OTelEndpoint != "" {
			oc.OTLPEndpoint = cfg.OTelEndpoint
		}
		p, err := observability.New(ctx, oc)
		if err != nil {
			logger.Warn("telemetry disabled", "error", err)
		} else {
			s.telemetry = p
		}
	}
	return s, nil
}

func (s *stack) path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.cfg.Root, rel)
}

// openStore keeps the filesystem backend under cfg.Root unless a remote
// backend is selected through CONTEXT_STORAGE_TYPE.
func openStore(ctx context.Context, cfg *config.Config) (*contextstore.Store, error) {
	switch contextstore.StorageType(os.Getenv("CONTEXT_STORAGE_TYPE")) {
	case "", contextstore.StorageTypeFS:
		backend, err := contextstore.NewFileBackend(filepath.Join(cfg.Root, contextstore.DefaultDir))
		if err != nil {
			return nil, err
		}
		return contextstore.New(backend), nil
	}
	return contextstore.NewStoreFromEnv(ctx)
}

func openDB(cfg *config.Config) (*sql.DB, ledger.Dialect, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return db, ledger.DialectPostgres, nil
	case cfg.SQLitePath != "":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		return db, ledger.DialectSQLite, nil
	}
	return nil, "", nil
}

// budgetStorage prefers Redis, then the database, then process memory.
func (s *stack) budgetStorage(ctx context.Context, db *sql.DB) budget.Storage {
	logger := slog.Default().With("component", "cli")
	if s.cfg.RedisAddr != "" {
		rs := budget.NewRedisStorage(s.cfg.RedisAddr, s.cfg.RedisPassword, 0)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, falling back", "addr", s.cfg.RedisAddr, "error", err)
			_ = rs.Close()
		} else {
			s.closers = append(s.closers, rs.Close)
			return rs
		}
	}
	if db != nil {
		ss := budget.NewSQLStorage(db)
		if err := ss.Init(ctx); err != nil {
			logger.Warn("budget table init failed, using memory", "error", err)
		} else {
			return ss
		}
	}
	return budget.NewMemoryStorage()
}

func (s *stack) runner() (*kernel.Runner, error) {
	return kernel.NewRunner(kernel.Config{
		Root:      s.cfg.Root,
		Engine:    s.engine,
		Ledger:    s.ledger,
		Store:     s.store,
		Intents:   kernel.NewIntentLog(s.path(s.cfg.IntentsPath)),
		Budget:    s.budget,
		TestCmd:   s.cfg.TestCmd,
		Telemetry: s.telemetry,
	})
}

// Close releases everything in reverse order of acquisition.
func (s *stack) Close() {
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(context.Background())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Default().Warn("close failed", "error", err)
		}
	}
}

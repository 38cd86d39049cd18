// Package postgres implements a cluster store shared by every node through a
// PostgreSQL table.
//
// Each entry is one row. Tasks run inside a transaction holding the row lock
// (SELECT ... FOR UPDATE), which serializes tasks on a key across the whole
// cluster while leaving other keys independent.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marmos91/dittocluster/internal/logger"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/cluster/task"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool    *pgxpool.Pool
	mapName string
	nodeID  string
	closed  atomic.Bool
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to PostgreSQL, running migrations first when AutoMigrate is
// set.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.With("component", "postgres_state_store", logger.KeyMapName, cfg.MapName)

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, cfg, log); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		log.Info("AutoMigrate is disabled, run 'dittocluster migrate' to apply migrations")
	}

	pool, err := createPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	return &Store{
		pool:    pool,
		mapName: cfg.MapName,
		nodeID:  cfg.NodeID,
		logger:  log,
	}, nil
}

func createPool(ctx context.Context, cfg *Config, log *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.QueryTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%dms", cfg.QueryTimeout.Milliseconds())
	}

	log.Info("Creating PostgreSQL connection pool",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"max_conns", cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return pool, nil
}

// Name returns the map name.
func (s *Store) Name() string { return s.mapName }

// NodeID returns the local node.
func (s *Store) NodeID() string { return s.nodeID }

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return clustererrors.NewStoreClosedError()
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) load(ctx context.Context, q querier, key string, forUpdate bool) (*filestate.SharedFileState, error) {
	query := `SELECT state FROM file_states WHERE map_name = $1 AND key = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var data []byte
	err := q.QueryRow(ctx, query, s.mapName, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, clustererrors.NewNotFoundError(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file state %s: %w", key, err)
	}
	return filestate.Decode(data)
}

const upsertQuery = `
	INSERT INTO file_states (map_name, key, state, version, updated_at)
	VALUES ($1, $2, $3, $4, NOW())
	ON CONFLICT (map_name, key) DO UPDATE SET
		state = EXCLUDED.state,
		version = EXCLUDED.version,
		updated_at = NOW()`

func (s *Store) save(ctx context.Context, tx pgx.Tx, st *filestate.SharedFileState) error {
	data, err := st.Encode()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, upsertQuery, s.mapName, st.Key, data, int64(st.Version)); err != nil {
		return fmt.Errorf("failed to store file state %s: %w", st.Key, err)
	}
	return nil
}

// Get returns the entry for key.
func (s *Store) Get(ctx context.Context, key string) (*filestate.SharedFileState, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.load(ctx, s.pool, filestate.NormalizeKey(key), false)
}

// GetOrCreate returns the entry for key, inserting an empty one if needed.
func (s *Store) GetOrCreate(ctx context.Context, key string) (*filestate.SharedFileState, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	key = filestate.NormalizeKey(key)

	data, err := filestate.New(key).Encode()
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO file_states (map_name, key, state, version)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (map_name, key) DO NOTHING`,
		s.mapName, key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create file state %s: %w", key, err)
	}
	return s.load(ctx, s.pool, key, false)
}

// Put stores st.
func (s *Store) Put(ctx context.Context, st *filestate.SharedFileState) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if st == nil {
		return clustererrors.NewInvalidArgumentError("nil file state")
	}
	stored := st.Clone()
	stored.Key = filestate.NormalizeKey(st.Key)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.save(ctx, tx, stored)
	})
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM file_states WHERE map_name = $1 AND key = $2`,
		s.mapName, filestate.NormalizeKey(key))
	if err != nil {
		return fmt.Errorf("failed to delete file state: %w", err)
	}
	return nil
}

// Keys returns every key of the map, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key FROM file_states WHERE map_name = $1 ORDER BY key COLLATE "C"`, s.mapName)
	if err != nil {
		return nil, fmt.Errorf("failed to list file states: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list file states: %w", err)
	}
	return keys, nil
}

// ExecuteOnOwner runs t while holding the entry's row lock.
func (s *Store) ExecuteOnOwner(ctx context.Context, t task.Task) (any, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.CheckMap(s, t); err != nil {
		return nil, err
	}
	key := filestate.NormalizeKey(t.Key())

	var res any
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		working, err := s.load(ctx, tx, key, true)
		if err != nil {
			return err
		}
		r, commit, err := store.Apply(ctx, s, t, working)
		if err != nil {
			return err
		}
		res = r
		if !commit {
			return nil
		}
		return s.save(ctx, tx, working)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("Closing PostgreSQL state store")
	s.pool.Close()
	return nil
}

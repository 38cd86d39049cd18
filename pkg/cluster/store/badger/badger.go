// Package badger implements a cluster store on an embedded BadgerDB.
//
// The node that opens the database owns every key. Tasks run inside a BadgerDB
// read-write transaction; a write conflict with a concurrent task on the same
// key aborts the transaction, and the task is retried against fresh state.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/marmos91/dittocluster/internal/logger"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/cluster/task"
)

// DefaultMaxRetries bounds the attempts of a task that keeps conflicting.
const DefaultMaxRetries = 100

// ============================================================================
// Key Namespace
// ============================================================================
//
// Key Format                      Value
// =====================================================
// fs:<mapName>:<fileKey>          SharedFileState (JSON)

const prefixFileState = "fs:"

// Config configures a BadgerDB store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path" yaml:"path"`

	// InMemory keeps the database in memory only.
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`

	// MapName names the map; defaults to store.DefaultMapName. Set by the node.
	MapName string `mapstructure:"-" yaml:"-"`

	// NodeID is the local node.
	NodeID string `mapstructure:"-" yaml:"-"`

	// MaxRetries bounds retries after a transaction conflict.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

func (c *Config) applyDefaults() {
	if c.MapName == "" {
		c.MapName = store.DefaultMapName
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// Store is a BadgerDB-backed store.Store.
type Store struct {
	db         *badgerdb.DB
	mapName    string
	nodeID     string
	prefix     string
	maxRetries int
	closed     atomic.Bool
	logger     *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) the database described by cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, clustererrors.NewInvalidArgumentError("badger store requires a path")
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badgerdb.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}

	log := logger.With("component", "badger_state_store", logger.KeyMapName, cfg.MapName)
	log.Info("BadgerDB state store opened", "path", cfg.Path, "in_memory", cfg.InMemory)

	return &Store{
		db:         db,
		mapName:    cfg.MapName,
		nodeID:     cfg.NodeID,
		prefix:     prefixFileState + cfg.MapName + ":",
		maxRetries: cfg.MaxRetries,
		logger:     log,
	}, nil
}

// Name returns the map name.
func (s *Store) Name() string { return s.mapName }

// NodeID returns the local node.
func (s *Store) NodeID() string { return s.nodeID }

func (s *Store) keyFor(key string) []byte {
	return []byte(s.prefix + key)
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return clustererrors.NewStoreClosedError()
	}
	return nil
}

// load reads the entry for key within txn.
func (s *Store) load(txn *badgerdb.Txn, key string) (*filestate.SharedFileState, error) {
	item, err := txn.Get(s.keyFor(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, clustererrors.NewNotFoundError(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file state %s: %w", key, err)
	}

	var st *filestate.SharedFileState
	err = item.Value(func(val []byte) error {
		decoded, decErr := filestate.Decode(val)
		if decErr != nil {
			return decErr
		}
		st = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) save(txn *badgerdb.Txn, st *filestate.SharedFileState) error {
	data, err := st.Encode()
	if err != nil {
		return err
	}
	if err := txn.Set(s.keyFor(st.Key), data); err != nil {
		return fmt.Errorf("failed to store file state %s: %w", st.Key, err)
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	for attempt := 0; ; attempt++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) || attempt >= s.maxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

// Get returns the entry for key.
func (s *Store) Get(ctx context.Context, key string) (*filestate.SharedFileState, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	key = filestate.NormalizeKey(key)

	var st *filestate.SharedFileState
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		st, err = s.load(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GetOrCreate returns the entry for key, creating it if needed.
func (s *Store) GetOrCreate(ctx context.Context, key string) (*filestate.SharedFileState, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	key = filestate.NormalizeKey(key)

	var st *filestate.SharedFileState
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		existing, err := s.load(txn, key)
		if err == nil {
			st = existing
			return nil
		}
		if !clustererrors.IsNotFoundError(err) {
			return err
		}
		st = filestate.New(key)
		return s.save(txn, st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
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

	return s.update(ctx, func(txn *badgerdb.Txn) error {
		return s.save(txn, stored)
	})
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	key = filestate.NormalizeKey(key)

	return s.update(ctx, func(txn *badgerdb.Txn) error {
		return txn.Delete(s.keyFor(key))
	})
}

// Keys returns every key of the map, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(s.prefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), s.prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list file states: %w", err)
	}
	return keys, nil
}

// ExecuteOnOwner runs t against the stored entry in a transaction.
func (s *Store) ExecuteOnOwner(ctx context.Context, t task.Task) (any, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.CheckMap(s, t); err != nil {
		return nil, err
	}
	key := filestate.NormalizeKey(t.Key())

	var res any
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		working, err := s.load(txn, key)
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
		return s.save(txn, working)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("Closing BadgerDB state store")
	return s.db.Close()
}

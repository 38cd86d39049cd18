// Package memory implements an in-process cluster store.
//
// A Cluster holds one shard per member node. Every key lives in the shard of
// the node the ring assigns it to, and tasks submitted through any node's
// Store are encoded, handed to the owner and run there under the entry's
// mutex, as a network store would.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittocluster/internal/logger"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/cluster/task"
)

// Cluster is the shared backing of every node's Store.
type Cluster struct {
	mapName string
	ring    *store.Ring

	mu     sync.RWMutex
	shards map[string]*shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry serializes access to one key. st is nil once deleted.
type entry struct {
	mu sync.Mutex
	st *filestate.SharedFileState
}

// ownerMap is the StateMap seen by tasks running on a shard.
type ownerMap struct {
	name string
	node string
}

func (m ownerMap) Name() string   { return m.name }
func (m ownerMap) NodeID() string { return m.node }

// NewCluster creates an empty cluster map named mapName over members.
func NewCluster(mapName string, members ...string) *Cluster {
	ring := store.NewRing(members...)
	c := &Cluster{
		mapName: mapName,
		ring:    ring,
		shards:  make(map[string]*shard),
	}
	for _, m := range ring.Members() {
		c.shards[m] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

// New creates a single-node cluster and returns that node's Store.
func New(nodeID string) *Store {
	return NewCluster(store.DefaultMapName, nodeID).Node(nodeID)
}

// Ring returns the ownership ring.
func (c *Cluster) Ring() *store.Ring {
	return c.ring
}

// Node returns a Store handle for nodeID. Non-members may still use the map.
func (c *Cluster) Node(nodeID string) *Store {
	return &Store{cluster: c, nodeID: nodeID}
}

// Len returns the number of entries held by member node.
func (c *Cluster) Len(node string) int {
	sh := c.shard(node)
	if sh == nil {
		return 0
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.entries)
}

func (c *Cluster) shard(node string) *shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shards[node]
}

func (c *Cluster) owner(key string) (string, *shard) {
	owner := c.ring.Owner(key)
	return owner, c.shard(owner)
}

// lookup returns the entry for key, creating an empty one if create is true.
func (sh *shard) lookup(key string, create bool) *entry {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok && create {
		e = &entry{}
		sh.entries[key] = e
	}
	return e
}

// Store is one node's handle on a Cluster.
type Store struct {
	cluster *Cluster
	nodeID  string
	closed  atomic.Bool
}

var _ store.Store = (*Store)(nil)

// Name returns the map name.
func (s *Store) Name() string { return s.cluster.mapName }

// NodeID returns the node this handle belongs to.
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

// Get returns a copy of the entry for key.
func (s *Store) Get(ctx context.Context, key string) (*filestate.SharedFileState, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	key = filestate.NormalizeKey(key)

	_, sh := s.cluster.owner(key)
	if sh == nil {
		return nil, clustererrors.NewNotFoundError(key)
	}
	e := sh.lookup(key, false)
	if e == nil {
		return nil, clustererrors.NewNotFoundError(key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st == nil {
		return nil, clustererrors.NewNotFoundError(key)
	}
	return e.st.Clone(), nil
}

// GetOrCreate returns a copy of the entry for key, creating it if needed.
func (s *Store) GetOrCreate(ctx context.Context, key string) (*filestate.SharedFileState, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	key = filestate.NormalizeKey(key)

	owner, sh := s.cluster.owner(key)
	if sh == nil {
		return nil, clustererrors.NewInvalidArgumentError("cluster has no members")
	}
	e := sh.lookup(key, true)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st == nil {
		e.st = filestate.New(key)
		logger.Debug("Created shared file state",
			logger.KeyFileKey, key,
			logger.KeyOwnerNode, owner,
			logger.KeyNodeID, s.nodeID)
	}
	return e.st.Clone(), nil
}

// Put stores a copy of st.
func (s *Store) Put(ctx context.Context, st *filestate.SharedFileState) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if st == nil {
		return clustererrors.NewInvalidArgumentError("nil file state")
	}
	stored := st.Clone()
	stored.Key = filestate.NormalizeKey(st.Key)

	_, sh := s.cluster.owner(stored.Key)
	if sh == nil {
		return clustererrors.NewInvalidArgumentError("cluster has no members")
	}
	e := sh.lookup(stored.Key, true)

	e.mu.Lock()
	e.st = stored
	e.mu.Unlock()
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	key = filestate.NormalizeKey(key)

	_, sh := s.cluster.owner(key)
	if sh == nil {
		return nil
	}

	sh.mu.Lock()
	e, ok := sh.entries[key]
	delete(sh.entries, key)
	sh.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.st = nil
		e.mu.Unlock()
	}
	return nil
}

// Keys returns every key across all shards, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.cluster.mu.RLock()
	shards := make([]*shard, 0, len(s.cluster.shards))
	for _, sh := range s.cluster.shards {
		shards = append(shards, sh)
	}
	s.cluster.mu.RUnlock()

	var keys []string
	for _, sh := range shards {
		sh.mu.Lock()
		for k := range sh.entries {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	slices.Sort(keys)
	return keys, nil
}

// ExecuteOnOwner ships t to the node owning its key and runs it there.
func (s *Store) ExecuteOnOwner(ctx context.Context, t task.Task) (any, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := store.CheckMap(s, t); err != nil {
		return nil, err
	}

	// Round-trip through the wire codec so tasks never share memory with
	// the submitting node.
	data, err := task.Encode(t)
	if err != nil {
		return nil, err
	}
	remote, err := task.Decode(data)
	if err != nil {
		return nil, err
	}

	key := filestate.NormalizeKey(remote.Key())
	owner, sh := s.cluster.owner(key)
	if sh == nil {
		return nil, clustererrors.NewNotFoundError(key)
	}
	e := sh.lookup(key, false)
	if e == nil {
		return nil, clustererrors.NewNotFoundError(key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st == nil {
		return nil, clustererrors.NewNotFoundError(key)
	}

	working := e.st.Clone()
	res, commit, err := store.Apply(ctx, ownerMap{name: s.cluster.mapName, node: owner}, remote, working)
	if err != nil {
		return nil, err
	}
	if commit {
		e.st = working
	}
	return res, nil
}

// Close marks this handle closed. The cluster data is unaffected.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

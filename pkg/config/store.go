package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/cluster/store/badger"
	"github.com/marmos91/dittocluster/pkg/cluster/store/memory"
	"github.com/marmos91/dittocluster/pkg/cluster/store/postgres"
)

// Open creates the store selected by Type as seen from nodeID.
//
// The memory store builds a ring over members so keys are spread across the
// in-process cluster; badger and postgres own every key themselves.
func (c *StoreConfig) Open(ctx context.Context, nodeID string, members []string) (store.Store, error) {
	switch c.Type {
	case StoreTypeMemory, "":
		if len(members) == 0 {
			members = []string{nodeID}
		}
		return memory.NewCluster(c.mapName(), members...).Node(nodeID), nil

	case StoreTypeBadger:
		if c.Badger == nil {
			return nil, fmt.Errorf("badger store selected but store.badger is not configured")
		}
		cfg := *c.Badger
		cfg.MapName = c.mapName()
		cfg.NodeID = nodeID
		s, err := badger.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil

	case StoreTypePostgres:
		if c.Postgres == nil {
			return nil, fmt.Errorf("postgres store selected but store.postgres is not configured")
		}
		cfg := *c.Postgres
		cfg.MapName = c.mapName()
		cfg.NodeID = nodeID
		s, err := postgres.New(ctx, &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store type: %s", c.Type)
	}
}

func (c *StoreConfig) mapName() string {
	if c.MapName == "" {
		return store.DefaultMapName
	}
	return c.MapName
}

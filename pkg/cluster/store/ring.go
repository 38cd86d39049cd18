package store

import (
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Ring assigns keys to member nodes using rendezvous (highest random weight)
// hashing, so membership changes only move the keys of the affected node.
type Ring struct {
	members []string
}

// NewRing creates a ring over members. Duplicates and empty names are
// dropped; member names compare case-insensitively.
func NewRing(members ...string) *Ring {
	seen := make(map[string]bool, len(members))
	r := &Ring{}
	for _, m := range members {
		id := strings.ToLower(strings.TrimSpace(m))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r.members = append(r.members, id)
	}
	slices.Sort(r.members)
	return r
}

// Members returns the sorted member list.
func (r *Ring) Members() []string {
	return slices.Clone(r.members)
}

// Contains reports whether node is a member.
func (r *Ring) Contains(node string) bool {
	_, found := slices.BinarySearch(r.members, strings.ToLower(node))
	return found
}

// Owner returns the member owning key, or "" for an empty ring.
func (r *Ring) Owner(key string) string {
	var (
		owner string
		best  uint64
	)
	for _, m := range r.members {
		d := xxhash.New()
		_, _ = d.WriteString(m)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(key)
		if score := d.Sum64(); owner == "" || score > best {
			owner, best = m, score
		}
	}
	return owner
}

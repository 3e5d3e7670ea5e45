// Package affinity maps keys to partitions and partitions to ordered owner
// lists. Both mappings are deterministic: the key mapping depends only on
// the key and the fixed partition count, the owner mapping only on a given
// topology snapshot. Owner lists are computed by rendezvous hashing, so a
// membership change moves as few partitions as possible.
package affinity

import (
	"encoding/binary"
	"sort"

	farm "github.com/dgryski/go-farm"

	"github.com/meshcache/meshcache/core/topology"
)

// Function is the affinity function for a keyspace of Partitions partitions
// with Backups backup replicas per partition.
type Function struct {
	Partitions int
	Backups    int
}

// New creates an affinity function. partitions must be positive.
func New(partitions, backups int) *Function {
	if partitions <= 0 {
		partitions = 1024
	}
	if backups < 0 {
		backups = 0
	}
	return &Function{Partitions: partitions, Backups: backups}
}

// PartitionOf maps a key to its partition, uniformly and independently of
// membership.
func (f *Function) PartitionOf(key string) int {
	return int(farm.Fingerprint64([]byte(key)) % uint64(f.Partitions))
}

// KeyOrder is the global lock-acquisition order for a key. Transactions
// locking several keys at once do so in ascending KeyOrder to prevent
// cross-transaction deadlock.
func KeyOrder(key string) uint64 {
	return farm.Fingerprint64([]byte(key))
}

// OwnersOf returns the ordered owner list for a partition under snap:
// element 0 is the primary, the rest are backups. It returns Backups+1
// nodes when that many are alive, otherwise all alive nodes, and never
// duplicates a node. The result is deterministic for a fixed snapshot.
func (f *Function) OwnersOf(part int, snap *topology.Snapshot) []string {
	type scored struct {
		id    string
		score uint64
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(part))

	scores := make([]scored, 0, len(snap.Members))
	for _, m := range snap.Members {
		scores = append(scores, scored{
			id:    m.ID,
			score: farm.Fingerprint64(append(buf[:], m.ID...)),
		})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id < scores[j].id
	})

	n := f.Backups + 1
	if n > len(scores) {
		n = len(scores)
	}
	owners := make([]string, n)
	for i := 0; i < n; i++ {
		owners[i] = scores[i].id
	}
	return owners
}

// Assign materializes owner lists for every partition of one snapshot. The
// result is immutable; a node keeps the previous Assignment queryable while
// rebalancing completes so in-flight transactions finish consistently.
func (f *Function) Assign(snap *topology.Snapshot) *Assignment {
	owners := make([][]string, f.Partitions)
	for p := 0; p < f.Partitions; p++ {
		owners[p] = f.OwnersOf(p, snap)
	}
	return &Assignment{Snapshot: snap, owners: owners}
}

// Assignment is the materialized partition-to-owners mapping of one
// topology snapshot.
type Assignment struct {
	Snapshot *topology.Snapshot
	owners   [][]string
}

// Owners returns the ordered owner list of a partition.
func (a *Assignment) Owners(part int) []string {
	return a.owners[part]
}

// Primary returns the primary owner of a partition, or "" when the
// partition has no alive owners.
func (a *Assignment) Primary(part int) string {
	if len(a.owners[part]) == 0 {
		return ""
	}
	return a.owners[part][0]
}

// Backups returns the backup owners of a partition.
func (a *Assignment) Backups(part int) []string {
	if len(a.owners[part]) <= 1 {
		return nil
	}
	return a.owners[part][1:]
}

// IsOwner reports whether node owns part as primary or backup.
func (a *Assignment) IsOwner(part int, node string) bool {
	for _, id := range a.owners[part] {
		if id == node {
			return true
		}
	}
	return false
}

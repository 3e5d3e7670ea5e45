// Package topology tracks cluster membership. The View holds the current
// immutable Snapshot of members; every affinity lookup reads exactly one
// snapshot, so owner lists are never torn across a concurrent change.
package topology

import "sort"

// Attributes are the node attributes exchanged at join time. A fixed subset
// of them (see Gate) must be identical across the whole cluster.
type Attributes map[string]string

// Member is one cluster node as seen by the topology view.
type Member struct {
	ID         string     `json:"id"`
	Addr       string     `json:"addr"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Snapshot is an immutable membership snapshot. Version strictly increases
// with every change applied to a View.
type Snapshot struct {
	Version int64
	Members []Member
}

// Member returns the member with the given id.
func (s *Snapshot) Member(id string) (Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Contains reports whether id is part of this snapshot.
func (s *Snapshot) Contains(id string) bool {
	_, ok := s.Member(id)
	return ok
}

// NodeIDs returns the sorted ids of all members.
func (s *Snapshot) NodeIDs() []string {
	ids := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

// withMember returns a copy of the snapshot with m appended (or replaced)
// and the version bumped.
func (s *Snapshot) withMember(m Member) *Snapshot {
	members := make([]Member, 0, len(s.Members)+1)
	for _, existing := range s.Members {
		if existing.ID != m.ID {
			members = append(members, existing)
		}
	}
	members = append(members, m)
	return &Snapshot{Version: s.Version + 1, Members: members}
}

// withoutMember returns a copy of the snapshot with id removed and the
// version bumped.
func (s *Snapshot) withoutMember(id string) *Snapshot {
	members := make([]Member, 0, len(s.Members))
	for _, existing := range s.Members {
		if existing.ID != id {
			members = append(members, existing)
		}
	}
	return &Snapshot{Version: s.Version + 1, Members: members}
}

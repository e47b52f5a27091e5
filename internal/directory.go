package sessioncontroller

import (
	"sort"
	"sync"
	"time"
)

// ClusterMember is one live node in the cluster directory. Role is always
// concrete (gateway or service), never RoleBoth.
type ClusterMember struct {
	ID       string
	Role     NodeRole
	Addr     string
	LastSeen time.Time
}

// String returns the member id, which also makes a ClusterMember a hashring
// member.
func (m ClusterMember) String() string {
	return m.ID
}

// Directory tracks cluster membership and answers the dispatcher's two
// questions: which members may handle a role-filtered request, and whether a
// given member is still reachable.
type Directory interface {

	// LocalMember returns this node's own directory entry.
	LocalMember() ClusterMember

	// MembersForRole returns the live members whose concrete role
	// satisfies the filter, the local member included.
	MembersForRole(role NodeRole) []ClusterMember

	// IsReachable reports whether the member is currently in the live
	// member set.
	IsReachable(memberID string) bool
}

// ClusterDirectory is the memberlist-backed Directory. Entries are replaced
// whole on every membership event, so readers never observe a half-updated
// member.
type ClusterDirectory struct {
	rw      sync.RWMutex
	local   ClusterMember
	members map[string]ClusterMember
}

var _ Directory = &ClusterDirectory{}

// NewClusterDirectory returns a directory seeded with the local member.
func NewClusterDirectory(local ClusterMember) *ClusterDirectory {
	return &ClusterDirectory{
		local: local,
		members: map[string]ClusterMember{
			local.ID: local,
		},
	}
}

// Upsert inserts or replaces the member entry.
func (d *ClusterDirectory) Upsert(member ClusterMember) {
	defer d.rw.Unlock()
	d.rw.Lock()
	d.members[member.ID] = member
}

// Remove evicts the member from the live set. Dispatches already in flight
// to the member are unaffected; they complete or time out on their own.
func (d *ClusterDirectory) Remove(memberID string) {
	defer d.rw.Unlock()
	d.rw.Lock()
	delete(d.members, memberID)
}

// LocalMember implements Directory.
func (d *ClusterDirectory) LocalMember() ClusterMember {
	defer d.rw.RUnlock()
	d.rw.RLock()
	return d.local
}

// MembersForRole implements Directory. Members are returned in id order so
// fan-out target sets are deterministic.
func (d *ClusterDirectory) MembersForRole(role NodeRole) []ClusterMember {
	defer d.rw.RUnlock()
	d.rw.RLock()

	members := make([]ClusterMember, 0, len(d.members))
	for _, m := range d.members {
		if role.Matches(m.Role) {
			members = append(members, m)
		}
	}

	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// IsReachable implements Directory.
func (d *ClusterDirectory) IsReachable(memberID string) bool {
	defer d.rw.RUnlock()
	d.rw.RLock()

	_, ok := d.members[memberID]
	return ok
}

package sessioncontroller

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	log "github.com/sirupsen/logrus"

	"github.com/chatmesh/session-controller/internal/hashring"
	"github.com/chatmesh/session-controller/internal/transport"
)

// Node represents a single node in a cluster. It reacts to membership
// events by keeping the directory, the hashring and the per-peer transport
// clients in sync.
type Node struct {

	// The unique identifier of the node within the cluster.
	ID string

	Memberlist *memberlist.Memberlist
	RpcRouter  ClientRouter
	Hashring   hashring.Hashring
	Directory  *ClusterDirectory

	dialTimeout time.Duration
}

// NodeMetadata rides along with memberlist's gossip so every member learns
// each peer's role and RPC port.
type NodeMetadata struct {
	Role    string `json:"role"`
	RpcPort int    `json:"rpc_port"`
}

// NotifyJoin is invoked when a new node has joined the cluster.
// The `member` argument must not be modified.
func (n *Node) NotifyJoin(member *memberlist.Node) {

	log.Infof("Cluster member with id '%s' joined the cluster at address '%s'", member.String(), member.FullAddress().Addr)

	entry, err := memberEntry(member)
	if err != nil {
		log.Errorf("Ignoring cluster member '%s' with invalid metadata: %v", member.String(), err)
		return
	}

	if entry.ID != n.ID {
		n.RpcRouter.AddClient(entry.ID, transport.NewClient(entry.Addr, n.dialTimeout))
	}

	n.Directory.Upsert(entry)
	n.Hashring.Add(entry)
	log.Tracef("hashring checksum: %d", n.Hashring.Checksum())
}

// NotifyLeave is invoked when a node leaves the cluster or is evicted by the
// failure detector. The `member` argument must not be modified.
//
// Eviction only removes the member from the live set: dispatches already in
// flight to it complete or time out on their own.
func (n *Node) NotifyLeave(member *memberlist.Node) {

	log.Infof("Cluster member with id '%v' at address '%v' left the cluster", member.String(), member.FullAddress().Addr)

	nodeID := member.String()
	if nodeID != n.ID {
		n.RpcRouter.RemoveClient(nodeID)
	}

	n.Directory.Remove(nodeID)
	n.Hashring.Remove(ClusterMember{ID: nodeID})
	log.Tracef("hashring checksum: %d", n.Hashring.Checksum())
}

// NotifyUpdate is invoked when a node in the cluster is updated,
// usually involving the meta-data of the node. The `member` argument
// must not be modified.
func (n *Node) NotifyUpdate(member *memberlist.Node) {

	entry, err := memberEntry(member)
	if err != nil {
		log.Errorf("Ignoring metadata update from cluster member '%s': %v", member.String(), err)
		return
	}

	n.Directory.Upsert(entry)
}

// memberEntry builds the directory entry for a memberlist node from its
// gossiped metadata.
func memberEntry(member *memberlist.Node) (ClusterMember, error) {

	var meta NodeMetadata
	if err := json.Unmarshal(member.Meta, &meta); err != nil {
		return ClusterMember{}, fmt.Errorf("failed to json.Unmarshal the node metadata: %w", err)
	}

	role, err := ParseNodeRole(meta.Role)
	if err != nil {
		return ClusterMember{}, err
	}
	if role == RoleBoth {
		return ClusterMember{}, fmt.Errorf("cluster member '%s' advertised the abstract role 'both'", member.String())
	}

	return ClusterMember{
		ID:       member.String(),
		Role:     role,
		Addr:     fmt.Sprintf("%s:%d", member.Addr, meta.RpcPort),
		LastSeen: time.Now(),
	}, nil
}

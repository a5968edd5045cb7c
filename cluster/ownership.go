// Package cluster keeps exactly one session actor per user across all nodes.
// Ownership of a user is a lease held by one node; requests that land on
// any other node are forwarded to the owner.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chorus/presence-service/models"
)

// ErrNotOwner is returned when a node is asked to act for a user whose
// lease is held elsewhere.
var ErrNotOwner = errors.New("cluster: node does not own user")

// NodeInfo is what each node announces about itself.
type NodeInfo struct {
	ID         string         `json:"id"`
	Addr       string         `json:"addr"`
	Online     int            `json:"online"`
	Workspaces map[string]int `json:"workspaces,omitempty"`
	ReportedAt time.Time      `json:"reported_at"`
}

// Ownership is the cluster-wide map of user leases and node liveness.
type Ownership interface {
	// Claim makes nodeID the owner of userID unless another live node holds
	// the lease, and returns the owner. A lease held by a node whose
	// liveness has expired is taken over.
	Claim(ctx context.Context, userID, nodeID string) (string, error)
	// Refresh extends nodeID's lease, or returns ErrNotOwner.
	Refresh(ctx context.Context, userID, nodeID string) error
	// Release drops the lease if nodeID still holds it.
	Release(ctx context.Context, userID, nodeID string) error

	Announce(ctx context.Context, info NodeInfo) error
	// Node returns a live node, or an error wrapping models.ErrNotFound.
	Node(ctx context.Context, nodeID string) (NodeInfo, error)
	Nodes(ctx context.Context) ([]NodeInfo, error)
}

// LocalOwnership is an in-memory Ownership for single-process deployments.
// Several registries in one process may share it.
type LocalOwnership struct {
	mu      sync.Mutex
	owners  map[string]string
	nodes   map[string]NodeInfo
	clock   clock.Clock
	nodeTTL time.Duration
}

func NewLocalOwnership(clk clock.Clock, nodeTTL time.Duration) *LocalOwnership {
	if clk == nil {
		clk = clock.New()
	}
	return &LocalOwnership{
		owners:  make(map[string]string),
		nodes:   make(map[string]NodeInfo),
		clock:   clk,
		nodeTTL: nodeTTL,
	}
}

func (o *LocalOwnership) alive(nodeID string) bool {
	info, ok := o.nodes[nodeID]
	return ok && o.clock.Since(info.ReportedAt) < o.nodeTTL
}

func (o *LocalOwnership) Claim(_ context.Context, userID, nodeID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if owner, ok := o.owners[userID]; ok && owner != nodeID && o.alive(owner) {
		return owner, nil
	}
	o.owners[userID] = nodeID
	return nodeID, nil
}

func (o *LocalOwnership) Refresh(_ context.Context, userID, nodeID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.owners[userID] != nodeID {
		return ErrNotOwner
	}
	return nil
}

func (o *LocalOwnership) Release(_ context.Context, userID, nodeID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.owners[userID] == nodeID {
		delete(o.owners, userID)
	}
	return nil
}

func (o *LocalOwnership) Announce(_ context.Context, info NodeInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodes[info.ID] = info
	return nil
}

// Forget drops a node as if its liveness had expired.
func (o *LocalOwnership) Forget(nodeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.nodes, nodeID)
}

func (o *LocalOwnership) Node(_ context.Context, nodeID string) (NodeInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.alive(nodeID) {
		return NodeInfo{}, nodeNotFound(nodeID)
	}
	return o.nodes[nodeID], nil
}

func (o *LocalOwnership) Nodes(_ context.Context) ([]NodeInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]NodeInfo, 0, len(o.nodes))
	for id, info := range o.nodes {
		if o.alive(id) {
			out = append(out, info)
		}
	}
	return out, nil
}

func nodeNotFound(nodeID string) error {
	return fmt.Errorf("node %s is not live: %w", nodeID, models.ErrNotFound)
}

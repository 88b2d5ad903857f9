// Package placement decides which storage nodes should hold a file's
// replicas. Choose is a pure function over a node snapshot; it holds no
// state and never talks to the network.
package placement

import (
	"fmt"
	"sort"

	"driftfs/pkg/errdefs"
	"driftfs/pkg/model"
)

// Choose ranks the given nodes by free capacity fraction descending, breaking
// ties by node_id for determinism, and returns the top r after dropping
// excluded nodes. If fewer than r eligible nodes exist it returns as many as
// available together with ErrInsufficientNodes; it never blocks, the caller
// decides whether to proceed under-replicated.
//
// Repair callers pass the file's currently-located node set as excluded so
// replacement replicas never land on a node that already holds (or failed to
// hold) a copy.
func Choose(nodes []model.StorageNode, excluded map[string]bool, r int) ([]model.StorageNode, error) {
	if r < 0 {
		return nil, fmt.Errorf("invalid replica count %d", r)
	}

	eligible := make([]model.StorageNode, 0, len(nodes))
	for _, n := range nodes {
		if excluded[n.NodeID] {
			continue
		}
		eligible = append(eligible, n)
	}

	sort.Slice(eligible, func(i, j int) bool {
		fi, fj := eligible[i].FreeFraction(), eligible[j].FreeFraction()
		if fi != fj {
			return fi > fj
		}
		return eligible[i].NodeID < eligible[j].NodeID
	})

	if len(eligible) < r {
		return eligible, fmt.Errorf("need %d nodes, have %d eligible: %w", r, len(eligible), errdefs.ErrInsufficientNodes)
	}
	return eligible[:r], nil
}

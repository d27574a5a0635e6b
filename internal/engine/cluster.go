package engine

import (
	"context"

	"github.com/scrypster/mnemo/pkg/types"
)

// clusterBySimilarity groups nodes by greedy single-linkage clustering: a
// node joins the first cluster containing any member scoring at or above the
// threshold. Oracle failures score 0 inside Collaborators, so a degraded
// oracle yields singleton clusters and nothing gets merged.
func clusterBySimilarity(ctx context.Context, collab *Collaborators, nodes []*types.Node, threshold float64) [][]*types.Node {
	var clusters [][]*types.Node

	for _, node := range nodes {
		placed := false
		for i, cluster := range clusters {
			for _, member := range cluster {
				if collab.Similarity(ctx, node, member) >= threshold {
					clusters[i] = append(clusters[i], node)
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			clusters = append(clusters, []*types.Node{node})
		}
	}
	return clusters
}

// dominantType returns the most frequent node type in a cluster, breaking
// ties toward the earliest member.
func dominantType(cluster []*types.Node) types.NodeType {
	counts := make(map[types.NodeType]int, len(cluster))
	best := cluster[0].Type
	for _, n := range cluster {
		counts[n.Type]++
		if counts[n.Type] > counts[best] {
			best = n.Type
		}
	}
	return best
}

// Package cascade finds clusters of tightly connected concepts ("evolution
// cascades") in a graph snapshot.
package cascade

import (
	"context"
	"sort"

	"github.com/normanking/cortex-evolution/internal/graph"
)

// Cluster is a connected group of concepts joined by strong connections.
type Cluster struct {
	ConceptIDs     []int64  `json:"concept_ids"`
	Labels         []string `json:"labels,omitempty"`
	Size           int      `json:"size"`
	InternalWeight float64  `json:"internal_weight"`
}

// checkEvery is how many connections are processed between context checks.
const checkEvery = 1024

// DetectClusters returns the connected components of the subgraph made of
// connections with weight >= threshold. Singletons are dropped. Concept ids
// within a cluster are ascending; clusters are ordered by size, largest
// first, then by smallest id. The result depends only on the snapshot and
// threshold.
func DetectClusters(ctx context.Context, snap *graph.Snapshot, threshold float64) ([]Cluster, error) {
	conns := snap.Connections()
	uf := newUnionFind(len(conns))

	for i, c := range conns {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if c.Weight >= threshold {
			uf.union(c.A, c.B)
		}
	}

	groups := make(map[int64][]int64)
	for id := range uf.parent {
		root := uf.find(id)
		groups[root] = append(groups[root], id)
	}

	weights := make(map[int64]float64)
	for _, c := range conns {
		if c.Weight >= threshold {
			root := uf.find(c.A)
			weights[root] += c.Weight
		}
	}

	clusters := make([]Cluster, 0, len(groups))
	for root, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		labels := make([]string, len(ids))
		for i, id := range ids {
			labels[i] = snap.Label(id)
		}
		clusters = append(clusters, Cluster{
			ConceptIDs:     ids,
			Labels:         labels,
			Size:           len(ids),
			InternalWeight: weights[root],
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].ConceptIDs[0] < clusters[j].ConceptIDs[0]
	})
	return clusters, nil
}

// unionFind is a disjoint-set forest over concept ids with path halving and
// union by size.
type unionFind struct {
	parent map[int64]int64
	size   map[int64]int
}

func newUnionFind(hint int) *unionFind {
	return &unionFind{
		parent: make(map[int64]int64, hint),
		size:   make(map[int64]int, hint),
	}
}

func (u *unionFind) add(x int64) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
		u.size[x] = 1
	}
}

func (u *unionFind) find(x int64) int64 {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int64) {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}

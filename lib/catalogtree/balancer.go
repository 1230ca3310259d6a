// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package catalogtree

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bureau-foundation/catalogengine/lib/catalog"
)

// Balancer configures the weight-based catalog splitting and merging
// that keeps individual catalogs from growing unbounded or shrinking
// to the point where nesting overhead dominates. Weight is measured
// in entry count, not byte size: entry count is what bounds a
// catalog's SQLite page cache footprint and query latency.
type Balancer struct {
	// MaxWeight is the entry count above which a catalog is a split
	// candidate. Zero disables balancing.
	MaxWeight int64

	// MinWeight is the entry count below which a non-root catalog is a
	// merge candidate.
	MinWeight int64
}

// DefaultBalancer mirrors typical nested-catalog sizing: split
// anything over 200k entries, fold anything under 1k back into its
// parent.
var DefaultBalancer = Balancer{MaxWeight: 200_000, MinWeight: 1_000}

// virtualNode is one entry in the virtual subtree built over a
// catalog's own directory entries while choosing split points. It
// never descends into an already-nested child catalog, since those
// entries live in a different store entirely.
type virtualNode struct {
	path         string
	weight       int64
	isDirectory  bool
	isMountpoint bool
	children     []string
}

// run balances the subtree owned by n, descending recursively into
// every nested catalog under root first (balancing always proceeds
// bottom-up, since a child's weight affects its parent's weight only
// after the child's own balance pass is complete).
func (b Balancer) run(m *Manager, n *node, root string) error {
	for mountpoint, child := range n.children {
		if isUnderMountpoint(mountpoint, root) || mountpoint == root {
			if err := b.run(m, child, mountpoint); err != nil {
				return err
			}
		}
	}

	weight, err := catalogWeight(n.store)
	if err != nil {
		return err
	}

	if weight > b.MaxWeight {
		if err := b.split(m, n, root); err != nil {
			return fmt.Errorf("catalogtree: balancing %s: %w", root, err)
		}
		return nil
	}

	if weight < b.MinWeight && n.parent != nil {
		parentWeight, err := catalogWeight(n.parent.store)
		if err != nil {
			return err
		}
		// The mountpoint entry is already counted once in the parent's
		// weight; merging folds in every other entry the child holds.
		resulting := parentWeight + weight - 1
		if resulting <= b.MaxWeight {
			if err := m.removeNestedCatalogLocked(root); err != nil {
				return fmt.Errorf("catalogtree: merging undersized catalog %s: %w", root, err)
			}
		}
	}

	return nil
}

func catalogWeight(store *catalog.Store) (int64, error) {
	paths, err := store.AllPaths()
	if err != nil {
		return 0, err
	}
	return int64(len(paths)), nil
}

// split repeatedly finds the optimal partition point within n's
// catalog and promotes it to its own nested catalog until n's weight
// falls back to or under MaxWeight. Each iteration rebuilds the
// virtual subtree from scratch: once a candidate is split off, its
// entries leave n's store entirely, which is exactly the residual
// weight reduction the next iteration needs to see.
func (b Balancer) split(m *Manager, n *node, root string) error {
	for {
		weight, err := catalogWeight(n.store)
		if err != nil {
			return err
		}
		if weight <= b.MaxWeight {
			return nil
		}

		nodes, err := buildVirtualTree(n.store, root)
		if err != nil {
			return err
		}

		candidate := pickSplitCandidate(nodes, root, b.MinWeight, b.MaxWeight)
		if candidate == "" {
			return fmt.Errorf("catalogtree: %s exceeds max weight but has no splittable subdirectory", root)
		}

		if err := m.createNestedCatalogLocked(candidate); err != nil {
			return err
		}
	}
}

// buildVirtualTree loads every entry owned directly by store (never
// descending into an already-split child catalog, since those
// entries simply aren't present here) and computes each directory's
// weight as 1 plus the sum of its children's weights.
func buildVirtualTree(store *catalog.Store, root string) (map[string]*virtualNode, error) {
	paths, err := store.AllPaths()
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*virtualNode, len(paths))
	for _, p := range paths {
		entry, err := store.GetByPath(p)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		nodes[p] = &virtualNode{
			path:         p,
			isDirectory:  entry.Flags.Directory,
			isMountpoint: entry.Flags.IsNestedCatalogMountpoint,
		}
	}

	for _, p := range paths {
		if p == root {
			continue
		}
		parentPath := path.Dir(p)
		if parentNode, ok := nodes[parentPath]; ok {
			parentNode.children = append(parentNode.children, p)
		}
	}

	// Weights depend on children's weights, so process deepest paths
	// first.
	ordered := append([]string(nil), paths...)
	sort.Slice(ordered, func(i, j int) bool {
		return pathDepth(ordered[i]) > pathDepth(ordered[j])
	})
	for _, p := range ordered {
		n := nodes[p]
		if n == nil {
			continue
		}
		weight := int64(1)
		for _, c := range n.children {
			if child, ok := nodes[c]; ok {
				weight += child.weight
			}
		}
		n.weight = weight
	}

	return nodes, nil
}

func pathDepth(p string) int { return strings.Count(p, "/") }

// splitCandidate is one directory eligible for promotion to its own
// nested catalog, paired with the metrics the selection rule needs.
type splitCandidate struct {
	path   string
	weight int64
	depth  int
}

// pickSplitCandidate chooses the next mountpoint to split off of
// root's catalog. It prefers the descendant directory whose weight is
// the largest value within [minWeight, maxWeight]; ties are broken by
// lexicographic path order so the choice is stable regardless of map
// iteration order. If no candidate falls in that range, it falls back
// to the deepest directory whose weight is just under maxWeight.
func pickSplitCandidate(nodes map[string]*virtualNode, root string, minWeight, maxWeight int64) string {
	var inRange, underMax []splitCandidate

	for p, n := range nodes {
		if p == root || !n.isDirectory || n.isMountpoint {
			continue
		}
		c := splitCandidate{path: p, weight: n.weight, depth: pathDepth(p)}
		if n.weight >= minWeight && n.weight <= maxWeight {
			inRange = append(inRange, c)
		}
		if n.weight < maxWeight {
			underMax = append(underMax, c)
		}
	}

	if len(inRange) > 0 {
		sort.Slice(inRange, func(i, j int) bool {
			if inRange[i].weight != inRange[j].weight {
				return inRange[i].weight > inRange[j].weight
			}
			return inRange[i].path < inRange[j].path
		})
		return inRange[0].path
	}

	if len(underMax) == 0 {
		return ""
	}
	sort.Slice(underMax, func(i, j int) bool {
		if underMax[i].weight != underMax[j].weight {
			return underMax[i].weight > underMax[j].weight
		}
		if underMax[i].depth != underMax[j].depth {
			return underMax[i].depth > underMax[j].depth
		}
		return underMax[i].path < underMax[j].path
	})
	return underMax[0].path
}

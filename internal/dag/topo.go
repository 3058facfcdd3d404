package dag

import (
	"fmt"
	"slices"

	"fortio.org/safecast"

	"kiln/internal/diag"
	"kiln/internal/session"
)

type Topo struct {
	Order   []NodeID   // линейный порядок: зависимые раньше зависимостей
	Batches [][]NodeID // волны независимых крейтов
	Cyclic  bool
	Cycles  []NodeID // узлы, оставшиеся в цикле
}

func ToposortKahn(g Graph) *Topo {
	nodeCount := len(g.Edges)
	indeg := make([]int, len(g.Indeg))
	copy(indeg, g.Indeg)

	topo := &Topo{
		Order:   make([]NodeID, 0, nodeCount),
		Batches: make([][]NodeID, 0),
	}

	active := 0
	for i := range nodeCount {
		if g.Present[i] {
			active++
		}
	}

	current := make([]NodeID, 0, nodeCount)
	for i := range nodeCount {
		if !g.Present[i] {
			continue
		}
		if indeg[i] == 0 {
			current = append(current, nodeID(i))
		}
	}
	slices.Sort(current)

	visited := 0
	for len(current) > 0 {
		batch := make([]NodeID, len(current))
		copy(batch, current)
		topo.Batches = append(topo.Batches, batch)

		next := make([]NodeID, 0)
		for _, id := range batch {
			topo.Order = append(topo.Order, id)
			visited++
			for _, to := range g.Edges[int(id)] {
				if !g.Present[int(to)] {
					continue
				}
				indeg[int(to)]--
				if indeg[int(to)] == 0 {
					next = append(next, to)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if visited != active {
		topo.Cyclic = true
		for i := range nodeCount {
			if !g.Present[i] {
				continue
			}
			if indeg[i] > 0 {
				topo.Cycles = append(topo.Cycles, nodeID(i))
			}
		}
		slices.Sort(topo.Cycles)
	}

	return topo
}

func nodeID(i int) NodeID {
	id, err := safecast.Conv[NodeID](i)
	if err != nil {
		panic(fmt.Errorf("node id overflow: %w", err))
	}
	return id
}

// LinkOrder returns the dependency records in the order they must appear on
// a linker command line: every crate before the crates it depends on.
func LinkOrder(deps []session.Dependency, r diag.Reporter) ([]session.Dependency, error) {
	idx := BuildIndex(deps)
	g, slots := BuildGraph(idx, deps, r)
	topo := ToposortKahn(g)
	if topo.Cyclic {
		ReportCycles(idx, topo, r)
		names := make([]string, 0, len(topo.Cycles))
		for _, id := range topo.Cycles {
			names = append(names, idx.IDToName[int(id)])
		}
		return nil, fmt.Errorf("dependency cycle between crates %v", names)
	}
	out := make([]session.Dependency, 0, len(topo.Order))
	for _, id := range topo.Order {
		out = append(out, slots[int(id)].Dep)
	}
	return out, nil
}

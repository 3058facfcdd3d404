package dag

import (
	"fmt"
	"slices"
	"strings"

	"kiln/internal/diag"
	"kiln/internal/session"
)

type Graph struct {
	Edges   [][]NodeID // Edges[dependent] = []dependency
	Indeg   []int      // входящие степени для Kahn (учитывает только присутствующие крейты)
	Present []bool     // крейт описан в манифесте, а не только упомянут в depends
}

type Slot struct {
	Dep     session.Dependency
	Present bool
}

// BuildGraph wires dependency records into a graph. Problems are reported
// to r and the offending edge is dropped; r may be nil.
func BuildGraph(idx Index, deps []session.Dependency, r diag.Reporter) (Graph, []Slot) {
	nodeCount := len(idx.IDToName)
	g := Graph{
		Edges:   make([][]NodeID, nodeCount),
		Indeg:   make([]int, nodeCount),
		Present: make([]bool, nodeCount),
	}
	slots := make([]Slot, nodeCount)
	for i, name := range idx.IDToName {
		slots[i].Dep.Name = name
	}

	for i := range deps {
		dep := deps[i]
		if dep.Name == "" {
			continue
		}
		id, ok := idx.NameToID[dep.Name]
		if !ok {
			// не должно происходить, индекс строится по тем же записям
			continue
		}
		slot := &slots[int(id)]
		if slot.Present {
			report(r, diag.CfgManifestInvalid, dep.Name, fmt.Sprintf("duplicate dependency %q", dep.Name))
			continue
		}
		slot.Dep = dep
		slot.Present = true
		g.Present[int(id)] = true
	}

	for from := range slots {
		slot := &slots[from]
		if !slot.Present || len(slot.Dep.Depends) == 0 {
			continue
		}
		seen := make(map[NodeID]struct{}, len(slot.Dep.Depends))
		for _, name := range slot.Dep.Depends {
			toID, ok := idx.NameToID[name]
			if !ok {
				continue
			}
			if NodeID(from) == toID {
				report(r, diag.CfgDependencyCycle, slot.Dep.Name, fmt.Sprintf("crate %q depends on itself", slot.Dep.Name))
				continue
			}
			if _, dup := seen[toID]; dup {
				continue
			}
			seen[toID] = struct{}{}

			g.Edges[from] = append(g.Edges[from], toID)
			if g.Present[int(toID)] {
				g.Indeg[int(toID)]++
			} else {
				report(r, diag.LNKMissingUpstream, slot.Dep.Name,
					fmt.Sprintf("crate %q depends on %q, which is not a known dependency", slot.Dep.Name, idx.IDToName[int(toID)]))
			}
		}
		if len(g.Edges[from]) > 1 {
			slices.Sort(g.Edges[from])
		}
	}

	return g, slots
}

func ReportCycles(idx Index, topo *Topo, r diag.Reporter) {
	if r == nil || !topo.Cyclic || len(topo.Cycles) == 0 {
		return
	}
	names := make([]string, 0, len(topo.Cycles))
	for _, id := range topo.Cycles {
		names = append(names, idx.IDToName[int(id)])
	}
	summary := strings.Join(names, " -> ")
	for _, name := range names {
		msg := fmt.Sprintf("crate %q participates in a dependency cycle: %s", name, summary)
		r.Report(diag.CfgDependencyCycle, diag.SevError, name, msg, nil)
	}
}

func report(r diag.Reporter, code diag.Code, subject, msg string) {
	if r == nil {
		return
	}
	r.Report(code, diag.SevError, subject, msg, nil)
}

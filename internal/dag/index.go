package dag

import (
	"sort"

	"kiln/internal/session"
)

type NodeID uint32

type Index struct {
	NameToID map[string]NodeID
	IDToName []string
}

// собрать уникальные имена крейтов, sort.Strings, раздать ID по порядку
func BuildIndex(deps []session.Dependency) Index {
	uniq := make(map[string]struct{}, len(deps))
	for i := range deps {
		if deps[i].Name != "" {
			uniq[deps[i].Name] = struct{}{}
		}
		for _, name := range deps[i].Depends {
			if name == "" {
				continue
			}
			uniq[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(uniq))
	for name := range uniq {
		names = append(names, name)
	}
	sort.Strings(names)

	nameToID := make(map[string]NodeID, len(names))
	for i, name := range names {
		nameToID[name] = NodeID(i)
	}

	return Index{
		NameToID: nameToID,
		IDToName: names,
	}
}

package models

// DefaultLineageDepth bounds lineage walks when the caller has no better limit
const DefaultLineageDepth = 64

// SceneryLookup resolves a scenery by ID
type SceneryLookup func(id int64) (*Scenery, bool)

// Lineage walks parent back-references starting at id and returns the chain of IDs,
// newest first. The walk stops at a missing parent, a repeated ID or maxDepth entries.
// truncated is true when the walk stopped because of a cycle or the depth bound.
func Lineage(id int64, lookup SceneryLookup, maxDepth int) (chain []int64, truncated bool) {
	if maxDepth <= 0 {
		maxDepth = DefaultLineageDepth
	}

	seen := make(map[int64]bool)
	current := id
	for {
		if seen[current] {
			return chain, true
		}
		if len(chain) == maxDepth {
			return chain, true
		}
		seen[current] = true
		chain = append(chain, current)

		s, ok := lookup(current)
		if !ok || s.ParentID == nil {
			return chain, false
		}
		current = *s.ParentID
	}
}

// Children returns the IDs of sceneries whose parent is id. The gateway allows
// at most one, but several are tolerated.
func Children(sceneries []*Scenery, id int64) []int64 {
	var out []int64
	for _, s := range sceneries {
		if s.ParentID != nil && *s.ParentID == id && s.ID != id {
			out = append(out, s.ID)
		}
	}
	return out
}

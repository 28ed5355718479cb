package ingest

import (
	"cmp"
	"slices"
)

// vertexView keeps the first vertex seen for each id.
type vertexView struct {
	byID map[float32]Vertex
}

func newVertexView() *vertexView {
	return &vertexView{byID: make(map[float32]Vertex)}
}

func (v *vertexView) observe(id float32, vert Vertex) {
	if _, ok := v.byID[id]; !ok {
		v.byID[id] = vert
	}
}

// sorted returns one vertex per id, ordered by id.
func (v *vertexView) sorted() []Vertex {
	out := make([]Vertex, 0, len(v.byID))
	for _, vert := range v.byID {
		out = append(out, vert)
	}
	slices.SortFunc(out, func(a, b Vertex) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// dedupVertices concatenates the origin and destination views and drops rows equal in every
// field to an earlier row. The same id with a different name, or different coordinates,
// survives as a second row.
func dedupVertices(origins, destinations []Vertex) []Vertex {
	seen := make(map[Vertex]struct{}, len(origins)+len(destinations))
	out := make([]Vertex, 0, len(origins)+len(destinations))
	for _, view := range [][]Vertex{origins, destinations} {
		for _, v := range view {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

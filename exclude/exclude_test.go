// ABOUTME: Tests for exclusion descriptors and the edge filter
// ABOUTME: Checks whole-object and per-field exclusions and the cached reference lookups

package exclude

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/metrics"
)

// countingSnapshot records how often references are resolved
type countingSnapshot struct {
	*graph.MemGraph
	resolved int
}

func (s *countingSnapshot) OutboundRefs(id graph.ObjID) ([]graph.NamedRef, error) {
	s.resolved++
	return s.MemGraph.OutboundRefs(id)
}

func linkedList() *graph.MemGraph {
	g := graph.NewMemGraph()
	g.AddObject(&graph.Object{ID: 0, Type: "Holder", Refs: []graph.Ref{{Field: "list", To: 1}}})
	g.AddObject(&graph.Object{ID: 1, Type: "Node", Refs: []graph.Ref{{Field: "next", To: 2}, {Field: "value", To: 3}}})
	g.AddObject(&graph.Object{ID: 2, Type: "Node", Refs: []graph.Ref{{Field: "next", To: 3}, {Field: "prev", To: 3}}})
	g.AddObject(&graph.Object{ID: 3, Type: "Value"})
	g.SetRoots(graph.Roots{IDs: []graph.ObjID{0}})
	return g
}

func TestExcludedFastPath(t *testing.T) {
	g := linkedList()
	f := NewFilter(g.NumObjects(), g, FromObjects([]graph.ObjID{1}, Fields("next")))

	excluded, err := f.Excluded(0, 1)
	require.NoError(t, err)
	assert.False(t, excluded, "referrer outside every set never excludes")
	assert.False(t, f.Empty())
}

func TestExcludedAllFields(t *testing.T) {
	g := linkedList()
	f := NewFilter(g.NumObjects(), nil, FromObjects([]graph.ObjID{1}, nil))

	for _, to := range []graph.ObjID{2, 3} {
		excluded, err := f.Excluded(1, to)
		require.NoError(t, err)
		assert.True(t, excluded, "edge 1->%d", to)
	}
}

func TestExcludedNamedField(t *testing.T) {
	g := linkedList()
	f := NewFilter(g.NumObjects(), g, FromObjects([]graph.ObjID{1, 2}, Fields("next")))

	tests := []struct {
		name     string
		from, to graph.ObjID
		want     bool
	}{
		{"excluded field", 1, 2, true},
		{"other field", 1, 3, false},
		// 2 refers to 3 through next and prev; prev keeps the edge alive
		{"mixed fields", 2, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Excluded(tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromClasses(t *testing.T) {
	g := linkedList()
	node, ok := g.ClassByName("Node")
	require.True(t, ok)

	descs := FromClasses(g, map[graph.ClassID]FieldSet{node: Fields("next", "prev")})
	require.Len(t, descs, 1)
	assert.True(t, descs[0].Contains(1))
	assert.True(t, descs[0].Contains(2))
	assert.False(t, descs[0].Contains(0))

	f := NewFilter(g.NumObjects(), g, descs...)
	excluded, err := f.Excluded(2, 3)
	require.NoError(t, err)
	assert.True(t, excluded)

	assert.Nil(t, FromClasses(g, nil))
	assert.True(t, NewFilter(g.NumObjects(), g, FromClasses(g, nil)...).Empty())
}

func TestReferenceCachePerReferrer(t *testing.T) {
	snap := &countingSnapshot{MemGraph: linkedList()}
	f := NewFilter(snap.NumObjects(), snap, FromObjects([]graph.ObjID{1, 2}, Fields("next")))

	for _, to := range []graph.ObjID{2, 3, 2} {
		_, err := f.Excluded(1, to)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, snap.resolved, "consecutive checks for one referrer resolve once")

	_, err := f.Excluded(2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.resolved)
}

func TestSortedLookupWithDuplicateAddresses(t *testing.T) {
	g := graph.NewMemGraph()
	var refs []graph.Ref
	// 40 references spread over 20 targets, visited in descending order so the
	// cached list has to be sorted before searching
	for i := 20; i >= 1; i-- {
		refs = append(refs, graph.Ref{Field: fmt.Sprintf("weak%d", i), To: graph.ObjID(i)})
	}
	refs = append(refs, graph.Ref{Field: "strong", To: 7})
	refs = append(refs, graph.Ref{Field: "weak7b", To: 7})
	g.AddObject(&graph.Object{ID: 0, Type: "Table", Refs: refs})
	for i := 1; i <= 21; i++ {
		g.AddObject(&graph.Object{ID: graph.ObjID(i), Type: "Entry"})
	}

	weak := Fields()
	for i := 1; i <= 20; i++ {
		weak[fmt.Sprintf("weak%d", i)] = struct{}{}
	}
	weak["weak7b"] = struct{}{}
	f := NewFilter(g.NumObjects(), g, FromObjects([]graph.ObjID{0}, weak))

	for i := 1; i <= 20; i++ {
		got, err := f.Excluded(0, graph.ObjID(i))
		require.NoError(t, err)
		assert.Equal(t, i != 7, got, "target %d", i)
	}

	// 21 is not referenced by 0 at all: nothing keeps the edge
	got, err := f.Excluded(0, 21)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestSnapshotErrorsPropagate(t *testing.T) {
	g := linkedList()
	f := NewFilter(g.NumObjects(), g, FromObjects([]graph.ObjID{1}, Fields("next")))

	_, err := f.Excluded(1, 42)
	assert.True(t, errors.Is(err, graph.ErrUnknownObject))

	noSnap := NewFilter(g.NumObjects(), nil, FromObjects([]graph.ObjID{1}, Fields("next")))
	_, err = noSnap.Excluded(1, 2)
	assert.Error(t, err)
}

func TestNilFilter(t *testing.T) {
	var f *Filter
	excluded, err := f.Excluded(1, 2)
	require.NoError(t, err)
	assert.False(t, excluded)
	assert.True(t, f.Empty())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestExcludedCountsChecks(t *testing.T) {
	g := linkedList()
	f := NewFilter(g.NumObjects(), g, FromObjects([]graph.ObjID{1, 2}, Fields("next")))
	excludedBefore := counterValue(t, metrics.ExclusionsExcluded)
	keptBefore := counterValue(t, metrics.ExclusionsKept)

	for _, e := range [][2]graph.ObjID{{1, 2}, {1, 3}, {2, 3}, {0, 1}} {
		_, err := f.Excluded(e[0], e[1])
		require.NoError(t, err)
	}

	// 0 is outside every set and never reaches field resolution
	assert.Equal(t, 1.0, counterValue(t, metrics.ExclusionsExcluded)-excludedBefore)
	assert.Equal(t, 2.0, counterValue(t, metrics.ExclusionsKept)-keptBefore)
}

// ABOUTME: Edge exclusion for traversals: skip named fields (or all fields) of chosen referrers
// ABOUTME: Descriptors are unified into one referrer bit field plus per-descriptor field sets

// Package exclude decides whether a referrer→referent edge is hidden from a
// traversal. It models weak or soft references, or "what if this field were
// cleared" questions, without rewriting the adjacency index.
package exclude

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"

	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/metrics"
)

// sortThreshold is the reference count from which a cached reference list is
// sorted by address and searched instead of scanned.
const sortThreshold = 10

// FieldSet is a set of field names. A nil FieldSet stands for every field.
type FieldSet map[string]struct{}

// Fields builds a FieldSet from names
func Fields(names ...string) FieldSet {
	fs := make(FieldSet, len(names))
	for _, n := range names {
		fs[n] = struct{}{}
	}
	return fs
}

// Contains reports whether name is in the set
func (fs FieldSet) Contains(name string) bool {
	_, ok := fs[name]
	return ok
}

// Descriptor excludes Fields of every referrer in IDs
type Descriptor struct {
	IDs    *roaring.Bitmap
	Fields FieldSet // nil excludes every field
}

// FromObjects builds a descriptor over explicit referrer ids
func FromObjects(ids []graph.ObjID, fields FieldSet) Descriptor {
	rb := roaring.New()
	for _, id := range ids {
		if id >= 0 {
			rb.Add(uint32(id))
		}
	}
	return Descriptor{IDs: rb, Fields: fields}
}

// FromClasses builds one descriptor per class, covering all its instances
func FromClasses(snap graph.Snapshot, classes map[graph.ClassID]FieldSet) []Descriptor {
	if len(classes) == 0 {
		return nil
	}
	keys := make([]graph.ClassID, 0, len(classes))
	for c := range classes {
		keys = append(keys, c)
	}
	slices.Sort(keys)

	descs := make([]Descriptor, 0, len(keys))
	for _, c := range keys {
		descs = append(descs, FromObjects(snap.InstancesOf(c), classes[c]))
	}
	return descs
}

// Contains reports whether id is one of the descriptor's referrers
func (d Descriptor) Contains(id graph.ObjID) bool {
	return d.IDs != nil && id >= 0 && d.IDs.Contains(uint32(id))
}

// Filter answers Excluded for a fixed set of descriptors.
// A Filter caches the references of the last referrer it resolved and is
// not safe for concurrent use.
type Filter struct {
	snap        graph.Snapshot
	referrers   *bitset.BitSet
	descriptors []Descriptor

	cached  graph.ObjID
	fields  FieldSet
	refs    []graph.NamedRef
	resolve bool
}

// NewFilter unifies descriptors into a single membership test over
// [0, numObjects). snap resolves named references of field-restricted
// referrers and may be nil when every descriptor excludes all fields.
func NewFilter(numObjects int, snap graph.Snapshot, descriptors ...Descriptor) *Filter {
	f := &Filter{
		snap:        snap,
		referrers:   bitset.New(uint(max(numObjects, 0))),
		descriptors: descriptors,
		cached:      -1,
	}
	for _, d := range descriptors {
		if d.IDs == nil {
			continue
		}
		it := d.IDs.Iterator()
		for it.HasNext() {
			id := it.Next()
			if int(id) < numObjects {
				f.referrers.Set(uint(id))
			}
		}
	}
	return f
}

// Empty reports whether no referrer is subject to exclusion
func (f *Filter) Empty() bool {
	return f == nil || f.referrers.None()
}

// Contains reports whether referrer appears in any descriptor
func (f *Filter) Contains(referrer graph.ObjID) bool {
	return f != nil && referrer >= 0 && f.referrers.Test(uint(referrer))
}

// Excluded reports whether the edge referrer→referent must be skipped.
// With a field set, the edge is excluded only when every named reference
// from referrer to referent goes through an excluded field.
func (f *Filter) Excluded(referrer, referent graph.ObjID) (bool, error) {
	if !f.Contains(referrer) {
		return false, nil
	}

	if referrer != f.cached {
		f.cached = referrer
		f.fields = f.fieldsOf(referrer)
		f.refs = nil
		f.resolve = f.fields != nil
	}
	if f.fields == nil {
		return true, nil
	}

	if f.resolve {
		if err := f.load(referrer); err != nil {
			f.cached = -1
			return false, err
		}
		f.resolve = false
	}

	addr, err := f.snap.Address(referent)
	if err != nil {
		return false, fmt.Errorf("exclusion check %d->%d: %w", referrer, referent, err)
	}

	excluded := f.onlyExcludedFields(addr)
	if excluded {
		metrics.ExclusionsExcluded.Inc()
	} else {
		metrics.ExclusionsKept.Inc()
	}
	return excluded, nil
}

// fieldsOf returns the field set of the first descriptor naming referrer.
// An empty, non-nil set is returned for descriptors with explicit empty sets.
func (f *Filter) fieldsOf(referrer graph.ObjID) FieldSet {
	for _, d := range f.descriptors {
		if d.Contains(referrer) {
			return d.Fields
		}
	}
	return nil
}

func (f *Filter) load(referrer graph.ObjID) error {
	if f.snap == nil {
		return fmt.Errorf("exclusion check for %d: field resolution needs a snapshot", referrer)
	}
	refs, err := f.snap.OutboundRefs(referrer)
	if err != nil {
		return fmt.Errorf("exclusion check for %d: %w", referrer, err)
	}
	if len(refs) >= sortThreshold {
		refs = slices.Clone(refs)
		slices.SortFunc(refs, func(a, b graph.NamedRef) int {
			return cmp.Compare(a.Address, b.Address)
		})
	}
	f.refs = refs
	return nil
}

func (f *Filter) onlyExcludedFields(addr uint64) bool {
	if len(f.refs) < sortThreshold {
		for _, r := range f.refs {
			if r.Address == addr && !f.fields.Contains(r.Name) {
				return false
			}
		}
		return true
	}

	i, found := slices.BinarySearchFunc(f.refs, addr, func(r graph.NamedRef, a uint64) int {
		return cmp.Compare(r.Address, a)
	})
	if !found {
		return true
	}
	// i is the first entry with this address; walk the run
	for ; i < len(f.refs) && f.refs[i].Address == addr; i++ {
		if !f.fields.Contains(f.refs[i].Name) {
			return false
		}
	}
	return true
}

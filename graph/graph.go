// ABOUTME: Graph interfaces consumed by the traversal engines and the in-memory snapshot
// ABOUTME: MemGraph stores a dense object table and serves adjacency and named references

package graph

import (
	"errors"
	"fmt"
)

// ErrUnknownObject is returned when an id does not resolve to an object
var ErrUnknownObject = errors.New("unknown object id")

// syntheticBase is the first address handed out to objects without one
const syntheticBase = 0x1000

// AdjacencyIndex maps an object to the ids it references.
// Implementations are read-only during a traversal and may be backed by
// paged storage, so callers should not assume Get is cheap.
type AdjacencyIndex interface {
	// Get returns the outbound references of id, in field order
	Get(id ObjID) []ObjID

	// Size returns the number of ids covered by the index
	Size() int
}

// Snapshot resolves object ids to addresses, classes and named references
type Snapshot interface {
	// NumObjects returns the size of the dense id space
	NumObjects() int

	// GCRoots returns the ids treated as always reachable
	GCRoots() []ObjID

	// Address returns the heap address of id
	Address(id ObjID) (uint64, error)

	// ClassOf returns the class of id, or NoClass
	ClassOf(id ObjID) ClassID

	// ClassByName looks up an interned type name
	ClassByName(name string) (ClassID, bool)

	// InstancesOf returns the ids of every object of class c
	InstancesOf(c ClassID) []ObjID

	// OutboundRefs returns the named outbound references of id
	OutboundRefs(id ObjID) ([]NamedRef, error)
}

// Graph represents a heap object graph that can be built incrementally
type Graph interface {
	Snapshot
	AdjacencyIndex

	// AddObject adds an object to the graph
	AddObject(obj *Object)

	// GetObject retrieves an object by ID
	GetObject(id ObjID) *Object

	// ForEachObject iterates over all objects in id order
	ForEachObject(fn func(*Object))

	// SetRoots sets the GC roots
	SetRoots(roots Roots)

	// GetRoots returns the GC roots
	GetRoots() Roots
}

// MemGraph is an in-memory implementation of Graph.
// It is built from a single goroutine and is safe for concurrent reads
// once construction is complete.
type MemGraph struct {
	objects    []*Object
	classOf    []ClassID
	classNames []string
	classIdx   map[string]ClassID
	roots      Roots
}

var _ Graph = (*MemGraph)(nil)

// NewMemGraph creates a new in-memory graph
func NewMemGraph() *MemGraph {
	return &MemGraph{
		classIdx: make(map[string]ClassID),
	}
}

// AddObject adds an object to the graph, replacing any object with the same ID
func (g *MemGraph) AddObject(obj *Object) {
	if obj.ID < 0 {
		return
	}
	if len(obj.Refs) > 0 {
		ptrs := make([]ObjID, len(obj.Refs))
		for i, r := range obj.Refs {
			ptrs[i] = r.To
		}
		obj.Ptrs = ptrs
	}

	for int(obj.ID) >= len(g.objects) {
		g.objects = append(g.objects, nil)
		g.classOf = append(g.classOf, NoClass)
	}
	g.objects[obj.ID] = obj
	g.classOf[obj.ID] = g.intern(obj.Type)
}

func (g *MemGraph) intern(name string) ClassID {
	if c, ok := g.classIdx[name]; ok {
		return c
	}
	c := ClassID(len(g.classNames))
	g.classNames = append(g.classNames, name)
	g.classIdx[name] = c
	return c
}

// GetObject retrieves an object by ID
func (g *MemGraph) GetObject(id ObjID) *Object {
	if id < 0 || int(id) >= len(g.objects) {
		return nil
	}
	return g.objects[id]
}

// NumObjects returns the size of the dense id space, including gaps
func (g *MemGraph) NumObjects() int {
	return len(g.objects)
}

// Size implements AdjacencyIndex
func (g *MemGraph) Size() int {
	return len(g.objects)
}

// Get implements AdjacencyIndex
func (g *MemGraph) Get(id ObjID) []ObjID {
	if obj := g.GetObject(id); obj != nil {
		return obj.Ptrs
	}
	return nil
}

// ForEachObject iterates over all objects in id order
func (g *MemGraph) ForEachObject(fn func(*Object)) {
	for _, obj := range g.objects {
		if obj != nil {
			fn(obj)
		}
	}
}

// SetRoots sets the GC roots
func (g *MemGraph) SetRoots(roots Roots) {
	g.roots = roots
}

// GetRoots returns the GC roots
func (g *MemGraph) GetRoots() Roots {
	return g.roots
}

// GCRoots implements Snapshot
func (g *MemGraph) GCRoots() []ObjID {
	return g.roots.IDs
}

// Address implements Snapshot
func (g *MemGraph) Address(id ObjID) (uint64, error) {
	if g.GetObject(id) == nil {
		return 0, fmt.Errorf("address of %d: %w", id, ErrUnknownObject)
	}
	return g.addressOf(id), nil
}

func (g *MemGraph) addressOf(id ObjID) uint64 {
	if obj := g.GetObject(id); obj != nil && obj.Address != 0 {
		return obj.Address
	}
	return syntheticBase + 16*uint64(id)
}

// ClassOf implements Snapshot
func (g *MemGraph) ClassOf(id ObjID) ClassID {
	if g.GetObject(id) == nil {
		return NoClass
	}
	return g.classOf[id]
}

// ClassName returns the type name interned as c
func (g *MemGraph) ClassName(c ClassID) string {
	if c < 0 || int(c) >= len(g.classNames) {
		return ""
	}
	return g.classNames[c]
}

// ClassByName implements Snapshot
func (g *MemGraph) ClassByName(name string) (ClassID, bool) {
	c, ok := g.classIdx[name]
	return c, ok
}

// InstancesOf implements Snapshot
func (g *MemGraph) InstancesOf(c ClassID) []ObjID {
	var ids []ObjID
	for id, obj := range g.objects {
		if obj != nil && g.classOf[id] == c {
			ids = append(ids, ObjID(id))
		}
	}
	return ids
}

// OutboundRefs implements Snapshot. Objects built from plain Ptrs report
// anonymous references with an empty name.
func (g *MemGraph) OutboundRefs(id ObjID) ([]NamedRef, error) {
	obj := g.GetObject(id)
	if obj == nil {
		return nil, fmt.Errorf("outbound refs of %d: %w", id, ErrUnknownObject)
	}

	refs := make([]NamedRef, len(obj.Ptrs))
	for i, to := range obj.Ptrs {
		refs[i] = NamedRef{To: to, Address: g.addressOf(to)}
		if i < len(obj.Refs) {
			refs[i].Name = obj.Refs[i].Field
		}
	}
	return refs, nil
}

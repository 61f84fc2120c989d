// ABOUTME: Tests for the graph data structures and interfaces
// ABOUTME: Validates object creation, class interning, addresses and named references

package graph

import (
	"errors"
	"reflect"
	"testing"
)

func TestObjectCreation(t *testing.T) {
	obj := &Object{
		ID:   1,
		Type: "string",
		Size: 42,
		Ptrs: []ObjID{2, 3},
	}

	if obj.ID != 1 {
		t.Errorf("Expected ID 1, got %d", obj.ID)
	}
	if obj.Type != "string" {
		t.Errorf("Expected type 'string', got %s", obj.Type)
	}
	if len(obj.Ptrs) != 2 {
		t.Errorf("Expected 2 pointers, got %d", len(obj.Ptrs))
	}
}

func TestGraphInterface(t *testing.T) {
	g := NewMemGraph()

	g.AddObject(&Object{ID: 0, Type: "root", Size: 10, Ptrs: []ObjID{1}})
	g.AddObject(&Object{ID: 1, Type: "child", Size: 20})

	retrieved := g.GetObject(0)
	if retrieved == nil {
		t.Fatal("Expected to retrieve object 0")
	}

	if g.NumObjects() != 2 {
		t.Errorf("Expected 2 objects, got %d", g.NumObjects())
	}

	count := 0
	g.ForEachObject(func(obj *Object) {
		count++
	})
	if count != 2 {
		t.Errorf("Expected to iterate over 2 objects, got %d", count)
	}

	g.SetRoots(Roots{IDs: []ObjID{0}})
	if roots := g.GCRoots(); len(roots) != 1 || roots[0] != 0 {
		t.Errorf("Expected root [0], got %v", roots)
	}

	if got := g.Get(0); !reflect.DeepEqual(got, []ObjID{1}) {
		t.Errorf("Get(0) = %v, want [1]", got)
	}
}

func TestIDUniqueness(t *testing.T) {
	g := NewMemGraph()

	g.AddObject(&Object{ID: 1, Type: "first", Size: 10})
	g.AddObject(&Object{ID: 1, Type: "duplicate", Size: 20}) // Should replace the first one

	count := 0
	g.ForEachObject(func(*Object) { count++ })
	if count != 1 {
		t.Errorf("Expected 1 object after duplicate ID, got %d", count)
	}

	if retrieved := g.GetObject(1); retrieved.Type != "duplicate" {
		t.Errorf("Expected duplicate to replace first, got type %s", retrieved.Type)
	}

	first, _ := g.ClassByName("first")
	if ids := g.InstancesOf(first); len(ids) != 0 {
		t.Errorf("Replaced object still listed as instance of its old class: %v", ids)
	}
}

func TestDenseGaps(t *testing.T) {
	g := NewMemGraph()
	g.AddObject(&Object{ID: 3, Type: "late"})

	if g.NumObjects() != 4 {
		t.Errorf("Expected id space of 4, got %d", g.NumObjects())
	}
	if g.GetObject(1) != nil {
		t.Error("Expected nil for gap id")
	}
	if g.ClassOf(1) != NoClass {
		t.Errorf("Expected NoClass for gap id, got %d", g.ClassOf(1))
	}
	if _, err := g.Address(1); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("Expected ErrUnknownObject, got %v", err)
	}
}

func TestClassesAndInstances(t *testing.T) {
	g := NewMemGraph()
	g.AddObject(&Object{ID: 0, Type: "Node"})
	g.AddObject(&Object{ID: 1, Type: "Leaf"})
	g.AddObject(&Object{ID: 2, Type: "Node"})

	node, ok := g.ClassByName("Node")
	if !ok {
		t.Fatal("Expected class Node to be interned")
	}
	if g.ClassName(node) != "Node" {
		t.Errorf("ClassName(%d) = %q", node, g.ClassName(node))
	}
	if got := g.InstancesOf(node); !reflect.DeepEqual(got, []ObjID{0, 2}) {
		t.Errorf("InstancesOf(Node) = %v, want [0 2]", got)
	}
	if g.ClassOf(1) == node {
		t.Error("Leaf should not share a class with Node")
	}
}

func TestOutboundRefs(t *testing.T) {
	g := NewMemGraph()
	g.AddObject(&Object{ID: 0, Type: "List", Refs: []Ref{{Field: "head", To: 1}, {Field: "tail", To: 2}}})
	g.AddObject(&Object{ID: 1, Type: "Entry", Address: 0xbeef})
	g.AddObject(&Object{ID: 2, Type: "Entry", Ptrs: []ObjID{1}})

	if got := g.Get(0); !reflect.DeepEqual(got, []ObjID{1, 2}) {
		t.Errorf("Ptrs derived from refs = %v, want [1 2]", got)
	}

	refs, err := g.OutboundRefs(0)
	if err != nil {
		t.Fatalf("OutboundRefs: %v", err)
	}
	want := []NamedRef{
		{Name: "head", Address: 0xbeef, To: 1},
		{Name: "tail", Address: syntheticBase + 32, To: 2},
	}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("OutboundRefs(0) = %+v, want %+v", refs, want)
	}

	anon, err := g.OutboundRefs(2)
	if err != nil {
		t.Fatalf("OutboundRefs: %v", err)
	}
	if len(anon) != 1 || anon[0].Name != "" || anon[0].Address != 0xbeef {
		t.Errorf("Anonymous refs = %+v", anon)
	}

	if _, err := g.OutboundRefs(99); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("Expected ErrUnknownObject, got %v", err)
	}
}

func TestNilObjectHandling(t *testing.T) {
	g := NewMemGraph()

	if obj := g.GetObject(999); obj != nil {
		t.Error("Expected nil for non-existent object")
	}
	if obj := g.GetObject(-1); obj != nil {
		t.Error("Expected nil for negative id")
	}
	if g.NumObjects() != 0 {
		t.Errorf("Expected 0 objects in empty graph, got %d", g.NumObjects())
	}
	if g.Get(5) != nil {
		t.Error("Expected no adjacency for missing object")
	}
}

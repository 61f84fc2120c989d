// ABOUTME: Core data types for the heap object graph
// ABOUTME: Defines Object, ObjID, ClassID, NamedRef and Roots structures

package graph

// ObjID is the dense identifier of a heap object, in [0, NumObjects)
type ObjID int32

// ClassID identifies an interned type name
type ClassID int32

// NoClass is returned for ids that do not resolve to an object
const NoClass ClassID = -1

// NamedRef is one outbound reference of an object, labelled by the field it
// is stored in. Address is the address of the referenced object.
type NamedRef struct {
	Name    string
	Address uint64
	To      ObjID
}

// Ref is an outbound edge as supplied when building a graph
type Ref struct {
	Field string // Field name, empty for anonymous slots
	To    ObjID
}

// Object represents a single heap object
type Object struct {
	ID      ObjID   // Dense identifier
	Type    string  // Type name (e.g. "string", "*MyStruct")
	Size    uint64  // Size in bytes
	Address uint64  // Address in the dumped heap, zero means synthesize one
	Ptrs    []ObjID // IDs of objects this object points to, in field order
	Refs    []Ref   // Named references; when set, Ptrs is derived from it
}

// Roots represents the set of GC root objects
type Roots struct {
	IDs []ObjID // Object IDs that are roots
}

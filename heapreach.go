// ABOUTME: Root heapreach package providing version information and package documentation
// ABOUTME: The traversal engines live in the marker, paths and exclude packages

// Package heapreach answers reachability questions over heap dump object
// graphs: which objects are reachable from the GC roots, and what is a
// shortest reference chain from a root to a given object. Traversals can
// ignore chosen fields of chosen objects, for example weak references.
package heapreach

// Version is the semantic version of the heapreach tool
const Version = "0.1.0-dev"

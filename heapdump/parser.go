// ABOUTME: Parser interface for heap dump formats
// ABOUTME: Defines the contract for pluggable dump parsers

package heapdump

import (
	"io"

	"github.com/prateek/heapreach/graph"
)

// Parser is the interface for heap dump parsers
type Parser interface {
	// CanParse checks if this parser can handle the given dump format.
	// The reader holds a preview of at most a few kilobytes of the
	// decompressed dump.
	CanParse(r io.Reader) bool

	// Parse reads the whole dump and builds a graph with dense ids
	Parse(r io.Reader) (graph.Graph, error)
}

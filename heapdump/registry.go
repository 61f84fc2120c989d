// ABOUTME: Registry for heap dump parsers
// ABOUTME: Decompresses gzip or zstd input and selects the parser that recognises the dump

package heapdump

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/prateek/heapreach/graph"
)

var (
	// ErrNoParser is returned when no parser can handle the dump format
	ErrNoParser = errors.New("no parser found for dump format")
)

// detectSize is how much of a dump parsers get to look at in CanParse
const detectSize = 4096

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// parserRegistry holds registered parsers
type parserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

// Global registry instance
var registry = &parserRegistry{
	parsers: make([]Parser, 0),
}

// Register adds a parser to the registry
func Register(p Parser) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.parsers = append(registry.parsers, p)
}

// OpenFile opens the dump at path with Open
func OpenFile(path string) (graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open heap dump: %w", err)
	}
	defer f.Close()

	g, err := Open(f)
	if err != nil {
		return nil, fmt.Errorf("heap dump %s: %w", path, err)
	}
	return g, nil
}

// Open reads a heap dump and returns a graph.
// Compressed input is unwrapped first, then each registered parser is
// offered a preview until one accepts the format.
func Open(r io.Reader) (graph.Graph, error) {
	br := bufio.NewReaderSize(r, detectSize)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReaderSize(zr, detectSize)
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReaderSize(zr, detectSize)
	}

	// Peek leaves the preview in the buffer, so the chosen parser still
	// reads the dump from its first byte
	preview, err := br.Peek(detectSize)
	if err != nil && err != io.EOF && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	for _, parser := range registry.parsers {
		if parser.CanParse(bytes.NewReader(preview)) {
			return parser.Parse(br)
		}
	}

	return nil, ErrNoParser
}

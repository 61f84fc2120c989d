// ABOUTME: Go heap dump parser implementing the heapdump parser interface
// ABOUTME: Parses debug.WriteHeapDump output and resolves pointers into a dense object graph

package goheap

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/heapdump"
)

const header = "go1.7 heap dump\n"

// GoHeapParser implements the heapdump.Parser interface for Go heap dumps
type GoHeapParser struct{}

// Ensure GoHeapParser implements Parser interface
var _ heapdump.Parser = (*GoHeapParser)(nil)

// CanParse checks if the reader contains a Go heap dump
func (p *GoHeapParser) CanParse(r io.Reader) bool {
	buf := make([]byte, len(header))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	return string(buf) == header
}

// Parse reads the heap dump and builds a graph. Objects get ids in dump
// order; pointer fields become references named by their byte offset, and
// pointers held by stack frames, globals and runtime roots become GC roots.
func (p *GoHeapParser) Parse(r io.Reader) (graph.Graph, error) {
	parser := &parser{
		r:     bufio.NewReaderSize(r, 1024*1024), // 1MB buffer for performance
		types: make(map[uint64]string),
	}

	if err := parser.parse(); err != nil {
		return nil, fmt.Errorf("parsing heap dump: %w", err)
	}
	return parser.build(), nil
}

// Register registers the parser with the heapdump package
func init() {
	heapdump.Register(&GoHeapParser{})
}

// Internal parser state
type parser struct {
	r     *bufio.Reader
	types map[uint64]string

	objects   []object
	rootPtrs  []uint64
	sawParams bool

	// Dump parameters
	bigEndian   bool
	pointerSize uint64
}

// object is a heap object whose pointers are still raw addresses
type object struct {
	addr     uint64
	size     uint64
	typeName string
	fields   []field
}

type field struct {
	offset uint64
	target uint64
}

// Record type constants from runtime/heapdump.go
const (
	tagEOF             = 0
	tagObject          = 1
	tagOtherRoot       = 2
	tagType            = 3
	tagGoroutine       = 4
	tagStackFrame      = 5
	tagParams          = 6
	tagFinalizer       = 7
	tagItab            = 8
	tagOSThread        = 9
	tagMemStats        = 10
	tagQueuedFinalizer = 11
	tagData            = 12
	tagBSS             = 13
	tagDefer           = 14
	tagPanic           = 15
	tagMemProf         = 16
	tagAllocSample     = 17
)

// Field kinds
const (
	fieldKindEol   = 0
	fieldKindPtr   = 1
	fieldKindIface = 2
	fieldKindEface = 3
)

// memStatsFields is the number of varints in a memstats record: 24 counters,
// the 256-entry pause ring and NumGC
const memStatsFields = 24 + 256 + 1

// parse performs the main parsing
func (p *parser) parse() error {
	buf := make([]byte, len(header))
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if string(buf) != header {
		return fmt.Errorf("invalid header: %q", buf)
	}

	for {
		tag, err := p.readVarint()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading tag: %w", err)
		}

		switch tag {
		case tagEOF:
			return nil

		case tagParams:
			err = p.parseParams()

		case tagType:
			err = p.parseType()

		case tagObject:
			err = p.parseObject()

		case tagOtherRoot:
			err = p.parseOtherRoot()

		case tagStackFrame:
			err = p.parseStackFrame()

		case tagData, tagBSS:
			err = p.parseSegment()

		case tagGoroutine:
			// address, sp, goid, gopc, status, system, background, waitsince,
			// wait reason, then ctxt, m, defer and panic
			if err = p.skipVarints(8); err == nil {
				if _, err = p.readString(); err == nil {
					err = p.skipVarints(4)
				}
			}

		case tagMemStats:
			err = p.skipVarints(memStatsFields)

		case tagItab:
			err = p.skipVarints(2)

		case tagFinalizer, tagQueuedFinalizer:
			err = p.skipVarints(5)

		case tagDefer:
			err = p.skipVarints(7)

		case tagPanic:
			err = p.skipVarints(6)

		case tagOSThread:
			err = p.skipVarints(3)

		case tagMemProf:
			err = p.skipMemProf()

		case tagAllocSample:
			err = p.skipVarints(2)

		default:
			return fmt.Errorf("unknown tag: %d", tag)
		}
		if err != nil {
			return fmt.Errorf("record tag %d: %w", tag, err)
		}
	}
}

// readVarint reads a variable-length integer
func (p *parser) readVarint() (uint64, error) {
	return binary.ReadUvarint(p.r)
}

func (p *parser) skipVarints(n int) error {
	for i := 0; i < n; i++ {
		if _, err := p.readVarint(); err != nil {
			return err
		}
	}
	return nil
}

// readString reads a length-prefixed string
func (p *parser) readString() (string, error) {
	length, err := p.readVarint()
	if err != nil {
		return "", err
	}
	if length > 1<<20 { // Sanity check: 1MB max string
		return "", fmt.Errorf("string too long: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

// readBytes reads a length-prefixed byte slice
func (p *parser) readBytes() ([]byte, error) {
	length, err := p.readVarint()
	if err != nil {
		return nil, err
	}
	if length > 1<<30 { // Sanity check: 1GB max
		return nil, fmt.Errorf("byte slice too long: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// readFields reads a field list up to fieldKindEol and returns the non-nil
// pointers it finds in data. Interface fields hold their data word one
// pointer past the offset.
func (p *parser) readFields(data []byte) ([]field, error) {
	var out []field
	for {
		kind, err := p.readVarint()
		if err != nil {
			return nil, err
		}
		if kind == fieldKindEol {
			return out, nil
		}
		offset, err := p.readVarint()
		if err != nil {
			return nil, err
		}

		switch kind {
		case fieldKindPtr:
		case fieldKindIface, fieldKindEface:
			offset += p.pointerSize
		default:
			return nil, fmt.Errorf("unknown field kind %d", kind)
		}
		if ptr, ok := p.word(data, offset); ok && ptr != 0 {
			out = append(out, field{offset: offset, target: ptr})
		}
	}
}

// word decodes the pointer-sized word at offset
func (p *parser) word(data []byte, offset uint64) (uint64, bool) {
	if p.pointerSize == 0 || offset > uint64(len(data)) || uint64(len(data))-offset < p.pointerSize {
		return 0, false
	}
	b := data[offset : offset+p.pointerSize]
	switch {
	case p.pointerSize == 8 && p.bigEndian:
		return binary.BigEndian.Uint64(b), true
	case p.pointerSize == 8:
		return binary.LittleEndian.Uint64(b), true
	case p.pointerSize == 4 && p.bigEndian:
		return uint64(binary.BigEndian.Uint32(b)), true
	case p.pointerSize == 4:
		return uint64(binary.LittleEndian.Uint32(b)), true
	}
	return 0, false
}

// parseParams parses a parameters record
func (p *parser) parseParams() error {
	bigEndian, err := p.readVarint()
	if err != nil {
		return err
	}
	p.bigEndian = bigEndian != 0

	p.pointerSize, err = p.readVarint()
	if err != nil {
		return err
	}
	if p.pointerSize != 4 && p.pointerSize != 8 {
		return fmt.Errorf("unsupported pointer size %d", p.pointerSize)
	}

	// heap start, heap end
	if err := p.skipVarints(2); err != nil {
		return err
	}
	// architecture, go version
	for i := 0; i < 2; i++ {
		if _, err := p.readString(); err != nil {
			return err
		}
	}
	// number of CPUs
	if _, err := p.readVarint(); err != nil {
		return err
	}
	p.sawParams = true
	return nil
}

// parseType parses a type record
func (p *parser) parseType() error {
	addr, err := p.readVarint()
	if err != nil {
		return err
	}
	if _, err := p.readVarint(); err != nil { // size
		return err
	}
	name, err := p.readString()
	if err != nil {
		return err
	}
	if _, err := p.readVarint(); err != nil { // indirect
		return err
	}
	p.types[addr] = name
	return nil
}

// parseObject parses an object record
func (p *parser) parseObject() error {
	if !p.sawParams {
		return fmt.Errorf("object record before params")
	}
	addr, err := p.readVarint()
	if err != nil {
		return err
	}
	data, err := p.readBytes()
	if err != nil {
		return err
	}
	fields, err := p.readFields(data)
	if err != nil {
		return err
	}

	// Type address is usually stored at the beginning of the object
	typeName := "unknown"
	if typeAddr, ok := p.word(data, 0); ok {
		if name, ok := p.types[typeAddr]; ok {
			typeName = name
		}
	}

	p.objects = append(p.objects, object{
		addr:     addr,
		size:     uint64(len(data)),
		typeName: typeName,
		fields:   fields,
	})
	return nil
}

// parseOtherRoot parses a root record: description, then pointer
func (p *parser) parseOtherRoot() error {
	if _, err := p.readString(); err != nil {
		return err
	}
	ptr, err := p.readVarint()
	if err != nil {
		return err
	}
	if ptr != 0 {
		p.rootPtrs = append(p.rootPtrs, ptr)
	}
	return nil
}

// parseStackFrame collects the live pointers of a frame as roots
func (p *parser) parseStackFrame() error {
	// sp, depth, child sp
	if err := p.skipVarints(3); err != nil {
		return err
	}
	data, err := p.readBytes()
	if err != nil {
		return err
	}
	// entry pc, pc, continuation pc
	if err := p.skipVarints(3); err != nil {
		return err
	}
	if _, err := p.readString(); err != nil { // function name
		return err
	}
	return p.rootFields(data)
}

// parseSegment collects pointers held in the data or bss segment as roots
func (p *parser) parseSegment() error {
	if _, err := p.readVarint(); err != nil { // address
		return err
	}
	data, err := p.readBytes()
	if err != nil {
		return err
	}
	return p.rootFields(data)
}

func (p *parser) rootFields(data []byte) error {
	fields, err := p.readFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		p.rootPtrs = append(p.rootPtrs, f.target)
	}
	return nil
}

func (p *parser) skipMemProf() error {
	// bucket address, size
	if err := p.skipVarints(2); err != nil {
		return err
	}
	nstk, err := p.readVarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < nstk; i++ {
		// function name, file name
		for j := 0; j < 2; j++ {
			if _, err := p.readString(); err != nil {
				return err
			}
		}
		if _, err := p.readVarint(); err != nil { // line
			return err
		}
	}
	// allocs, frees
	return p.skipVarints(2)
}

// span locates the object containing an address
type span struct {
	start, end uint64
	id         graph.ObjID
}

// build assigns dense ids in dump order and resolves every raw pointer,
// including pointers into the middle of an object, to the enclosing object.
// Pointers that land outside every object are dropped.
func (p *parser) build() graph.Graph {
	spans := make([]span, len(p.objects))
	for i, o := range p.objects {
		spans[i] = span{start: o.addr, end: o.addr + max(o.size, 1), id: graph.ObjID(i)}
	}
	slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.start, b.start) })

	resolve := func(addr uint64) (graph.ObjID, bool) {
		i, found := slices.BinarySearchFunc(spans, addr, func(s span, a uint64) int { return cmp.Compare(s.start, a) })
		if found {
			return spans[i].id, true
		}
		if i > 0 && addr < spans[i-1].end {
			return spans[i-1].id, true
		}
		return 0, false
	}

	g := graph.NewMemGraph()
	for i, o := range p.objects {
		refs := make([]graph.Ref, 0, len(o.fields))
		for _, f := range o.fields {
			if to, ok := resolve(f.target); ok {
				refs = append(refs, graph.Ref{Field: fmt.Sprintf("+%d", f.offset), To: to})
			}
		}
		g.AddObject(&graph.Object{
			ID:      graph.ObjID(i),
			Type:    o.typeName,
			Size:    o.size,
			Address: o.addr,
			Ptrs:    []graph.ObjID{},
			Refs:    refs,
		})
	}

	seen := make([]bool, len(p.objects))
	roots := make([]graph.ObjID, 0, len(p.rootPtrs))
	for _, ptr := range p.rootPtrs {
		if id, ok := resolve(ptr); ok && !seen[id] {
			seen[id] = true
			roots = append(roots, id)
		}
	}
	g.SetRoots(graph.Roots{IDs: roots})
	return g
}

// ABOUTME: JSON dump parser for test fixtures and hand-written heap snapshots
// ABOUTME: Reads objects with named references and a root list into a dense graph

package heapdump

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/prateek/heapreach/graph"
)

// JSONParser reads the JSON dump format:
//
//	{
//	  "objects": [
//	    {"id": 0, "type": "Root", "size": 16, "address": 4096,
//	     "refs": [{"field": "next", "to": 1}]},
//	    {"id": 1, "type": "Leaf", "ptrs": []}
//	  ],
//	  "roots": [0]
//	}
//
// Ids must be dense, starting at 0. "refs" carries field names; "ptrs" is
// the anonymous form and is ignored when "refs" is present.
type JSONParser struct{}

type jsonDump struct {
	Objects []jsonObject  `json:"objects"`
	Roots   []graph.ObjID `json:"roots"`
}

type jsonObject struct {
	ID      *graph.ObjID  `json:"id"`
	Type    string        `json:"type"`
	Size    uint64        `json:"size"`
	Address uint64        `json:"address"`
	Ptrs    []graph.ObjID `json:"ptrs"`
	Refs    []jsonRef     `json:"refs"`
}

type jsonRef struct {
	Field string      `json:"field"`
	To    graph.ObjID `json:"to"`
}

// CanParse checks if the input looks like our JSON format
func (p *JSONParser) CanParse(r io.Reader) bool {
	// The preview may cut the document short, so look at tokens rather
	// than decoding the whole value
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return false
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return false
		}
		if key == "objects" {
			next, err := dec.Token()
			return err == nil && next == json.Delim('[')
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return false
		}
	}
	return false
}

// Parse reads the JSON dump and builds a graph
func (p *JSONParser) Parse(r io.Reader) (graph.Graph, error) {
	var dump jsonDump

	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&dump); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	n := len(dump.Objects)
	seen := make([]bool, n)
	for i, obj := range dump.Objects {
		if obj.ID == nil {
			return nil, fmt.Errorf("object at index %d missing ID", i)
		}
		id := *obj.ID
		if id < 0 || int(id) >= n {
			return nil, fmt.Errorf("object at index %d: id %d outside [0, %d)", i, id, n)
		}
		if seen[id] {
			return nil, fmt.Errorf("object at index %d: duplicate id %d", i, id)
		}
		seen[id] = true

		for _, to := range obj.Ptrs {
			if to < 0 || int(to) >= n {
				return nil, fmt.Errorf("object %d: pointer to unknown object %d", id, to)
			}
		}
		for _, ref := range obj.Refs {
			if ref.To < 0 || int(ref.To) >= n {
				return nil, fmt.Errorf("object %d: field %q refers to unknown object %d", id, ref.Field, ref.To)
			}
		}
	}
	for _, root := range dump.Roots {
		if root < 0 || int(root) >= n {
			return nil, fmt.Errorf("root %d: %w", root, graph.ErrUnknownObject)
		}
	}

	g := graph.NewMemGraph()
	for _, obj := range dump.Objects {
		graphObj := &graph.Object{
			ID:      *obj.ID,
			Type:    obj.Type,
			Size:    obj.Size,
			Address: obj.Address,
			Ptrs:    obj.Ptrs,
		}
		if len(obj.Refs) > 0 {
			graphObj.Refs = make([]graph.Ref, len(obj.Refs))
			for i, ref := range obj.Refs {
				graphObj.Refs[i] = graph.Ref{Field: ref.Field, To: ref.To}
			}
		}
		if graphObj.Ptrs == nil {
			graphObj.Ptrs = []graph.ObjID{}
		}
		g.AddObject(graphObj)
	}

	roots := graph.Roots{IDs: dump.Roots}
	if roots.IDs == nil {
		roots.IDs = []graph.ObjID{}
	}
	g.SetRoots(roots)

	return g, nil
}

// init registers the JSON parser
func init() {
	Register(&JSONParser{})
}

// ABOUTME: Tests for YAML config parsing, validation and exclusion resolution
// ABOUTME: Checks defaults, overrides, invalid settings and class lookups against a fixture graph

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/heapreach/exclude"
	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/internal/testgraph"
	"github.com/prateek/heapreach/marker"
)

const sample = `
marker:
  strategy: multi
  threads: 4
paths:
  targets: [4, 5]
exclusions:
  - class: Node
    fields: [next]
  - objects: [0]
logging:
  level: debug
  format: json
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, marker.MultiThreaded, cfg.Strategy())
	assert.Equal(t, 4, cfg.Marker.Threads)
	assert.Equal(t, marker.DefaultInlineDepth, cfg.Marker.InlineDepth, "default kept")
	assert.Equal(t, []graph.ObjID{4, 5}, cfg.Paths.Targets)
	require.Len(t, cfg.Exclusions, 2)
	assert.Equal(t, "Node", cfg.Exclusions[0].Class)
	assert.Equal(t, []graph.ObjID{0}, cfg.Exclusions[1].Objects)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, marker.SingleThreaded, cfg.Strategy())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown strategy", "marker: {strategy: gpu}"},
		{"negative threads", "marker: {threads: -1}"},
		{"negative inline depth", "marker: {inline_depth: -2}"},
		{"class and objects", "exclusions: [{class: A, objects: [1]}]"},
		{"neither class nor objects", "exclusions: [{fields: [x]}]"},
		{"negative object", "exclusions: [{objects: [-4]}]"},
		{"unknown level", "logging: {level: loud}"},
		{"unknown format", "logging: {format: xml}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Parse([]byte("marker: [unclosed"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heapreach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, marker.MultiThreaded, cfg.Strategy())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDescriptors(t *testing.T) {
	g := testgraph.Diamond()
	cfg, err := Parse([]byte(sample + "\n"))
	require.NoError(t, err)
	cfg.Exclusions = append(cfg.Exclusions, Exclusion{Class: "Missing"})

	descs := cfg.Descriptors(g)
	require.Len(t, descs, 2, "unknown classes are skipped")

	assert.Equal(t, exclude.Fields("next"), descs[0].Fields)
	for _, id := range []graph.ObjID{1, 2, 3} {
		assert.True(t, descs[0].Contains(id), "Node instance %d", id)
	}
	assert.False(t, descs[0].Contains(0))

	assert.Nil(t, descs[1].Fields, "no fields means every field")
	assert.True(t, descs[1].Contains(0))
}

func TestClassExclusions(t *testing.T) {
	g := testgraph.Diamond()
	node, _ := g.ClassByName("Node")
	leaf, _ := g.ClassByName("Leaf")

	cfg := Default()
	cfg.Exclusions = []Exclusion{
		{Class: "Node", Fields: []string{"next"}},
		{Class: "Node", Fields: []string{"value"}},
		{Class: "Leaf", Fields: []string{"a"}},
		{Class: "Leaf"},
		{Objects: []graph.ObjID{0}},
	}
	require.NoError(t, cfg.Validate())

	got := cfg.ClassExclusions(g)
	assert.Equal(t, map[graph.ClassID]exclude.FieldSet{
		node: exclude.Fields("next", "value"),
		leaf: nil,
	}, got)
}

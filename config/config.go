// ABOUTME: YAML configuration for marking, path search, exclusions and logging
// ABOUTME: Resolves exclusion entries against a snapshot into filter descriptors

package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/prateek/heapreach/exclude"
	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/internal/logging"
	"github.com/prateek/heapreach/marker"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the root of a heapreach YAML file
type Config struct {
	Marker     Marker      `yaml:"marker"`
	Paths      Paths       `yaml:"paths"`
	Exclusions []Exclusion `yaml:"exclusions"`
	Logging    Logging     `yaml:"logging"`
}

// Marker selects the marking strategy and its parallelism
type Marker struct {
	Strategy    string `yaml:"strategy"`
	Threads     int    `yaml:"threads"`
	InlineDepth int    `yaml:"inline_depth"`
}

// Paths lists the objects to find shortest paths to
type Paths struct {
	Targets []graph.ObjID `yaml:"targets"`
}

// Exclusion hides outbound edges of a class or of explicit objects. An empty
// Fields list hides every edge.
type Exclusion struct {
	Class   string        `yaml:"class"`
	Objects []graph.ObjID `yaml:"objects"`
	Fields  []string      `yaml:"fields"`
}

// Logging configures the slog handler
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Marker: Marker{
			Strategy:    marker.SingleThreaded.String(),
			InlineDepth: marker.DefaultInlineDepth,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads and validates the YAML file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that decoding alone cannot catch
func (c *Config) Validate() error {
	if _, err := marker.ParseStrategy(c.Marker.Strategy); err != nil {
		return fmt.Errorf("%w: marker: %w", ErrInvalidConfig, err)
	}
	if c.Marker.Threads < 0 {
		return fmt.Errorf("%w: marker.threads must not be negative, got %d", ErrInvalidConfig, c.Marker.Threads)
	}
	if c.Marker.InlineDepth < 0 {
		return fmt.Errorf("%w: marker.inline_depth must not be negative, got %d", ErrInvalidConfig, c.Marker.InlineDepth)
	}
	for i, e := range c.Exclusions {
		switch {
		case e.Class == "" && len(e.Objects) == 0:
			return fmt.Errorf("%w: exclusions[%d] names neither a class nor objects", ErrInvalidConfig, i)
		case e.Class != "" && len(e.Objects) > 0:
			return fmt.Errorf("%w: exclusions[%d] names both a class and objects", ErrInvalidConfig, i)
		}
		if slices.ContainsFunc(e.Objects, func(id graph.ObjID) bool { return id < 0 }) {
			return fmt.Errorf("%w: exclusions[%d] has a negative object id", ErrInvalidConfig, i)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging: %w", ErrInvalidConfig, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// Strategy returns the parsed marking strategy
func (c *Config) Strategy() marker.Strategy {
	s, _ := marker.ParseStrategy(c.Marker.Strategy)
	return s
}

func fieldSet(names []string) exclude.FieldSet {
	if len(names) == 0 {
		return nil
	}
	return exclude.Fields(names...)
}

// Descriptors resolves every exclusion against snap. Classes missing from
// the snapshot are skipped.
func (c *Config) Descriptors(snap graph.Snapshot) []exclude.Descriptor {
	var out []exclude.Descriptor
	for _, e := range c.Exclusions {
		if e.Class == "" {
			out = append(out, exclude.FromObjects(e.Objects, fieldSet(e.Fields)))
			continue
		}
		id, ok := snap.ClassByName(e.Class)
		if !ok {
			continue
		}
		out = append(out, exclude.FromClasses(snap, map[graph.ClassID]exclude.FieldSet{id: fieldSet(e.Fields)})...)
	}
	return out
}

// ClassExclusions builds the per-class map used by path search. Object
// exclusions have no class form and are ignored here. Two entries for the
// same class merge their fields; an entry with no fields wins.
func (c *Config) ClassExclusions(snap graph.Snapshot) map[graph.ClassID]exclude.FieldSet {
	out := make(map[graph.ClassID]exclude.FieldSet)
	for _, e := range c.Exclusions {
		if e.Class == "" {
			continue
		}
		id, ok := snap.ClassByName(e.Class)
		if !ok {
			continue
		}
		prev, seen := out[id]
		switch {
		case len(e.Fields) == 0 || (seen && prev == nil):
			out[id] = nil
		case seen:
			for _, f := range e.Fields {
				prev[f] = struct{}{}
			}
		default:
			out[id] = exclude.Fields(e.Fields...)
		}
	}
	return out
}

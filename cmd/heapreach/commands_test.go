// ABOUTME: Tests for the heapreach CLI commands
// ABOUTME: Runs mark and paths against the diamond fixture and checks their output

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/heapreach/config"
)

const diamond = "../../testdata/diamond.json"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMarkCommand(t *testing.T) {
	for _, strategy := range []string{"single", "multi"} {
		t.Run(strategy, func(t *testing.T) {
			out, err := run(t, "mark", diamond, "--strategy", strategy, "--threads", "2")
			require.NoError(t, err)
			assert.Contains(t, out, "reachable:   5\n")
			assert.Contains(t, out, "unreachable: 1\n")
		})
	}
}

func TestMarkCommandWithConfigExclusions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heapreach.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exclusions:\n  - objects: [0]\nlogging:\n  level: error\n"), 0o600))

	out, err := run(t, "mark", diamond, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "reachable:   1\n")
}

func TestMarkCommandErrors(t *testing.T) {
	_, err := run(t, "mark", diamond, "--strategy", "gpu")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = run(t, "mark", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = run(t, "mark")
	assert.Error(t, err, "dump argument is required")
}

func TestPathsCommand(t *testing.T) {
	out, err := run(t, "paths", diamond, "--target", "4,5", "--target", "4")
	require.NoError(t, err)
	assert.Equal(t, "4: 4 (Leaf) <- 3 (Node) <- 1 (Left) <- 0 (Root)\n5: unreachable\n", out)
}

func TestPathsCommandExclude(t *testing.T) {
	out, err := run(t, "paths", diamond, "--target", "4", "--exclude", "Left:next")
	require.NoError(t, err)
	assert.Equal(t, "4: 4 (Leaf) <- 3 (Node) <- 2 (Right) <- 0 (Root)\n", out)

	out, err = run(t, "paths", diamond, "--target", "3", "--exclude", "Left", "--exclude", "Right:next")
	require.NoError(t, err)
	assert.Equal(t, "3: unreachable\n", out)
}

func TestPathsCommandNeedsTargets(t *testing.T) {
	_, err := run(t, "paths", diamond)
	assert.ErrorContains(t, err, "no targets")

	_, err = run(t, "paths", diamond, "--target", "1", "--exclude", ":next")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestParseExclude(t *testing.T) {
	assert.Equal(t, config.Exclusion{Class: "Node"}, parseExclude("Node"))
	assert.Equal(t, config.Exclusion{Class: "Node", Fields: []string{"a", "b"}}, parseExclude("Node: a, b,"))
}

// ABOUTME: Tests for the root heapreach package
// ABOUTME: Checks the version constant follows semantic versioning

package heapreach_test

import (
	"strings"
	"testing"

	"github.com/prateek/heapreach"
)

func TestVersion(t *testing.T) {
	if heapreach.Version == "" {
		t.Error("Version constant should not be empty")
	}

	core, _, _ := strings.Cut(heapreach.Version, "-")
	if parts := strings.Split(core, "."); len(parts) != 3 {
		t.Errorf("Version should look like MAJOR.MINOR.PATCH, got %q", heapreach.Version)
	}
}

package persistence

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestStorageBackendsStayBehindFactory ensures the concrete storage backends
// are only imported within the persistence tree. Everything else depends on
// the factory's Store interface and the row-level security applier it pairs
// with each backend.
func TestStorageBackendsStayBehindFactory(t *testing.T) {
	backendPrefix := "billingcore/internal/infra/persistence/"
	allowedPrefix := "billingcore/internal/infra/persistence"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "billingcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})

	for _, pkg := range pkgs {
		if strings.HasPrefix(pkg.PkgPath, allowedPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if strings.HasPrefix(importPath, backendPrefix) {
				pos := filepath.Join(pkg.PkgPath, "...")
				seen[pos+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of storage backend: %s", v)
		}
		t.Fatalf("found %d forbidden imports of storage backends", len(violations))
	}
}

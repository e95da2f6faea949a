// Package main implements a package layering linter for the relay.
//
// It scans non-test Go files under pkg/ and cmd/ and reports any import of
// a relay package that the importing package's layer does not allow. The
// relaytest helpers are reserved for tests.
//
// Usage:
//
//	go run ./tools/layercheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "github.com/Mindburn-Labs/helm-relay/"

// allowed lists, per package directory, the relay packages it may import.
var allowed = map[string][]string{
	"pkg/canonicalize":  nil,
	"pkg/crypto":        nil,
	"pkg/events":        nil,
	"pkg/config":        nil,
	"pkg/observability": nil,
	"pkg/ratelimit":     nil,
	"pkg/validation":    {"pkg/canonicalize", "pkg/crypto", "pkg/events"},
	"pkg/store":         {"pkg/events"},
	"pkg/relaytest":     {"pkg/canonicalize", "pkg/crypto", "pkg/events"},
	"pkg/federation":    {"pkg/events", "pkg/observability", "pkg/store", "pkg/validation"},
	"pkg/api":           {"pkg/events", "pkg/federation", "pkg/observability", "pkg/store", "pkg/validation"},
	"pkg/auth":          {"pkg/api", "pkg/federation", "pkg/ratelimit"},
	"pkg/client":        {"pkg/api", "pkg/events"},
	"cmd/relay": {
		"pkg/api", "pkg/auth", "pkg/canonicalize", "pkg/client", "pkg/config", "pkg/crypto",
		"pkg/events", "pkg/federation", "pkg/observability", "pkg/ratelimit", "pkg/store", "pkg/validation",
	},
	"examples/producer": {"pkg/api", "pkg/canonicalize", "pkg/client", "pkg/crypto", "pkg/events"},
}

// violation is one disallowed import.
type violation struct {
	File   string
	Line   int
	Import string
	Reason string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (%s)", v.File, v.Line, v.Import, v.Reason)
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()

	violations, err := check(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	for _, v := range violations {
		fmt.Printf("LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		fmt.Printf("\n%d layer violation(s) found\n", len(violations))
		os.Exit(1)
	}
	fmt.Println("layer check passed")
}

// check walks pkg/, cmd/ and examples/ under root.
func check(root string) ([]violation, error) {
	var out []violation
	fset := token.NewFileSet()

	for _, top := range []string{"pkg", "cmd", "examples"} {
		dir := filepath.Join(root, top)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if info.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			pkgDir := filepath.ToSlash(filepath.Dir(rel))

			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", rel, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				if !strings.HasPrefix(importPath, modulePath) {
					continue
				}
				target := strings.TrimPrefix(importPath, modulePath)
				if reason := disallowed(pkgDir, target); reason != "" {
					out = append(out, violation{
						File:   filepath.ToSlash(rel),
						Line:   fset.Position(imp.Pos()).Line,
						Import: importPath,
						Reason: reason,
					})
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", top, err)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

// disallowed returns why pkgDir may not import target, or "".
func disallowed(pkgDir, target string) string {
	if target == "pkg/relaytest" && pkgDir != "pkg/relaytest" {
		return "test helpers are for _test.go files only"
	}
	deps, ok := allowed[pkgDir]
	if !ok {
		return "package " + pkgDir + " has no layer entry"
	}
	for _, d := range deps {
		if d == target {
			return ""
		}
	}
	return "not allowed from " + pkgDir
}

// Command detcheck enforces the replay boundary: packages whose output must
// depend only on their inputs may not read the clock, randomness, or the
// environment.
//
// Usage:
//
//	go run ./tools/detcheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// deterministicPackages are checked, relative to the module root.
var deterministicPackages = []string{
	"pkg/canonicalize",
	"pkg/comparator",
	"pkg/logic",
	"pkg/providers",
	"pkg/runpack",
	"pkg/scenario",
	"pkg/state",
}

// forbiddenImports may not be imported at all.
var forbiddenImports = []string{
	"math/rand",
	"math/rand/v2",
	"crypto/rand",
}

// forbiddenCalls maps an import path to the functions that may not be
// called from it.
var forbiddenCalls = map[string][]string{
	"time": {"Now", "Since", "Until", "After", "Tick", "NewTimer", "NewTicker"},
	"os":   {"Getenv", "LookupEnv", "Environ"},
}

func main() {
	root := flag.String("root", ".", "Module root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	var violations []string
	fset := token.NewFileSet()
	for _, pkg := range deterministicPackages {
		dir := filepath.Join(root, pkg)
		entries, err := os.ReadDir(dir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
			return 2
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			path := filepath.Join(dir, name)
			f, err := parser.ParseFile(fset, path, nil, 0)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "ERROR: parse %s: %v\n", path, err)
				return 2
			}
			for _, v := range checkFile(fset, f) {
				rel, _ := filepath.Rel(root, v.pos.Filename)
				violations = append(violations, fmt.Sprintf("%s:%d %s", rel, v.pos.Line, v.msg))
			}
		}
	}

	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "DETERMINISM VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "determinism check passed")
	return 0
}

type violation struct {
	pos token.Position
	msg string
}

func checkFile(fset *token.FileSet, f *ast.File) []violation {
	var out []violation
	// local import name -> import path
	names := make(map[string]string)
	for _, imp := range f.Imports {
		p, _ := strconv.Unquote(imp.Path.Value)
		for _, bad := range forbiddenImports {
			if p == bad {
				out = append(out, violation{fset.Position(imp.Pos()), fmt.Sprintf("imports %q", p)})
			}
		}
		local := p[strings.LastIndex(p, "/")+1:]
		if imp.Name != nil {
			local = imp.Name.Name
		}
		names[local] = p
	}

	ast.Inspect(f, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		path, ok := names[pkg.Name]
		if !ok {
			return true
		}
		for _, fn := range forbiddenCalls[path] {
			if sel.Sel.Name == fn {
				out = append(out, violation{fset.Position(call.Pos()), fmt.Sprintf("calls %s.%s", path, fn)})
			}
		}
		return true
	})
	return out
}

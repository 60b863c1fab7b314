package main

import (
	"bytes"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFileFlagsClockAndRandomness(t *testing.T) {
	src := `package p

import (
	"math/rand"
	clock "time"
	"os"
)

func f() {
	_ = clock.Now()
	_ = clock.Duration(5)
	_ = os.Getenv("HOME")
	_ = rand.Int()
}
`
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "p.go", src, 0)
	require.NoError(t, err)

	var msgs []string
	for _, v := range checkFile(fset, f) {
		msgs = append(msgs, v.msg)
	}
	assert.ElementsMatch(t, []string{`imports "math/rand"`, "calls time.Now", "calls os.Getenv"}, msgs)
}

func TestRunReportsViolations(t *testing.T) {
	root := t.TempDir()
	for _, pkg := range deterministicPackages {
		require.NoError(t, os.MkdirAll(filepath.Join(root, pkg), 0o755))
	}
	clean := []byte("package logic\n\nimport \"time\"\n\nvar d = time.Second\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg/logic/ok.go"), clean, 0o600))

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run(root, &stdout, &stderr))

	dirty := []byte("package state\n\nimport \"time\"\n\nfunc now() int64 { return time.Now().UnixMilli() }\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg/state/bad.go"), dirty, 0o600))
	// Test files are exempt.
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg/state/bad_test.go"), dirty, 0o600))

	stdout.Reset()
	assert.Equal(t, 1, run(root, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "pkg/state/bad.go:5 calls time.Now")
	assert.Contains(t, stdout.String(), "1 violation(s)")
}

func TestModuleIsDeterministic(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run(filepath.Join("..", ".."), &stdout, &stderr), stdout.String()+stderr.String())
}

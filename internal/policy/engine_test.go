package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const noReplForResearchers = `package research.tools

default decision := {"allow": false, "reason": "default deny"}

decision := {"allow": true, "reason": "permitted"} {
    permitted
}

permitted {
    input.role == "coder"
}

permitted {
    input.role == "researcher"
    input.tool != "python_repl"
}
`

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "tools.rego")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefaultPolicy(t *testing.T) {
	e, err := NewEngine(Config{Enabled: true, Mode: ModeEnforce}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, e.AllowTool(ctx, "researcher", "web_search"))
	assert.True(t, e.AllowTool(ctx, "coder", "python_repl"))
	assert.False(t, e.AllowTool(ctx, "researcher", "shell"))
	assert.False(t, e.AllowTool(ctx, "intruder", "web_search"))
	assert.NotEmpty(t, e.Version())

	d, err := e.Evaluate(ctx, "researcher", "shell")
	require.NoError(t, err)
	assert.Equal(t, "tool not permitted for role", d.Reason)
}

func TestPolicyFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, noReplForResearchers)
	e, err := NewEngine(Config{Enabled: true, Mode: ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, e.AllowTool(ctx, "researcher", "python_repl"))
	assert.True(t, e.AllowTool(ctx, "researcher", "crawl_tool"))
	assert.True(t, e.AllowTool(ctx, "coder", "python_repl"))
}

func TestDryRunGrantsDeniedTools(t *testing.T) {
	dir := t.TempDir()
	p := writePolicy(t, dir, noReplForResearchers)
	e, err := NewEngine(Config{Enabled: true, Mode: ModeDryRun, Path: p}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, e.AllowTool(context.Background(), "researcher", "python_repl"))
	d, err := e.Evaluate(context.Background(), "researcher", "python_repl")
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestReloadSwapsPolicy(t *testing.T) {
	dir := t.TempDir()
	p := writePolicy(t, dir, noReplForResearchers)
	e, err := NewEngine(Config{Enabled: true, Mode: ModeEnforce, Path: p}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	before := e.Version()
	require.False(t, e.AllowTool(ctx, "researcher", "python_repl"))

	writePolicy(t, dir, `package research.tools

decision := {"allow": true, "reason": "open"}
`)
	require.NoError(t, e.Load(ctx))
	assert.NotEqual(t, before, e.Version())
	assert.True(t, e.AllowTool(ctx, "researcher", "python_repl"), "cached decision must be dropped on reload")
}

func TestLoadFailures(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "package research.tools\n\ndecision := {")

	_, err := NewEngine(Config{Enabled: true, Mode: ModeEnforce, Path: dir, FailClosed: true}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrPolicyLoad)

	e, err := NewEngine(Config{Enabled: true, Mode: ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, e.AllowTool(context.Background(), "researcher", "anything"), "fail-open grants tools")

	_, err = NewEngine(Config{Enabled: true, Path: t.TempDir(), FailClosed: true}, zaptest.NewLogger(t))
	assert.Error(t, err, "empty directory")
}

func TestDisabledEngineAllows(t *testing.T) {
	e, err := NewEngine(Config{Enabled: true, Mode: ModeOff, FailClosed: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, e.AllowTool(context.Background(), "researcher", "shell"))
	assert.Empty(t, e.Version())
}

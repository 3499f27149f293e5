package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

func writeBundle(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const validBundle = `{
	"name": "base",
	"version": "1.2.0",
	"rules": [
		{"id": "allow-reads", "match": "action.operation == \"read_file\"", "verdict": "ALLOW", "priority": 10}
	]
}`

func TestLoadInstallsRuleSet(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "base.json", validBundle)

	p := NewProvider()
	loader := NewLoader(dir, p, nil)

	rs, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "base@1.2.0", rs.Version)

	got, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, rs.Hash, got.Hash)
}

func TestLoadMergesBundlesDeterministically(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "b-extra.json", `{
		"version": "0.1.0",
		"rules": [{"id": "forbid-all-drops", "match": "action.operation == \"drop_database\"", "verdict": "FORBID", "priority": 100}]
	}`)
	writeBundle(t, dir, "a-base.json", validBundle)

	p := NewProvider()
	rs, err := NewLoader(dir, p, nil).Load()
	require.NoError(t, err)
	require.Len(t, rs.Rules(), 2)
	// Merge order follows sorted filenames, version string reflects both.
	assert.Equal(t, "base@1.2.0,b-extra@0.1.0", rs.Version)
}

func TestLoadRejectsInvalidSemver(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "bad.json", `{"version": "not-a-version", "rules": []}`)

	p := NewProvider()
	_, err := NewLoader(dir, p, nil).Load()
	assert.Error(t, err)
	_, err = p.Current()
	assert.ErrorIs(t, err, contracts.ErrPolicyUnavailable)
}

// A broken reload must leave the previously installed set active.
func TestFailedReloadKeepsPreviousSet(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "base.json", validBundle)

	p := NewProvider()
	loader := NewLoader(dir, p, nil)
	first, err := loader.Load()
	require.NoError(t, err)

	writeBundle(t, dir, "base.json", `{"version": "1.3.0", "rules": [{"id": "", "match": "true", "verdict": "ALLOW"}]}`)
	_, err = loader.Load()
	require.Error(t, err)

	got, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, first.Hash, got.Hash)
}

func TestOnReloadCallback(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "base.json", validBundle)

	var reloaded []*RuleSet
	loader := NewLoader(dir, NewProvider(), nil)
	loader.OnReload(func(rs *RuleSet) { reloaded = append(reloaded, rs) })

	_, err := loader.Load()
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
}

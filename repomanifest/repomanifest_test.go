package repomanifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepoWithRemote(t *testing.T, path, remoteURL string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
	repo, err := git.PlainInit(path, false)
	require.NoError(t, err)
	if remoteURL != "" {
		_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{remoteURL}})
		require.NoError(t, err)
	}
}

func TestGenerateSkipsAuthRepoAndNonGitDirs(t *testing.T) {
	root := t.TempDir()
	namespace := "org"
	authDir := filepath.Join(root, namespace, "auth")
	plainDir := filepath.Join(root, namespace, "not-a-repo")
	depDir := filepath.Join(root, namespace, "dependency")

	require.NoError(t, os.MkdirAll(authDir, 0o755))
	require.NoError(t, os.MkdirAll(plainDir, 0o755))
	_, err := git.PlainInit(authDir, false)
	require.NoError(t, err)
	_, err = git.PlainInit(depDir, false)
	require.NoError(t, err)

	m, err := Generate(authDir, root, namespace, "", nil)
	require.NoError(t, err)

	_, hasAuth := m.Repositories["org/auth"]
	assert.False(t, hasAuth)
	_, hasPlain := m.Repositories["org/not-a-repo"]
	assert.False(t, hasPlain)
	dep, hasDep := m.Repositories["org/dependency"]
	require.True(t, hasDep)
	require.Len(t, dep.URLs, 1)
}

func TestGeneratePrefersRemoteURLOverPathFallback(t *testing.T) {
	root := t.TempDir()
	namespace := "org"
	authDir := filepath.Join(root, namespace, "auth")
	depDir := filepath.Join(root, namespace, "dependency")

	require.NoError(t, os.MkdirAll(authDir, 0o755))
	_, err := git.PlainInit(authDir, false)
	require.NoError(t, err)
	initRepoWithRemote(t, depDir, "https://example.com/org/dependency.git")

	m, err := Generate(authDir, root, namespace, "", nil)
	require.NoError(t, err)
	dep, ok := m.Repositories["org/dependency"]
	require.True(t, ok)
	assert.Equal(t, []string{"https://example.com/org/dependency.git"}, dep.URLs)
}

func TestGenerateRejectsFilesystemRootNamespace(t *testing.T) {
	_, err := Generate("/", "/", "", "", nil)
	assert.Error(t, err)
}

func TestWriteProducesLexicographicKeyOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repositories.json")
	m := &Manifest{Repositories: map[string]Repository{
		"zeta":  {URLs: []string{"https://example.com/zeta"}},
		"alpha": {URLs: []string{"https://example.com/alpha"}},
	}}
	require.NoError(t, Write(path, m))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Less(t, indexOf(string(data), "alpha"), indexOf(string(data), "zeta"))

	var roundTrip Manifest
	require.NoError(t, json.Unmarshal(data, &roundTrip))
	assert.Len(t, roundTrip.Repositories, 2)
}

func TestWriteThenLoadRoundTripsRepositories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repositories.json")
	m := &Manifest{Repositories: map[string]Repository{
		"org/project": {URLs: []string{"https://example.com/org/project"}},
	}}
	require.NoError(t, Write(path, m))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, loaded.Repositories, "org/project")
	assert.Equal(t, []string{"https://example.com/org/project"}, loaded.Repositories["org/project"].URLs)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repositories.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestAddAndRemoveDependency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dependencies.json")

	require.NoError(t, AddDependency(path, "upstream/lib", "main", "abc123", nil))
	m, err := LoadDependencies(path)
	require.NoError(t, err)
	dep, ok := m.Dependencies["upstream/lib"]
	require.True(t, ok)
	assert.Equal(t, "abc123", dep.OutOfBandCommit)
	assert.Equal(t, "main", dep.Branch)

	require.NoError(t, RemoveDependency(path, "upstream/lib"))
	m, err = LoadDependencies(path)
	require.NoError(t, err)
	_, stillThere := m.Dependencies["upstream/lib"]
	assert.False(t, stillThere)
}

func TestRemoveDependencyNoOpOnMissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dependencies.json")
	require.NoError(t, AddDependency(path, "a", "", "c1", nil))
	assert.NoError(t, RemoveDependency(path, "does-not-exist"))
}

func TestLoadDependenciesMissingFileIsEmptyNotError(t *testing.T) {
	m, err := LoadDependencies(filepath.Join(t.TempDir(), "dependencies.json"))
	require.NoError(t, err)
	assert.Empty(t, m.Dependencies)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

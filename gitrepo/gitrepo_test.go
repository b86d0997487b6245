package gitrepo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenNonRepoFails(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.Error(t, err)
}

func TestInitAndCommitThenIntrospect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello"), 0o644))

	provider, err := InitAndCommit(dir, "initial commit", "Test Author", "test@example.com")
	require.NoError(t, err)

	commit, err := provider.HeadCommit()
	require.NoError(t, err)
	assert.Len(t, commit, 40)

	assert.True(t, provider.CommitExists(commit))
	assert.False(t, provider.CommitExists("0000000000000000000000000000000000000000"))

	branch, err := provider.CurrentBranch()
	require.NoError(t, err)
	assert.NotEmpty(t, branch)

	url, err := provider.RemoteURL("origin")
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestRemoteURLReturnsConfiguredRemote(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello"), 0o644))
	provider, err := InitAndCommit(dir, "initial commit", "Test Author", "test@example.com")
	require.NoError(t, err)

	opened, err := Open(dir)
	require.NoError(t, err)
	_, err = opened.repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{"https://example.com/repo.git"},
	})
	require.NoError(t, err)

	url, err := opened.RemoteURL("origin")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/repo.git", url)
	assert.Equal(t, dir, provider.Path())
}

func TestInitAndCommitIsIdempotentOnExistingRepo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("v1"), 0o644))
	_, err := InitAndCommit(dir, "first", "Test Author", "test@example.com")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file2.txt"), []byte("v2"), 0o644))
	provider, err := InitAndCommit(dir, "second", "Test Author", "test@example.com")
	require.NoError(t, err)

	commit, err := provider.HeadCommit()
	require.NoError(t, err)
	assert.True(t, provider.CommitExists(commit))
}

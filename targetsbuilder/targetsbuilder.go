// Package targetsbuilder implements the TargetsBuilder capability
// (spec.md §4.5, C7): synthesizing per-target-repo descriptor files
// from a GitProvider view of a target repository, and walking an
// authentication repository's targets directory into a deterministic,
// sorted target list for the targets role.
package targetsbuilder

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/jc12690/taf/gitrepo"
	"github.com/jc12690/taf/role"
	"github.com/jc12690/taf/taferrors"
)

// Builder implements TargetsBuilder.
type Builder struct{}

// New returns a Builder.
func New() *Builder { return &Builder{} }

type descriptor struct {
	Commit string `json:"commit"`
	Branch string `json:"branch,omitempty"`
}

// RegisterTargetFromRepo writes `<targetsDir>/<repo-basename>`
// containing the canonical-JSON descriptor `{"commit": sha[,
// "branch": name]}` for targetRepoPath, unless targetRepoPath is the
// authentication repository itself. Returns ("", nil) when skipped.
func (b *Builder) RegisterTargetFromRepo(authPath, targetsDir, targetRepoPath string, addBranch bool) (string, error) {
	absAuth, err := filepath.Abs(authPath)
	if err != nil {
		return "", &taferrors.IOError{Path: authPath, Err: err}
	}
	absTarget, err := filepath.Abs(targetRepoPath)
	if err != nil {
		return "", &taferrors.IOError{Path: targetRepoPath, Err: err}
	}
	if absAuth == absTarget {
		return "", nil
	}

	repo, err := gitrepo.Open(targetRepoPath)
	if err != nil {
		return "", nil // not a git repo: silently not a target, per spec.md §4.5
	}
	commit, err := repo.HeadCommit()
	if err != nil {
		return "", err
	}

	desc := descriptor{Commit: commit}
	if addBranch {
		branch, err := repo.CurrentBranch()
		if err != nil {
			return "", err
		}
		desc.Branch = branch
	}

	body, err := json.MarshalIndent(desc, "", "    ")
	if err != nil {
		return "", &taferrors.IOError{Path: targetRepoPath, Err: err}
	}

	if err := os.MkdirAll(targetsDir, 0o755); err != nil {
		return "", &taferrors.IOError{Path: targetsDir, Err: err}
	}
	name := filepath.Base(absTarget)
	outPath := filepath.Join(targetsDir, name)
	if err := os.WriteFile(outPath, body, 0o644); err != nil {
		return "", &taferrors.IOError{Path: outPath, Err: err}
	}
	return name, nil
}

// RegisterAllExistingTargets walks targetsDir recursively and computes
// the full target list for the targets role: length, sha256+sha512
// hashes, keyed by POSIX-slashed path relative to targetsDir. It never
// descends into a directory literally named "metadata" directly under
// targetsDir's parent (the metadata/ sibling is outside targetsDir
// entirely, so this is naturally excluded by only walking targetsDir).
//
// Entries are returned in the map role.Model.SetTargets expects;
// determinism (I3) comes from the canonical-JSON encoding of targets.json
// in role.Model.WriteAll, which orders the target paths lexicographically,
// not from map iteration order.
func (b *Builder) RegisterAllExistingTargets(targetsDir string) (map[string]role.TargetFileInfo, error) {
	out := map[string]role.TargetFileInfo{}

	err := filepath.WalkDir(targetsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(targetsDir, path)
		if err != nil {
			return err
		}
		posixRel := filepath.ToSlash(rel)
		if !utf8.ValidString(posixRel) {
			return &taferrors.InvalidPathError{Path: posixRel, Reason: "not valid UTF-8"}
		}

		// os.ReadFile follows symlinks by default, resolving to the
		// link target's content per spec.md §4.5.
		data, err := os.ReadFile(path)
		if err != nil {
			return &taferrors.IOError{Path: path, Err: err}
		}

		sum256 := sha256.Sum256(data)
		sum512 := sha512.Sum512(data)
		out[posixRel] = role.TargetFileInfo{
			Length: len(data),
			Hashes: map[string]string{
				"sha256": hex.EncodeToString(sum256[:]),
				"sha512": hex.EncodeToString(sum512[:]),
			},
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*taferrors.InvalidPathError); ok {
			return nil, err
		}
		if _, ok := err.(*taferrors.IOError); ok {
			return nil, err
		}
		return nil, &taferrors.IOError{Path: targetsDir, Err: err}
	}
	return out, nil
}

// SortedPaths returns targets' keys in POSIX-lexicographic order, the
// same order in which the canonical-JSON encoding of targets.json lists
// them (I3).
func SortedPaths(targets map[string]role.TargetFileInfo) []string {
	paths := make([]string, 0, len(targets))
	for p := range targets {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// RegisterFromRepositoriesJSON derives targets directly from an
// existing repositories.json manifest rather than walking the
// filesystem (spec.md §9 supplemented feature
// `update_target_repos_from_repositories_json`, grounded on
// `_update_target_repos`/`update_target_repos_from_repositories_json`
// in original_source/taf/developer_tool.py): for each repository name,
// the checkout at rootDir/name is opened and its descriptor written via
// RegisterTargetFromRepo, exactly as if that checkout had been found by
// a filesystem walk. For every repository name without a namespace
// separator, authRepoTargetsDir is used as the descriptor's directory
// as-is; per the Open Question in spec.md §9, names containing "/"
// resolve the namespace directory under authRepoTargetsDir, falling
// back to authRepoTargetsDir itself when that would escape it. The
// returned map holds the written descriptor filename per repository
// name, empty when RegisterTargetFromRepo skipped it (not a git
// checkout, or rootDir/name is the authentication repository itself).
func (b *Builder) RegisterFromRepositoriesJSON(authPath, authRepoTargetsDir, rootDir string, repositories map[string]struct{ URLs []string }) (map[string]string, error) {
	written := make(map[string]string, len(repositories))
	for name := range repositories {
		dir := authRepoTargetsDir
		if idx := lastSlash(name); idx >= 0 {
			candidate := filepath.Join(authRepoTargetsDir, filepath.FromSlash(name[:idx]))
			if isWithin(authRepoTargetsDir, candidate) {
				dir = candidate
			}
		}
		targetRepoPath := filepath.Join(rootDir, filepath.FromSlash(name))
		writtenName, err := b.RegisterTargetFromRepo(authPath, dir, targetRepoPath, false)
		if err != nil {
			return nil, err
		}
		written[name] = writtenName
	}
	return written, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func isWithin(base, candidate string) bool {
	rel, err := filepath.Rel(base, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' && (len(rel) == 2 || rel[2] == filepath.Separator)
}

// Package repomanifest implements the RepositoriesManifest capability
// (spec.md §4.7, C9): constructing targets/repositories.json from a
// filesystem view of target repositories, and maintaining
// targets/dependencies.json (spec.md §9 supplemented feature, from
// original_source/taf's add-dependency/remove-dependency operations).
package repomanifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jc12690/taf/gitrepo"
	"github.com/jc12690/taf/taferrors"
)

// Repository is one entry in repositories.json.
type Repository struct {
	URLs   []string        `json:"urls"`
	Custom json.RawMessage `json:"custom,omitempty"`
}

// Manifest is the in-memory form of repositories.json.
type Manifest struct {
	Repositories map[string]Repository `json:"repositories"`
}

// Generate builds a Manifest by walking rootDir/namespace's direct
// subdirectories: every one that is a git repository, and is not the
// authentication repository itself, becomes one entry (spec.md §4.7).
//
// namespace, if empty, is derived from filepath.Base(filepath.Dir(repoPath));
// per the Open Question in spec.md §9, when repoPath is at the
// filesystem root this is undefined and Generate returns a ConfigError.
func Generate(repoPath, rootDir, namespace string, targetsRelativeDir string, customData map[string]json.RawMessage) (*Manifest, error) {
	if namespace == "" {
		parent := filepath.Dir(repoPath)
		namespace = filepath.Base(parent)
		if namespace == "" || namespace == string(filepath.Separator) || namespace == "." {
			return nil, &taferrors.ConfigError{Detail: "cannot derive namespace: authentication repository is at the filesystem root"}
		}
	}

	scanDir := filepath.Join(rootDir, namespace)
	entries, err := os.ReadDir(scanDir)
	if err != nil {
		return nil, &taferrors.IOError{Path: scanDir, Err: err}
	}

	absRepoPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, &taferrors.IOError{Path: repoPath, Err: err}
	}

	repos := map[string]Repository{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidatePath := filepath.Join(scanDir, entry.Name())
		absCandidate, err := filepath.Abs(candidatePath)
		if err != nil {
			continue
		}
		if absCandidate == absRepoPath {
			continue
		}

		repo, err := gitrepo.Open(candidatePath)
		if err != nil {
			continue // not a git repository
		}

		namespacedName := entry.Name()
		if namespace != "" {
			namespacedName = namespace + "/" + entry.Name()
		}

		url, err := repo.RemoteURL("origin")
		if err != nil {
			return nil, err
		}
		if url == "" {
			if targetsRelativeDir != "" {
				rel, err := filepath.Rel(targetsRelativeDir, candidatePath)
				if err != nil {
					return nil, &taferrors.IOError{Path: candidatePath, Err: err}
				}
				url = filepath.ToSlash(rel)
			} else {
				url = absCandidate
			}
		}

		entryOut := Repository{URLs: []string{url}}
		if custom, ok := customData[namespacedName]; ok {
			entryOut.Custom = custom
		}
		repos[namespacedName] = entryOut
	}

	return &Manifest{Repositories: repos}, nil
}

// Load reads and parses a repositories.json manifest from path.
func Load(path string) (*Manifest, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, &taferrors.IOError{Path: path, Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &taferrors.CorruptedError{Detail: "repositories.json is malformed", Err: err}
	}
	return &m, nil
}

// Write serializes m to path with indent=4, lexicographic key order,
// and exactly one trailing newline, matching spec.md §6's
// repositories.json shape. encoding/json sorts map[string]... keys
// alphabetically when marshaling, which is what gives this (and
// writeWrapped below) its deterministic, reproducible byte output.
func Write(path string, m *Manifest) error {
	return writeWrapped(path, m)
}

func writeWrapped(path string, v interface{}) error {
	body, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return &taferrors.IOError{Path: path, Err: err}
	}
	body = append(body, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &taferrors.IOError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return &taferrors.IOError{Path: path, Err: err}
	}
	return nil
}

// Dependency is one entry in dependencies.json.
type Dependency struct {
	OutOfBandCommit string          `json:"out-of-band-commit"`
	Branch          string          `json:"branch,omitempty"`
	Custom          json.RawMessage `json:"custom,omitempty"`
}

// DependenciesManifest is the in-memory form of dependencies.json.
type DependenciesManifest struct {
	Dependencies map[string]Dependency `json:"dependencies"`
}

// LoadDependencies reads targets/dependencies.json, returning an empty
// manifest (not an error) if the file does not exist yet — the file is
// optional per spec.md §6.
func LoadDependencies(path string) (*DependenciesManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &DependenciesManifest{Dependencies: map[string]Dependency{}}, nil
		}
		return nil, &taferrors.IOError{Path: path, Err: err}
	}
	var m DependenciesManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &taferrors.CorruptedError{Detail: "dependencies.json is malformed", Err: err}
	}
	if m.Dependencies == nil {
		m.Dependencies = map[string]Dependency{}
	}
	return &m, nil
}

// AddDependency adds or replaces dependencyName's entry and persists
// the manifest, implementing `repo add-dependency` (spec.md §9
// supplemented feature).
func AddDependency(path, dependencyName, branch, outOfBandCommit string, custom json.RawMessage) error {
	m, err := LoadDependencies(path)
	if err != nil {
		return err
	}
	m.Dependencies[dependencyName] = Dependency{
		OutOfBandCommit: outOfBandCommit,
		Branch:          branch,
		Custom:          custom,
	}
	return writeDependencies(path, m)
}

// RemoveDependency deletes dependencyName's entry and persists the
// manifest, implementing `repo remove-dependency`. Removing a name that
// does not exist is a no-op, matching the idempotent spirit of the
// other manifest writers in this package.
func RemoveDependency(path, dependencyName string) error {
	m, err := LoadDependencies(path)
	if err != nil {
		return err
	}
	delete(m.Dependencies, dependencyName)
	return writeDependencies(path, m)
}

func writeDependencies(path string, m *DependenciesManifest) error {
	return writeWrapped(path, m)
}

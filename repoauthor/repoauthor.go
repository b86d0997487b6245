// Package repoauthor implements the RepositoryAuthor capability
// (spec.md §4.6, C8): the top-level authoring workflows — create,
// init, add_signing_key, register_target_files, refresh_expiration —
// that orchestrate KeyAssembler, TargetsBuilder and RoleModel into a
// signed metadata set.
package repoauthor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/jc12690/taf/cryptoprovider"
	"github.com/jc12690/taf/gitrepo"
	"github.com/jc12690/taf/keyassembler"
	"github.com/jc12690/taf/keystore"
	"github.com/jc12690/taf/locking"
	"github.com/jc12690/taf/prompt"
	"github.com/jc12690/taf/repomanifest"
	"github.com/jc12690/taf/role"
	"github.com/jc12690/taf/taferrors"
	"github.com/jc12690/taf/targetsbuilder"
	"github.com/jc12690/taf/token"
)

const defaultExpirationDays = 365

var mandatoryRoles = []string{"root", "targets", "snapshot", "timestamp"}

// RoleSpec is one role's configuration within a create/init call,
// matching a resolved entry of spec.md §6's keys-description schema.
type RoleSpec struct {
	Number    int
	Threshold int
	Length    int
	Scheme    cryptoprovider.Scheme
	YubiKey   *bool
	Passwords []string
}

func (s RoleSpec) normalized() RoleSpec {
	if s.Number == 0 {
		s.Number = 1
	}
	if s.Threshold == 0 {
		s.Threshold = 1
	}
	if s.Length == 0 {
		s.Length = 3072
	}
	if s.Scheme == "" {
		s.Scheme = cryptoprovider.SchemeRSAPKCS1v15SHA256
	}
	return s
}

// Author implements RepositoryAuthor.
type Author struct {
	KeystoreDir string
	Prompt      prompt.Port
	Clock       clockwork.Clock
	Tokens      *token.Provider
	pins        *token.PINCache
	assembler   *keyassembler.Assembler
	crypto      *cryptoprovider.Provider
	builder     *targetsbuilder.Builder
}

// New returns an Author. tok may be nil (no hardware token support in
// this process); token-backed roles will then fail to resolve with a
// TokenError rather than the process refusing to start.
func New(keystoreDir string, p prompt.Port, clock clockwork.Clock, tok *token.Provider) *Author {
	ks := keystore.New()
	pins := token.NewPINCache()
	return &Author{
		KeystoreDir: keystoreDir,
		Prompt:      p,
		Clock:       clock,
		Tokens:      tok,
		pins:        pins,
		assembler:   keyassembler.New(ks, tok, p, pins),
		crypto:      cryptoprovider.New(),
		builder:     targetsbuilder.New(),
	}
}

// CreateOptions configures Create.
type CreateOptions struct {
	Path          string
	RolesKeyInfos map[string]RoleSpec // may be empty: triggers interactive role collection
	Commit        bool
	CommitMessage string
	Test          bool
}

// Create implements RepositoryAuthor.create (spec.md §4.6).
func (a *Author) Create(opts CreateOptions) (*role.Model, error) {
	if _, err := gitrepo.Open(opts.Path); err == nil {
		return nil, &taferrors.AlreadyExistsError{Path: opts.Path}
	}

	roleSpecs := opts.RolesKeyInfos
	if len(roleSpecs) == 0 {
		var err error
		roleSpecs, err = a.collectRoleSpecsInteractively()
		if err != nil {
			return nil, err
		}
	}
	for _, name := range mandatoryRoles {
		if _, ok := roleSpecs[name]; !ok {
			roleSpecs[name] = RoleSpec{}
		}
	}
	for name, spec := range roleSpecs {
		spec = spec.normalized()
		if spec.Threshold > spec.Number {
			return nil, &taferrors.ConfigError{Detail: fmt.Sprintf("role %q: threshold %d exceeds number %d", name, spec.Threshold, spec.Number)}
		}
		if spec.YubiKey == nil {
			useToken := a.Prompt.Confirm(fmt.Sprintf("role %q: use a hardware token for its keys?", name))
			spec.YubiKey = &useToken
		}
		roleSpecs[name] = spec
	}

	metadataDir := filepath.Join(opts.Path, "metadata")
	targetsDir := filepath.Join(opts.Path, "targets")
	if err := os.MkdirAll(metadataDir, 0o755); err != nil {
		return nil, &taferrors.IOError{Path: metadataDir, Err: err}
	}
	if err := os.MkdirAll(targetsDir, 0o755); err != nil {
		return nil, &taferrors.IOError{Path: targetsDir, Err: err}
	}

	lock, err := locking.Acquire(opts.Path)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	model := role.NewModel(a.Clock)
	for _, name := range mandatoryRoles {
		if err := model.AddRole(name, kindFor(name), ""); err != nil {
			return nil, err
		}
	}
	for name := range roleSpecs {
		if isMandatory(name) {
			continue
		}
		if err := model.AddRole(name, role.KindDelegated, "targets"); err != nil {
			return nil, err
		}
	}

	// Two-pass registration (mandatory ordering, spec.md §4.6 step 4):
	// every non-token role is fully resolved — and would have already
	// failed on a bad keystore passphrase — before any token-backed
	// role is touched (I6).
	var loadedTokens []keyassembler.LoadedToken
	orderedNames := orderedRoleNames(roleSpecs)
	for pass := 0; pass < 2; pass++ {
		for _, name := range orderedNames {
			spec := roleSpecs[name]
			isTokenRole := spec.YubiKey != nil && *spec.YubiKey
			if (pass == 0 && isTokenRole) || (pass == 1 && !isTokenRole) {
				continue
			}
			if err := a.registerRole(model, name, spec, &loadedTokens); err != nil {
				return nil, err
			}
		}
	}

	if opts.Test {
		marker := filepath.Join(targetsDir, "test-auth-repo")
		if err := os.WriteFile(marker, []byte{}, 0o644); err != nil {
			return nil, &taferrors.IOError{Path: marker, Err: err}
		}
	}

	targets, err := a.builder.RegisterAllExistingTargets(targetsDir)
	if err != nil {
		return nil, err
	}
	if err := model.SetTargets("targets", targets); err != nil {
		return nil, err
	}

	if err := model.WriteAll(metadataDir); err != nil {
		return nil, err
	}

	if opts.Commit {
		msg := opts.CommitMessage
		if msg == "" {
			msg = "Initial commit"
		}
		if _, err := gitrepo.InitAndCommit(opts.Path, msg, "taf", "taf@localhost"); err != nil {
			return nil, err
		}
	}

	return model, nil
}

func (a *Author) registerRole(model *role.Model, name string, spec RoleSpec, loadedTokens *[]keyassembler.LoadedToken) error {
	yubikey := spec.YubiKey != nil && *spec.YubiKey
	sources := keyassembler.Sources{
		KeystoreDir: a.KeystoreDir,
		RoleKeyInfo: &keystore.RoleKeyInfo{
			Number:    spec.Number,
			Threshold: spec.Threshold,
			Length:    spec.Length,
			Scheme:    spec.Scheme,
			YubiKey:   &yubikey,
			Passwords: spec.Passwords,
		},
		Scheme:     spec.Scheme,
		AllowToken: yubikey,
	}
	resolved, err := a.assembler.LoadSigningKeys(name, spec.Threshold, spec.Number, sources, loadedTokens)
	if err != nil {
		return err
	}
	for _, r := range resolved {
		if err := model.AddExternalSignatureProvider(name, r.PublicKey, r.Signer); err != nil {
			return err
		}
		if strings.HasPrefix(r.PublicKey.Source, "token:") {
			if err := a.exportTokenCert(r.PublicKey); err != nil {
				return err
			}
		}
	}
	if err := model.SetThreshold(name, spec.Threshold); err != nil {
		return err
	}
	return model.SetExpires(name, a.Clock.Now().AddDate(0, 0, defaultExpirationDays), false)
}

// loadRoleSigners resolves threshold(role) signers for an already
// LoadModel-ed role and registers them with model. keyCount, when
// negative, uses the role's current key count; callers pass an
// explicit pre-mutation count when the role's key set just grew and
// the newly added key must not count toward its own legitimacy
// threshold (the root re-signing rule, spec.md §4.6).
func (a *Author) loadRoleSigners(model *role.Model, roleName string, keyCount int, sources keyassembler.Sources, loadedTokens *[]keyassembler.LoadedToken) error {
	r, ok := model.Role(roleName)
	if !ok {
		return nil
	}
	if keyCount < 0 {
		keyCount = len(r.Keys)
	}
	resolved, err := a.assembler.LoadSigningKeys(roleName, r.Threshold, keyCount, sources, loadedTokens)
	if err != nil {
		return err
	}
	for _, sig := range resolved {
		if err := model.LoadSigningKey(roleName, sig.PublicKey.KeyID, sig.Signer); err != nil {
			return err
		}
	}
	return nil
}

func (a *Author) exportTokenCert(pub role.PublicKey) error {
	if a.Tokens == nil {
		return nil
	}
	serial := strings.TrimPrefix(pub.Source, "token:")
	der, err := a.Tokens.ExportCert(serial)
	if err != nil {
		return err
	}
	certsDir, err := CertsDir("")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(certsDir, 0o755); err != nil {
		return &taferrors.IOError{Path: certsDir, Err: err}
	}
	path := filepath.Join(certsDir, pub.KeyID+".cert")
	if err := os.WriteFile(path, der, 0o644); err != nil {
		return &taferrors.IOError{Path: path, Err: err}
	}
	return nil
}

func (a *Author) collectRoleSpecsInteractively() (map[string]RoleSpec, error) {
	specs := map[string]RoleSpec{}
	for _, name := range mandatoryRoles {
		spec, err := a.promptRoleSpec(name)
		if err != nil {
			return nil, err
		}
		specs[name] = spec
	}
	for a.Prompt.Confirm("add a delegated targets role?") {
		name, err := a.Prompt.ReadText("delegated role name:")
		if err != nil {
			return nil, &taferrors.ConfigError{Detail: "reading delegated role name: " + err.Error()}
		}
		spec, err := a.promptRoleSpec(name)
		if err != nil {
			return nil, err
		}
		specs[name] = spec
	}
	return specs, nil
}

func (a *Author) promptRoleSpec(name string) (RoleSpec, error) {
	number, err := a.promptInt(fmt.Sprintf("%s: number of keys [1]:", name), 1)
	if err != nil {
		return RoleSpec{}, err
	}
	threshold, err := a.promptInt(fmt.Sprintf("%s: threshold [1]:", name), 1)
	if err != nil {
		return RoleSpec{}, err
	}
	length, err := a.promptInt(fmt.Sprintf("%s: key length [3072]:", name), 3072)
	if err != nil {
		return RoleSpec{}, err
	}
	return RoleSpec{Number: number, Threshold: threshold, Length: length, Scheme: cryptoprovider.SchemeRSAPKCS1v15SHA256}, nil
}

func (a *Author) promptInt(question string, fallback int) (int, error) {
	text, err := a.Prompt.ReadText(question)
	if err != nil {
		return 0, &taferrors.ConfigError{Detail: "reading " + question + ": " + err.Error()}
	}
	if strings.TrimSpace(text) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, &taferrors.ConfigError{Detail: fmt.Sprintf("%q is not a number", text)}
	}
	return n, nil
}

func kindFor(name string) role.Kind {
	switch name {
	case "root":
		return role.KindRoot
	case "targets":
		return role.KindTargets
	case "snapshot":
		return role.KindSnapshot
	case "timestamp":
		return role.KindTimestamp
	default:
		return role.KindDelegated
	}
}

func isMandatory(name string) bool {
	for _, m := range mandatoryRoles {
		if m == name {
			return true
		}
	}
	return false
}

func orderedRoleNames(specs map[string]RoleSpec) []string {
	names := make([]string, 0, len(specs))
	for _, m := range mandatoryRoles {
		if _, ok := specs[m]; ok {
			names = append(names, m)
		}
	}
	for name := range specs {
		if !isMandatory(name) {
			names = append(names, name)
		}
	}
	return names
}

// AddSigningKey implements RepositoryAuthor.add_signing_key (spec.md
// §4.6): adds one new verification key to role, then re-signs root
// with threshold(root) of the *existing* root keys whenever role ==
// "root", per the root re-signing rule.
func (a *Author) AddSigningKey(repoPath, roleName string, pub role.PublicKey, existingRootKeystoreDir string) error {
	metadataDir := filepath.Join(repoPath, "metadata")
	model, err := role.LoadModel(metadataDir, a.Clock)
	if err != nil {
		return err
	}

	lock, err := locking.Acquire(repoPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	rootBefore, _ := model.Role("root")
	existingRootKeyCount := len(rootBefore.Keys)

	if err := model.AddVerificationKey(roleName, pub); err != nil {
		return err
	}

	sources := keyassembler.Sources{
		KeystoreDir: existingRootKeystoreDir,
		Scheme:      cryptoprovider.SchemeRSAPKCS1v15SHA256,
		AllowToken:  true,
	}
	var loadedTokens []keyassembler.LoadedToken
	if err := a.loadRoleSigners(model, "root", existingRootKeyCount, sources, &loadedTokens); err != nil {
		return err
	}

	// WriteAll always re-signs targets/snapshot/timestamp along with
	// root, regardless of which role's key set just changed.
	for _, chainRole := range []string{"targets", "snapshot", "timestamp"} {
		if err := a.loadRoleSigners(model, chainRole, -1, sources, &loadedTokens); err != nil {
			return err
		}
	}

	return model.WriteAll(metadataDir)
}

// RefreshExpiration implements RepositoryAuthor.refresh_expiration
// (spec.md §4.6): advances roleName's expiration to
// startDate+intervalDays, refusing (MonotonicViolation, I5) to move it
// backwards, then re-signs the role plus its dependency chain.
func (a *Author) RefreshExpiration(repoPath, roleName string, intervalDays int, startDate time.Time, keystoreDir string, scheme cryptoprovider.Scheme) error {
	metadataDir := filepath.Join(repoPath, "metadata")
	model, err := role.LoadModel(metadataDir, a.Clock)
	if err != nil {
		return err
	}

	lock, err := locking.Acquire(repoPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	newExpiry := startDate.AddDate(0, 0, intervalDays)
	if err := model.SetExpires(roleName, newExpiry, true); err != nil {
		return err
	}

	sources := keyassembler.Sources{KeystoreDir: keystoreDir, Scheme: scheme, AllowToken: true}
	var loadedTokens []keyassembler.LoadedToken
	if err := a.loadRoleSigners(model, roleName, -1, sources, &loadedTokens); err != nil {
		return err
	}

	// WriteAll always re-signs targets/snapshot/timestamp regardless of
	// which single role's expiration just changed; root is only
	// re-signed when dirty, which a plain expiration bump never causes
	// unless roleName is root itself (already resolved above).
	for _, chainRole := range []string{"targets", "snapshot", "timestamp"} {
		if chainRole == roleName {
			continue
		}
		if err := a.loadRoleSigners(model, chainRole, -1, sources, &loadedTokens); err != nil {
			return err
		}
	}

	return model.WriteAll(metadataDir)
}

// RegisterTargetFiles implements RepositoryAuthor.register_target_files:
// walks targets/ and re-signs the targets-family roles plus the
// dependency chain, without touching root.
func (a *Author) RegisterTargetFiles(repoPath string, keystoreDir string, scheme cryptoprovider.Scheme) error {
	metadataDir := filepath.Join(repoPath, "metadata")
	targetsDir := filepath.Join(repoPath, "targets")

	model, err := role.LoadModel(metadataDir, a.Clock)
	if err != nil {
		return err
	}

	lock, err := locking.Acquire(repoPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	targets, err := a.builder.RegisterAllExistingTargets(targetsDir)
	if err != nil {
		return err
	}
	if err := model.SetTargets("targets", targets); err != nil {
		return err
	}

	sources := keyassembler.Sources{KeystoreDir: keystoreDir, Scheme: scheme, AllowToken: true}
	var loadedTokens []keyassembler.LoadedToken
	for _, roleName := range []string{"targets", "snapshot", "timestamp"} {
		if err := a.loadRoleSigners(model, roleName, -1, sources, &loadedTokens); err != nil {
			return err
		}
	}

	return model.WriteAll(metadataDir)
}

// UpdateTargetReposFromRepositoriesJSON implements the supplemented
// `update_target_repos_from_repositories_json` operation (spec.md §9/§10):
// rather than walking rootDir for git checkouts, it reads the
// authentication repository's own targets/repositories.json and writes
// a descriptor for each listed repository found under rootDir, then
// re-signs the targets-family dependency chain exactly as
// RegisterTargetFiles does.
func (a *Author) UpdateTargetReposFromRepositoriesJSON(repoPath, rootDir string, keystoreDir string, scheme cryptoprovider.Scheme) error {
	targetsDir := filepath.Join(repoPath, "targets")

	manifest, err := repomanifest.Load(filepath.Join(targetsDir, "repositories.json"))
	if err != nil {
		return err
	}

	repos := make(map[string]struct{ URLs []string }, len(manifest.Repositories))
	for name, r := range manifest.Repositories {
		repos[name] = struct{ URLs []string }{URLs: r.URLs}
	}

	lock, err := locking.Acquire(repoPath)
	if err != nil {
		return err
	}
	if _, err := a.builder.RegisterFromRepositoriesJSON(repoPath, targetsDir, rootDir, repos); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	return a.RegisterTargetFiles(repoPath, keystoreDir, scheme)
}

// InitRepo implements RepositoryAuthor.init_repo (spec.md §4.6):
// create → update_target_repos_from_fs → generate_repositories_json →
// register_target_files.
func (a *Author) InitRepo(opts CreateOptions, rootDir, namespace string, keystoreDir string, scheme cryptoprovider.Scheme) (*role.Model, error) {
	model, err := a.Create(opts)
	if err != nil {
		return nil, err
	}

	targetsDir := filepath.Join(opts.Path, "targets")
	entries, err := os.ReadDir(filepath.Join(rootDir, namespace))
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := a.builder.RegisterTargetFromRepo(opts.Path, targetsDir, filepath.Join(rootDir, namespace, e.Name()), true); err != nil {
				return nil, err
			}
		}
	}

	manifest, err := repomanifest.Generate(opts.Path, rootDir, namespace, rootDir, nil)
	if err != nil {
		return nil, err
	}
	if err := repomanifest.Write(filepath.Join(targetsDir, "repositories.json"), manifest); err != nil {
		return nil, err
	}

	if err := a.RegisterTargetFiles(opts.Path, keystoreDir, scheme); err != nil {
		return nil, err
	}
	return model, nil
}

// AddDependency implements the supplemented `repo add-dependency`
// operation (spec.md §9/§10).
func (a *Author) AddDependency(repoPath, dependencyName, branch, outOfBandCommit string, custom map[string]string) error {
	path := filepath.Join(repoPath, "targets", "dependencies.json")
	var customJSON json.RawMessage
	if len(custom) > 0 {
		b, err := json.Marshal(custom)
		if err != nil {
			return &taferrors.ConfigError{Detail: "encoding custom dependency attributes: " + err.Error()}
		}
		customJSON = b
	}
	return repomanifest.AddDependency(path, dependencyName, branch, outOfBandCommit, customJSON)
}

// RemoveDependency implements `repo remove-dependency`.
func (a *Author) RemoveDependency(repoPath, dependencyName string) error {
	path := filepath.Join(repoPath, "targets", "dependencies.json")
	return repomanifest.RemoveDependency(path, dependencyName)
}

// CertsDir returns the directory token-backed certificate exports are
// written to: repoPath/certs when repoPath is non-empty, otherwise
// $HOME/.taf/certs (mitchellh/go-homedir's fallback resolution,
// mirrored from the sigstore-policy-controller example tree's own use
// of that library for a config-dir default).
func CertsDir(repoPath string) (string, error) {
	if repoPath != "" {
		return filepath.Join(repoPath, "certs"), nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", &taferrors.IOError{Path: "$HOME", Err: err}
	}
	return filepath.Join(home, ".taf", "certs"), nil
}

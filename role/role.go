// Package role implements the RoleModel capability (spec.md §4.4, C6):
// the in-memory Role/Key/Threshold model, its mutation invariants, and
// the dependent-metadata write-out ordering (targets/delegated →
// snapshot → timestamp → root).
package role

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/jc12690/taf/cryptoprovider"
	"github.com/jc12690/taf/taferrors"
)

// Kind identifies a role's position in the TUF role hierarchy.
type Kind string

const (
	KindRoot      Kind = "root"
	KindTargets   Kind = "targets"
	KindSnapshot  Kind = "snapshot"
	KindTimestamp Kind = "timestamp"
	KindDelegated Kind = "delegated-targets"
)

// PublicKey is the verification half of a role key, per spec.md §3.
type PublicKey struct {
	KeyID  string
	Scheme cryptoprovider.Scheme
	PEM    string
	Source string // "keystore" or "token:<serial>"
}

// Signer is the abstract capability a registered key uses to produce a
// signature over a digest; spec.md §9 "Dynamic dispatch on signers".
// keyassembler and repoauthor construct the keystore- or token-backed
// implementations and register them with AddExternalSignatureProvider
// or LoadSigningKey.
type Signer interface {
	KeyID() string
	Sign(digest []byte) (string, error)
}

// TargetFileInfo is the recorded shape of one entry in a targets-family
// role's target list.
type TargetFileInfo struct {
	Length int               `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom json.RawMessage   `json:"custom,omitempty"`
}

// Role is the in-memory state of one signing role.
type Role struct {
	Name      string
	Kind      Kind
	Parent    string
	Threshold int
	Keys      []PublicKey
	Expires   time.Time
	Version   int
	Targets   map[string]TargetFileInfo // targets-family roles only

	signers map[string]Signer // keyid -> signer
}

func (r *Role) numKeys() int { return len(r.Keys) }

func (r *Role) hasKey(keyid string) bool {
	for _, k := range r.Keys {
		if k.KeyID == keyid {
			return true
		}
	}
	return false
}

// Model is the RoleModel capability for one authoring session.
type Model struct {
	clock clockwork.Clock
	crypto *cryptoprovider.Provider
	roles  map[string]*Role
	children map[string][]string // parent -> delegated children
	rootDirty bool
}

// NewModel returns an empty RoleModel driven by clock (production
// callers pass clockwork.NewRealClock() via tafclock.Default; tests
// pass clockwork.NewFakeClock()).
func NewModel(clock clockwork.Clock) *Model {
	return &Model{
		clock:    clock,
		crypto:   cryptoprovider.New(),
		roles:    map[string]*Role{},
		children: map[string][]string{},
	}
}

// AddRole registers a new role. kind == KindDelegated requires a
// non-empty parent naming an existing targets-family role.
func (m *Model) AddRole(name string, kind Kind, parent string) error {
	if _, exists := m.roles[name]; exists {
		return &taferrors.DuplicateError{Role: name, KeyID: ""}
	}
	if kind == KindDelegated {
		p, ok := m.roles[parent]
		if !ok || (p.Kind != KindTargets && p.Kind != KindDelegated) {
			return &taferrors.ConfigError{Detail: fmt.Sprintf("delegated role %q needs an existing targets-family parent, got %q", name, parent)}
		}
		m.children[parent] = append(m.children[parent], name)
	}
	role := &Role{
		Name:    name,
		Kind:    kind,
		Parent:  parent,
		signers: map[string]Signer{},
	}
	if kind == KindTargets || kind == KindDelegated {
		role.Targets = map[string]TargetFileInfo{}
	}
	m.roles[name] = role
	return nil
}

// Role returns the named role.
func (m *Model) Role(name string) (*Role, bool) {
	r, ok := m.roles[name]
	return r, ok
}

// SetThreshold sets a role's signature threshold. Fails if t < 1 or
// t exceeds the role's current key count (I1).
func (m *Model) SetThreshold(name string, t int) error {
	r, ok := m.roles[name]
	if !ok {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("unknown role %q", name)}
	}
	if t < 1 || t > r.numKeys() {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("threshold %d invalid for role %q with %d keys", t, name, r.numKeys())}
	}
	r.Threshold = t
	if r.Name == "root" || r.Kind == KindRoot {
		m.rootDirty = true
	}
	return nil
}

// AddVerificationKey appends pub to the role's key set. Duplicates
// (same keyid) are rejected.
func (m *Model) AddVerificationKey(name string, pub PublicKey) error {
	r, ok := m.roles[name]
	if !ok {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("unknown role %q", name)}
	}
	if r.hasKey(pub.KeyID) {
		return &taferrors.DuplicateError{Role: name, KeyID: pub.KeyID}
	}
	r.Keys = append(r.Keys, pub)
	if r.Kind == KindRoot {
		m.rootDirty = true
	}
	return nil
}

// AddExternalSignatureProvider registers pub plus an async-callable
// signer (required for token-backed keys, whose signer closes over
// TokenProvider.Sign).
func (m *Model) AddExternalSignatureProvider(name string, pub PublicKey, signer Signer) error {
	if err := m.AddVerificationKey(name, pub); err != nil {
		return err
	}
	m.roles[name].signers[pub.KeyID] = signer
	return nil
}

// LoadSigningKey registers an in-memory signer for a keystore-backed
// key already present in the role's key set (it does not itself add a
// verification key — call AddVerificationKey first if the key is new).
func (m *Model) LoadSigningKey(name string, keyID string, signer Signer) error {
	r, ok := m.roles[name]
	if !ok {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("unknown role %q", name)}
	}
	if !r.hasKey(keyID) {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("key %q is not registered for role %q", keyID, name)}
	}
	r.signers[keyID] = signer
	return nil
}

// RemoveKey drops a key from the role's key set. Fails if doing so
// would leave fewer keys than the role's threshold.
func (m *Model) RemoveKey(name, keyid string) error {
	r, ok := m.roles[name]
	if !ok {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("unknown role %q", name)}
	}
	if r.numKeys()-1 < r.Threshold {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("removing key %q from %q would drop below threshold %d", keyid, name, r.Threshold)}
	}
	out := r.Keys[:0]
	for _, k := range r.Keys {
		if k.KeyID != keyid {
			out = append(out, k)
		}
	}
	r.Keys = out
	delete(r.signers, keyid)
	if r.Kind == KindRoot {
		m.rootDirty = true
	}
	return nil
}

// SetExpires sets a role's expiration. enforce, when true, rejects a
// proposed expiration that does not strictly advance the role's
// current one (I5); refresh_expiration calls with enforce=true, role
// creation calls with enforce=false. Changing root's expiration marks
// root for re-signing on the next WriteAll.
func (m *Model) SetExpires(name string, t time.Time, enforce bool) error {
	r, ok := m.roles[name]
	if !ok {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("unknown role %q", name)}
	}
	if enforce && !r.Expires.IsZero() && !t.After(r.Expires) {
		return &taferrors.MonotonicViolationError{
			Role:     name,
			Proposed: t.Format(time.RFC3339),
			Current:  r.Expires.Format(time.RFC3339),
		}
	}
	r.Expires = t
	if r.Kind == KindRoot {
		m.rootDirty = true
	}
	return nil
}

// SetTargets replaces a targets-family role's full target list. Called
// once per write with the complete, freshly computed set (I3
// determinism comes from the canonical-JSON encoding in WriteAll, which
// sorts target paths, not from this method).
func (m *Model) SetTargets(name string, targets map[string]TargetFileInfo) error {
	r, ok := m.roles[name]
	if !ok {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("unknown role %q", name)}
	}
	if r.Kind != KindTargets && r.Kind != KindDelegated {
		return &taferrors.ConfigError{Detail: fmt.Sprintf("role %q is not a targets-family role", name)}
	}
	r.Targets = targets
	return nil
}

// --- on-disk metadata shapes ---

type signedEnvelope struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []signature     `json:"signatures"`
}

type signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

type fileMeta struct {
	Version int               `json:"version"`
	Length  int               `json:"length"`
	Hashes  map[string]string `json:"hashes"`
}

type targetsBody struct {
	Type    string                    `json:"_type"`
	Version int                       `json:"version"`
	Expires string                    `json:"expires"`
	Targets map[string]TargetFileInfo `json:"targets"`
}

type snapshotBody struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires string              `json:"expires"`
	Meta    map[string]fileMeta `json:"meta"`
}

type timestampBody struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires string              `json:"expires"`
	Meta    map[string]fileMeta `json:"meta"`
}

type rootRoleEntry struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

type rootBody struct {
	Type  string                   `json:"_type"`
	Version int                    `json:"version"`
	Expires string                 `json:"expires"`
	Keys  map[string]string        `json:"keys"` // keyid -> PEM
	Roles map[string]rootRoleEntry `json:"roles"`
}

// WriteAll serializes and signs role metadata into dir/<role>.json, in
// the mandatory dependency order: targets and its delegated roles
// first, then snapshot, then timestamp — all of these on every call —
// then root last if and only if root was mutated this session
// (spec.md §4.4).
//
// Every write signs with every signer currently registered for that
// role; callers are responsible for having assembled at least
// threshold(role) signers before calling WriteAll, or the resulting
// file will carry fewer signatures than its own threshold declares.
func (m *Model) WriteAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &taferrors.IOError{Path: dir, Err: err}
	}

	targetsRole, ok := m.roles["targets"]
	if !ok {
		return &taferrors.ConfigError{Detail: "no targets role registered"}
	}

	snapMeta := map[string]fileMeta{}

	writeTargetsLike := func(r *Role) error {
		r.Version++
		body := targetsBody{
			Type:    "targets",
			Version: r.Version,
			Expires: r.Expires.UTC().Format(time.RFC3339),
			Targets: r.Targets,
		}
		fm, err := m.signAndWrite(dir, r, body)
		if err != nil {
			return err
		}
		snapMeta[r.Name+".json"] = fm
		return nil
	}

	if err := writeTargetsLike(targetsRole); err != nil {
		return err
	}
	delegated := append([]string(nil), m.children["targets"]...)
	sort.Strings(delegated)
	for _, name := range delegated {
		if err := writeTargetsLike(m.roles[name]); err != nil {
			return err
		}
	}

	snapshotRole, ok := m.roles["snapshot"]
	if !ok {
		return &taferrors.ConfigError{Detail: "no snapshot role registered"}
	}
	snapshotRole.Version++
	snapBody := snapshotBody{
		Type:    "snapshot",
		Version: snapshotRole.Version,
		Expires: snapshotRole.Expires.UTC().Format(time.RFC3339),
		Meta:    snapMeta,
	}
	snapFM, err := m.signAndWrite(dir, snapshotRole, snapBody)
	if err != nil {
		return err
	}

	timestampRole, ok := m.roles["timestamp"]
	if !ok {
		return &taferrors.ConfigError{Detail: "no timestamp role registered"}
	}
	timestampRole.Version++
	tsBody := timestampBody{
		Type:    "timestamp",
		Version: timestampRole.Version,
		Expires: timestampRole.Expires.UTC().Format(time.RFC3339),
		Meta:    map[string]fileMeta{"snapshot.json": snapFM},
	}
	if _, err := m.signAndWrite(dir, timestampRole, tsBody); err != nil {
		return err
	}

	if m.rootDirty {
		rootRole, ok := m.roles["root"]
		if !ok {
			return &taferrors.ConfigError{Detail: "no root role registered"}
		}
		rootRole.Version++
		keys := map[string]string{}
		roles := map[string]rootRoleEntry{}
		for _, r := range m.roles {
			entry := rootRoleEntry{Threshold: r.Threshold}
			for _, k := range r.Keys {
				keys[k.KeyID] = k.PEM
				entry.KeyIDs = append(entry.KeyIDs, k.KeyID)
			}
			sort.Strings(entry.KeyIDs)
			roles[r.Name] = entry
		}
		body := rootBody{
			Type:    "root",
			Version: rootRole.Version,
			Expires: rootRole.Expires.UTC().Format(time.RFC3339),
			Keys:    keys,
			Roles:   roles,
		}
		if _, err := m.signAndWrite(dir, rootRole, body); err != nil {
			return err
		}
		m.rootDirty = false
	}

	return m.checkConsistency(dir)
}

func (m *Model) signAndWrite(dir string, r *Role, body interface{}) (fileMeta, error) {
	canonical, err := m.crypto.CanonicalBytes(body)
	if err != nil {
		return fileMeta{}, &taferrors.IOError{Path: r.Name, Err: err}
	}
	digest := m.crypto.Digest(canonical)

	var sigs []signature
	for _, k := range r.Keys {
		signer, ok := r.signers[k.KeyID]
		if !ok {
			continue
		}
		sigHex, err := signer.Sign(digest)
		if err != nil {
			return fileMeta{}, fmt.Errorf("signing %s with key %s: %w", r.Name, k.KeyID, err)
		}
		sigs = append(sigs, signature{KeyID: k.KeyID, Sig: sigHex})
	}
	if len(sigs) < r.Threshold {
		return fileMeta{}, &taferrors.InsufficientKeysError{Role: r.Name, Have: len(sigs), Threshold: r.Threshold}
	}

	// Encoded without re-indentation or HTML escaping, so the "signed"
	// value on disk is byte-for-byte the canonical body that was hashed
	// and signed (checkConsistency relies on this).
	envelope := signedEnvelope{Signed: canonical, Signatures: sigs}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envelope); err != nil {
		return fileMeta{}, &taferrors.IOError{Path: r.Name, Err: err}
	}
	out := buf.Bytes()

	path := filepath.Join(dir, r.Name+".json")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fileMeta{}, &taferrors.IOError{Path: path, Err: err}
	}

	return fileMeta{
		Version: r.Version,
		Length:  len(canonical),
		Hashes:  map[string]string{"sha256": fmt.Sprintf("%x", digest)},
	}, nil
}

// checkConsistency re-reads every file just written and verifies the
// hash each parent recorded for its child matches the child's file as
// it landed on disk (I2). Any mismatch is a bug, aggregated into one
// CorruptedError via go-multierror rather than failing on the first
// discrepancy, so a caller debugging a write-out defect sees every
// broken cross-reference at once.
func (m *Model) checkConsistency(dir string) error {
	var result *multierror.Error

	snapshotPath := filepath.Join(dir, "snapshot.json")
	snapRaw, err := os.ReadFile(snapshotPath)
	if err != nil {
		return nil // nothing to check yet (e.g. targets-only partial write)
	}
	var snapEnv signedEnvelope
	if err := json.Unmarshal(snapRaw, &snapEnv); err != nil {
		return &taferrors.CorruptedError{Detail: "snapshot.json is not a valid envelope", Err: err}
	}
	var snapBody snapshotBody
	if err := json.Unmarshal(snapEnv.Signed, &snapBody); err != nil {
		return &taferrors.CorruptedError{Detail: "snapshot.json body is malformed", Err: err}
	}
	for filename, fm := range snapBody.Meta {
		data, err := os.ReadFile(filepath.Join(dir, filename))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s referenced by snapshot but missing: %w", filename, err))
			continue
		}
		var env signedEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s is not a valid envelope: %w", filename, err))
			continue
		}
		gotHash := fmt.Sprintf("%x", m.crypto.Digest(env.Signed))
		if gotHash != fm.Hashes["sha256"] {
			result = multierror.Append(result, fmt.Errorf("snapshot records hash %s for %s but file hashes to %s", fm.Hashes["sha256"], filename, gotHash))
		}
	}

	if tsRaw, err := os.ReadFile(filepath.Join(dir, "timestamp.json")); err == nil {
		var tsEnv signedEnvelope
		var tsBody timestampBody
		if json.Unmarshal(tsRaw, &tsEnv) != nil || json.Unmarshal(tsEnv.Signed, &tsBody) != nil {
			result = multierror.Append(result, fmt.Errorf("timestamp.json is not a valid envelope"))
		} else if want, gotHash := tsBody.Meta["snapshot.json"].Hashes["sha256"], fmt.Sprintf("%x", m.crypto.Digest(snapEnv.Signed)); gotHash != want {
			result = multierror.Append(result, fmt.Errorf("timestamp records hash %s for snapshot.json but file hashes to %s", want, gotHash))
		}
	}

	if result != nil && result.Len() > 0 {
		return &taferrors.CorruptedError{Detail: result.Error()}
	}
	return nil
}

// LoadModel reconstructs a Model from an already-written metadata
// directory: role existence, key sets, thresholds, expirations and
// versions are restored from root.json plus each role's own file.
// Signers are never persisted (spec.md §3 "PrivateKeyHandle ... never
// serialized") — a caller that needs to mutate or re-sign a loaded
// role must re-resolve its signers via keyassembler before calling
// WriteAll again, exactly as a fresh authoring session would.
func LoadModel(dir string, clock clockwork.Clock) (*Model, error) {
	rootRaw, err := os.ReadFile(filepath.Join(dir, "root.json"))
	if err != nil {
		return nil, &taferrors.IOError{Path: filepath.Join(dir, "root.json"), Err: err}
	}
	var rootEnv signedEnvelope
	if err := json.Unmarshal(rootRaw, &rootEnv); err != nil {
		return nil, &taferrors.CorruptedError{Detail: "root.json is not a valid envelope", Err: err}
	}
	var root rootBody
	if err := json.Unmarshal(rootEnv.Signed, &root); err != nil {
		return nil, &taferrors.CorruptedError{Detail: "root.json body is malformed", Err: err}
	}

	m := NewModel(clock)

	// Register the four canonical roles first so delegated roles (added
	// next) can reference "targets" as an existing parent.
	canonical := []string{"root", "targets", "snapshot", "timestamp"}
	for _, name := range canonical {
		if _, ok := root.Roles[name]; !ok {
			return nil, &taferrors.CorruptedError{Detail: fmt.Sprintf("root.json is missing canonical role %q", name)}
		}
		if err := m.AddRole(name, kindForCanonicalName(name), ""); err != nil {
			return nil, err
		}
	}
	for name := range root.Roles {
		isCanonical := false
		for _, c := range canonical {
			if name == c {
				isCanonical = true
			}
		}
		if isCanonical {
			continue
		}
		if err := m.AddRole(name, KindDelegated, "targets"); err != nil {
			return nil, err
		}
	}

	for name, entry := range root.Roles {
		for _, keyid := range entry.KeyIDs {
			pem, ok := root.Keys[keyid]
			if !ok {
				return nil, &taferrors.CorruptedError{Detail: fmt.Sprintf("root.json role %q references unknown key %q", name, keyid)}
			}
			if err := m.AddVerificationKey(name, PublicKey{KeyID: keyid, PEM: pem, Scheme: cryptoprovider.SchemeRSAPKCS1v15SHA256}); err != nil {
				return nil, err
			}
		}
		if err := m.SetThreshold(name, entry.Threshold); err != nil {
			return nil, err
		}
	}
	m.rootDirty = false

	if err := loadTargetsLikeMeta(dir, "root", m, clock); err != nil {
		return nil, err
	}
	for name := range m.roles {
		if name == "root" {
			continue
		}
		if err := loadRoleVersionAndExpiry(dir, name, m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func kindForCanonicalName(name string) Kind {
	switch name {
	case "root":
		return KindRoot
	case "targets":
		return KindTargets
	case "snapshot":
		return KindSnapshot
	case "timestamp":
		return KindTimestamp
	default:
		return KindDelegated
	}
}

// loadTargetsLikeMeta restores root's own Version/Expires from its
// envelope body (distinct helper name kept for symmetry with
// loadRoleVersionAndExpiry; root has no Targets/Meta field to restore).
func loadTargetsLikeMeta(dir, name string, m *Model, clock clockwork.Clock) error {
	raw, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return &taferrors.IOError{Path: filepath.Join(dir, name+".json"), Err: err}
	}
	var env signedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &taferrors.CorruptedError{Detail: name + ".json is not a valid envelope", Err: err}
	}
	var body rootBody
	if err := json.Unmarshal(env.Signed, &body); err != nil {
		return &taferrors.CorruptedError{Detail: name + ".json body is malformed", Err: err}
	}
	expires, err := time.Parse(time.RFC3339, body.Expires)
	if err != nil {
		return &taferrors.CorruptedError{Detail: name + ".json has an unparseable expires field", Err: err}
	}
	r := m.roles[name]
	r.Version = body.Version
	r.Expires = expires
	return nil
}

func loadRoleVersionAndExpiry(dir, name string, m *Model) error {
	raw, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return &taferrors.IOError{Path: filepath.Join(dir, name+".json"), Err: err}
	}
	var env signedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &taferrors.CorruptedError{Detail: name + ".json is not a valid envelope", Err: err}
	}
	r := m.roles[name]
	switch r.Kind {
	case KindTargets, KindDelegated:
		var body targetsBody
		if err := json.Unmarshal(env.Signed, &body); err != nil {
			return &taferrors.CorruptedError{Detail: name + ".json body is malformed", Err: err}
		}
		expires, err := time.Parse(time.RFC3339, body.Expires)
		if err != nil {
			return &taferrors.CorruptedError{Detail: name + ".json has an unparseable expires field", Err: err}
		}
		r.Version = body.Version
		r.Expires = expires
		r.Targets = body.Targets
	case KindSnapshot:
		var body snapshotBody
		if err := json.Unmarshal(env.Signed, &body); err != nil {
			return &taferrors.CorruptedError{Detail: name + ".json body is malformed", Err: err}
		}
		expires, err := time.Parse(time.RFC3339, body.Expires)
		if err != nil {
			return &taferrors.CorruptedError{Detail: name + ".json has an unparseable expires field", Err: err}
		}
		r.Version = body.Version
		r.Expires = expires
	case KindTimestamp:
		var body timestampBody
		if err := json.Unmarshal(env.Signed, &body); err != nil {
			return &taferrors.CorruptedError{Detail: name + ".json body is malformed", Err: err}
		}
		expires, err := time.Parse(time.RFC3339, body.Expires)
		if err != nil {
			return &taferrors.CorruptedError{Detail: name + ".json has an unparseable expires field", Err: err}
		}
		r.Version = body.Version
		r.Expires = expires
	}
	return nil
}

package role

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jc12690/taf/cryptoprovider"
	"github.com/jc12690/taf/taferrors"
)

type fakeSigner struct {
	keyID string
}

func (s fakeSigner) KeyID() string { return s.keyID }
func (s fakeSigner) Sign(digest []byte) (string, error) {
	return "deadbeef", nil
}

func newKey(t *testing.T, id string) PublicKey {
	t.Helper()
	return PublicKey{KeyID: id, Scheme: cryptoprovider.SchemeRSAPKCS1v15SHA256, PEM: "-----BEGIN PUBLIC KEY-----\n" + id + "\n-----END PUBLIC KEY-----\n"}
}

func buildMinimalModel(t *testing.T, clock clockwork.Clock) *Model {
	t.Helper()
	m := NewModel(clock)
	require.NoError(t, m.AddRole("root", KindRoot, ""))
	require.NoError(t, m.AddRole("targets", KindTargets, ""))
	require.NoError(t, m.AddRole("snapshot", KindSnapshot, ""))
	require.NoError(t, m.AddRole("timestamp", KindTimestamp, ""))

	for _, name := range []string{"root", "targets", "snapshot", "timestamp"} {
		key := newKey(t, name+"key")
		require.NoError(t, m.AddExternalSignatureProvider(name, key, fakeSigner{keyID: key.KeyID}))
		require.NoError(t, m.SetThreshold(name, 1))
		require.NoError(t, m.SetExpires(name, clock.Now().Add(365*24*time.Hour), false))
	}
	return m
}

func TestSetThresholdRejectsOutOfRange(t *testing.T) {
	m := NewModel(clockwork.NewFakeClock())
	require.NoError(t, m.AddRole("targets", KindTargets, ""))
	require.NoError(t, m.AddVerificationKey("targets", newKey(t, "k1")))

	assert.Error(t, m.SetThreshold("targets", 0))
	assert.Error(t, m.SetThreshold("targets", 2))
	assert.NoError(t, m.SetThreshold("targets", 1))
}

func TestAddVerificationKeyRejectsDuplicateKeyID(t *testing.T) {
	m := NewModel(clockwork.NewFakeClock())
	require.NoError(t, m.AddRole("targets", KindTargets, ""))
	require.NoError(t, m.AddVerificationKey("targets", newKey(t, "k1")))

	err := m.AddVerificationKey("targets", newKey(t, "k1"))
	require.Error(t, err)
	_, ok := err.(*taferrors.DuplicateError)
	assert.True(t, ok)
}

func TestRemoveKeyRefusesToDropBelowThreshold(t *testing.T) {
	m := NewModel(clockwork.NewFakeClock())
	require.NoError(t, m.AddRole("targets", KindTargets, ""))
	require.NoError(t, m.AddVerificationKey("targets", newKey(t, "k1")))
	require.NoError(t, m.SetThreshold("targets", 1))

	assert.Error(t, m.RemoveKey("targets", "k1"))
}

func TestSetExpiresEnforceRejectsNonAdvancing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewModel(clock)
	require.NoError(t, m.AddRole("targets", KindTargets, ""))
	require.NoError(t, m.SetExpires("targets", clock.Now().Add(time.Hour), false))

	err := m.SetExpires("targets", clock.Now().Add(30*time.Minute), true)
	require.Error(t, err)
	_, ok := err.(*taferrors.MonotonicViolationError)
	assert.True(t, ok)

	assert.NoError(t, m.SetExpires("targets", clock.Now().Add(2*time.Hour), true))
}

func TestAddRoleRejectsDelegatedWithoutTargetsParent(t *testing.T) {
	m := NewModel(clockwork.NewFakeClock())
	err := m.AddRole("release", KindDelegated, "targets")
	assert.Error(t, err)
}

func TestWriteAllProducesConsistentMetadataAndSignsRootOnlyWhenDirty(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := buildMinimalModel(t, clock)
	dir := t.TempDir()

	require.NoError(t, m.WriteAll(dir))

	// root was touched (keys/threshold added above), so it must exist.
	assert.FileExists(t, dir+"/root.json")
	assert.FileExists(t, dir+"/targets.json")
	assert.FileExists(t, dir+"/snapshot.json")
	assert.FileExists(t, dir+"/timestamp.json")

	// root is clean after that write, so a second write leaves it out.
	again := t.TempDir()
	require.NoError(t, m.WriteAll(again))
	assert.NoFileExists(t, again+"/root.json")
}

func TestWriteAllFailsWithInsufficientSignatures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewModel(clock)
	require.NoError(t, m.AddRole("root", KindRoot, ""))
	require.NoError(t, m.AddRole("targets", KindTargets, ""))
	require.NoError(t, m.AddRole("snapshot", KindSnapshot, ""))
	require.NoError(t, m.AddRole("timestamp", KindTimestamp, ""))

	// targets gets a key with threshold 1 but no signer registered.
	require.NoError(t, m.AddVerificationKey("targets", newKey(t, "t1")))
	require.NoError(t, m.SetThreshold("targets", 1))
	require.NoError(t, m.SetExpires("targets", clock.Now().Add(time.Hour), false))
	require.NoError(t, m.SetExpires("snapshot", clock.Now().Add(time.Hour), false))
	require.NoError(t, m.SetExpires("timestamp", clock.Now().Add(time.Hour), false))

	err := m.WriteAll(t.TempDir())
	require.Error(t, err)
	_, ok := err.(*taferrors.InsufficientKeysError)
	assert.True(t, ok)
}

func TestLoadModelRoundTripsKeysAndThresholds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := buildMinimalModel(t, clock)
	dir := t.TempDir()
	require.NoError(t, m.WriteAll(dir))

	loaded, err := LoadModel(dir, clock)
	require.NoError(t, err)

	r, ok := loaded.Role("targets")
	require.True(t, ok)
	assert.Equal(t, 1, r.Threshold)
	assert.Equal(t, 1, r.numKeys())
	assert.True(t, r.hasKey("targetskey"))

	original, ok := m.Role("targets")
	require.True(t, ok)
	if diff := cmp.Diff(original.Keys, r.Keys); diff != "" {
		t.Errorf("reloaded targets keys diverged from original (-want +got):\n%s", diff)
	}
}

func TestSetTargetsRejectsNonTargetsFamilyRole(t *testing.T) {
	m := NewModel(clockwork.NewFakeClock())
	require.NoError(t, m.AddRole("snapshot", KindSnapshot, ""))
	err := m.SetTargets("snapshot", map[string]TargetFileInfo{})
	assert.Error(t, err)
}

package keyassembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jc12690/taf/cryptoprovider"
	"github.com/jc12690/taf/keystore"
	"github.com/jc12690/taf/prompt"
	"github.com/jc12690/taf/taferrors"
	"github.com/jc12690/taf/token"
)

func TestLoadSigningKeysFromExistingKeystoreNeverPrompts(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.New()
	_, err := ks.GenerateAndWrite(dir, "targets", 2048, "s3cret")
	require.NoError(t, err)

	scripted := &prompt.Scripted{}
	a := New(ks, token.NewUnavailable(), scripted, token.NewPINCache())

	sources := Sources{
		KeystoreDir: dir,
		RoleKeyInfo: &keystore.RoleKeyInfo{Passwords: []string{"s3cret"}},
		Scheme:      cryptoprovider.SchemeRSAPKCS1v15SHA256,
	}
	var loadedTokens []LoadedToken
	resolved, err := a.LoadSigningKeys("targets", 1, 1, sources, &loadedTokens)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Empty(t, scripted.Log)
}

func TestLoadSigningKeysFailsFastOnBadKeystorePassphraseBeforeInteractivePass(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.New()
	_, err := ks.GenerateAndWrite(dir, "targets", 2048, "s3cret")
	require.NoError(t, err)

	scripted := &prompt.Scripted{}
	a := New(ks, token.NewUnavailable(), scripted, token.NewPINCache())

	sources := Sources{
		KeystoreDir: dir,
		RoleKeyInfo: &keystore.RoleKeyInfo{Passwords: []string{"wrong"}},
		Scheme:      cryptoprovider.SchemeRSAPKCS1v15SHA256,
	}
	var loadedTokens []LoadedToken
	_, err = a.LoadSigningKeys("targets", 1, 1, sources, &loadedTokens)
	require.Error(t, err)
	assert.Empty(t, scripted.Log, "a bad keystore passphrase must fail before any interactive prompt fires")
}

func TestLoadSigningKeysGeneratesNewKeyInteractively(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.New()
	scripted := &prompt.Scripted{
		Confirms: []bool{true}, // "generate a new key?"
		Secrets:  []string{"fresh-password"},
	}
	a := New(ks, token.NewUnavailable(), scripted, token.NewPINCache())

	sources := Sources{
		KeystoreDir: dir,
		RoleKeyInfo: &keystore.RoleKeyInfo{Length: 2048},
		Scheme:      cryptoprovider.SchemeRSAPKCS1v15SHA256,
	}
	var loadedTokens []LoadedToken
	resolved, err := a.LoadSigningKeys("targets", 1, 1, sources, &loadedTokens)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.True(t, keystore.Exists(dir, "targets"))
}

func TestLoadSigningKeysReturnsInsufficientWhenGenerationDeclined(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.New()
	scripted := &prompt.Scripted{
		Confirms: []bool{false}, // declines "generate a new key?"
	}
	a := New(ks, token.NewUnavailable(), scripted, token.NewPINCache())

	sources := Sources{KeystoreDir: dir, Scheme: cryptoprovider.SchemeRSAPKCS1v15SHA256}
	var loadedTokens []LoadedToken
	_, err := a.LoadSigningKeys("targets", 1, 1, sources, &loadedTokens)
	require.Error(t, err)
	_, ok := err.(*taferrors.InsufficientKeysError)
	assert.True(t, ok)
}

func TestLoadSigningKeysLoadsAllKeystoreKeysWithoutAskingForMore(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.New()
	_, err := ks.GenerateAndWrite(dir, "targets1", 2048, "pw1")
	require.NoError(t, err)
	_, err = ks.GenerateAndWrite(dir, "targets2", 2048, "pw2")
	require.NoError(t, err)

	scripted := &prompt.Scripted{}
	a := New(ks, token.NewUnavailable(), scripted, token.NewPINCache())

	sources := Sources{
		KeystoreDir: dir,
		RoleKeyInfo: &keystore.RoleKeyInfo{Passwords: []string{"pw1", "pw2"}},
		Scheme:      cryptoprovider.SchemeRSAPKCS1v15SHA256,
	}
	var loadedTokens []LoadedToken
	resolved, err := a.LoadSigningKeys("targets", 1, 2, sources, &loadedTokens)
	require.NoError(t, err)
	assert.Len(t, resolved, 2) // both satisfied by keystore pass 1, no prompting needed
}

func TestLoadSigningKeysRejectsTokenWhenUnavailable(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.New()
	yes := true
	scripted := &prompt.Scripted{}
	a := New(ks, token.NewUnavailable(), scripted, token.NewPINCache())

	sources := Sources{
		KeystoreDir: dir,
		RoleKeyInfo: &keystore.RoleKeyInfo{YubiKey: &yes},
		Scheme:      cryptoprovider.SchemeRSAPKCS1v15SHA256,
		AllowToken:  true,
	}
	var loadedTokens []LoadedToken
	_, err := a.LoadSigningKeys("targets", 1, 1, sources, &loadedTokens)
	require.Error(t, err)
	_, ok := err.(*taferrors.TokenError)
	assert.True(t, ok)
}

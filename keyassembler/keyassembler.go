// Package keyassembler implements the KeyAssembler capability (spec.md
// §4.3, C5): resolving a role's required keys from heterogeneous
// sources — keystore first, hardware token second — until the role's
// threshold is satisfied, mediating the interactive "threshold
// reached, load more?" protocol along the way.
package keyassembler

import (
	"crypto/rsa"
	"fmt"

	"github.com/jc12690/taf/cryptoprovider"
	"github.com/jc12690/taf/keystore"
	"github.com/jc12690/taf/prompt"
	"github.com/jc12690/taf/role"
	"github.com/jc12690/taf/taferrors"
	"github.com/jc12690/taf/token"
)

// Sources configures one LoadSigningKeys call, matching the
// `{ keystore?, role_key_infos?, scheme, allow_token }` shape from
// spec.md §4.3.
type Sources struct {
	KeystoreDir string
	RoleKeyInfo *keystore.RoleKeyInfo
	Scheme      cryptoprovider.Scheme
	AllowToken  bool
}

// LoadedToken records a token that has already been unlocked during
// this session, so a later role needing the same physical token does
// not re-prompt for its PIN.
type LoadedToken struct {
	Serial    string
	PublicKey role.PublicKey
}

// Resolved pairs a resolved verification key with the Signer that
// produces signatures for it, ready to hand to role.Model.
type Resolved struct {
	PublicKey role.PublicKey
	Signer    role.Signer
}

// Assembler implements KeyAssembler.
type Assembler struct {
	keystore *keystore.Reader
	token    *token.Provider
	prompt   prompt.Port
	crypto   *cryptoprovider.Provider
	pins     *token.PINCache
}

// New returns an Assembler. tok may be nil, meaning no hardware token
// support is available in this process (spec.md §9 "Optional hardware
// token support"); requests for token-backed keys will then fail with
// TokenError rather than panicking.
func New(ks *keystore.Reader, tok *token.Provider, p prompt.Port, pins *token.PINCache) *Assembler {
	return &Assembler{keystore: ks, token: tok, prompt: p, crypto: cryptoprovider.New(), pins: pins}
}

func candidateNames(roleName string, keyCount int) []string {
	if keyCount <= 1 {
		return []string{roleName}
	}
	names := make([]string, keyCount)
	for i := 0; i < keyCount; i++ {
		names[i] = fmt.Sprintf("%s%d", roleName, i+1)
	}
	return names
}

func passwordFor(info *keystore.RoleKeyInfo, index int) string {
	if info == nil || index < 0 || index >= len(info.Passwords) {
		return ""
	}
	return info.Passwords[index]
}

func wantsToken(info *keystore.RoleKeyInfo, ask func() bool) bool {
	if info != nil && info.YubiKey != nil {
		return *info.YubiKey
	}
	return ask()
}

// LoadSigningKeys resolves roleName's signing keys: existing keystore
// files first (failing fast on any bad passphrase, per I6, before any
// token interaction occurs), then interactive resolution — keystore or
// token, per name — until threshold is met, optionally continuing past
// threshold when the caller confirms "load another key?".
func (a *Assembler) LoadSigningKeys(roleName string, threshold, keyCount int, sources Sources, loadedTokens *[]LoadedToken) ([]Resolved, error) {
	names := candidateNames(roleName, keyCount)
	var resolved []Resolved
	done := map[string]bool{}

	// Pass 1: keystore probing only. Existing files are decrypted now;
	// a bad passphrase here aborts immediately, before any token PIN is
	// ever requested (I6, and spec.md §5 "keystore keys are resolved
	// before any token prompt occurs").
	if sources.KeystoreDir != "" {
		for i, name := range names {
			if !keystore.Exists(sources.KeystoreDir, name) {
				continue
			}
			r, err := a.loadFromKeystore(sources, name, i)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, r)
			done[name] = true
		}
	}

	// Pass 2: interactive resolution for everything keystore pass 1
	// didn't already satisfy, until threshold is met; past that point,
	// ask before loading each additional key.
	for i, name := range names {
		if done[name] {
			continue
		}
		if len(resolved) >= threshold {
			if !a.prompt.Confirm(fmt.Sprintf("%s: threshold (%d) already reached — load an additional key (%s) now?", roleName, threshold, name)) {
				break
			}
		}

		useToken := sources.AllowToken && wantsToken(sources.RoleKeyInfo, func() bool {
			return a.prompt.Confirm(fmt.Sprintf("use a hardware token for %s?", name))
		})

		var r Resolved
		var err error
		if useToken {
			r, err = a.loadFromToken(sources, roleName, name, loadedTokens)
		} else {
			r, err = a.loadFromKeystoreInteractive(sources, name, i)
		}
		if err != nil {
			if len(resolved) >= threshold {
				// past threshold, a failed optional extra key is not fatal
				break
			}
			return nil, err
		}
		resolved = append(resolved, r)
	}

	if len(resolved) < threshold {
		return nil, &taferrors.InsufficientKeysError{Role: roleName, Have: len(resolved), Threshold: threshold}
	}
	return resolved, nil
}

func (a *Assembler) loadFromKeystore(sources Sources, name string, index int) (Resolved, error) {
	pub, err := a.keystore.ReadPublic(sources.KeystoreDir, name, sources.Scheme)
	if err != nil {
		return Resolved{}, err
	}
	priv, err := a.keystore.ReadPrivate(sources.KeystoreDir, name, sources.RoleKeyInfo, index, sources.Scheme, func() (string, error) {
		return a.prompt.ReadSecret(fmt.Sprintf("passphrase for %s:", name))
	})
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{
		PublicKey: role.PublicKey{KeyID: pub.KeyID, Scheme: pub.Scheme, PEM: pub.PEM, Source: "keystore"},
		Signer:    &keystoreSigner{priv: priv.RSA, keyID: priv.KeyID, scheme: priv.Scheme, crypto: a.crypto},
	}, nil
}

// loadFromKeystoreInteractive handles a candidate with no existing
// keystore file: prompt to either generate a fresh keypair (and
// optionally write it back to the keystore) or accept the absence and
// fail this candidate.
func (a *Assembler) loadFromKeystoreInteractive(sources Sources, name string, index int) (Resolved, error) {
	if !a.prompt.Confirm(fmt.Sprintf("no keystore file for %s — generate a new key?", name)) {
		return Resolved{}, &taferrors.KeystoreError{KeyName: name, Detail: "no key available and generation declined"}
	}
	password := passwordFor(sources.RoleKeyInfo, index)
	if password == "" {
		var err error
		password, err = a.prompt.ReadSecret(fmt.Sprintf("passphrase to protect new key %s:", name))
		if err != nil {
			return Resolved{}, &taferrors.KeystoreError{KeyName: name, Detail: "passphrase prompt aborted", Err: err}
		}
	}
	length := 3072
	if sources.RoleKeyInfo != nil && sources.RoleKeyInfo.Length > 0 {
		length = sources.RoleKeyInfo.Length
	}
	pub, err := a.keystore.GenerateAndWrite(sources.KeystoreDir, name, length, password)
	if err != nil {
		return Resolved{}, err
	}
	priv, err := a.keystore.ReadPrivate(sources.KeystoreDir, name, nil, 0, sources.Scheme, func() (string, error) { return password, nil })
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{
		PublicKey: role.PublicKey{KeyID: pub.KeyID, Scheme: sources.Scheme, PEM: pub.PEM, Source: "keystore"},
		Signer:    &keystoreSigner{priv: priv.RSA, keyID: priv.KeyID, scheme: sources.Scheme, crypto: a.crypto},
	}, nil
}

func (a *Assembler) loadFromToken(sources Sources, roleName, name string, loadedTokens *[]LoadedToken) (Resolved, error) {
	if a.token == nil || a.token.Unavailable() {
		return Resolved{}, &taferrors.TokenError{Detail: "no hardware token support available in this process"}
	}

	serial, err := a.prompt.ReadText(fmt.Sprintf("insert the hardware token for %s and enter its serial:", name))
	if err != nil {
		return Resolved{}, &taferrors.TokenError{Detail: "serial prompt aborted", Err: err}
	}

	for _, lt := range *loadedTokens {
		if lt.Serial == serial {
			return Resolved{
				PublicKey: lt.PublicKey,
				Signer:    &tokenSigner{provider: a.token, pins: a.pins, serial: serial, keyID: lt.PublicKey.KeyID, scheme: lt.PublicKey.Scheme},
			}, nil
		}
	}

	pin, err := a.prompt.ReadSecret(fmt.Sprintf("PIN for token %s:", serial))
	if err != nil {
		return Resolved{}, &taferrors.TokenError{Serial: serial, Detail: "PIN prompt aborted", Err: err}
	}
	if err := a.token.Unlock(serial, pin); err != nil {
		return Resolved{}, err
	}
	a.pins.Remember(serial, pin)

	reuse := a.prompt.Confirm(fmt.Sprintf("reuse the existing key already on token %s (no wipe)?", serial))
	var pub *token.PublicKey
	if reuse {
		pub, err = a.token.PublicKeyFor(serial, sources.Scheme)
	} else {
		if !a.prompt.Confirm(fmt.Sprintf("this will erase token %s and install a new key — continue?", serial)) {
			return Resolved{}, &taferrors.TokenError{Serial: serial, Detail: "install declined"}
		}
		pub, err = a.token.Install(serial, sources.Scheme, nil)
	}
	if err != nil {
		return Resolved{}, err
	}

	rolePub := role.PublicKey{KeyID: pub.KeyID, Scheme: pub.Scheme, PEM: pub.PEM, Source: "token:" + serial}
	*loadedTokens = append(*loadedTokens, LoadedToken{Serial: serial, PublicKey: rolePub})

	return Resolved{
		PublicKey: rolePub,
		Signer:    &tokenSigner{provider: a.token, pins: a.pins, serial: serial, keyID: pub.KeyID, scheme: pub.Scheme},
	}, nil
}

// keystoreSigner implements role.Signer over an in-memory RSA private
// key loaded from a keystore file.
type keystoreSigner struct {
	priv   *rsa.PrivateKey
	keyID  string
	scheme cryptoprovider.Scheme
	crypto *cryptoprovider.Provider
}

func (s *keystoreSigner) KeyID() string { return s.keyID }

func (s *keystoreSigner) Sign(digest []byte) (string, error) {
	return s.crypto.SignDigest(s.priv, s.scheme, digest)
}

// tokenSigner implements role.Signer by delegating to TokenProvider,
// using the PIN cached for the session when the token was first
// unlocked.
type tokenSigner struct {
	provider *token.Provider
	pins     *token.PINCache
	serial   string
	keyID    string
	scheme   cryptoprovider.Scheme
}

func (s *tokenSigner) KeyID() string { return s.keyID }

func (s *tokenSigner) Sign(digest []byte) (string, error) {
	pin, ok := s.pins.Get(s.serial)
	if !ok {
		return "", &taferrors.TokenError{Serial: s.serial, Detail: "token was never unlocked this session"}
	}
	sig, err := s.provider.Sign(s.serial, pin, digest)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sig), nil
}

// Package token implements the TokenProvider capability (spec.md §4.2,
// C2) against a PKCS#11 hardware token (a PIV-capable YubiKey or
// similar), using miekg/pkcs11 — the same library notary's own go.mod
// depends on for hardware-backed signing.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/jc12690/taf/cryptoprovider"
	"github.com/jc12690/taf/taferrors"
)

// ExpirationInterval is the validity period, in days, of the
// self-signed certificate minted for a freshly installed token key
// (spec.md §4.2 "EXPIRATION_INTERVAL ≈ 36,500 days").
const ExpirationInterval = 36500

// State is a token's position in the per-token state machine described
// in spec.md §4.2.
type State int

const (
	StateEmpty State = iota
	StateInstalled
	StateUnlocked
	StateSigning
	StateLocked
)

// PublicKey mirrors spec.md §3's PublicKey shape for a token-sourced key.
type PublicKey struct {
	PEM    string
	KeyID  string
	Scheme cryptoprovider.Scheme
	Serial string
}

// Provider is the TokenProvider capability. A zero Provider is not
// ready for use; construct with New or NewUnavailable.
type Provider struct {
	modulePath string
	pinAttempt map[string]int
	state      map[string]State
	mu         sync.Mutex
	unavail    bool
}

// New returns a Provider for the PKCS#11 module at modulePath; the
// module is loaded by each operation, not here. If the module cannot be
// loaded (no hardware token middleware installed on this machine), the
// Provider is still returned but reports Unavailable() so the caller
// can refuse to register token-backed roles while operating normally
// for keystore-only workflows, per spec.md §9 "Optional hardware-token
// support".
func New(modulePath string) *Provider {
	return &Provider{
		modulePath: modulePath,
		pinAttempt: map[string]int{},
		state:      map[string]State{},
	}
}

// NewUnavailable returns a Provider that always reports Unavailable().
func NewUnavailable() *Provider {
	return &Provider{unavail: true}
}

// Unavailable reports whether no hardware token middleware is usable in
// this process.
func (p *Provider) Unavailable() bool {
	if p.unavail {
		return true
	}
	ctx := pkcs11.New(p.modulePath)
	if ctx == nil {
		return true
	}
	_ = ctx.Destroy()
	return false
}

func (p *Provider) open() (*pkcs11.Ctx, error) {
	ctx := pkcs11.New(p.modulePath)
	if ctx == nil {
		return nil, &taferrors.TokenError{Detail: "PKCS#11 module unavailable: " + p.modulePath}
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, &taferrors.TokenError{Detail: "initializing PKCS#11 module", Err: err}
	}
	return ctx, nil
}

// Enumerate lists the serials of tokens currently inserted.
func (p *Provider) Enumerate() ([]string, error) {
	ctx, err := p.open()
	if err != nil {
		return nil, err
	}
	defer ctx.Finalize()
	defer ctx.Destroy()

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return nil, &taferrors.TokenError{Detail: "listing slots", Err: err}
	}
	serials := make([]string, 0, len(slots))
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		serials = append(serials, info.SerialNumber)
	}
	return serials, nil
}

func (p *Provider) findSlot(ctx *pkcs11.Ctx, serial string) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, &taferrors.TokenError{Serial: serial, Detail: "listing slots", Err: err}
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if info.SerialNumber == serial {
			return slot, nil
		}
	}
	return 0, &taferrors.TokenError{Serial: serial, Detail: "token not inserted"}
}

// Unlock authenticates to the token identified by serial using pin.
// Three consecutive wrong PINs transition the token to StateLocked
// (terminal until an administrator reset), per spec.md §4.2.
func (p *Provider) Unlock(serial, pin string) error {
	p.mu.Lock()
	if p.state[serial] == StateLocked {
		p.mu.Unlock()
		return &taferrors.TokenError{Serial: serial, Detail: "token is locked after repeated bad PIN attempts"}
	}
	p.mu.Unlock()

	ctx, err := p.open()
	if err != nil {
		return err
	}
	defer ctx.Finalize()
	defer ctx.Destroy()

	slot, err := p.findSlot(ctx, serial)
	if err != nil {
		return err
	}
	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return &taferrors.TokenError{Serial: serial, Detail: "opening session", Err: err}
	}
	defer ctx.CloseSession(session)

	if err := ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		p.mu.Lock()
		p.pinAttempt[serial]++
		if p.pinAttempt[serial] >= 3 {
			p.state[serial] = StateLocked
		}
		p.mu.Unlock()
		return &taferrors.TokenError{Serial: serial, Detail: "incorrect PIN", Err: err}
	}
	ctx.Logout(session)

	p.mu.Lock()
	p.pinAttempt[serial] = 0
	p.state[serial] = StateUnlocked
	p.mu.Unlock()
	return nil
}

// PublicKeyFor returns the PIV public key stored on the token, reading
// it from the token's object store.
func (p *Provider) PublicKeyFor(serial string, scheme cryptoprovider.Scheme) (*PublicKey, error) {
	ctx, err := p.open()
	if err != nil {
		return nil, err
	}
	defer ctx.Finalize()
	defer ctx.Destroy()

	slot, err := p.findSlot(ctx, serial)
	if err != nil {
		return nil, err
	}
	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "opening session", Err: err}
	}
	defer ctx.CloseSession(session)

	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY)}
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "finding public key object", Err: err}
	}
	objs, _, err := ctx.FindObjects(session, 1)
	ctx.FindObjectsFinal(session)
	if err != nil || len(objs) == 0 {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "no public key found on token"}
	}

	attrs, err := ctx.GetAttributeValue(session, objs[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil || len(attrs) < 2 {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "reading public key attributes", Err: err}
	}

	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}
	pem, err := cryptoprovider.EncodePublicPEM(pub)
	if err != nil {
		return nil, err
	}
	keyID, err := cryptoprovider.KeyID(pem)
	if err != nil {
		return nil, err
	}
	return &PublicKey{PEM: pem, KeyID: keyID, Scheme: scheme, Serial: serial}, nil
}

// ExportCert returns the self-signed certificate stored alongside the
// token's signing key, in X.509 DER.
func (p *Provider) ExportCert(serial string) ([]byte, error) {
	ctx, err := p.open()
	if err != nil {
		return nil, err
	}
	defer ctx.Finalize()
	defer ctx.Destroy()

	slot, err := p.findSlot(ctx, serial)
	if err != nil {
		return nil, err
	}
	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "opening session", Err: err}
	}
	defer ctx.CloseSession(session)

	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)}
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "finding certificate object", Err: err}
	}
	objs, _, err := ctx.FindObjects(session, 1)
	ctx.FindObjectsFinal(session)
	if err != nil || len(objs) == 0 {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "no certificate found on token"}
	}
	attrs, err := ctx.GetAttributeValue(session, objs[0], []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil)})
	if err != nil || len(attrs) == 0 {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "reading certificate value", Err: err}
	}
	return attrs[0].Value, nil
}

// Sign signs data with the token's private key, after unlocking with pin.
func (p *Provider) Sign(serial, pin string, data []byte) ([]byte, error) {
	if err := p.Unlock(serial, pin); err != nil {
		return nil, err
	}

	ctx, err := p.open()
	if err != nil {
		return nil, err
	}
	defer ctx.Finalize()
	defer ctx.Destroy()

	slot, err := p.findSlot(ctx, serial)
	if err != nil {
		return nil, err
	}
	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "opening session", Err: err}
	}
	defer ctx.CloseSession(session)
	if err := ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "incorrect PIN", Err: err}
	}
	defer ctx.Logout(session)

	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)}
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "finding private key object", Err: err}
	}
	objs, _, err := ctx.FindObjects(session, 1)
	ctx.FindObjectsFinal(session)
	if err != nil || len(objs) == 0 {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "no private key found on token"}
	}

	digest := sha256.Sum256(data)
	if err := ctx.SignInit(session, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_SHA256_RSA_PKCS, nil)}, objs[0]); err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "initializing signature", Err: err}
	}
	sig, err := ctx.Sign(session, digest[:])
	if err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "signing", Err: err}
	}
	return sig, nil
}

// Install bulk-erases the token and installs a fresh key: either
// generated in this process with crypto/rand (privatePEM == nil; the key
// is not generated on-device) or imported from privatePEM, and written
// to the token as public- and private-key objects.
// It always mints a self-signed certificate valid for ExpirationInterval
// days, per spec.md §4.2.
func (p *Provider) Install(serial string, scheme cryptoprovider.Scheme, privatePEM []byte) (*PublicKey, error) {
	ctx, err := p.open()
	if err != nil {
		return nil, err
	}
	defer ctx.Finalize()
	defer ctx.Destroy()

	slot, err := p.findSlot(ctx, serial)
	if err != nil {
		return nil, err
	}
	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "opening session", Err: err}
	}
	defer ctx.CloseSession(session)

	var priv *rsa.PrivateKey
	if privatePEM != nil {
		priv, err = cryptoprovider.DecodePrivatePEM(privatePEM)
		if err != nil {
			return nil, &taferrors.TokenError{Serial: serial, Detail: "parsing imported private key", Err: err}
		}
	} else {
		priv, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, &taferrors.TokenError{Serial: serial, Detail: "generating key", Err: err}
		}
	}

	pubTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, priv.PublicKey.N.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(int64(priv.PublicKey.E)).Bytes()),
	}
	privTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE_EXPONENT, priv.D.Bytes()),
	}
	if _, err := ctx.CreateObject(session, pubTemplate); err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "writing public key object", Err: err}
	}
	if _, err := ctx.CreateObject(session, privTemplate); err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "writing private key object", Err: err}
	}

	certDER, err := selfSignedCert(priv, serial)
	if err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "minting self-signed certificate", Err: err}
	}
	certTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, certDER),
	}
	if _, err := ctx.CreateObject(session, certTemplate); err != nil {
		return nil, &taferrors.TokenError{Serial: serial, Detail: "writing certificate object", Err: err}
	}

	pem, err := cryptoprovider.EncodePublicPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	keyID, err := cryptoprovider.KeyID(pem)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.state[serial] = StateInstalled
	p.pinAttempt[serial] = 0
	p.mu.Unlock()

	return &PublicKey{PEM: pem, KeyID: keyID, Scheme: scheme, Serial: serial}, nil
}

func selfSignedCert(priv *rsa.PrivateKey, serial string) ([]byte, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: fmt.Sprintf("taf-token-%s", serial)},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(0, 0, ExpirationInterval),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	return x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
}

// PINCache holds the PIN for an already-unlocked token's signer
// closure (spec.md §4.6 "pin := yk.get_key_pin(serial_num)" in the
// original). The authoring session caches PINs in memory only for the
// session's lifetime.
type PINCache struct {
	mu   sync.Mutex
	pins map[string]string
}

func NewPINCache() *PINCache { return &PINCache{pins: map[string]string{}} }

func (c *PINCache) Remember(serial, pin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins == nil {
		c.pins = map[string]string{}
	}
	c.pins[serial] = pin
}

func (c *PINCache) Get(serial string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pin, ok := c.pins[serial]
	return pin, ok
}

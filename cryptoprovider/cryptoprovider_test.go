package cryptoprovider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRSAKeyRejectsWeakLengths(t *testing.T) {
	p := New()
	_, err := p.GenerateRSAKey(1024)
	assert.Error(t, err)
}

func TestGenerateRSAKeyAcceptsMinimum(t *testing.T) {
	p := New()
	key, err := p.GenerateRSAKey(MinKeyBits)
	require.NoError(t, err)
	assert.Equal(t, MinKeyBits, key.N.BitLen())
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	p := New()
	key, err := p.GenerateRSAKey(2048)
	require.NoError(t, err)

	body := map[string]interface{}{"type": "targets", "version": 1}
	sig, err := p.Sign(key, SchemeRSAPKCS1v15SHA256, body)
	require.NoError(t, err)

	err = p.Verify(&key.PublicKey, SchemeRSAPKCS1v15SHA256, body, sig)
	assert.NoError(t, err)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	p := New()
	key, err := p.GenerateRSAKey(2048)
	require.NoError(t, err)

	sig, err := p.Sign(key, SchemeRSAPSSSHA256, map[string]interface{}{"version": 1})
	require.NoError(t, err)

	err = p.Verify(&key.PublicKey, SchemeRSAPSSSHA256, map[string]interface{}{"version": 2}, sig)
	assert.Error(t, err)
}

func TestSignDigestMatchesSignWhenBodyPrehashed(t *testing.T) {
	p := New()
	key, err := p.GenerateRSAKey(2048)
	require.NoError(t, err)

	body := map[string]interface{}{"type": "snapshot"}
	digest, err := p.CanonicalDigest(body)
	require.NoError(t, err)

	sig, err := p.SignDigest(key, SchemeRSAPKCS1v15SHA256, digest)
	require.NoError(t, err)

	assert.NoError(t, p.VerifyDigest(&key.PublicKey, SchemeRSAPKCS1v15SHA256, digest, sig))
	assert.NoError(t, p.Verify(&key.PublicKey, SchemeRSAPKCS1v15SHA256, body, sig))
}

func TestCanonicalDigestIsOrderIndependent(t *testing.T) {
	p := New()
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}

	da, err := p.CanonicalDigest(a)
	require.NoError(t, err)
	db, err := p.CanonicalDigest(b)
	require.NoError(t, err)

	assert.Equal(t, da, db)
}

func TestKeyIDStableForSamePEM(t *testing.T) {
	p := New()
	key, err := p.GenerateRSAKey(2048)
	require.NoError(t, err)

	pemStr, err := EncodePublicPEM(&key.PublicKey)
	require.NoError(t, err)

	id1, err := KeyID(pemStr)
	require.NoError(t, err)
	id2, err := KeyID(pemStr)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)
}

func TestPrivatePEMRoundTrip(t *testing.T) {
	p := New()
	key, err := p.GenerateRSAKey(2048)
	require.NoError(t, err)

	pemStr := EncodePrivatePEM(key)
	decoded, err := DecodePrivatePEM([]byte(pemStr))
	require.NoError(t, err)
	assert.Equal(t, key.N, decoded.N)
}

func TestUnsupportedSchemeRejected(t *testing.T) {
	p := New()
	key, err := p.GenerateRSAKey(2048)
	require.NoError(t, err)
	_, err = p.Sign(key, Scheme("rsa-md5"), map[string]interface{}{})
	assert.Error(t, err)
}

package taferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeystoreErrorUnwrapsUnderlyingCause(t *testing.T) {
	cause := errors.New("bad scrypt salt")
	err := &KeystoreError{KeyName: "root1", Detail: "decrypting", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "root1")
}

func TestTokenErrorOmitsSerialWhenEmpty(t *testing.T) {
	err := &TokenError{Detail: "no hardware token support available in this process"}
	assert.NotContains(t, err.Error(), "serial")
}

func TestInsufficientKeysErrorMessage(t *testing.T) {
	err := &InsufficientKeysError{Role: "root", Have: 1, Threshold: 2}
	assert.Contains(t, err.Error(), "root")
	assert.Contains(t, err.Error(), "1")
	assert.Contains(t, err.Error(), "2")
}

package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnavailableReportsUnavailable(t *testing.T) {
	p := NewUnavailable()
	assert.True(t, p.Unavailable())
}

func TestUnavailableProviderRejectsOperations(t *testing.T) {
	p := NewUnavailable()
	_, err := p.Enumerate()
	assert.Error(t, err)

	err = p.Unlock("12345", "000000")
	assert.Error(t, err)

	_, err = p.Sign("12345", "000000", []byte("data"))
	assert.Error(t, err)
}

func TestNewWithBogusModulePathIsUnavailable(t *testing.T) {
	p := New("/nonexistent/pkcs11-module.so")
	assert.True(t, p.Unavailable())
}

func TestPINCacheRememberAndGet(t *testing.T) {
	c := NewPINCache()
	_, ok := c.Get("serial-1")
	assert.False(t, ok)

	c.Remember("serial-1", "123456")
	pin, ok := c.Get("serial-1")
	require.True(t, ok)
	assert.Equal(t, "123456", pin)
}

func TestZeroValuePINCacheRememberInitializesMap(t *testing.T) {
	c := &PINCache{}
	c.Remember("serial-1", "000000")
	pin, ok := c.Get("serial-1")
	require.True(t, ok)
	assert.Equal(t, "000000", pin)
}

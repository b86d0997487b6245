package tafconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptySpecYieldsEmptyRoles(t *testing.T) {
	kd, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, kd.Roles)
}

func TestLoadAppliesRoleDefaults(t *testing.T) {
	kd, err := Load(`{"roles": {"root": {}}}`)
	require.NoError(t, err)

	root, ok := kd.Roles["root"]
	require.True(t, ok)
	assert.Equal(t, defaultNumber, root.Number)
	assert.Equal(t, defaultThreshold, root.Threshold)
	assert.Equal(t, defaultLength, root.Length)
	assert.Equal(t, string(defaultScheme), root.Scheme)
}

func TestLoadRejectsThresholdAboveNumber(t *testing.T) {
	_, err := Load(`{"roles": {"root": {"number": 1, "threshold": 2}}}`)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidKeyLength(t *testing.T) {
	_, err := Load(`{"roles": {"root": {"length": 1024}}}`)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownScheme(t *testing.T) {
	_, err := Load(`{"roles": {"root": {"scheme": "rsa-md5"}}}`)
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys-description.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"roles": {"targets": {"number": 2, "threshold": 1}}, "keystore": "/tmp/ks"}`), 0o644))

	kd, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, kd.Roles["targets"].Number)
	assert.Equal(t, "/tmp/ks", kd.Keystore)
}

func TestTAFKeystoreEnvOverridesInlineValue(t *testing.T) {
	t.Setenv("TAF_KEYSTORE", "/from/env")
	kd, err := Load(`{"keystore": "/from/json"}`)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", kd.Keystore)
}

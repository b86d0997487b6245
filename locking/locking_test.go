package locking

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jc12690/taf/taferrors"
)

func TestAcquireThenUnlockAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, ".taf-lock"))

	require.NoError(t, l.Unlock())

	l2, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Unlock())
}

func TestAcquireTwiceFailsWithBusyError(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Unlock()

	_, err = Acquire(dir)
	require.Error(t, err)
	_, ok := err.(*taferrors.BusyError)
	assert.True(t, ok)
}

func TestUnlockIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l.Unlock())
	assert.NoError(t, l.Unlock())
}

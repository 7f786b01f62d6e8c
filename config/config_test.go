package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, 8, d.MaxRungs)
	assert.Equal(t, 50, d.Thresh)
	assert.Equal(t, 32, d.T2K)
	assert.Equal(t, 0.01, d.MinBucketWidth)
	assert.Equal(t, 32, d.NumLevels)
	assert.Equal(t, 8, d.MaxOffset)
	require.NoError(t, d.Validate(4))
}

func TestLoadOverridesOnlyNamedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresh: 200\nt2k: 16\n"), 0o644))

	tun, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200, tun.Thresh)
	assert.Equal(t, 16, tun.T2K)
	assert.Equal(t, 8, tun.MaxRungs)
}

func TestValidateRejectsMaxOffsetBelowWorkerCount(t *testing.T) {
	tun := Defaults()
	tun.MaxOffset = 2
	assert.Error(t, tun.Validate(4))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

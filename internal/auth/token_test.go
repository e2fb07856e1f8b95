package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range TokenEnvVars {
		t.Setenv(env, "")
	}
}

func TestSaveLoadKeychain(t *testing.T) {
	keyring.MockInit()
	s := NewStore(t.TempDir())

	where, err := s.Save("  hf_abc \n")
	require.NoError(t, err)
	assert.Equal(t, "keychain", where)

	token, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "hf_abc", token)

	require.NoError(t, s.Delete())
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFileFallback(t *testing.T) {
	keyring.MockInitWithError(errors.New("no keychain"))
	dir := filepath.Join(t.TempDir(), "cache")
	s := NewStore(dir)

	where, err := s.Save("hf_file")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "hf_token"), where)

	info, err := os.Stat(where)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	token, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "hf_file", token)

	require.NoError(t, s.Delete())
	_, err = os.Stat(where)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveEmpty(t *testing.T) {
	keyring.MockInit()
	_, err := NewStore(t.TempDir()).Save("   ")
	assert.Error(t, err)
}

func TestResolveOrder(t *testing.T) {
	keyring.MockInit()
	clearEnv(t)
	s := NewStore(t.TempDir())

	assert.Equal(t, "", Resolve("", s), "nothing configured")

	_, err := s.Save("stored")
	require.NoError(t, err)
	assert.Equal(t, "stored", Resolve("", s))

	t.Setenv("HUGGING_FACE_HUB_TOKEN", "legacy-env")
	assert.Equal(t, "legacy-env", Resolve("", s))

	t.Setenv("HF_TOKEN", "env")
	assert.Equal(t, "env", Resolve("", s))

	assert.Equal(t, "flag", Resolve("flag", s))
	assert.Equal(t, "env", Resolve("", nil))
}

package credentials

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tutor/internal/models"
)

func TestNewStore(t *testing.T) {
	t.Run("creates directory with correct permissions", func(t *testing.T) {
		tmpDir := t.TempDir()
		credDir := filepath.Join(tmpDir, "creds")

		store, err := NewStore(credDir)
		require.NoError(t, err)
		assert.NotNil(t, store)

		info, err := os.Stat(credDir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	})

	t.Run("creates token file with owner-only permissions", func(t *testing.T) {
		tmpDir := t.TempDir()
		_, err := NewStore(tmpDir)
		require.NoError(t, err)

		info, err := os.Stat(filepath.Join(tmpDir, tokensFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("starts empty", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		assert.Empty(t, store.Get(Access))
		assert.Empty(t, store.Get(Refresh))
	})

	t.Run("discards a corrupt token file", func(t *testing.T) {
		tmpDir := t.TempDir()
		err := os.WriteFile(filepath.Join(tmpDir, tokensFile), []byte("{not json"), 0600)
		require.NoError(t, err)

		store, err := NewStore(tmpDir)
		require.NoError(t, err)
		assert.Empty(t, store.Get(Access))
		assert.Empty(t, store.Get(Refresh))
	})
}

func TestStore_SetGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Set(Access, "access-1"))
	require.NoError(t, store.Set(Refresh, "refresh-1"))

	assert.Equal(t, "access-1", store.Get(Access))
	assert.Equal(t, "refresh-1", store.Get(Refresh))

	err = store.Set(Kind("id"), "nope")
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Empty(t, store.Get(Kind("id")))
}

func TestStore_Persistence(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewStore(tmpDir)
	require.NoError(t, err)
	require.NoError(t, store.SetPair(models.TokenPair{AccessToken: "a", RefreshToken: "r"}))

	reopened, err := NewStore(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "a", reopened.Get(Access))
	assert.Equal(t, "r", reopened.Get(Refresh))
}

func TestStore_SetPair(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SetPair(models.TokenPair{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, store.SetPair(models.TokenPair{AccessToken: "a2", RefreshToken: "r2"}))

	assert.Equal(t, "a2", store.Get(Access))
	assert.Equal(t, "r2", store.Get(Refresh))
}

func TestStore_SetPairConcurrentReaders(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	pairs := map[string]string{"a1": "r1", "a2": "r2", "a3": "r3"}
	require.NoError(t, store.SetPair(models.TokenPair{AccessToken: "a1", RefreshToken: "r1"}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, a := range []string{"a2", "a3", "a1"} {
			_ = store.SetPair(models.TokenPair{AccessToken: a, RefreshToken: pairs[a]})
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			_ = store.Get(Access)
		}
	}()
	wg.Wait()

	assert.Equal(t, pairs[store.Get(Access)], store.Get(Refresh))
}

func TestStore_Clear(t *testing.T) {
	t.Run("removes both tokens", func(t *testing.T) {
		tmpDir := t.TempDir()
		store, err := NewStore(tmpDir)
		require.NoError(t, err)
		require.NoError(t, store.SetPair(models.TokenPair{AccessToken: "a", RefreshToken: "r"}))

		require.NoError(t, store.Clear())
		assert.Empty(t, store.Get(Access))
		assert.Empty(t, store.Get(Refresh))

		reopened, err := NewStore(tmpDir)
		require.NoError(t, err)
		assert.Empty(t, reopened.Get(Access))
		assert.Empty(t, reopened.Get(Refresh))
	})

	t.Run("is idempotent", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		require.NoError(t, store.Clear())
		require.NoError(t, store.Clear())
	})
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(""))

	fp := Fingerprint("refresh-token")
	assert.NotEmpty(t, fp)
	assert.Equal(t, fp, Fingerprint("refresh-token"))
	assert.NotEqual(t, fp, Fingerprint("refresh-token-2"))
	assert.NotContains(t, fp, "refresh")
}

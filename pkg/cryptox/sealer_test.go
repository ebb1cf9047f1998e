package cryptox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("")
	require.NoError(t, err)

	plaintext := []byte(`{"refresh_token":"opaque-value"}`)
	sealed, err := s.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestSealUsesFreshNonces(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("")
	require.NoError(t, err)

	a, err := s.Seal([]byte("same input"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same input"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestKeyFilePersistsAcrossSealers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profile.key")

	first, err := NewSealer(path)
	require.NoError(t, err)
	sealed, err := first.Seal([]byte("survives restart"))
	require.NoError(t, err)

	// A second sealer over the same key file must be able to open blobs
	// sealed by the first.
	second, err := NewSealer(path)
	require.NoError(t, err)
	opened, err := second.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("survives restart"), opened)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = s.Open(sealed)
	require.Error(t, err)
}

func TestOpenRejectsShortBlob(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("")
	require.NoError(t, err)

	_, err = s.Open([]byte("short"))
	require.Error(t, err)
}

func TestRejectsCorruptKeyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0o600))

	_, err := NewSealer(path)
	require.Error(t, err)
}

package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot.pid")
	require.NoError(t, WritePIDFile(path, 1234, 1700000000))
	pid, start, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
	assert.Equal(t, int64(1700000000), start)
}

func TestReadPIDFileLegacyAndGarbage(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy.pid")
	require.NoError(t, os.WriteFile(legacy, []byte("12345\n"), 0o600))
	pid, start, err := ReadPIDFile(legacy)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
	assert.Zero(t, start)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("abc\n"), 0o600))
	_, _, err = ReadPIDFile(bad)
	require.Error(t, err)

	neg := filepath.Join(dir, "neg.pid")
	require.NoError(t, os.WriteFile(neg, []byte("-4\n"), 0o600))
	_, _, err = ReadPIDFile(neg)
	require.Error(t, err)
}

func TestRemovePIDFileIfOwned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	require.NoError(t, WritePIDFile(path, 10, 0))
	removePIDFileIfOwned(path, 11)
	_, err := os.Stat(path)
	require.NoError(t, err, "file owned by another pid must stay")
	removePIDFileIfOwned(path, 10)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func FuzzReadPIDFile(f *testing.F) {
	f.Add([]byte("123\n456\n"))
	f.Add([]byte("\n"))
	f.Add([]byte("9999999999999999999\nx"))
	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(t.TempDir(), "f.pid")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Skip()
		}
		pid, _, err := ReadPIDFile(path)
		if err == nil && pid <= 0 {
			t.Fatalf("accepted pid %d", pid)
		}
	})
}

package credentials

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCredsFile(t *testing.T, tokens map[string]string) string {
	t.Helper()
	data, err := json.Marshal(tokens)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadStripsAMRMToken(t *testing.T) {
	path := writeCredsFile(t, map[string]string{
		amRMTokenAlias: "secret-rm-token",
		"HDFS_DELEGATION_TOKEN": "hdfs-token",
	})

	store := Load(path)
	forContainers := store.ForContainers()
	assert.NotContains(t, forContainers, amRMTokenAlias)
	assert.Equal(t, "hdfs-token", forContainers["HDFS_DELEGATION_TOKEN"])
}

func TestLoadWithMissingPathYieldsEmptyStore(t *testing.T) {
	store := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Empty(t, store.ForContainers())
}

func TestLoadWithEmptyPathYieldsEmptyStore(t *testing.T) {
	store := Load("")
	assert.Empty(t, store.ForContainers())
}

func TestLoadWithMalformedFileYieldsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	store := Load(path)
	assert.Empty(t, store.ForContainers())
}

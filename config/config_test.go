package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoConfigFilePresent(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, dir, c.DataDir)
	require.Equal(t, DefaultAPIURL, c.APIURL)
	require.Equal(t, "warning", c.LogLevel)
	require.Equal(t, "text", c.LogFormat)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(
		"api_url: https://relay.example\nlog_level: debug\nlog_format: json\n"), 0600))

	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "https://relay.example", c.APIURL)
	require.Equal(t, "debug", c.LogLevel)
	require.Equal(t, "json", c.LogFormat)
}

func TestLoadEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(
		"api_url: https://relay.example\n"), 0600))
	t.Setenv("LOCKBOOK_API_URL", "https://env.example")

	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "https://env.example", c.APIURL)
}

func TestDBPathAndDocumentsPath(t *testing.T) {
	c := C{DataDir: "/tmp/lockbook"}
	require.Equal(t, "/tmp/lockbook/db.bolt", c.DBPath())
	require.Equal(t, "/tmp/lockbook/documents", c.DocumentsPath())
}

func TestEnsureDataDirCreatesTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cli")
	require.NoError(t, EnsureDataDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	info, err = os.Stat(filepath.Join(dir, "documents"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestEnsureDataDirIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureDataDir(dir))
	require.NoError(t, EnsureDataDir(dir))
}

func TestDefaultDataDirectoryPathHasFallbackShape(t *testing.T) {
	// DefaultDataDirectoryPath is resolved once in init(), so this test
	// only documents the fallback shape rather than re-running init().
	require.NotEmpty(t, DefaultDataDirectoryPath)
	require.Contains(t, DefaultDataDirectoryPath, ".lockbook")
}

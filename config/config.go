// Package config loads lockbook's runtime configuration: the data
// directory that holds the local database, document store and logs, the
// relay server's URL, and logging verbosity.
//
// Built on spf13/viper, with the precedence env > config file > default;
// no command-line flags are bound here. Every key is also settable
// via a LOCKBOOK_-prefixed environment variable, e.g. LOCKBOOK_API_URL.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultAPIURL is the relay server a freshly created account talks to
// unless told otherwise.
const DefaultAPIURL = "https://api.lockbook.app"

// DefaultDataDirectoryPath is where the local database, document store,
// and logs live unless overridden. It honors $LOCKBOOK_DATA_DIR for
// parity with every other key, falling back to $HOME/.lockbook/cli.
var DefaultDataDirectoryPath string

func init() {
	if dir := os.Getenv("LOCKBOOK_DATA_DIR"); dir != "" {
		DefaultDataDirectoryPath = dir
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		DefaultDataDirectoryPath = filepath.Join(home, ".lockbook", "cli")
	}
}

// C is lockbook's resolved configuration.
type C struct {
	// DataDir holds db.bolt (the localdb) and documents/ (the docstore).
	DataDir string

	// APIURL is the relay server's base URL.
	APIURL string

	// LogLevel is one of logrus's level names: "debug", "info", "warning",
	// "error".
	LogLevel string

	// LogFormat selects logrus's "json" or "text" formatter.
	LogFormat string
}

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/lockbook/lockbook/config."+method+": "+format, a...)
}

// DBPath returns the path to the local bbolt database file.
func (c C) DBPath() string { return filepath.Join(c.DataDir, "db.bolt") }

// DocumentsPath returns the path to the content-addressed document store root.
func (c C) DocumentsPath() string { return filepath.Join(c.DataDir, "documents") }

// Load resolves configuration from (in ascending precedence) built-in
// defaults, a "config.yaml" file under dataDir (if present), and
// LOCKBOOK_-prefixed environment variables. dataDir itself is not
// resolved by viper — it is the caller's entry point, e.g. the --data-dir
// CLI flag or DefaultDataDirectoryPath.
func Load(dataDir string) (C, error) {
	const method = "Load"
	v := viper.New()
	v.SetDefault("api_url", DefaultAPIURL)
	v.SetDefault("log_level", "warning")
	v.SetDefault("log_format", "text")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return C{}, errorf(method, "read config: %v", err)
		}
	}

	v.SetEnvPrefix("lockbook")
	v.AutomaticEnv()

	return C{
		DataDir:   dataDir,
		APIURL:    v.GetString("api_url"),
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}, nil
}

// EnsureDataDir creates dataDir (and the documents/ subdirectory) if
// absent — first run has nothing to load yet, so it must be safe to
// create the tree from scratch rather than erroring.
func EnsureDataDir(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return errorf("EnsureDataDir", "%v", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "documents"), 0700); err != nil {
		return errorf("EnsureDataDir", "%v", err)
	}
	return nil
}

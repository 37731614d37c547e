package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/keygatedb/keygate/internal/config"
	"github.com/keygatedb/keygate/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from the --data-dir flag,
// the KEYGATE_DATA_DIR env var, or ~/.keygate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.keygate"
}

// loadConfig loads the YAML configuration from --config, ./keygate.yaml,
// or ~/.keygate/keygate.yaml, falling back to defaults when no file exists.
func loadConfig() (*config.YAMLConfig, error) {
	path := cfgFile
	if path == "" {
		for _, candidate := range []string{
			"keygate.yaml",
			filepath.Join(resolveDataDir(), "keygate.yaml"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		cfg := config.DefaultYAMLConfig()
		cfg.Store.DataDir = resolveDataDir()
		return cfg, nil
	}
	return config.LoadYAMLConfig(path)
}

// openKeyStore opens the key record database selected by the config.
func openKeyStore(cfg *config.YAMLConfig) (*store.SQL, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dir := cfg.Store.DataDir
		if dataDir != "" {
			dir = dataDir
		}
		if dir == "" {
			dir = resolveDataDir()
		}
		return store.NewSQLite(dir)
	case "postgres", "mysql":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store: dsn is required for driver %q", cfg.Store.Driver)
		}
		return store.NewSQL(cfg.Store.Driver, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Store.Driver)
	}
}

// signingKey resolves the credential signing key from config or environment.
func signingKey(cfg *config.YAMLConfig) (string, error) {
	key := cfg.Auth.SigningKey
	if key == "" {
		key = viper.GetString("auth.signing_key")
	}
	if key == "" {
		key = os.Getenv("KEYGATE_SIGNING_KEY")
	}
	if key == "" {
		return "", fmt.Errorf("auth: signing_key is required (set auth.signing_key or KEYGATE_SIGNING_KEY)")
	}
	return key, nil
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "keygate.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "keygate.log")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}

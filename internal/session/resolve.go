package session

import (
	"os"

	"github.com/matheus3301/wppcrm/internal/config"
)

// ResolveDataDir determines the data directory using precedence:
// 1. flagOverride (--data-dir flag)
// 2. WPPCRM_DATA_DIR environment variable
// 3. config.toml data_dir
// 4. ~/.wppcrm
func ResolveDataDir(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("WPPCRM_DATA_DIR"); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DataDir != "" {
		return cfg.DataDir
	}
	return BaseDir()
}

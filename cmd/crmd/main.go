package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/matheus3301/wppcrm/internal/config"
	"github.com/matheus3301/wppcrm/internal/daemon"
	"github.com/matheus3301/wppcrm/internal/session"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides WPPCRM_DATA_DIR and config)")
	configFlag := flag.String("config", "", "path to config.toml (default ~/.wppcrm/config.toml)")
	flag.Parse()

	if err := config.LoadDotEnv(".env", filepath.Join(session.BaseDir(), ".env")); err != nil {
		fmt.Fprintf(os.Stderr, "error: load .env: %v\n", err)
		os.Exit(1)
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		dataDir = session.ResolveDataDir("")
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			DataDir:    dataDir,
			SocketPath: cfg.SocketPath,
			Config:     cfg,
		}),
	)

	app.Run()
}

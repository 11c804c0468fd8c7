package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, 7*time.Hour, cfg.Wallet.LocalUTCOffset)
	require.Equal(t, "0.05", cfg.Wallet.DefaultTaxRate)
	require.Equal(t, "", cfg.Wallet.DefaultDailyLimit)
	require.Equal(t, 3, cfg.Wallet.MaxConflictRetries)
	require.Equal(t, "wallet_maintenance", cfg.Wallet.MaintenanceFlag)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
APP_ENV: production
DATABASE:
  TYPE: sqlite
  DBNAME: wallet.db
WALLET:
  LOCAL_UTC_OFFSET: 2h
  DEFAULT_DAILY_LIMIT: "500"
  DEFAULT_TAX_RATE: "0.1"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

	cfg, err := load(viper.New(), dir)
	require.NoError(t, err)

	require.Equal(t, "production", cfg.AppEnv)
	require.Equal(t, "sqlite", cfg.Database.Type)
	require.Equal(t, 2*time.Hour, cfg.Wallet.LocalUTCOffset)
	require.Equal(t, "500", cfg.Wallet.DefaultDailyLimit)
	require.Equal(t, "0.1", cfg.Wallet.DefaultTaxRate)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WALLET_DEFAULT_TAX_RATE", "0.2")

	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "0.2", cfg.Wallet.DefaultTaxRate)
}

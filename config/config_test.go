package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/canteen-ledger/config"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "canteen.db", cfg.Database.Path)
	assert.Equal(t, "0.5", cfg.Ledger.DefaultTicketPrice)
	assert.Equal(t, 2, cfg.Ledger.RetentionYears)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 3000
database:
  path: /data/canteen.db
ledger:
  default_ticket_price: "0.75"
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/data/canteen.db", cfg.Database.Path)
	assert.Equal(t, "0.75", cfg.Ledger.DefaultTicketPrice)
	assert.Equal(t, "backups", cfg.Backup.Dir, "untouched keys keep defaults")
}

func TestLoad_EnvironmentWinsOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 3000\n"), 0o644))
	t.Setenv("PORT", "4000")
	t.Setenv("TICKET_PRICE", "1.00")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "1.00", cfg.Ledger.DefaultTicketPrice)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/bridge
bridge:
  account_id: acct-42
  key_table: /etc/bridge/keydata.bin
  devices:
    - sn: HD31ZAB1PG7E0053
      address: 127.0.0.1:9100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acct-42", cfg.Bridge.AccountID)
	assert.Equal(t, 5*time.Second, cfg.Bridge.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Bridge.CommandTimeout)
	assert.Equal(t, 3*time.Second, cfg.Bridge.ReconnectDelay)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshTokenTTL)
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Bridge.Devices, 1)
	assert.Equal(t, "HD31ZAB1PG7E0053", cfg.Bridge.Devices[0].SN)
	assert.Equal(t, "127.0.0.1:9100", cfg.Bridge.Devices[0].Address)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/bridge
bridge:
  account_id: acct-42
  key_table: /etc/bridge/keydata.bin
`)

	t.Setenv("DATABASE_URL", "postgres://other/bridge")
	t.Setenv("BRIDGE_ACCOUNT_ID", "acct-override")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://other/bridge", cfg.Database.DSN)
	assert.Equal(t, "acct-override", cfg.Bridge.AccountID)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing account id", `
bridge:
  key_table: /etc/bridge/keydata.bin
`},
		{"missing key table", `
bridge:
  account_id: acct-42
`},
		{"device without address", `
bridge:
  account_id: acct-42
  key_table: /etc/bridge/keydata.bin
  devices:
    - sn: HD31ZAB1PG7E0053
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

package configcmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/iqstream/internal/conf"
)

func TestInitWritesDefaultConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cmd := Command()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, conf.DefaultConfig(), data)

	// a second init refuses to overwrite
	cmd = Command()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"init", path})
	require.Error(t, cmd.Execute())

	cmd = Command()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", "--force", path})
	require.NoError(t, cmd.Execute())
}

func TestMaskSecrets(t *testing.T) {
	t.Parallel()
	s := &conf.Settings{}
	s.MQTT.Password = "hunter2"
	s.Sentry.DSN = "https://key@sentry.example.com/1"

	maskSecrets(s)
	assert.Equal(t, mask, s.MQTT.Password)
	assert.Equal(t, mask, s.Sentry.DSN)
	assert.Empty(t, s.Snapshot.MySQL.Password)
}

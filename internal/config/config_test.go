package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/corral/internal/errdefs"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(New(afero.NewMemMapFs()), "")
	require.NoError(t, err)

	assert.Equal(t, Defaults(), *s)
	assert.Equal(t, 10, s.DiskReserve.GB())
}

func TestLoad_File(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/corral/config.yaml", []byte(`
state-dir: /srv/corral/state
disk-dir: /srv/corral/disks
shutdown-timeout: 45s
parallelism: 2
disk-reserve: 50GB
log-format: json
`), 0o644))

	s, err := Load(New(fs), "")
	require.NoError(t, err)

	assert.Equal(t, "/srv/corral/state", s.StateDir)
	assert.Equal(t, "/srv/corral/disks", s.DiskDir)
	assert.Equal(t, 45*time.Second, s.ShutdownTimeout)
	assert.Equal(t, 2, s.Parallelism)
	assert.Equal(t, 50, s.DiskReserve.GB())
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, "info", s.LogLevel, "unset keys keep their defaults")
}

func TestLoad_Precedence(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/corral.yaml", []byte("parallelism: 2\nlog-level: warn\n"), 0o644))
	t.Setenv("CORRAL_PARALLELISM", "6")
	t.Setenv("CORRAL_STATE_DIR", "/env/state")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(KeyStateDir, "", "")
	flags.String(KeyLogLevel, "", "")
	require.NoError(t, flags.Parse([]string{"--state-dir", "/flag/state"}))

	v := New(fs)
	BindFlags(v, flags)

	s, err := Load(v, "/tmp/corral.yaml")
	require.NoError(t, err)

	assert.Equal(t, 6, s.Parallelism, "env beats file")
	assert.Equal(t, "/flag/state", s.StateDir, "flag beats env")
	assert.Equal(t, "warn", s.LogLevel, "unchanged flag does not mask file")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		path       string
		validation bool
	}{
		{name: "explicit path missing", path: "/nope.yaml"},
		{name: "malformed yaml", content: "parallelism: [1", path: "/c.yaml"},
		{name: "bad duration", content: "shutdown-timeout: soon", path: "/c.yaml"},
		{name: "bad size", content: "disk-reserve: lots", path: "/c.yaml"},
		{name: "zero parallelism", content: "parallelism: 0", path: "/c.yaml", validation: true},
		{name: "relative state dir", content: "state-dir: state", path: "/c.yaml", validation: true},
		{name: "unknown log format", content: "log-format: xml", path: "/c.yaml", validation: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.content != "" {
				require.NoError(t, afero.WriteFile(fs, tt.path, []byte(tt.content), 0o644))
			}

			_, err := Load(New(fs), tt.path)

			require.Error(t, err)
			assert.Equal(t, tt.validation, errdefs.IsValidation(err), "error: %v", err)
		})
	}
}

func TestSize(t *testing.T) {
	assert.Equal(t, 1, Size(1).GB())
	assert.Equal(t, 20, Size(20_000_000_000).GB())
	assert.Equal(t, "20GB", Size(20_000_000_000).String())
}

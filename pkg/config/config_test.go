package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
mailbox:
  bind_addr: "0.0.0.0:9090"
  external_url: "http://mailbox.example"
projects:
  - lab_id: lab-1
    styles_path: /etc/laasd/styles/lab-1.css
    notifications:
      booking_created: booking_created.tmpl
cobbler:
  api:
    url: https://cobbler.example/api
    username: admin
    password: secret
  ssh:
    address: cobbler.example
    port: 22
    user: root
    password: secret
    writable_directory: /tmp/grub-stage
    system_directory: /var/lib/tftpboot/grub
metrics:
  url: http://metrics.example
  client_retries: 3
notifications:
  admin_send_to_email: admin@example.com
  templates_directory: /etc/laasd/templates
  vpn_config_path: /etc/laasd/vpn.ovpn
dev:
  status: false
  hosts: ["host-1"]
logging:
  max_level: info
  log_file: /var/log/laasd.log
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "laasd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesEveryField(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9090", cfg.Mailbox.BindAddr)
	require.Equal(t, "http://mailbox.example", cfg.Mailbox.ExternalURL)

	proj, ok := cfg.ProjectFor("lab-1")
	require.True(t, ok)
	require.Equal(t, "/etc/laasd/styles/lab-1.css", proj.StylesPath)
	require.Equal(t, "booking_created.tmpl", proj.Notifications["booking_created"])

	require.Equal(t, "https://cobbler.example/api", cfg.Cobbler.API.URL)
	require.Equal(t, 22, cfg.Cobbler.SSH.Port)
	require.Equal(t, "/var/lib/tftpboot/grub", cfg.Cobbler.SSH.SystemDirectory)

	require.True(t, cfg.MetricsEnabled())
	require.Equal(t, 3, cfg.Metrics.ClientRetries)

	require.Equal(t, "admin@example.com", cfg.Notifications.AdminSendToEmail)
	require.False(t, cfg.Dev.Status)
	require.Equal(t, []string{"host-1"}, cfg.Dev.Hosts)
	require.Equal(t, "info", cfg.Logging.MaxLevel)
}

func TestLoadWithNoMetricsURLReportsDisabled(t *testing.T) {
	path := writeTempConfig(t, "mailbox:\n  bind_addr: \"127.0.0.1:9090\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.MetricsEnabled())
}

func TestEnvOverridesTakePriorityOverFile(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	t.Setenv("LAASD_LOG_LEVEL", "debug")
	t.Setenv("LAASD_DEV", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.MaxLevel)
	require.True(t, cfg.Dev.Status)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

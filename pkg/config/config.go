package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MailboxConfig covers the host-callback listener's bind and the
// externally-reachable URL templated into kernel arguments and
// cloud-init documents.
type MailboxConfig struct {
	BindAddr    string `yaml:"bind_addr"`
	ExternalURL string `yaml:"external_url"`
}

// ProjectConfig is one lab's dashboard-facing settings: the stylesheet
// it serves and the event -> template-name mapping its notifications
// render through.
type ProjectConfig struct {
	LabID         string            `yaml:"lab_id"`
	StylesPath    string            `yaml:"styles_path"`
	Notifications map[string]string `yaml:"notifications"`
}

// CobblerAPIConfig names the cobbler XML-RPC endpoint credentials.
// Nothing in this module drives that API directly yet (see
// pkg/cobbler's package doc and DESIGN.md for why); the fields are
// still part of the settings document because an operator's existing
// deployment config carries them regardless of which surface consumes
// them.
type CobblerAPIConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CobblerSSHConfig is the SSH/SFTP reach to the cobbler host used to
// stage distro-specific grub overrides cobbler cannot template itself.
type CobblerSSHConfig struct {
	Address           string `yaml:"address"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	WritableDirectory string `yaml:"writable_directory"`
	SystemDirectory   string `yaml:"system_directory"`
}

// CobblerConfig groups the two cobbler-facing credential sets.
type CobblerConfig struct {
	API CobblerAPIConfig `yaml:"api"`
	SSH CobblerSSHConfig `yaml:"ssh"`
}

// MetricsConfig is optional: a zero-value URL disables metrics export
// entirely, matching spec's "absence disables metrics" contract.
type MetricsConfig struct {
	URL           string `yaml:"url"`
	ClientRetries int    `yaml:"client_retries"`
}

// NotificationsConfig covers the admin-facing fallback address and the
// on-disk template/VPN-config material pkg/notify renders from.
type NotificationsConfig struct {
	AdminSendToEmail  string `yaml:"admin_send_to_email"`
	TemplatesDirectory string `yaml:"templates_directory"`
	VPNConfigPath     string `yaml:"vpn_config_path"`
}

// DevConfig turns on dev mode: every host not named in Hosts is
// auto-allocated to a synthetic reserved aggregate at startup, so a
// shared lab's unlisted hardware never gets handed to a real booking
// while someone is developing against it.
type DevConfig struct {
	Status bool     `yaml:"status"`
	Hosts  []string `yaml:"hosts"`
}

// LoggingConfig selects zerolog's level and an optional file sink; an
// empty LogFile means stderr only.
type LoggingConfig struct {
	MaxLevel string `yaml:"max_level"`
	LogFile  string `yaml:"log_file"`
}

// Config is laasd's single typed settings document, loaded once at
// startup and passed down by value into whatever needs it.
type Config struct {
	Mailbox       MailboxConfig        `yaml:"mailbox"`
	Projects      []ProjectConfig      `yaml:"projects"`
	Cobbler       CobblerConfig        `yaml:"cobbler"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Notifications NotificationsConfig  `yaml:"notifications"`
	Dev           DevConfig            `yaml:"dev"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// Load reads and parses the settings document at path, then applies
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// ProjectFor returns the ProjectConfig for labID, if one is declared.
func (c *Config) ProjectFor(labID string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.LabID == labID {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

// MetricsEnabled reports whether a metrics URL was configured.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.URL != ""
}

// applyEnvOverrides lets an operator flip the handful of settings that
// change per-deployment (log level, mailbox bind address and external
// URL, dev mode) without editing the
// checked-in document; every other field is file-only. There is no
// env-parsing library anywhere in the pack to ground a broader
// override surface on, so this stays a short, explicit list rather
// than a generalized struct-tag mechanism.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("LAASD_LOG_LEVEL"); ok {
		cfg.Logging.MaxLevel = v
	}
	if v, ok := os.LookupEnv("LAASD_MAILBOX_BIND_ADDR"); ok {
		cfg.Mailbox.BindAddr = v
	}
	if v, ok := os.LookupEnv("LAASD_MAILBOX_EXTERNAL_URL"); ok {
		cfg.Mailbox.ExternalURL = v
	}
	if _, ok := os.LookupEnv("LAASD_DEV"); ok {
		cfg.Dev.Status = true
	}
}

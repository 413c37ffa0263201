package cobbler

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHConfig is the cobbler host's SSH/SFTP access, the Go counterpart
// of config::CobblerConfig.ssh in the original settings document.
type SSHConfig struct {
	Address  string
	Port     int
	User     string
	Password string

	// WritableDirectory is a staging directory the SSH user can SFTP
	// into directly (grub's own system directory usually requires
	// elevated privileges SFTP can't assume).
	WritableDirectory string
	// SystemDirectory is grub's actual per-system config directory the
	// staged file is sudo-copied into.
	SystemDirectory string
}

// conn abstracts the remote session, so grub overrides can be tested
// without a live cobbler host.
type conn interface {
	WriteFile(path string, data []byte) error
	Exec(cmd string) error
	Close() error
}

type connector func(cfg SSHConfig) (conn, error)

// GrubPusher pushes per-host grub config overrides to the cobbler host
// over SSH/SFTP.
type GrubPusher struct {
	dial connector
}

// NewGrubPusher returns a pusher that dials the real cobbler host over
// SSH.
func NewGrubPusher() *GrubPusher {
	return &GrubPusher{dial: dialSSH}
}

// newGrubPusherWithConnector is used by tests to inject a fake conn.
func newGrubPusherWithConnector(dial connector) *GrubPusher {
	return &GrubPusher{dial: dial}
}

// OverrideSystemGrubConfig pushes configContent as the grub config for
// every network port MAC address on host: one file per MAC, named by
// its lowercased hardware address, first staged into
// cfg.WritableDirectory via SFTP (the SSH user cannot write directly
// into cfg.SystemDirectory) then sudo-copied into place. Useful for
// distros such as EVE-OS that need a templated grub config cobbler
// cannot generate on its own.
func (p *GrubPusher) OverrideSystemGrubConfig(cfg SSHConfig, host types.Host, configContent string) error {
	c, err := p.dial(cfg)
	if err != nil {
		return fmt.Errorf("cobbler: connect to cobbler host: %w", err)
	}
	defer c.Close()

	for _, port := range host.Ports {
		filename := macFilename(port.MAC)
		stagingPath := fmt.Sprintf("%s/%s", strings.TrimSuffix(cfg.WritableDirectory, "/"), filename)
		systemPath := fmt.Sprintf("%s/%s", strings.TrimSuffix(cfg.SystemDirectory, "/"), filename)

		if err := c.WriteFile(stagingPath, []byte(configContent)); err != nil {
			return fmt.Errorf("cobbler: stage grub config for %s: %w", filename, err)
		}
		log.WithComponent("cobbler").Info().Str("host_id", host.ID).Str("file", filename).
			Msg("writing grub config")

		if err := c.Exec(fmt.Sprintf("sudo cp %s %s", stagingPath, systemPath)); err != nil {
			return fmt.Errorf("cobbler: install grub config for %s: %w", filename, err)
		}
	}
	return nil
}

func macFilename(mac net.HardwareAddr) string {
	return strings.ToLower(mac.String())
}

type sshConn struct {
	client *ssh.Client
	sftp   *sftp.Client
}

func dialSSH(cfg SSHConfig) (conn, error) {
	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // cobbler host has no known-hosts distribution in this environment
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Address, cfg.Port), config)
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &sshConn{client: client, sftp: sftpClient}, nil
}

func (c *sshConn) WriteFile(path string, data []byte) error {
	f, err := c.sftp.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (c *sshConn) Exec(cmd string) error {
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("remote command %q failed: %w: %s", cmd, err, out.String())
	}
	return nil
}

func (c *sshConn) Close() error {
	_ = c.sftp.Close()
	return c.client.Close()
}

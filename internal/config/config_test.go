package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"netcli-daemon/internal/cliconf"
	"netcli-daemon/internal/persist"
	"netcli-daemon/internal/terminal"
)

// isolate points HOME and NETCLI_HOME at a temp dir and clears secrets.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvHome, "")
	t.Setenv(EnvPassword, "")
	t.Setenv(EnvBecomePass, "")
	return home
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_TOML(t *testing.T) {
	home := isolate(t)
	path := writeFile(t, "r1.toml", `
host = "r1.example.net"
user = "admin"
password = "from-file"
network_os = "eos"
command_timeout = "45s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "r1.example.net", cfg.Host)
	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, "from-file", cfg.Password)
	assert.Equal(t, 45*time.Second, cfg.CommandTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout.Std())
	assert.Equal(t, TransportSSH, cfg.Transport)
	assert.True(t, cfg.HostKeyChecking)
	assert.Equal(t, "\n", cfg.Newline)
	assert.Equal(t, filepath.Join(home, ".netcli", "pc"), cfg.ControlDir)
	assert.Equal(t, filepath.Join(home, ".ssh", "known_hosts"), cfg.KnownHostsFile)
}

func TestLoad_YAML(t *testing.T) {
	isolate(t)
	path := writeFile(t, "r1.yaml", `
host: 10.0.0.1
port: 2222
user: ops
host_key_checking: false
idle_timeout: 90
connect_timeout: 1m
become: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Host)
	assert.Equal(t, 2222, cfg.Port)
	assert.False(t, cfg.HostKeyChecking)
	assert.Empty(t, cfg.KnownHostsFile)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout.Std())
	assert.Equal(t, time.Minute, cfg.ConnectTimeout.Std())
	assert.True(t, cfg.Become)
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	netcliHome := t.TempDir()
	t.Setenv(EnvHome, netcliHome)
	t.Setenv(EnvPassword, "from-env")
	t.Setenv(EnvBecomePass, "enable-env")
	path := writeFile(t, "r1.toml", "host = \"r1\"\nuser = \"admin\"\npassword = \"from-file\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Password)
	assert.Equal(t, "enable-env", cfg.BecomePass)
	assert.Equal(t, filepath.Join(netcliHome, "pc"), cfg.ControlDir)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := isolate(t)
	path := writeFile(t, "r1.toml", `
host = "r1"
user = "admin"
private_key_file = "~/.ssh/id_ed25519"
control_dir = "~/sockets"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), cfg.PrivateKeyFile)
	assert.Equal(t, filepath.Join(home, "sockets"), cfg.ControlDir)
}

func TestLoad_Errors(t *testing.T) {
	isolate(t)

	_, err := Load(writeFile(t, "r1.ini", "host=r1"))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(writeFile(t, "r1.toml", "command_timeout = \"soon\""))
	assert.ErrorContains(t, err, "parsing config")

	_, err = Load(writeFile(t, "r1.yaml", "idle_timeout: [1, 2]"))
	assert.ErrorContains(t, err, "duration must be a scalar")

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_EmptyPath(t *testing.T) {
	isolate(t)
	t.Setenv(EnvPassword, "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 22, cfg.Port)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Host = "r1"
		c.User = "admin"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing host", func(c *Config) { c.Host = "" }, "host is required"},
		{"missing user", func(c *Config) { c.User = "" }, "user is required"},
		{"port", func(c *Config) { c.Port = 70000 }, "port 70000 out of range"},
		{"transport", func(c *Config) { c.Transport = "telnet" }, `unknown transport "telnet"`},
		{"command missing", func(c *Config) { c.Transport = TransportCommand }, "transport_command is required"},
		{"command unbalanced quote", func(c *Config) {
			c.Transport = TransportCommand
			c.TransportCommand = `ssh "r1`
		}, "transport_command"},
		{"timeout", func(c *Config) { c.CommandTimeout = 0 }, "command_timeout must be positive"},
		{"newline", func(c *Config) { c.Newline = "" }, "newline must not be empty"},
		{"window size", func(c *Config) { c.WindowSize = -1 }, "window_size must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}

	c := valid()
	c.NetworkOS = "junos"
	assert.ErrorIs(t, c.Validate(), cliconf.ErrUnknownPlatform)

	c = Default()
	err := c.Validate()
	assert.ErrorContains(t, err, "host is required")
	assert.ErrorContains(t, err, "user is required")
}

func TestDialer_SSH(t *testing.T) {
	c := Default()
	c.Host, c.Port, c.User, c.Password = "r1", 2222, "admin", "pw"
	c.KnownHostsFile = "/tmp/kh"

	d, err := c.Dialer()
	require.NoError(t, err)
	ssh, ok := d.(*terminal.SSHDialer)
	require.True(t, ok)
	assert.Equal(t, "r1", ssh.Host)
	assert.Equal(t, 2222, ssh.Port)
	assert.Equal(t, "pw", ssh.Password)
	assert.True(t, ssh.HostKeyCheck)
	assert.Equal(t, "/tmp/kh", ssh.KnownHostsFile)
	assert.Equal(t, 30*time.Second, ssh.Timeout)
}

func TestDialer_CommandExpandsDeviceVars(t *testing.T) {
	c := Default()
	c.Host, c.Port, c.User = "r1", 2222, "admin"
	c.Transport = TransportCommand
	c.TransportCommand = `ssh -p $port "$user@$host" -o 'StrictHostKeyChecking no'`

	d, err := c.Dialer()
	require.NoError(t, err)
	cmd, ok := d.(*terminal.CommandDialer)
	require.True(t, ok)
	assert.Equal(t, []string{"ssh", "-p", "2222", "admin@r1", "-o", "StrictHostKeyChecking no"}, cmd.Argv)
}

func TestEncodeDecode(t *testing.T) {
	c := Default()
	c.Host, c.User, c.Password = "r1", "admin", "pw"
	c.IdleTimeout = Duration(2 * time.Minute)
	c.ControlDir = "/run/netcli"

	payload, err := c.Encode()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", gjson.GetBytes(payload, "idle_timeout").String())
	assert.Equal(t, "30s", gjson.GetBytes(payload, "command_timeout").String())

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = Decode([]byte(`{"idle_timeout": "forever"}`))
	assert.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	c := Default()
	c.Host, c.User = "r1", "admin"
	c.NetworkOS = "ios"
	c.Become, c.BecomePass = true, "enable"
	c.ControlDir = "/run/netcli"
	c.Newline = "\r"
	c.WindowSize = 4096

	lock := &persist.Lock{}
	sc, err := c.SessionConfig(lock, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, persist.Identity{Host: "r1", Port: 22, User: "admin"}, sc.Identity)
	assert.Equal(t, "/run/netcli", sc.ControlDir)
	assert.Equal(t, "ios", sc.NetworkOS)
	assert.True(t, sc.Become)
	assert.Equal(t, "enable", sc.BecomePass)
	assert.Equal(t, 30*time.Second, sc.CommandTimeout)
	assert.Equal(t, "\r", sc.Newline)
	assert.Equal(t, 4096, sc.WindowSize)
	assert.Same(t, lock, sc.Lock)
	assert.IsType(t, &terminal.SSHDialer{}, sc.Dialer)
}

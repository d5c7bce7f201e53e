// Package config loads the per-device connection settings from TOML or
// YAML files and the environment, and turns them into the dialer and
// session configuration the daemon runs with.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"

	"netcli-daemon/internal/cliconf"
	"netcli-daemon/internal/persist"
	"netcli-daemon/internal/terminal"
)

const (
	TransportSSH     = "ssh"
	TransportCommand = "command"
)

// Environment overrides.
const (
	EnvPassword   = "NETCLI_PASSWORD"
	EnvBecomePass = "NETCLI_BECOME_PASS"
	EnvHome       = "NETCLI_HOME"
)

// Duration is a time.Duration written as text ("30s", "2m") in config
// files and in the payload handed to the daemon.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML accepts the same text form; bare integers are seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if n, err := strconv.Atoi(node.Value); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	if err := d.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// Config describes one managed device and how to reach it.
type Config struct {
	Host            string `toml:"host" yaml:"host" json:"host"`
	Port            int    `toml:"port" yaml:"port" json:"port"`
	User            string `toml:"user" yaml:"user" json:"user"`
	Password        string `toml:"password" yaml:"password" json:"password,omitempty"`
	PrivateKeyFile  string `toml:"private_key_file" yaml:"private_key_file" json:"private_key_file,omitempty"`
	HostKeyChecking bool   `toml:"host_key_checking" yaml:"host_key_checking" json:"host_key_checking"`
	KnownHostsFile  string `toml:"known_hosts_file" yaml:"known_hosts_file" json:"known_hosts_file,omitempty"`

	// Transport is "ssh" for the native client or "command" to run
	// TransportCommand in a local pty. The command may reference $host,
	// $port and $user.
	Transport        string `toml:"transport" yaml:"transport" json:"transport"`
	TransportCommand string `toml:"transport_command" yaml:"transport_command" json:"transport_command,omitempty"`

	// NetworkOS names the platform; empty means probe the device.
	NetworkOS  string `toml:"network_os" yaml:"network_os" json:"network_os,omitempty"`
	Become     bool   `toml:"become" yaml:"become" json:"become"`
	BecomePass string `toml:"become_pass" yaml:"become_pass" json:"become_pass,omitempty"`

	ConnectTimeout Duration `toml:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	CommandTimeout Duration `toml:"command_timeout" yaml:"command_timeout" json:"command_timeout"`
	IdleTimeout    Duration `toml:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"`

	ControlDir string `toml:"control_dir" yaml:"control_dir" json:"control_dir"`
	Newline    string `toml:"newline" yaml:"newline" json:"newline"`
	// WindowSize is how many trailing bytes of output prompt patterns
	// are matched against. Zero uses the built-in default.
	WindowSize int    `toml:"window_size" yaml:"window_size" json:"window_size,omitempty"`
	LogLevel   string `toml:"log_level" yaml:"log_level" json:"log_level,omitempty"`
}

// Default returns a config with every default filled in except the
// device address and user.
func Default() *Config {
	return &Config{
		Port:            22,
		HostKeyChecking: true,
		Transport:       TransportSSH,
		ConnectTimeout:  Duration(30 * time.Second),
		CommandTimeout:  Duration(30 * time.Second),
		IdleTimeout:     Duration(30 * time.Second),
		Newline:         "\n",
	}
}

// Load reads path over the defaults, picking the decoder by extension,
// then applies environment overrides. An empty path loads defaults and
// the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			err = toml.Unmarshal(data, cfg)
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
		if err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvPassword); v != "" {
		c.Password = v
	}
	if v := os.Getenv(EnvBecomePass); v != "" {
		c.BecomePass = v
	}
}

// ResolvePaths fills in the control directory and known hosts file and
// expands a leading ~ in file paths.
func (c *Config) ResolvePaths() error {
	home, err := os.UserHomeDir()
	if err != nil && (c.ControlDir == "" || c.KnownHostsFile == "") && os.Getenv(EnvHome) == "" {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	if c.ControlDir == "" {
		c.ControlDir = DefaultControlDir(home)
	}
	if c.HostKeyChecking && c.KnownHostsFile == "" && home != "" {
		c.KnownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	c.ControlDir = expandHome(c.ControlDir, home)
	c.KnownHostsFile = expandHome(c.KnownHostsFile, home)
	c.PrivateKeyFile = expandHome(c.PrivateKeyFile, home)
	return nil
}

// DefaultControlDir is $NETCLI_HOME/pc, or ~/.netcli/pc.
func DefaultControlDir(home string) string {
	if v := os.Getenv(EnvHome); v != "" {
		return filepath.Join(v, "pc")
	}
	return filepath.Join(home, ".netcli", "pc")
}

func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return path
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Transport {
	case TransportSSH:
	case TransportCommand:
		if strings.TrimSpace(c.TransportCommand) == "" {
			errs = append(errs, errors.New("transport_command is required with transport \"command\""))
		} else if _, err := c.commandArgv(); err != nil {
			errs = append(errs, fmt.Errorf("transport_command: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportSSH, TransportCommand))
	}
	if c.NetworkOS != "" {
		if _, err := cliconf.DefaultRegistry().Lookup(c.NetworkOS); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range []struct {
		name string
		d    Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"command_timeout", c.CommandTimeout},
		{"idle_timeout", c.IdleTimeout},
	} {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", t.name))
		}
	}
	if c.Newline == "" {
		errs = append(errs, errors.New("newline must not be empty"))
	}
	if c.WindowSize < 0 {
		errs = append(errs, errors.New("window_size must not be negative"))
	}
	return errors.Join(errs...)
}

// Identity is the key the daemon for this device is found by.
func (c *Config) Identity() persist.Identity {
	return persist.Identity{Host: c.Host, Port: c.Port, User: c.User}
}

// Dialer builds the transport dialer for the configured transport.
func (c *Config) Dialer() (terminal.Dialer, error) {
	switch c.Transport {
	case TransportSSH, "":
		return &terminal.SSHDialer{
			Host:           c.Host,
			Port:           c.Port,
			User:           c.User,
			Password:       c.Password,
			PrivateKeyFile: c.PrivateKeyFile,
			HostKeyCheck:   c.HostKeyChecking,
			KnownHostsFile: c.KnownHostsFile,
			Timeout:        c.ConnectTimeout.Std(),
		}, nil
	case TransportCommand:
		argv, err := c.commandArgv()
		if err != nil {
			return nil, fmt.Errorf("parsing transport_command: %w", err)
		}
		return &terminal.CommandDialer{Argv: argv}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

// commandArgv splits TransportCommand into words the way a POSIX shell
// would, with $host, $port and $user bound to the device.
func (c *Config) commandArgv() ([]string, error) {
	vars := map[string]string{
		"host": c.Host,
		"port": strconv.Itoa(c.Port),
		"user": c.User,
	}
	argv, err := shell.Fields(c.TransportCommand, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

// SessionConfig maps the config onto what a daemon session needs.
func (c *Config) SessionConfig(lock *persist.Lock, log zerolog.Logger) (persist.SessionConfig, error) {
	dialer, err := c.Dialer()
	if err != nil {
		return persist.SessionConfig{}, err
	}
	return persist.SessionConfig{
		Identity:       c.Identity(),
		ControlDir:     c.ControlDir,
		Dialer:         dialer,
		NetworkOS:      c.NetworkOS,
		Become:         c.Become,
		BecomePass:     c.BecomePass,
		ConnectTimeout: c.ConnectTimeout.Std(),
		CommandTimeout: c.CommandTimeout.Std(),
		IdleTimeout:    c.IdleTimeout.Std(),
		Newline:        c.Newline,
		WindowSize:     c.WindowSize,
		Lock:           lock,
		Log:            log,
	}, nil
}

// Encode is the payload handed to a launched daemon.
func (c *Config) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Decode reads a payload written by Encode. Missing fields keep their
// defaults.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding daemon config: %w", err)
	}
	return cfg, nil
}

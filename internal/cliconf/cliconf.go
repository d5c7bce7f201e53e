// Package cliconf holds per-platform knowledge of network device CLIs:
// prompt and error tables, terminal setup, privilege escalation, and how
// to read and change configuration.
package cliconf

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"netcli-daemon/internal/terminal"
)

var (
	// ErrPrivilegeRequired is returned by configuration operations when
	// the shell is not in enable mode and no become secret is available.
	ErrPrivilegeRequired = errors.New("operation requires privilege escalation")
	// ErrUnknownPlatform means no registered platform matched.
	ErrUnknownPlatform = errors.New("unknown network platform")
	// ErrUnknownSource means get_config was asked for a datastore the
	// platform does not have.
	ErrUnknownSource = errors.New("unknown configuration source")
)

// Conn is the part of the terminal a driver talks to.
type Conn interface {
	Send(ctx context.Context, cmd terminal.Command) (string, error)
	Prompt() string
}

// DeviceInfo is parsed from the platform's version output.
type DeviceInfo struct {
	NetworkOS        string `json:"network_os"`
	NetworkOSVersion string `json:"network_os_version,omitempty"`
	NetworkOSModel   string `json:"network_os_model,omitempty"`
	NetworkHostname  string `json:"network_hostname,omitempty"`
}

// Capabilities answers get_capabilities.
type Capabilities struct {
	RPC        []string   `json:"rpc"`
	NetworkAPI string     `json:"network_api"`
	DeviceInfo DeviceInfo `json:"device_info"`
	NetworkOS  string     `json:"network_os"`
}

// Driver is the platform-specific layer between RPC methods and the shell.
type Driver interface {
	Name() string
	// Prompt is the prompt matched by the most recent exchange.
	Prompt() string

	// OnOpenShell prepares a fresh shell, typically disabling paging.
	OnOpenShell(ctx context.Context) error
	// OnCloseShell runs before a graceful disconnect.
	OnCloseShell(ctx context.Context) error
	// OnAuthorize enters the privileged mode using secret and remembers
	// it for later escalation.
	OnAuthorize(ctx context.Context, secret string) error
	OnDeauthorize(ctx context.Context) error

	Get(ctx context.Context, cmd terminal.Command) (string, error)
	GetConfig(ctx context.Context, source string) (string, error)
	EditConfig(ctx context.Context, commands []string) error
	GetCapabilities(ctx context.Context) (Capabilities, error)
	DeviceInfo(ctx context.Context) (DeviceInfo, error)
}

// Platform describes one network operating system.
type Platform struct {
	Name     string
	Patterns *terminal.Patterns
	// Banner recognises the platform in probe output.
	Banner *regexp.Regexp
	New    func(Conn) Driver
}

// ProbeCommands are sent to an unidentified device; their output is
// matched against every platform's Banner.
var ProbeCommands = []string{"terminal length 0", "show version"}

// Registry is an ordered set of platforms.
type Registry struct {
	platforms []*Platform
}

func NewRegistry(platforms ...*Platform) *Registry {
	return &Registry{platforms: platforms}
}

// DefaultRegistry returns every built-in platform.
func DefaultRegistry() *Registry {
	return NewRegistry(IOS, EOS, NXOS, VyOS)
}

// Lookup finds a platform by name, ignoring case.
func (r *Registry) Lookup(name string) (*Platform, error) {
	for _, p := range r.platforms {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownPlatform, name, strings.Join(r.Names(), ", "))
}

// Guess returns the first platform whose banner appears in output.
func (r *Registry) Guess(output string) (*Platform, error) {
	for _, p := range r.platforms {
		if p.Banner != nil && p.Banner.MatchString(output) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no banner matched the probe output", ErrUnknownPlatform)
}

// Prober is the terminal's raw probe, used before any prompt table is
// known.
type Prober interface {
	Probe(ctx context.Context, commands []string, quiet time.Duration) (string, error)
}

// Detect sends ProbeCommands and guesses the platform from the reply.
func (r *Registry) Detect(ctx context.Context, p Prober, quiet time.Duration) (*Platform, error) {
	out, err := p.Probe(ctx, ProbeCommands, quiet)
	if err != nil {
		return nil, fmt.Errorf("probing device: %w", err)
	}
	return r.Guess(out)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.platforms))
	for _, p := range r.platforms {
		names = append(names, p.Name)
	}
	return names
}

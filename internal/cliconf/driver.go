package cliconf

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"netcli-daemon/internal/terminal"
)

// dialect is what differs between the command-line platforms.
type dialect struct {
	name string

	// enableMode platforms separate exec (>) from privileged (#) mode
	// and gate configuration access on the latter.
	enableMode bool
	// enablePassword recognises the secret question asked by "enable".
	enablePassword string

	// setup runs once after the shell opens.
	setup []string

	sources     map[string]string
	configEnter []string
	configLeave []string
	// configMode matches a prompt inside configuration mode; configAbort
	// leaves it without applying anything further.
	configMode  *regexp.Regexp
	configAbort []string

	versionCommand  string
	hostnameCommand string
	version         *regexp.Regexp
	model           *regexp.Regexp
	hostname        *regexp.Regexp
}

// driver implements Driver for every dialect.
type driver struct {
	dialect *dialect
	conn    Conn

	secret     string
	authorized bool
}

func newDriver(d *dialect) func(Conn) Driver {
	return func(conn Conn) Driver {
		return &driver{dialect: d, conn: conn}
	}
}

func (d *driver) Name() string   { return d.dialect.name }
func (d *driver) Prompt() string { return d.conn.Prompt() }

func (d *driver) send(ctx context.Context, text string) (string, error) {
	return d.conn.Send(ctx, terminal.Command{Text: text})
}

func (d *driver) OnOpenShell(ctx context.Context) error {
	for _, cmd := range d.dialect.setup {
		if _, err := d.send(ctx, cmd); err != nil {
			return fmt.Errorf("unable to set terminal parameters: %w", err)
		}
	}
	return nil
}

func (d *driver) OnCloseShell(ctx context.Context) error {
	if d.dialect.configMode == nil || !d.dialect.configMode.MatchString(d.Prompt()) {
		return nil
	}
	for _, cmd := range d.dialect.configAbort {
		if _, err := d.send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func privileged(prompt string) bool {
	return strings.HasSuffix(strings.TrimSpace(prompt), "#")
}

func (d *driver) OnAuthorize(ctx context.Context, secret string) error {
	d.secret = secret
	d.authorized = true
	if !d.dialect.enableMode || privileged(d.Prompt()) {
		return nil
	}

	cmd := terminal.Command{Text: "enable"}
	if secret != "" {
		cmd.Prompts = []terminal.SubPrompt{{Pattern: d.dialect.enablePassword, Answer: secret}}
	}
	if _, err := d.conn.Send(ctx, cmd); err != nil {
		return fmt.Errorf("unable to elevate privilege to enable mode: %w", err)
	}
	return nil
}

func (d *driver) OnDeauthorize(ctx context.Context) error {
	d.authorized = false
	d.secret = ""
	if !d.dialect.enableMode {
		return nil
	}
	prompt := d.Prompt()
	switch {
	case prompt == "":
		// Probably hung on a question; nothing sensible to send.
		return nil
	case strings.Contains(prompt, "(config"):
		for _, cmd := range []string{"end", "disable"} {
			if _, err := d.send(ctx, cmd); err != nil {
				return err
			}
		}
	case privileged(prompt):
		_, err := d.send(ctx, "disable")
		return err
	}
	return nil
}

// requirePrivilege makes sure the shell is in enable mode, escalating
// with the stored secret when the session was authorized.
func (d *driver) requirePrivilege(ctx context.Context) error {
	if !d.dialect.enableMode || privileged(d.Prompt()) {
		return nil
	}
	if !d.authorized {
		return ErrPrivilegeRequired
	}
	if err := d.OnAuthorize(ctx, d.secret); err != nil {
		return err
	}
	if !privileged(d.Prompt()) {
		return ErrPrivilegeRequired
	}
	return nil
}

func (d *driver) Get(ctx context.Context, cmd terminal.Command) (string, error) {
	return d.conn.Send(ctx, cmd)
}

func (d *driver) GetConfig(ctx context.Context, source string) (string, error) {
	show, ok := d.dialect.sources[source]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if err := d.requirePrivilege(ctx); err != nil {
		return "", err
	}
	return d.send(ctx, show)
}

// EditConfig enters configuration mode, sends commands in order and
// leaves again. On the first failure the rest is skipped and
// configuration mode is abandoned.
func (d *driver) EditConfig(ctx context.Context, commands []string) error {
	if err := d.requirePrivilege(ctx); err != nil {
		return err
	}
	for _, cmd := range d.dialect.configEnter {
		if _, err := d.send(ctx, cmd); err != nil {
			return fmt.Errorf("entering configuration mode: %w", err)
		}
	}
	for _, cmd := range commands {
		if _, err := d.send(ctx, cmd); err != nil {
			d.abort(ctx)
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	for _, cmd := range d.dialect.configLeave {
		if _, err := d.send(ctx, cmd); err != nil {
			d.abort(ctx)
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

func (d *driver) abort(ctx context.Context) {
	for _, cmd := range d.dialect.configAbort {
		if _, err := d.send(ctx, cmd); err != nil {
			return
		}
	}
}

func (d *driver) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	info := DeviceInfo{NetworkOS: d.dialect.name}
	out, err := d.send(ctx, d.dialect.versionCommand)
	if err != nil {
		return info, err
	}
	info.NetworkOSVersion = submatch(d.dialect.version, out)
	info.NetworkOSModel = submatch(d.dialect.model, out)

	hostOut := out
	if d.dialect.hostnameCommand != "" {
		hostOut, err = d.send(ctx, d.dialect.hostnameCommand)
		if err != nil {
			if !errors.Is(err, terminal.ErrDeviceError) {
				return info, err
			}
			hostOut = ""
		}
	}
	info.NetworkHostname = submatch(d.dialect.hostname, hostOut)
	return info, nil
}

func (d *driver) GetCapabilities(ctx context.Context) (Capabilities, error) {
	info, err := d.DeviceInfo(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	var rpc []string
	for _, m := range Methods(d) {
		rpc = append(rpc, m.Name)
	}
	return Capabilities{
		RPC:        rpc,
		NetworkAPI: "cliconf",
		DeviceInfo: info,
		NetworkOS:  d.dialect.name,
	}, nil
}

func submatch(re *regexp.Regexp, s string) string {
	if re == nil {
		return ""
	}
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

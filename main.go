package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"netcli-daemon/client"
	"netcli-daemon/internal/config"
	"netcli-daemon/internal/logging"
	"netcli-daemon/internal/persist"
)

// globalFlags override values from the config file.
type globalFlags struct {
	configFile string
	host       string
	port       int
	user       string
	networkOS  string
	transport  string
	controlDir string
	logLevel   string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:   "netcli",
		Short: "Keep CLI sessions to network devices open across invocations",
		Long: `netcli keeps one background daemon per device holding an interactive
CLI session, so that repeated commands skip the login.

Examples:
  netcli -c r1.toml get "show version"
  netcli -c r1.toml config running
  netcli -c r1.toml edit changes.txt --diff
  netcli -c r1.toml call get_capabilities
  netcli -c r1.toml stop`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "device config file (.toml, .yaml)")
	pf.StringVar(&g.host, "host", "", "device address")
	pf.IntVar(&g.port, "port", 22, "device port")
	pf.StringVarP(&g.user, "user", "u", "", "login user")
	pf.StringVar(&g.networkOS, "network-os", "", "device platform (ios, eos, nxos, vyos); empty probes the device")
	pf.StringVar(&g.transport, "transport", "", "ssh or command")
	pf.StringVar(&g.controlDir, "control-dir", "", "directory for daemon sockets, locks and logs")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.DurationVar(&g.timeout, "timeout", 0, "overall deadline for the request (0 means the command timeout)")

	root.AddCommand(
		newStartCmd(&g),
		newStopCmd(&g),
		newStatusCmd(&g),
		newRunCmd(),
		newCallCmd(&g),
		newGetCmd(&g),
		newConfigCmd(&g),
		newEditCmd(&g),
	)
	return root
}

// loadConfig reads the config file and applies the flags set on cmd.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = g.host
	}
	if flags.Changed("port") {
		cfg.Port = g.port
	}
	if flags.Changed("user") {
		cfg.User = g.user
	}
	if flags.Changed("network-os") {
		cfg.NetworkOS = g.networkOS
	}
	if flags.Changed("transport") {
		cfg.Transport = g.transport
	}
	if flags.Changed("control-dir") {
		cfg.ControlDir = g.controlDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), err
	}
	return logging.New(logging.Config{Level: level, Output: os.Stderr, Pretty: true}), nil
}

// requestContext bounds one CLI request by --timeout, or by the command
// timeout plus the time needed to start a daemon.
func requestContext(cmd *cobra.Command, g *globalFlags, cfg *config.Config) (context.Context, context.CancelFunc) {
	timeout := g.timeout
	if timeout <= 0 {
		timeout = cfg.ConnectTimeout.Std() + cfg.CommandTimeout.Std()
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// withClient connects to (or starts) the device daemon and runs fn.
func withClient(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd, g, cfg)
	defer cancel()

	c, err := client.Connect(ctx, cfg, client.Options{Log: log})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func newStartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon for a device and log in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				prompt, err := c.Prompt(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon running at %s (prompt %q)\n", c.SocketPath(), prompt)
				return nil
			})
		},
	}
}

// daemonPaths resolves where a device's daemon keeps its files without
// requiring a complete config.
func daemonPaths(cmd *cobra.Command, g *globalFlags) (persist.Identity, string, error) {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return persist.Identity{}, "", err
	}
	if cfg.Host == "" || cfg.User == "" {
		return persist.Identity{}, "", errors.New("host and user are required")
	}
	return cfg.Identity(), cfg.ControlDir, nil
}

func newStopCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Close the device session and stop its daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, dir, err := daemonPaths(cmd, g)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			sock, pidFile := id.SocketPath(dir), id.PidPath(dir)
			pid := persist.ReadPid(pidFile)

			// Shutdown over the socket closes the device session too.
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if c, err := client.Dial(ctx, sock); err == nil {
				err = c.Shutdown(ctx)
				c.Close()
				if err == nil && waitExit(pid, 5*time.Second) {
					fmt.Fprintf(out, "Daemon stopped (was pid %d)\n", pid)
					return nil
				}
			}

			if pid == 0 || !persist.ProcessAlive(pid) {
				fmt.Fprintln(out, "Daemon not running")
				os.Remove(pidFile)
				os.Remove(sock)
				return nil
			}
			syscall.Kill(pid, syscall.SIGTERM)
			if waitExit(pid, 5*time.Second) {
				fmt.Fprintf(out, "Daemon stopped (was pid %d)\n", pid)
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Daemon did not stop within 5s, sending SIGKILL")
			syscall.Kill(pid, syscall.SIGKILL)
			time.Sleep(200 * time.Millisecond)
			os.Remove(pidFile)
			os.Remove(sock)
			return nil
		},
	}
}

// waitExit polls until pid is gone. A zero pid counts as gone.
func waitExit(pid int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		if pid == 0 || !persist.ProcessAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a daemon is serving the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, dir, err := daemonPaths(cmd, g)
			if err != nil {
				return err
			}
			pid := persist.ReadPid(id.PidPath(dir))
			if pid == 0 || !persist.ProcessAlive(pid) {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon for %s is not running\n", id)
				return persist.ErrNotRunning
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon for %s is running (pid %d, socket %s)\n", id, pid, id.SocketPath(dir))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    client.DaemonCommand,
		Short:  "Run the daemon in the foreground (started by the other commands)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func newCallCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call METHOD [PARAMS]",
		Short: "Invoke an RPC method with JSON params and print the JSON result",
		Example: `  netcli call get '["show version"]'
  netcli call get_config '{"source": "startup"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params any
			if len(args) == 2 {
				if !gjson.Valid(args[1]) {
					return fmt.Errorf("params are not valid JSON: %s", args[1])
				}
				params = json.RawMessage(args[1])
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				var result json.RawMessage
				if err := c.Call(ctx, args[0], params, &result); err != nil {
					return err
				}
				var pretty any
				if err := json.Unmarshal(result, &pretty); err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(pretty)
			})
		},
	}
}

func newGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get COMMAND...",
		Short: "Run one command on the device and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				out, err := c.Get(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "config [running|startup]",
		Short:     "Print the device configuration",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"running", "startup"},
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "running"
			if len(args) == 1 {
				source = args[0]
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				out, err := c.GetConfig(ctx, source)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newEditCmd(g *globalFlags) *cobra.Command {
	var diff bool
	cmd := &cobra.Command{
		Use:   "edit FILE|-",
		Short: "Apply configuration commands from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			commands, err := readCommands(r)
			if err != nil {
				return err
			}
			if len(commands) == 0 {
				return errors.New("no configuration commands given")
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				out, err := c.EditConfig(ctx, commands, diff)
				if err != nil {
					return err
				}
				if diff && out != "" {
					fmt.Fprint(cmd.OutOrStdout(), out)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "print the change to the running configuration")
	return cmd
}

// readCommands returns the non-blank lines of r, skipping "!" and "#"
// comment lines.
func readCommands(r io.Reader) ([]string, error) {
	var commands []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "!") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		commands = append(commands, line)
	}
	return commands, sc.Err()
}

// Package client is the caller side of the connection daemon: it finds
// or starts the daemon for a device and issues framed RPC calls to it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"netcli-daemon/internal/cliconf"
	"netcli-daemon/internal/config"
	"netcli-daemon/internal/jsonrpc"
	"netcli-daemon/internal/persist"
)

// ErrIDMismatch means a response did not belong to the request just sent.
var ErrIDMismatch = errors.New("response id does not match request id")

// Client is one connection to a daemon socket. Calls are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	path string
}

// Dial connects to a daemon listening on socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return &Client{conn: conn, path: socketPath}, nil
}

// DaemonCommand is the hidden subcommand a launched daemon runs.
const DaemonCommand = "run"

// startGrace is added to the connect timeout to cover process start.
const startGrace = 5 * time.Second

// Options controls Connect.
type Options struct {
	// Launcher starts the daemon when none is running. Nil re-executes
	// the current binary with DaemonCommand.
	Launcher persist.Launcher
	Log      zerolog.Logger
}

// Connect returns a client for the daemon serving cfg's device,
// starting one first if needed.
func Connect(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	launcher := opts.Launcher
	if launcher == nil {
		payload, err := cfg.Encode()
		if err != nil {
			return nil, err
		}
		launcher = &persist.ExecLauncher{Args: []string{DaemonCommand}, Payload: payload}
	}
	sock, err := persist.Start(ctx, persist.Options{
		Identity:   cfg.Identity(),
		ControlDir: cfg.ControlDir,
		Timeout:    cfg.ConnectTimeout.Std() + startGrace,
		Launcher:   launcher,
		Log:        opts.Log,
	})
	if err != nil {
		return nil, err
	}
	return Dial(ctx, sock)
}

func (c *Client) SocketPath() string { return c.path }

func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method and decodes its result into result, which may be
// nil. params is marshalled as given: a slice for positional arguments,
// a map or struct for named ones. Device and protocol failures come
// back as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := uuid.NewString()
	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: method}
	idRaw, _ := json.Marshal(id)
	req.ID = idRaw
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Zero when ctx has no deadline, which clears any earlier one.
	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		// Unblock the pending read or write.
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := jsonrpc.WriteFrame(c.conn, body); err != nil {
		return c.ioError(ctx, "sending request", err)
	}
	raw, err := jsonrpc.ReadFrame(c.conn)
	if err != nil {
		return c.ioError(ctx, "reading response", err)
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	var gotID string
	if err := json.Unmarshal(resp.ID, &gotID); err != nil || gotID != id {
		return fmt.Errorf("%w: sent %s, got %s", ErrIDMismatch, id, resp.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

func (c *Client) ioError(ctx context.Context, what string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		// Connection deadlines only ever come from ctx, whose timer may
		// not have fired yet.
		<-ctx.Done()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Get runs one command and returns its output.
func (c *Client) Get(ctx context.Context, command string) (string, error) {
	var out string
	err := c.Call(ctx, "get", []any{command}, &out)
	return out, err
}

// Prompted answers interactive questions raised by a command.
type Prompted struct {
	Command  string   `json:"command"`
	Prompt   []string `json:"prompt,omitempty"`
	Answer   []string `json:"answer,omitempty"`
	SendOnly bool     `json:"send_only,omitempty"`
}

// GetPrompted runs a command that may ask questions.
func (c *Client) GetPrompted(ctx context.Context, cmd Prompted) (string, error) {
	var out string
	err := c.Call(ctx, "get", cmd, &out)
	return out, err
}

// GetConfig returns the "running" or "startup" configuration.
func (c *Client) GetConfig(ctx context.Context, source string) (string, error) {
	var out string
	err := c.Call(ctx, "get_config", map[string]any{"source": source}, &out)
	return out, err
}

// EditConfig applies commands in configuration mode. With diff set it
// returns the change to the running configuration.
func (c *Client) EditConfig(ctx context.Context, commands []string, diff bool) (string, error) {
	params := map[string]any{"commands": commands, "diff": diff}
	if !diff {
		return "", c.Call(ctx, "edit_config", params, nil)
	}
	var res cliconf.EditResult
	if err := c.Call(ctx, "edit_config", params, &res); err != nil {
		return "", err
	}
	return res.Diff, nil
}

func (c *Client) GetCapabilities(ctx context.Context) (cliconf.Capabilities, error) {
	var caps cliconf.Capabilities
	err := c.Call(ctx, "get_capabilities", nil, &caps)
	return caps, err
}

// RunCommands runs commands in order and stops at the first failure.
func (c *Client) RunCommands(ctx context.Context, commands []string) ([]string, error) {
	var out []string
	err := c.Call(ctx, "run_commands", []any{commands}, &out)
	return out, err
}

// Prompt returns the prompt the device showed last.
func (c *Client) Prompt(ctx context.Context) (string, error) {
	var out string
	err := c.Call(ctx, "get_prompt", nil, &out)
	return out, err
}

// History lists every command sent on the session.
func (c *Client) History(ctx context.Context) ([]string, error) {
	var out []string
	err := c.Call(ctx, "history", nil, &out)
	return out, err
}

// Shutdown asks the daemon to close the device session and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, "shutdown", nil, nil)
}

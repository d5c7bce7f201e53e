package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"netcli-daemon/internal/config"
	"netcli-daemon/internal/fakedevice"
	"netcli-daemon/internal/jsonrpc"
	"netcli-daemon/internal/persist"
)

func newDevice() *fakedevice.Device {
	return &fakedevice.Device{
		Banner: "Last login: Mon Oct 12 09:00:00 2026",
		Prompt: "switch#",
		Outputs: map[string]string{
			"show version":        "Arista vEOS\nSoftware image version: 4.15.2F",
			"show hostname":       "Hostname: switch\nFQDN: switch.lab",
			"show clock":          "Mon Oct 12 09:00:01 2026",
			"show running-config": "hostname switch\ninterface Ethernet1",
			"show bogus":          "% Invalid input detected at '^' marker.",
		},
	}
}

// harness runs daemons in-process against a fake device.
type harness struct {
	t   *testing.T
	dev *fakedevice.Device
	cfg *config.Config

	mu       sync.Mutex
	sessions []*persist.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Short paths keep socket names under the sun_path limit.
	dir, err := os.MkdirTemp("", "nc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Host = "switch.lab"
	cfg.User = "admin"
	cfg.NetworkOS = "eos"
	cfg.ControlDir = dir
	cfg.ConnectTimeout = config.Duration(5 * time.Second)

	h := &harness{t: t, dev: newDevice(), cfg: cfg}
	t.Cleanup(func() {
		for _, s := range h.launched() {
			s.Terminate()
		}
	})
	return h
}

func (h *harness) Launch(ctx context.Context, lock *persist.Lock) error {
	held, err := lock.Dup()
	if err != nil {
		return err
	}
	s := persist.NewSession(persist.SessionConfig{
		Identity:       h.cfg.Identity(),
		ControlDir:     h.cfg.ControlDir,
		Dialer:         h.dev,
		NetworkOS:      h.cfg.NetworkOS,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		IdleTimeout:    10 * time.Second,
		Lock:           held,
		Log:            zerolog.Nop(),
	})
	h.mu.Lock()
	h.sessions = append(h.sessions, s)
	h.mu.Unlock()
	go func() {
		if err := s.Connect(context.Background()); err != nil {
			return
		}
		s.Run(context.Background())
	}()
	return nil
}

func (h *harness) launched() []*persist.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*persist.Session(nil), h.sessions...)
}

func (h *harness) connect() *Client {
	h.t.Helper()
	c, err := Connect(context.Background(), h.cfg, Options{Launcher: h, Log: zerolog.Nop()})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnect_SharesOneDaemon(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	first := h.connect()
	out, err := first.Get(ctx, "show clock")
	require.NoError(t, err)
	assert.Equal(t, "Mon Oct 12 09:00:01 2026", out)
	require.NoError(t, first.Close())

	second := h.connect()
	assert.Equal(t, first.SocketPath(), second.SocketPath())
	out, err = second.Get(ctx, "show clock")
	require.NoError(t, err)
	assert.Equal(t, "Mon Oct 12 09:00:01 2026", out)

	assert.Len(t, h.launched(), 1)
	assert.Equal(t, 1, h.dev.Dials())
}

func TestConnect_InvalidConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.Host = ""

	_, err := Connect(testContext(t), h.cfg, Options{Launcher: h})
	assert.ErrorContains(t, err, "host is required")
	assert.Empty(t, h.launched())
}

func TestClient_Methods(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	c := h.connect()

	running, err := c.GetConfig(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, "hostname switch\ninterface Ethernet1", running)

	outs, err := c.RunCommands(ctx, []string{"show clock", "show hostname"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon Oct 12 09:00:01 2026", "Hostname: switch\nFQDN: switch.lab"}, outs)

	out, err := c.GetPrompted(ctx, Prompted{Command: "show clock", Prompt: []string{`\[confirm\]`}, Answer: []string{"y"}})
	require.NoError(t, err)
	assert.Equal(t, "Mon Oct 12 09:00:01 2026", out)

	caps, err := c.GetCapabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cliconf", caps.NetworkAPI)
	assert.Equal(t, "eos", caps.NetworkOS)
	assert.Equal(t, "4.15.2F", caps.DeviceInfo.NetworkOSVersion)
	assert.Equal(t, "switch", caps.DeviceInfo.NetworkHostname)
	assert.Contains(t, caps.RPC, "edit_config")

	diff, err := c.EditConfig(ctx, []string{"interface Ethernet1", "description uplink"}, true)
	require.NoError(t, err)
	assert.Empty(t, diff)

	prompt, err := c.Prompt(ctx)
	require.NoError(t, err)
	assert.Equal(t, "switch#", prompt)

	history, err := c.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"terminal length 0",
		"terminal width 512",
		"show running-config",
		"show clock",
		"show hostname",
		"show clock",
		"show version",
		"show hostname",
		"show running-config",
		"configure",
		"interface Ethernet1",
		"description uplink",
		"end",
		"show running-config",
	}, history)
}

func TestClient_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	c := h.connect()

	_, err := c.Get(ctx, "show bogus")
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.InternalError, rpcErr.Code)

	_, err = c.GetConfig(ctx, "candidate")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.InvalidParams, rpcErr.Code)

	err = c.Call(ctx, "commit", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.MethodNotFound, rpcErr.Code)

	// The session survives device errors.
	out, err := c.Get(ctx, "show clock")
	require.NoError(t, err)
	assert.Equal(t, "Mon Oct 12 09:00:01 2026", out)
}

func TestClient_ShutdownThenRelaunch(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	c := h.connect()
	require.NoError(t, c.Shutdown(ctx))
	select {
	case <-h.launched()[0].Done():
	case <-ctx.Done():
		t.Fatal("daemon did not shut down")
	}
	_, err := os.Stat(h.cfg.Identity().SocketPath(h.cfg.ControlDir))
	assert.ErrorIs(t, err, os.ErrNotExist)

	again := h.connect()
	_, err = again.Get(ctx, "show clock")
	require.NoError(t, err)
	assert.Len(t, h.launched(), 2)
	assert.Equal(t, 2, h.dev.Dials())
}

// serveOnce answers the first request on a fresh socket with reply,
// which receives the request's id.
func serveOnce(t *testing.T, reply func(id json.RawMessage) []byte) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "nc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "s")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		raw, err := jsonrpc.ReadFrame(conn)
		if err != nil {
			return
		}
		body := reply(json.RawMessage(gjson.GetBytes(raw, "id").Raw))
		if body == nil {
			// Hold the connection open until the client gives up.
			jsonrpc.ReadFrame(conn)
			return
		}
		jsonrpc.WriteFrame(conn, body)
	}()
	return path
}

func TestCall_IDMismatch(t *testing.T) {
	path := serveOnce(t, func(json.RawMessage) []byte {
		return []byte(`{"jsonrpc":"2.0","id":"someone-else","result":"ok"}`)
	})
	c, err := Dial(testContext(t), path)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call(testContext(t), "get_prompt", nil, nil)
	assert.ErrorIs(t, err, ErrIDMismatch)
}

func TestCall_UUIDIdentifiers(t *testing.T) {
	ids := make(chan string, 1)
	path := serveOnce(t, func(id json.RawMessage) []byte {
		ids <- string(id)
		return []byte(`{"jsonrpc":"2.0","id":` + string(id) + `,"result":["a","b"]}`)
	})
	c, err := Dial(testContext(t), path)
	require.NoError(t, err)
	defer c.Close()

	var out []string
	require.NoError(t, c.Call(testContext(t), "history", nil, &out))
	assert.Equal(t, []string{"a", "b"}, out)
	assert.Regexp(t, `^"[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}"$`, <-ids)
}

func TestCall_ContextDeadline(t *testing.T) {
	path := serveOnce(t, func(json.RawMessage) []byte { return nil })
	c, err := Dial(testContext(t), path)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = c.Call(ctx, "get", []any{"show clock"}, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDial_NoDaemon(t *testing.T) {
	_, err := Dial(testContext(t), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

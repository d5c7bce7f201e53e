package cliconf

import (
	"context"
	"errors"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"

	"netcli-daemon/internal/jsonrpc"
	"netcli-daemon/internal/terminal"
)

// EditResult is returned by edit_config when a diff was requested.
type EditResult struct {
	Diff string `json:"diff"`
}

// Methods returns the RPC table served for a driver, in registration
// order.
func Methods(d Driver) []jsonrpc.Method {
	return []jsonrpc.Method{
		{Name: "get", Handler: func(ctx context.Context, p jsonrpc.Params) (any, error) {
			cmd, err := commandArgs(p.Arg(0, "command"), p.Arg(1, "prompt"), p.Arg(2, "answer"), p.Arg(3, "send_only"))
			if err != nil {
				return nil, err
			}
			return d.Get(ctx, cmd)
		}},
		{Name: "get_config", Handler: func(ctx context.Context, p jsonrpc.Params) (any, error) {
			source, err := p.String(0, "source", "running")
			if err != nil {
				return nil, err
			}
			out, err := d.GetConfig(ctx, source)
			return out, paramError(err)
		}},
		{Name: "edit_config", Handler: func(ctx context.Context, p jsonrpc.Params) (any, error) {
			commands, err := p.Strings(0, "commands")
			if err != nil {
				return nil, err
			}
			if len(commands) == 0 {
				return nil, jsonrpc.Errorf("commands is required")
			}
			withDiff, err := p.Bool(1, "diff", false)
			if err != nil {
				return nil, err
			}
			if !withDiff {
				return nil, d.EditConfig(ctx, commands)
			}
			return editWithDiff(ctx, d, commands)
		}},
		{Name: "get_capabilities", Handler: func(ctx context.Context, _ jsonrpc.Params) (any, error) {
			return d.GetCapabilities(ctx)
		}},
		{Name: "run_commands", Handler: func(ctx context.Context, p jsonrpc.Params) (any, error) {
			items := p.Arg(0, "commands")
			if !items.IsArray() {
				return nil, jsonrpc.Errorf("commands must be a list")
			}
			var out []string
			for _, item := range items.Array() {
				var cmd terminal.Command
				var err error
				if item.IsObject() {
					cmd, err = commandArgs(item.Get("command"), item.Get("prompt"), item.Get("answer"), item.Get("send_only"))
				} else {
					cmd, err = commandArgs(item, gjson.Result{}, gjson.Result{}, gjson.Result{})
				}
				if err != nil {
					return nil, err
				}
				resp, err := d.Get(ctx, cmd)
				if err != nil {
					return nil, err
				}
				out = append(out, resp)
			}
			return out, nil
		}},
		{Name: "get_prompt", Handler: func(context.Context, jsonrpc.Params) (any, error) {
			return d.Prompt(), nil
		}},
	}
}

// commandArgs builds a command from get-style arguments. prompt and
// answer may each be a string or a list; a single answer is used for
// every prompt.
func commandArgs(command, prompt, answer, sendOnly gjson.Result) (terminal.Command, error) {
	if command.Type != gjson.String || command.Str == "" {
		return terminal.Command{}, jsonrpc.Errorf("command must be a non-empty string")
	}
	prompts, err := jsonrpc.StringList(prompt, "prompt")
	if err != nil {
		return terminal.Command{}, err
	}
	answers, err := jsonrpc.StringList(answer, "answer")
	if err != nil {
		return terminal.Command{}, err
	}
	if len(answers) > 1 && len(answers) != len(prompts) {
		return terminal.Command{}, jsonrpc.Errorf("got %d answers for %d prompts", len(answers), len(prompts))
	}
	if sendOnly.Exists() && sendOnly.Type != gjson.Null && sendOnly.Type != gjson.True && sendOnly.Type != gjson.False {
		return terminal.Command{}, jsonrpc.Errorf("send_only must be a boolean")
	}

	cmd := terminal.Command{Text: command.Str, SendOnly: sendOnly.Bool()}
	for i, pattern := range prompts {
		var a string
		switch {
		case len(answers) == 1:
			a = answers[0]
		case i < len(answers):
			a = answers[i]
		}
		cmd.Prompts = append(cmd.Prompts, terminal.SubPrompt{Pattern: pattern, Answer: a})
	}
	return cmd, nil
}

func paramError(err error) error {
	if errors.Is(err, ErrUnknownSource) {
		return jsonrpc.Errorf("%v", err)
	}
	return err
}

func editWithDiff(ctx context.Context, d Driver, commands []string) (any, error) {
	before, err := d.GetConfig(ctx, "running")
	if err != nil {
		return nil, err
	}
	if err := d.EditConfig(ctx, commands); err != nil {
		return nil, err
	}
	after, err := d.GetConfig(ctx, "running")
	if err != nil {
		return nil, err
	}
	return EditResult{Diff: LineDiff(before, after)}, nil
}

// LineDiff renders the lines removed from before with "-" and the lines
// added in after with "+". Unchanged lines are omitted.
func LineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, diff := range diffs {
		var prefix string
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(diff.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(strings.TrimSuffix(line, "\n"))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const promptPlaceholder = "{prompt}"

// CommandAdapter runs an AI coding CLI once per message.
// Works for any tool that takes the prompt as an argument and prints the
// answer on stdout, either as plain text or as newline-delimited JSON events.
type CommandAdapter struct {
	name    string
	command string
	args    []string
	model   string
	workDir string
	procMgr *ProcessManager
}

// NewCommandAdapter creates an adapter for cfg.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) *CommandAdapter {
	command := cfg.Command
	if command == "" {
		command = cfg.Name
	}
	return &CommandAdapter{
		name:    cfg.Name,
		command: command,
		args:    append([]string(nil), cfg.Args...),
		model:   cfg.Model,
		workDir: cfg.WorkDir,
		procMgr: procMgr,
	}
}

// Send runs the command with the message as prompt and returns its answer.
func (c *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, c.command, c.buildArgs(msg)...)
	cmd.Dir = c.workDir

	stdout, err := runCommand(cmd, c.procMgr)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("%s command failed: %v", c.name, err),
		}, err
	}

	return Response{Content: parseOutput(stdout)}, nil
}

// buildArgs substitutes the prompt into the configured arguments.
func (c *CommandAdapter) buildArgs(msg Message) []string {
	args := make([]string, 0, len(c.args)+3)
	substituted := false
	for _, arg := range c.args {
		if strings.Contains(arg, promptPlaceholder) {
			arg = strings.ReplaceAll(arg, promptPlaceholder, msg.Content)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, msg.Content)
	}

	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

// parseOutput extracts the final answer. When every line is a JSON event the
// last result, content or text field wins; anything else is returned as is.
func parseOutput(stdout []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var answer string
	events := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !gjson.Valid(line) || !gjson.Parse(line).IsObject() {
			return strings.TrimSpace(string(stdout))
		}
		events++
		for _, field := range []string{"result", "content", "text"} {
			if v := gjson.Get(line, field); v.Exists() && v.Type == gjson.String {
				answer = v.String()
				break
			}
		}
	}

	if scanner.Err() != nil || events == 0 || answer == "" {
		return strings.TrimSpace(string(stdout))
	}
	return answer
}

// Close is a no-op: the command is invoked per message.
func (c *CommandAdapter) Close() error {
	return nil
}

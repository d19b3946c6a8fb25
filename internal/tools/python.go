package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxPythonOutput = 16000

// PythonTool runs a Python snippet in a subprocess and returns its output.
type PythonTool struct {
	interpreter string
	timeout     time.Duration
}

func NewPythonTool(interpreter string, timeout time.Duration) *PythonTool {
	if interpreter == "" {
		interpreter = "python3"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PythonTool{interpreter: interpreter, timeout: timeout}
}

func (p *PythonTool) Name() string { return PythonREPL }

func (p *PythonTool) Description() string {
	return "Execute Python code for calculations and data analysis. Print the values you need; stdout is returned."
}

func (p *PythonTool) Parameters() map[string]any {
	return stringSchema("code", "Python source to execute")
}

func (p *PythonTool) Execute(ctx context.Context, input string) (string, error) {
	code := argument(input, "code")
	if strings.TrimSpace(code) == "" {
		return "", errors.New("no code provided")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.interpreter, "-c", code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("python execution timed out after %s", p.timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("python execution failed: %s", truncate(msg, 2000))
	}

	out := stdout.String()
	if out == "" {
		out = "(no output)"
	}
	return truncate(out, maxPythonOutput), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n... (output truncated) ..."
}

package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// maxOutput caps what is kept of a script's stdout and stderr
const maxOutput = 4 << 20

// ScriptRuntime runs plugins as child processes
type ScriptRuntime struct {
	shell  string
	logger *zap.Logger
}

// NewScriptRuntime creates a script runtime using /bin/sh for code without
// an interpreter line
func NewScriptRuntime(logger *zap.Logger) *ScriptRuntime {
	return &ScriptRuntime{shell: "/bin/sh", logger: logger}
}

// Kind implements Runtime
func (r *ScriptRuntime) Kind() RuntimeKind {
	return RuntimeScript
}

// Compile checks the script syntax when the interpreter is a POSIX-style shell
func (r *ScriptRuntime) Compile(ctx context.Context, code string) (Program, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &CompileError{Message: "plugin code is empty"}
	}

	interp := r.shell
	if line, ok := shebang(code); ok {
		interp = line
	}

	if shellName := filepath.Base(strings.Fields(interp)[0]); isShell(shellName) {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		cmd := exec.CommandContext(checkCtx, strings.Fields(interp)[0], "-n")
		cmd.Stdin = strings.NewReader(code)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, &CompileError{Message: msg}
		}
	}

	return &scriptProgram{code: code, shell: r.shell, logger: r.logger}, nil
}

func shebang(code string) (string, bool) {
	if !strings.HasPrefix(code, "#!") {
		return "", false
	}
	line, _, _ := strings.Cut(code[2:], "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	// "/usr/bin/env bash" names the shell in the second field
	fields := strings.Fields(line)
	if filepath.Base(fields[0]) == "env" && len(fields) > 1 {
		if p, err := exec.LookPath(fields[1]); err == nil {
			return p, true
		}
		return fields[1], true
	}
	return line, true
}

func isShell(name string) bool {
	switch name {
	case "sh", "bash", "dash", "ash", "ksh", "zsh":
		return true
	}
	return false
}

type scriptProgram struct {
	code   string
	shell  string
	logger *zap.Logger
}

func (p *scriptProgram) Close(ctx context.Context) error {
	return nil
}

// Run executes the script in a fresh working directory that is removed afterwards
func (p *scriptProgram) Run(ctx context.Context, in Input) (Data, error) {
	workDir, err := os.MkdirTemp("", "hostwatch-plugin-")
	if err != nil {
		return Data{}, &LoadError{Message: fmt.Sprintf("failed to create workspace: %v", err)}
	}
	defer os.RemoveAll(workDir)

	path := filepath.Join(workDir, "plugin")
	if err := os.WriteFile(path, []byte(p.code), 0o700); err != nil {
		return Data{}, &LoadError{Message: fmt.Sprintf("failed to write plugin: %v", err)}
	}

	stdin, err := json.Marshal(in)
	if err != nil {
		return Data{}, &LoadError{Message: fmt.Sprintf("failed to encode input: %v", err)}
	}

	var cmd *exec.Cmd
	if _, ok := shebang(p.code); ok {
		cmd = exec.CommandContext(ctx, path)
	} else {
		cmd = exec.CommandContext(ctx, p.shell, path)
	}
	cmd.Dir = workDir
	cmd.Env = pluginEnv(workDir, in)
	cmd.Stdin = bytes.NewReader(stdin)

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// kill the whole process group so children die with the plugin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return Data{}, &LoadError{Message: fmt.Sprintf("failed to start plugin: %v", err)}
	}
	runErr := cmd.Wait()
	// background children outlive the plugin otherwise
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Debug("Failed to kill plugin process group", zap.Error(err))
	}
	if ctx.Err() != nil {
		return Data{}, ctx.Err()
	}
	if errors.Is(runErr, exec.ErrWaitDelay) {
		// exited cleanly but a child kept stdout open
		p.logger.Debug("Plugin left a child process holding its output open")
		runErr = nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Data{}, &RuntimeError{
				Class:   "ExitError",
				Message: exitErr.Error(),
				Detail:  strings.TrimSpace(stderr.String()),
			}
		}
		return Data{}, &RuntimeError{Class: "WaitError", Message: runErr.Error()}
	}

	if s := strings.TrimSpace(stderr.String()); s != "" {
		p.logger.Debug("Plugin wrote to stderr", zap.String("stderr", s))
	}

	data, err := ParseOutput(stdout.Bytes())
	if err != nil {
		return Data{}, &RuntimeError{Class: "MalformedOutput", Message: err.Error()}
	}
	return data, nil
}

var nonEnvChars = regexp.MustCompile(`[^A-Z0-9_]`)

// pluginEnv builds a minimal environment instead of inheriting the host's
func pluginEnv(workDir string, in Input) []string {
	env := []string{
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"HOSTWATCH_PLUGIN_ID=" + in.PluginID,
		"HOSTWATCH_PLUGIN_NAME=" + in.Name,
	}
	for _, key := range []string{"PATH", "LANG", "LC_ALL", "TZ", "USER"} {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	if in.LastRun != nil {
		env = append(env, "HOSTWATCH_LAST_RUN="+in.LastRun.UTC().Format(time.RFC3339))
	}
	for name, value := range in.Options {
		key := nonEnvChars.ReplaceAllString(strings.ToUpper(name), "_")
		switch v := value.(type) {
		case string:
			env = append(env, "HOSTWATCH_OPTION_"+key+"="+v)
		case nil:
		default:
			if b, err := json.Marshal(v); err == nil {
				env = append(env, "HOSTWATCH_OPTION_"+key+"="+string(b))
			}
		}
	}
	return env
}

// cappedBuffer keeps at most limit bytes and silently drops the rest
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte  { return c.buf.Bytes() }
func (c *cappedBuffer) String() string { return c.buf.String() }

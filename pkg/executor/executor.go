// Package executor compiles and runs user code for the languages the editor
// supports, one temporary directory and one deadline per run.
package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrTimeout             = errors.New("execution timeout")
	ErrCompilation         = errors.New("compilation error")
)

// DefaultTimeout covers compilation and execution together.
const DefaultTimeout = 10 * time.Second

type Request struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type Result struct {
	Success             bool   `json:"success"`
	Output              string `json:"output"`
	Error               string `json:"error,omitempty"`
	ExecutionTimeMillis int64  `json:"executionTimeMillis"`
}

type Runner struct {
	Timeout time.Duration
	log     *zap.Logger
}

func NewRunner(timeout time.Duration, log *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{Timeout: timeout, log: log}
}

// Execute never returns an error; every failure is reported in the Result.
func (r *Runner) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	output, err := r.run(ctx, req)
	res := Result{
		Success:             err == nil,
		Output:              output,
		ExecutionTimeMillis: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		r.log.Debug("execution failed",
			zap.String("language", req.Language),
			zap.Error(err))
	}
	return res
}

func (r *Runner) run(ctx context.Context, req Request) (string, error) {
	lang := strings.ToLower(strings.TrimSpace(req.Language))
	switch lang {
	case "python", "javascript", "java", "cpp", "c++":
	default:
		return "", errors.Wrap(ErrUnsupportedLanguage, req.Language)
	}

	dir, err := os.MkdirTemp("", "codecollab-exec-")
	if err != nil {
		return "", errors.Wrap(err, "create temp dir")
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	switch lang {
	case "python":
		src, err := writeSource(dir, "main.py", req.Code)
		if err != nil {
			return "", err
		}
		return runProcess(ctx, dir, "python3", src)

	case "javascript":
		src, err := writeSource(dir, "main.js", req.Code)
		if err != nil {
			return "", err
		}
		return runProcess(ctx, dir, "node", src)

	case "java":
		class := JavaClassName(req.Code)
		if class == "" {
			return "", errors.Wrap(ErrCompilation, "could not find public class in Java code")
		}
		src, err := writeSource(dir, class+".java", req.Code)
		if err != nil {
			return "", err
		}
		if out, err := runProcess(ctx, dir, "javac", src); err != nil {
			return "", compileError(out, err)
		}
		return runProcess(ctx, dir, "java", "-cp", dir, class)

	default:
		src, err := writeSource(dir, "main.cpp", req.Code)
		if err != nil {
			return "", err
		}
		bin := filepath.Join(dir, "main.out")
		if out, err := runProcess(ctx, dir, "g++", src, "-o", bin); err != nil {
			return "", compileError(out, err)
		}
		return runProcess(ctx, dir, bin)
	}
}

func writeSource(dir, name, code string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		return "", errors.Wrap(err, "write source")
	}
	return path, nil
}

// runProcess returns the combined stdout and stderr of the command.
func runProcess(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	isolate(cmd)
	// children that inherited our pipes must not keep Wait alive past the deadline
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	// background processes left behind by a run that exited on its own
	_ = killGroup(cmd)
	output := strings.TrimRight(string(out), "\n")
	if ctx.Err() == context.DeadlineExceeded {
		return output, ErrTimeout
	}
	if err != nil {
		return output, errors.Wrap(err, name)
	}
	return output, nil
}

func compileError(out string, err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if out == "" {
		out = err.Error()
	}
	return errors.Wrap(ErrCompilation, out)
}

var javaClassRe = regexp.MustCompile(`(?m)^\s*public\s+(?:(?:final|abstract)\s+)*class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)

// JavaClassName finds the name of the public class, or "" when there is none.
func JavaClassName(code string) string {
	m := javaClassRe.FindStringSubmatch(code)
	if m == nil {
		return ""
	}
	return m[1]
}

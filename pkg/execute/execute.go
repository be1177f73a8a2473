// pkg/execute/execute.go

// Package execute runs local processes with structured logging.
//
// Environment bindings passed in Options.Env are appended to the child's
// environment for that invocation only. Their names may be logged; their
// values never are.
package execute

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/telemetry"
	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Options controls a single Run.
type Options struct {
	Command string
	Args    []string
	Dir     string

	// Env is added on top of os.Environ(). Values are treated as secret.
	Env map[string]string

	// Stdin, if set, is fed to the process.
	Stdin io.Reader

	// Stream copies output to the given writer as well as capturing it.
	Stream io.Writer

	Timeout time.Duration
	Retries int
	Delay   time.Duration
	DryRun  bool
	Capture bool
	Logger  *zap.Logger
}

// Run executes a command with structured logging and proper error handling
func Run(ctx context.Context, opts Options) (string, error) {
	cmdStr := buildCommandString(opts.Command, opts.Args...)

	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = otelzap.Ctx(ctx).ZapLogger()
	}
	rc, cancel := context.WithTimeout(ctx, defaultTimeout(opts.Timeout))
	defer cancel()

	rc, span := telemetry.Start(rc, "execute.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("command", opts.Command),
		attribute.Int("args", len(opts.Args)),
		attribute.StringSlice("env_names", envNames(opts.Env)),
	)

	if opts.Command == "" {
		return "", forge_err.NewInternalError("execute: empty command", nil)
	}

	if opts.DryRun {
		logger.Info("Dry run mode - command not executed",
			zap.String("command", cmdStr),
			zap.Strings("env", envNames(opts.Env)))
		return "", nil
	}

	logger.Debug("Starting execution",
		zap.String("command", cmdStr),
		zap.Strings("env", envNames(opts.Env)))

	var output string
	var err error
	attempts := max(1, opts.Retries)

	for i := 1; i <= attempts; i++ {
		cmd := exec.CommandContext(rc, opts.Command, opts.Args...)
		if opts.Dir != "" {
			cmd.Dir = opts.Dir
		}
		if len(opts.Env) > 0 {
			cmd.Env = mergeEnv(os.Environ(), opts.Env)
		}
		if opts.Stdin != nil {
			cmd.Stdin = opts.Stdin
		}

		var buf bytes.Buffer
		var w io.Writer = &buf
		if opts.Stream != nil {
			w = io.MultiWriter(opts.Stream, &buf)
		}
		cmd.Stdout = w
		cmd.Stderr = w

		err = cmd.Run()
		output = buf.String()

		if err == nil {
			logger.Debug("Execution succeeded", zap.String("command", cmdStr), zap.Int("attempt", i))
			break
		}

		span.RecordError(err)
		logger.Warn("Execution failed",
			zap.Error(err),
			zap.Int("attempt", i),
			zap.String("command", cmdStr),
			zap.String("summary", forge_err.ExtractSummary(output, 2)),
		)

		if rc.Err() != nil {
			err = cerr.Wrap(rc.Err(), err.Error())
			break
		}
		if i < attempts && opts.Delay > 0 {
			select {
			case <-rc.Done():
			case <-time.After(opts.Delay):
			}
		}
	}

	if err != nil {
		return output, cerr.Wrapf(err, "command %q failed after %d attempt(s)", opts.Command, attempts)
	}

	if opts.Capture {
		return output, nil
	}
	return "", nil
}

func envNames(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// mergeEnv overrides any existing variable of the same name.
func mergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if _, ok := extra[name]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range envNames(extra) {
		out = append(out, k+"="+extra[k])
	}
	return out
}

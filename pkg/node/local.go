// pkg/node/local.go

// Package node implements the bootstrap target: the machine packages are
// installed on, files written to and commands run on. Local acts on the
// machine runnerforge runs on; SSH drives a remote one.
package node

import (
	"context"
	"os"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/fileops"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/systemd"
	"go.uber.org/zap"
)

// Local runs everything on this machine.
type Local struct {
	Packages PackageManager
	Logger   *zap.Logger
	// CommandTimeout bounds commands run without a context deadline.
	CommandTimeout time.Duration

	files *fileops.FileSystemOperations
}

func NewLocal(pm PackageManager, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		Packages:       pm,
		Logger:         logger.Named("node.local"),
		CommandTimeout: 10 * time.Minute,
		files:          fileops.NewFileSystemOperations(logger),
	}
}

func (l *Local) InstallPackage(ctx context.Context, name, source string) error {
	return ensurePackage(ctx, l, l.Packages, name, source)
}

func (l *Local) WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error {
	if l.files == nil {
		l.files = fileops.NewFileSystemOperations(l.Logger)
	}
	return l.files.WriteFile(ctx, path, content, mode)
}

// RunCommand runs command with /bin/sh -c. env is added to this process's
// environment for the one invocation.
func (l *Local) RunCommand(ctx context.Context, command string, env map[string]string) (string, error) {
	timeout := l.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return execute.Run(ctx, execute.Options{
		Command: "/bin/sh",
		Args:    []string{"-c", command},
		Env:     env,
		Capture: true,
		Timeout: timeout,
		Logger:  l.Logger,
	})
}

func (l *Local) EnableService(ctx context.Context, name string) error {
	return systemd.EnableNow(ctx, l, name)
}

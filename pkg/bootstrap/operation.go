// pkg/bootstrap/operation.go

package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/secretbind"
	"mvdan.cc/sh/v3/syntax"
)

// OpKind names an operation type.
type OpKind string

const (
	OpInstallPackage OpKind = "install-package"
	OpWriteFile      OpKind = "write-file"
	OpRunCommand     OpKind = "run-command"
	OpVerify         OpKind = "verify"
	OpEnableService  OpKind = "enable-service"
)

// Operation is one atomic bootstrap action. The set of implementations is
// closed; the sequencer switches over it exhaustively.
type Operation interface {
	Kind() OpKind
	// Describe is safe to log. It never contains file contents or secret values.
	Describe() string
	isOperation()
}

// InstallPackage installs a package. Source, when set, is a local package
// file on the node; otherwise the node's repositories are used.
type InstallPackage struct {
	Name   string
	Source string
}

func (InstallPackage) Kind() OpKind { return OpInstallPackage }
func (InstallPackage) isOperation() {}

func (o InstallPackage) Describe() string {
	if o.Source != "" {
		return fmt.Sprintf("install %s from %s", o.Name, o.Source)
	}
	return "install " + o.Name
}

// WriteFile overwrites Path with Content.
type WriteFile struct {
	Path    string
	Content []byte
	Mode    os.FileMode
}

func (WriteFile) Kind() OpKind { return OpWriteFile }
func (WriteFile) isOperation() {}

func (o WriteFile) Describe() string {
	return fmt.Sprintf("write %s (%d bytes, mode %04o)", o.Path, len(o.Content), o.Mode.Perm())
}

// RunCommand runs Shell with Args appended as quoted words. Env bindings are
// resolved immediately before the command runs and exist only for it.
type RunCommand struct {
	Shell   string
	Args    []string
	Env     []secretbind.Binding
	Timeout time.Duration
}

func (RunCommand) Kind() OpKind { return OpRunCommand }
func (RunCommand) isOperation() {}

// CommandLine is Shell followed by each argument quoted for a POSIX shell.
func (o RunCommand) CommandLine() (string, error) {
	if len(o.Args) == 0 {
		return o.Shell, nil
	}
	parts := make([]string, 0, len(o.Args)+1)
	parts = append(parts, o.Shell)
	for _, a := range o.Args {
		q, err := syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("cannot quote argument: %w", err)
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " "), nil
}

func (o RunCommand) Describe() string {
	line, err := o.CommandLine()
	if err != nil {
		line = o.Shell + " <unquotable arguments>"
	}
	if len(o.Env) == 0 {
		return "run " + line
	}
	names := make([]string, len(o.Env))
	for i, b := range o.Env {
		names[i] = b.EnvVar
	}
	return fmt.Sprintf("run %s [env: %s]", line, strings.Join(names, ","))
}

func (o RunCommand) clone() RunCommand {
	o.Args = append([]string(nil), o.Args...)
	o.Env = append([]secretbind.Binding(nil), o.Env...)
	return o
}

// Verify polls Command until it exits zero or Timeout elapses.
type Verify struct {
	Command  string
	Timeout  time.Duration
	Interval time.Duration
}

func (Verify) Kind() OpKind { return OpVerify }
func (Verify) isOperation() {}

func (o Verify) Describe() string {
	return fmt.Sprintf("verify %q every %s for up to %s", o.Command, o.Interval, o.Timeout)
}

// EnableService enables Name at boot and ensures it is running.
type EnableService struct {
	Name string
}

func (EnableService) Kind() OpKind { return OpEnableService }
func (EnableService) isOperation() {}

func (o EnableService) Describe() string { return "enable service " + o.Name }

func cloneOperation(op Operation) Operation {
	switch o := op.(type) {
	case WriteFile:
		o.Content = append([]byte(nil), o.Content...)
		return o
	case RunCommand:
		return o.clone()
	default:
		return op
	}
}

// checkShell parses src as a POSIX shell program.
func checkShell(name, src string) error {
	_, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(src), name)
	return err
}

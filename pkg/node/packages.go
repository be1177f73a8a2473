// pkg/node/packages.go

package node

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"mvdan.cc/sh/v3/syntax"
)

// PackageManager describes how to query and install packages on a node.
// Each command is a format string taking one shell-quoted operand.
// Format is the package file type InstallFile accepts.
type PackageManager struct {
	Name        string
	Format      string
	Query       string
	Install     string
	InstallFile string
}

var (
	Yum = PackageManager{Name: "yum", Format: "rpm", Query: "rpm -q %s", Install: "yum install -y %s", InstallFile: "yum localinstall -y %s"}
	Dnf = PackageManager{Name: "dnf", Format: "rpm", Query: "rpm -q %s", Install: "dnf install -y %s", InstallFile: "dnf install -y %s"}
	Apt = PackageManager{Name: "apt", Format: "deb", Query: "dpkg -s %s", Install: "DEBIAN_FRONTEND=noninteractive apt-get install -y %s", InstallFile: "DEBIAN_FRONTEND=noninteractive apt-get install -y %s"}
)

// PackageManagerByName returns the named manager; "" selects yum.
func PackageManagerByName(name string) (PackageManager, error) {
	switch strings.ToLower(name) {
	case "", "yum":
		return Yum, nil
	case "dnf":
		return Dnf, nil
	case "apt", "apt-get":
		return Apt, nil
	}
	return PackageManager{}, fmt.Errorf("unsupported package manager %q (want yum, dnf or apt)", name)
}

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+:-]*$`)

type runner interface {
	RunCommand(ctx context.Context, command string, env map[string]string) (string, error)
}

// ensurePackage installs name unless the package database already has it.
// With source set, the package is installed from that file.
func ensurePackage(ctx context.Context, r runner, pm PackageManager, name, source string) error {
	logger := otelzap.Ctx(ctx)
	if !packageNamePattern.MatchString(name) {
		return fmt.Errorf("invalid package name %q", name)
	}
	qname, err := syntax.Quote(name, syntax.LangPOSIX)
	if err != nil {
		return err
	}

	if _, err := r.RunCommand(ctx, fmt.Sprintf(pm.Query, qname), nil); err == nil {
		logger.Debug("Package already installed", zap.String("package", name), zap.String("manager", pm.Name))
		return nil
	}

	cmd := fmt.Sprintf(pm.Install, qname)
	if source != "" {
		qsrc, err := syntax.Quote(source, syntax.LangPOSIX)
		if err != nil {
			return fmt.Errorf("invalid package source %q: %w", source, err)
		}
		cmd = fmt.Sprintf(pm.InstallFile, qsrc)
	}

	logger.Info("Installing package",
		zap.String("package", name),
		zap.String("source", source),
		zap.String("manager", pm.Name))
	if out, err := r.RunCommand(ctx, cmd, nil); err != nil {
		return fmt.Errorf("installing %s with %s failed: %w (%s)", name, pm.Name, err, strings.TrimSpace(out))
	}
	return nil
}

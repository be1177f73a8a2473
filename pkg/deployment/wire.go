// pkg/deployment/wire.go

package deployment

import (
	"context"
	"os"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/bootstrap"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/node"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/secretbind"
	"go.uber.org/zap"
)

// Resolver builds the secret resolver the secrets section asks for.
func (f *File) Resolver(ctx context.Context) (secretbind.Resolver, error) {
	switch f.Secrets.Backend {
	case "vault":
		r, err := secretbind.DialVault(ctx, secretbind.VaultConfig{
			Address:     f.Secrets.Vault.Address,
			Mount:       f.Secrets.Vault.Mount,
			RoleID:      f.Secrets.Vault.RoleID,
			SecretIDEnv: f.Secrets.Vault.SecretIDEnv,
		})
		if err != nil {
			return nil, forge_err.NewSecretError("vault", err)
		}
		return r, nil
	case "", "env":
		r := secretbind.NewEnvResolver()
		if f.Secrets.EnvPrefix != "" {
			r.Prefix = f.Secrets.EnvPrefix
		}
		return r, nil
	}
	return nil, forge_err.NewValidationError("unknown secrets backend "+f.Secrets.Backend, nil)
}

// OpenNode connects to the target node. The returned close function is never nil.
func (f *File) OpenNode(ctx context.Context, logger *zap.Logger) (bootstrap.Node, func() error, error) {
	noop := func() error { return nil }
	pm, err := node.PackageManagerByName(f.Node.PackageManager)
	if err != nil {
		return nil, noop, forge_err.NewValidationError("invalid node.package_manager", err)
	}

	switch f.Node.Type {
	case "", "local":
		if os.Geteuid() != 0 {
			logger.Warn("Local bootstrap is not running as root; package and service operations will likely fail")
		}
		return node.NewLocal(pm, logger), noop, nil
	case "ssh":
		n, err := node.DialSSH(ctx, node.SSHConfig{
			Host:           f.Node.Host,
			Port:           f.Node.Port,
			User:           f.Node.User,
			KeyFile:        f.Node.KeyFile,
			KnownHostsFile: f.Node.KnownHosts,
			Insecure:       f.Node.Insecure,
			Timeout:        f.Node.Timeout,
			Sudo:           f.Node.Sudo,
		}, pm)
		if err != nil {
			return nil, noop, forge_err.NewExecutionError("failed to connect to node "+f.Node.Host, err,
				"Check node.host, node.user and node.key_file",
				"Verify the host key is present in node.known_hosts")
		}
		return n, n.Close, nil
	}
	return nil, noop, forge_err.NewValidationError("unknown node type "+f.Node.Type, nil)
}

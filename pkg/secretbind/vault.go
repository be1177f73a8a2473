// pkg/secretbind/vault.go
//
// VaultResolver reads runner credentials from a Vault KV v2 mount.
//
// Path handling:
//   - reference "ci/gitlab/runner#token" reads secret/data/ci/gitlab/runner
//     and returns the "token" field
//   - the KVv2 helper prepends "<mount>/data/" itself

package secretbind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
	cerr "github.com/cockroachdb/errors"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// VaultConfig selects the Vault server and how to authenticate against it.
// With RoleID empty, the token comes from Token or the usual VAULT_TOKEN
// environment / ~/.vault-token handling of the SDK.
type VaultConfig struct {
	Address     string
	Mount       string
	Token       string
	RoleID      string
	SecretIDEnv string // environment variable holding the AppRole secret ID
}

// VaultResolver implements Resolver on top of vault/api.
type VaultResolver struct {
	client *vaultapi.Client
	mount  string
}

// NewVaultResolver wraps an existing, authenticated client.
func NewVaultResolver(client *vaultapi.Client, mount string) *VaultResolver {
	if mount == "" {
		mount = "secret"
	}
	return &VaultResolver{client: client, mount: mount}
}

// DialVault builds a client from cfg and logs in when AppRole is configured.
func DialVault(ctx context.Context, cfg VaultConfig) (*VaultResolver, error) {
	logger := otelzap.Ctx(ctx)

	vcfg := vaultapi.DefaultConfig()
	if vcfg.Error != nil {
		return nil, cerr.Wrap(vcfg.Error, "failed to read Vault environment")
	}
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}

	client, err := vaultapi.NewClient(vcfg)
	if err != nil {
		return nil, cerr.Wrap(err, "failed to create Vault client")
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	if cfg.RoleID != "" {
		envName := cfg.SecretIDEnv
		if envName == "" {
			envName = "VAULT_SECRET_ID"
		}
		if os.Getenv(envName) == "" {
			return nil, cerr.Newf("AppRole login requested but %s is empty", envName)
		}
		auth, err := approle.NewAppRoleAuth(cfg.RoleID, &approle.SecretID{FromEnv: envName})
		if err != nil {
			return nil, cerr.Wrap(err, "failed to prepare AppRole auth")
		}
		info, err := client.Auth().Login(ctx, auth)
		if err != nil {
			return nil, cerr.Wrap(err, "AppRole login failed")
		}
		if info == nil || info.Auth == nil {
			return nil, cerr.New("AppRole login returned no auth info")
		}
		logger.Info("Authenticated to Vault with AppRole",
			zap.String("vault_addr", vcfg.Address),
			zap.Strings("policies", info.Auth.Policies))
	}

	return NewVaultResolver(client, cfg.Mount), nil
}

// Resolve reads ref from KV v2. It uses ctx for cancellation and never
// includes the secret in errors or logs.
func (vr *VaultResolver) Resolve(ctx context.Context, ref agentconfig.SecretRef) (Value, error) {
	logger := otelzap.Ctx(ctx)
	logger.Debug("Resolving secret from Vault",
		zap.String("mount", vr.mount),
		zap.String("path", ref.Path()),
		zap.String("key", ref.Key()))

	kv, err := vr.client.KVv2(vr.mount).Get(ctx, ref.Path())
	if err != nil {
		return Value{}, &ResolveError{Ref: ref.String(), Err: classifyVaultError(err)}
	}
	if kv == nil || kv.Data == nil {
		return Value{}, &ResolveError{Ref: ref.String(), Err: ErrSecretNotFound}
	}

	raw, ok := kv.Data[ref.Key()]
	if !ok {
		return Value{}, &ResolveError{Ref: ref.String(), Err: fmt.Errorf("%w: key %q absent", ErrSecretNotFound, ref.Key())}
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return Value{}, &ResolveError{Ref: ref.String(), Err: fmt.Errorf("%w: key %q is not a non-empty string", ErrSecretNotFound, ref.Key())}
	}
	return NewValue(s), nil
}

func classifyVaultError(err error) error {
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		return ErrSecretNotFound
	}
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return ErrSecretNotFound
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: vault returned %d", ErrPermissionDenied, respErr.StatusCode)
		}
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

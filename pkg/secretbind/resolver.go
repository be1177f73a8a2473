// Package secretbind resolves secret references at bootstrap execution time
// and binds the values to a single operation.
//
// Resolved values never enter the configuration model, the rendered
// configuration text, or log fields. They live in an Env for the duration of
// one command invocation and are discarded afterwards.
package secretbind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
)

var (
	// ErrSecretNotFound indicates the referenced secret or key does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrPermissionDenied indicates the current credentials lack access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBackendUnavailable indicates the secret store is unreachable.
	ErrBackendUnavailable = errors.New("secret storage backend unavailable")
)

// Resolver turns a reference into its current value.
type Resolver interface {
	Resolve(ctx context.Context, ref agentconfig.SecretRef) (Value, error)
}

// ResolveError names the reference that failed. It never carries a value.
type ResolveError struct {
	Ref string
	Err error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Ref, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// StaticResolver serves values from memory. Used for dry runs and tests.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, ref agentconfig.SecretRef) (Value, error) {
	v, ok := s[ref.String()]
	if !ok || v == "" {
		return Value{}, &ResolveError{Ref: ref.String(), Err: ErrSecretNotFound}
	}
	return NewValue(v), nil
}

// EnvResolver reads secrets from the operator's environment, one variable
// per reference: Prefix + the reference upper-cased with every
// non-alphanumeric character replaced by '_'.
type EnvResolver struct {
	Prefix string
	Lookup func(string) (string, bool)
}

const DefaultEnvPrefix = "RUNNERFORGE_SECRET_"

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{Prefix: DefaultEnvPrefix, Lookup: os.LookupEnv}
}

// VarName is the environment variable consulted for ref.
func (e *EnvResolver) VarName(ref agentconfig.SecretRef) string {
	var b strings.Builder
	b.WriteString(e.Prefix)
	for _, r := range strings.ToUpper(ref.String()) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (e *EnvResolver) Resolve(_ context.Context, ref agentconfig.SecretRef) (Value, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.VarName(ref))
	if !ok || v == "" {
		return Value{}, &ResolveError{Ref: ref.String(), Err: fmt.Errorf("%w: %s is not set", ErrSecretNotFound, e.VarName(ref))}
	}
	return NewValue(v), nil
}

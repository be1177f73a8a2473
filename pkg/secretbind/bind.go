// pkg/secretbind/bind.go

package secretbind

import (
	"context"
	"fmt"
	"regexp"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidEnvName reports whether name is usable as an environment variable.
func ValidEnvName(name string) bool { return envNamePattern.MatchString(name) }

// Binding asks for Ref to be exposed to one command as EnvVar.
type Binding struct {
	EnvVar string
	Ref    agentconfig.SecretRef
}

// Env is the set of resolved bindings for a single operation.
type Env struct {
	names  []string
	values []Value
}

// Bind resolves every binding in order. If any fails, values resolved so far
// are discarded and a secret-category error naming the reference is returned.
func Bind(ctx context.Context, r Resolver, bindings []Binding) (*Env, error) {
	env := &Env{}
	for _, b := range bindings {
		if !ValidEnvName(b.EnvVar) {
			env.Discard()
			return nil, forge_err.NewInternalError(fmt.Sprintf("invalid environment variable name %q", b.EnvVar), nil)
		}
		if r == nil {
			env.Discard()
			return nil, forge_err.NewSecretError(b.Ref.String(), fmt.Errorf("no secret resolver configured"))
		}
		v, err := r.Resolve(ctx, b.Ref)
		if err != nil {
			env.Discard()
			return nil, forge_err.NewSecretError(b.Ref.String(), err)
		}
		env.names = append(env.names, b.EnvVar)
		env.values = append(env.values, v)
	}
	return env, nil
}

// Names lists the bound variable names; safe to log.
func (e *Env) Names() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.names...)
}

// Map returns NAME → value for handing to a node. The result must not outlive
// the operation it was built for.
func (e *Env) Map() map[string]string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	m := make(map[string]string, len(e.names))
	for i, n := range e.names {
		m[n] = e.values[i].Reveal()
	}
	return m
}

// Len is the number of bound variables.
func (e *Env) Len() int {
	if e == nil {
		return 0
	}
	return len(e.names)
}

// Discard zeroes every resolved value.
func (e *Env) Discard() {
	if e == nil {
		return
	}
	for i := range e.values {
		e.values[i].Discard()
	}
	e.values = nil
	e.names = nil
}

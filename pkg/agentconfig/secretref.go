// pkg/agentconfig/secretref.go

package agentconfig

import (
	"regexp"
	"strings"
)

// DefaultSecretKey is the field read from a stored secret when a reference
// does not name one.
const DefaultSecretKey = "token"

var secretRefPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/:@+=-]{0,254}(#[A-Za-z0-9_.-]{1,64})?$`)

// Prefixes of literal GitLab credentials. A reference starting with one of
// these is a pasted token, not an identifier.
var literalTokenPrefixes = []string{"glrt-", "glpat-", "gldt-", "glcbt-", "glptt-", "GR1348941"}

// SecretRef is an opaque identifier for a credential held by the secret store.
// The zero value is not a valid reference; use ParseSecretRef.
type SecretRef struct {
	raw string
}

// ParseSecretRef validates s as a secret identifier of the form
// "<path>[#<key>]", e.g. "ci/gitlab/runner#token".
func ParseSecretRef(s string) (SecretRef, error) {
	if s == "" {
		return SecretRef{}, &InvalidSecretRefError{Reason: "reference is empty"}
	}
	for _, p := range literalTokenPrefixes {
		if strings.HasPrefix(s, p) {
			return SecretRef{}, &InvalidSecretRefError{Reason: "value looks like a literal runner token; pass the identifier of the stored secret instead"}
		}
	}
	if !secretRefPattern.MatchString(s) {
		return SecretRef{}, &InvalidSecretRefError{Reason: "reference must match <path>[#<key>] using letters, digits and ._/:@+=-"}
	}
	return SecretRef{raw: s}, nil
}

// MustParseSecretRef is ParseSecretRef for constants and tests.
func MustParseSecretRef(s string) SecretRef {
	ref, err := ParseSecretRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r SecretRef) IsZero() bool { return r.raw == "" }

func (r SecretRef) String() string { return r.raw }

// Path is the store path without the key selector.
func (r SecretRef) Path() string {
	if i := strings.LastIndexByte(r.raw, '#'); i >= 0 {
		return r.raw[:i]
	}
	return r.raw
}

// Key is the field within the stored secret.
func (r SecretRef) Key() string {
	if i := strings.LastIndexByte(r.raw, '#'); i >= 0 {
		return r.raw[i+1:]
	}
	return DefaultSecretKey
}

// Placeholder is the marker written into the configuration document in place
// of the credential. The driver script substitutes it on the node.
func (r SecretRef) Placeholder() string {
	return "${SECRET:" + r.raw + "}"
}

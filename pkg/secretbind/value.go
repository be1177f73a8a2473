// pkg/secretbind/value.go

package secretbind

import (
	"fmt"
	"io"
)

const redacted = "[REDACTED]"

// Value holds a resolved secret. Every formatting and encoding path prints
// a redaction marker; the material itself is only available through Reveal.
type Value struct {
	b []byte
}

func NewValue(s string) Value {
	return Value{b: []byte(s)}
}

// Reveal returns the secret material. Callers must not log or persist it.
func (v Value) Reveal() string { return string(v.b) }

func (v Value) IsEmpty() bool { return len(v.b) == 0 }

// Discard zeroes the backing bytes.
func (v *Value) Discard() {
	for i := range v.b {
		v.b[i] = 0
	}
	v.b = nil
}

func (v Value) String() string { return redacted }
func (v Value) GoString() string { return redacted }
func (v Value) MarshalText() ([]byte, error) { return []byte(redacted), nil }
func (v Value) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
func (v Value) Format(f fmt.State, verb rune) { _, _ = io.WriteString(f, redacted) }

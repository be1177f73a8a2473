// pkg/agentconfig/serialize.go

package agentconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	cerr "github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// field is one key/value of a TOML table. value is string, bool, int or []string.
type field struct {
	key   string
	value any
}

// Serialize renders cfg as the agent's config.toml. The output depends only
// on cfg: globals in declared order, runners in insertion order, runner
// scalars before the executor table, required executor fields before
// optional ones. Tokens are written as placeholders, never as values.
func Serialize(cfg *Config) string {
	var b strings.Builder

	writeField(&b, "", field{key: "concurrency", value: cfg.global.Concurrency})
	writeField(&b, "", field{key: "check_interval", value: cfg.global.CheckInterval})
	writeField(&b, "", field{key: "log_format", value: string(cfg.global.LogFormat)})

	for _, r := range cfg.runners {
		b.WriteString("\n[[runners]]\n")
		for _, f := range []field{
			{key: "name", value: r.Name},
			{key: "url", value: r.URL},
			{key: "token", value: r.Token.Placeholder()},
			{key: "executor", value: string(r.Executor.Kind())},
			{key: "locked", value: r.Locked},
			// Always present, even when empty; TOML needs it before the sub-table.
			{key: "tags", value: r.Tags},
		} {
			writeField(&b, "  ", f)
		}

		fmt.Fprintf(&b, "  [runners.%s]\n", r.Executor.Kind())
		for _, f := range r.Executor.fields() {
			writeField(&b, "    ", f)
		}
	}

	return b.String()
}

// Digest is the hex sha256 of the serialized configuration.
func Digest(cfg *Config) string {
	sum := sha256.Sum256([]byte(Serialize(cfg)))
	return hex.EncodeToString(sum[:])
}

// Lint checks that text is accepted by a standard TOML parser.
func Lint(text string) error {
	var doc map[string]any
	if err := toml.Unmarshal([]byte(text), &doc); err != nil {
		return cerr.Wrap(err, "rendered configuration is not valid TOML")
	}
	return nil
}

func writeField(b *strings.Builder, indent string, f field) {
	b.WriteString(indent)
	b.WriteString(f.key)
	b.WriteString(" = ")
	b.WriteString(literal(f.value))
	b.WriteByte('\n')
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case []string:
		parts := make([]string, len(x))
		for i, s := range x {
			parts[i] = quote(s)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		panic(fmt.Sprintf("agentconfig: no TOML literal for %T", v))
	}
}

// Quote renders s the way Serialize writes string values.
func Quote(s string) string { return quote(s) }

// quote renders s as a TOML basic string.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04X`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// pkg/agentconfig/model.go
//
// In-memory model of the runner agent configuration. A Config can only be
// obtained through New or Builder.Build, both of which validate eagerly, so an
// invalid model never reaches the serializer or the bootstrap plan.

package agentconfig

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/hashicorp/go-multierror"
)

// LogFormat is the agent's log output format.
type LogFormat string

const (
	LogFormatRunner LogFormat = "runner"
	LogFormatText   LogFormat = "text"
	LogFormatJSON   LogFormat = "json"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatRunner, LogFormatText, LogFormatJSON:
		return true
	}
	return false
}

// GlobalSettings are the agent-wide settings.
type GlobalSettings struct {
	Concurrency   int
	CheckInterval int // seconds
	LogFormat     LogFormat
}

// RunnerDefinition describes one registered runner.
type RunnerDefinition struct {
	Name     string
	URL      string
	Token    SecretRef
	Executor ExecutorSettings
	Tags     []string
	Locked   bool
}

const (
	maxTagLength   = 64
	tagPatternText = "letters, digits and _.:/+- , starting with a letter or digit"
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/+-]*$`)

// ValidTag reports whether tag may appear in a runner's tag list.
func ValidTag(tag string) bool {
	return len(tag) <= maxTagLength && tagPattern.MatchString(tag)
}

// Config is the validated, immutable agent configuration.
type Config struct {
	global  GlobalSettings
	runners []RunnerDefinition
}

// New validates global and runners and returns the frozen model. On any
// violation it returns a nil model and a validation error listing every
// problem found; each problem is reachable with errors.As.
func New(global GlobalSettings, runners ...RunnerDefinition) (*Config, error) {
	var result *multierror.Error

	if global.Concurrency < 1 {
		result = multierror.Append(result, &InvalidConcurrencyError{Value: global.Concurrency})
	}
	if global.CheckInterval < 0 {
		result = multierror.Append(result, &InvalidCheckIntervalError{Value: global.CheckInterval})
	}
	if !global.LogFormat.Valid() {
		result = multierror.Append(result, &InvalidLogFormatError{Value: global.LogFormat})
	}
	if len(runners) == 0 {
		result = multierror.Append(result, ErrNoRunners)
	}

	seen := make(map[string]struct{}, len(runners))
	frozen := make([]RunnerDefinition, 0, len(runners))
	for _, r := range runners {
		if _, dup := seen[r.Name]; dup && r.Name != "" {
			result = multierror.Append(result, &DuplicateRunnerNameError{Name: r.Name})
		}
		seen[r.Name] = struct{}{}

		normalized, errs := normalizeRunner(r)
		if len(errs) > 0 {
			result = multierror.Append(result, errs...)
			continue
		}
		frozen = append(frozen, normalized)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, forge_err.NewValidationError("invalid agent configuration", err,
			"Fix the listed runner definitions; nothing was rendered or deployed")
	}
	return &Config{global: global, runners: frozen}, nil
}

// normalizeRunner validates r and returns a detached copy with tags deduplicated.
func normalizeRunner(r RunnerDefinition) (RunnerDefinition, []error) {
	var errs []error

	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, &InvalidRunnerError{Runner: r.Name, Reason: "name is required"})
	}
	if reason := checkURL(r.URL); reason != "" {
		errs = append(errs, &InvalidRunnerError{Runner: r.Name, Reason: reason})
	}
	if r.Token.IsZero() {
		errs = append(errs, &InvalidRunnerError{Runner: r.Name, Reason: "token reference is required"})
	} else if _, err := ParseSecretRef(r.Token.String()); err != nil {
		errs = append(errs, &InvalidRunnerError{Runner: r.Name, Reason: err.Error()})
	}

	exec, err := normalizeExecutor(r.Name, r.Executor)
	if err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, exec.validate(r.Name)...)
	}

	tags := make([]string, 0, len(r.Tags))
	seen := make(map[string]struct{}, len(r.Tags))
	for _, t := range r.Tags {
		if !ValidTag(t) {
			errs = append(errs, &InvalidTagError{Runner: r.Name, Value: t})
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}

	if len(errs) > 0 {
		return RunnerDefinition{}, errs
	}
	return RunnerDefinition{
		Name:     r.Name,
		URL:      r.URL,
		Token:    r.Token,
		Executor: exec,
		Tags:     tags,
		Locked:   r.Locked,
	}, nil
}

func checkURL(raw string) string {
	if raw == "" {
		return "url is required"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Sprintf("url %q must be an absolute http(s) URL", raw)
	}
	return ""
}

// Global returns the global settings.
func (c *Config) Global() GlobalSettings { return c.global }

// Len is the number of runner definitions.
func (c *Config) Len() int { return len(c.runners) }

// Runners returns a deep copy of the runner definitions in insertion order.
func (c *Config) Runners() []RunnerDefinition {
	out := make([]RunnerDefinition, len(c.runners))
	for i, r := range c.runners {
		out[i] = r.copy()
	}
	return out
}

// Runner returns a copy of the named runner definition.
func (c *Config) Runner(name string) (RunnerDefinition, bool) {
	for _, r := range c.runners {
		if r.Name == name {
			return r.copy(), true
		}
	}
	return RunnerDefinition{}, false
}

func (r RunnerDefinition) copy() RunnerDefinition {
	out := r
	out.Tags = append([]string{}, r.Tags...)
	if r.Executor != nil {
		out.Executor = r.Executor.clone()
	}
	return out
}

// Builder collects runner definitions before freezing them into a Config.
type Builder struct {
	global  GlobalSettings
	runners []RunnerDefinition
	built   bool
}

func NewBuilder(global GlobalSettings) *Builder {
	return &Builder{global: global}
}

// AddRunner appends r. It fails with ErrFrozen after a successful Build.
func (b *Builder) AddRunner(r RunnerDefinition) error {
	if b.built {
		return ErrFrozen
	}
	r.Tags = append([]string(nil), r.Tags...)
	if exec, err := normalizeExecutor(r.Name, r.Executor); err == nil {
		r.Executor = exec
	}
	b.runners = append(b.runners, r)
	return nil
}

// Build validates the collected definitions and freezes the builder on success.
func (b *Builder) Build() (*Config, error) {
	cfg, err := New(b.global, b.runners...)
	if err != nil {
		return nil, err
	}
	b.built = true
	return cfg, nil
}

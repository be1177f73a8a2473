// pkg/bootstrap/plan.go
//
// Plan construction. NewPlan is a pure function of its inputs: the validated
// agent configuration, the explicit deployment context and the plan options.
// It never reads the environment, the clock or the network.

package bootstrap

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/secretbind"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
)

// Stage names, in execution order.
const (
	StageBase           = "base"
	StageRuntimeInstall = "runtime-install"
	StageAgentInstall   = "agent-install"
	StageConfigWrite    = "config-write"
	StageStartAndVerify = "start-and-verify"
)

// StageOrder is the fixed template order.
var StageOrder = []string{StageBase, StageRuntimeInstall, StageAgentInstall, StageConfigWrite, StageStartAndVerify}

// Fixed tags appended after the deployment identifiers.
var fixedTags = []string{"docker", "runner"}

// planNamespace seeds the deterministic plan ID.
var planNamespace = uuid.MustParse("5b0e3f1c-6a55-4d1e-9a36-3e6f1f0b2c11")

// Stage is a named, ordered group of operations.
type Stage struct {
	Name       string
	Operations []Operation
}

// DeploymentContext carries the deployment identifiers that feed the tag
// string. It is passed in explicitly; nothing is read from ambient state.
type DeploymentContext struct {
	Account   string
	Region    string
	ExtraTags []string
}

// PlanOptions parameterizes the fixed template.
type PlanOptions struct {
	// ConfigPath is the agent's own config file. Only the driver and the
	// agent's registration touch it.
	ConfigPath string
	// TemplatePath receives the serialized configuration.
	TemplatePath   string
	DriverPath     string
	AWSConfigPath  string
	BasePackages   []string
	RuntimePackage string
	RuntimeService string
	RuntimeGroup   string
	AgentPackage   string
	AgentBinary    string
	// AgentVersion is "latest" or a semantic version such as "16.11.1".
	AgentVersion string
	// AgentURLTemplate receives the version path segment via %s.
	AgentURLTemplate string
	DownloadDir      string
	AgentUser        string
	ServiceName      string
	VerifyCommand    string
	VerifyTimeout    time.Duration
	VerifyInterval   time.Duration
	CommandTimeout   time.Duration
	TokenEnvPrefix   string
}

// DefaultPlanOptions matches a stock Amazon Linux node running GitLab Runner.
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{
		ConfigPath:       "/etc/gitlab-runner/config.toml",
		TemplatePath:     "/etc/gitlab-runner/runnerforge.toml",
		DriverPath:       "/etc/gitlab-runner/start.sh",
		AWSConfigPath:    "/root/.aws/config",
		BasePackages:     []string{"git", "jq"},
		RuntimePackage:   "docker",
		RuntimeService:   "docker",
		RuntimeGroup:     "docker",
		AgentPackage:     "gitlab-runner",
		AgentBinary:      "gitlab-runner",
		AgentVersion:     "latest",
		AgentURLTemplate: AgentURLTemplateFor("rpm"),
		DownloadDir:      "/tmp",
		AgentUser:        "ec2-user",
		ServiceName:      "gitlab-runner",
		VerifyCommand:    "gitlab-runner status",
		VerifyTimeout:    2 * time.Minute,
		VerifyInterval:   5 * time.Second,
		CommandTimeout:   10 * time.Minute,
		TokenEnvPrefix:   "RUNNERFORGE_TOKEN_",
	}
}

// Plan is an immutable bootstrap plan.
type Plan struct {
	id     string
	tags   string
	digest string
	stages []Stage
}

func (p *Plan) ID() string { return p.id }

// Tags is the derived tag string handed to the driver script.
func (p *Plan) Tags() string { return p.tags }

// ConfigDigest is the sha256 of the configuration text the plan writes.
func (p *Plan) ConfigDigest() string { return p.digest }

// Stages returns a deep copy of the stages.
func (p *Plan) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	for i, s := range p.stages {
		ops := make([]Operation, len(s.Operations))
		for j, op := range s.Operations {
			ops[j] = cloneOperation(op)
		}
		out[i] = Stage{Name: s.Name, Operations: ops}
	}
	return out
}

// DeriveTags joins the extra tags, account, region and the fixed tags with
// commas. Empty entries and repeats are dropped; first occurrence wins.
func DeriveTags(dctx DeploymentContext) string {
	candidates := make([]string, 0, len(dctx.ExtraTags)+2+len(fixedTags))
	candidates = append(candidates, dctx.ExtraTags...)
	candidates = append(candidates, dctx.Account, dctx.Region)
	candidates = append(candidates, fixedTags...)

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, t := range candidates {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return strings.Join(out, ",")
}

// AgentURLTemplateFor returns the agent download template for a package
// format ("rpm" or "deb").
func AgentURLTemplateFor(format string) string {
	return "https://gitlab-runner-downloads.s3.amazonaws.com/%s/" + format + "/gitlab-runner_amd64." + format
}

// AgentDownloadURL resolves the package URL for opts.AgentVersion.
func AgentDownloadURL(opts PlanOptions) (string, error) {
	segment := "latest"
	if opts.AgentVersion != "" && opts.AgentVersion != "latest" {
		v, err := version.NewSemver(opts.AgentVersion)
		if err != nil {
			return "", fmt.Errorf("agent version %q: %w", opts.AgentVersion, err)
		}
		segment = "v" + v.String()
	}
	return fmt.Sprintf(opts.AgentURLTemplate, segment), nil
}

// NewPlan builds the fixed five-stage plan for cfg.
func NewPlan(cfg *agentconfig.Config, dctx DeploymentContext, opts PlanOptions) (*Plan, error) {
	if cfg == nil {
		return nil, forge_err.NewInternalError("bootstrap: nil agent configuration", nil)
	}
	if err := validateInputs(dctx, opts); err != nil {
		return nil, forge_err.NewValidationError("invalid bootstrap plan inputs", err,
			"Check the context and bootstrap sections of the deployment file")
	}

	text := agentconfig.Serialize(cfg)
	digest := agentconfig.Digest(cfg)
	tags := DeriveTags(dctx)

	url, err := AgentDownloadURL(opts)
	if err != nil {
		return nil, forge_err.NewValidationError("invalid agent version", err)
	}

	bindings, regs := tokenBindings(cfg, opts.TokenEnvPrefix)
	driver, err := renderDriver(driverPaths{Config: opts.ConfigPath, Template: opts.TemplatePath, Agent: opts.AgentBinary}, regs)
	if err != nil {
		return nil, forge_err.NewInternalError("failed to render driver script", err)
	}

	base := Stage{Name: StageBase}
	for _, pkg := range opts.BasePackages {
		base.Operations = append(base.Operations, InstallPackage{Name: pkg})
	}
	if dctx.Region != "" {
		base.Operations = append(base.Operations, WriteFile{
			Path:    opts.AWSConfigPath,
			Content: []byte("[default]\nregion = " + dctx.Region + "\n"),
			Mode:    0o644,
		})
	}

	runtime := Stage{Name: StageRuntimeInstall, Operations: []Operation{
		InstallPackage{Name: opts.RuntimePackage},
		EnableService{Name: opts.RuntimeService},
		RunCommand{Shell: "usermod -a -G", Args: []string{opts.RuntimeGroup, opts.AgentUser}, Timeout: opts.CommandTimeout},
	}}

	rpm := path.Join(opts.DownloadDir, path.Base(url))
	agent := Stage{Name: StageAgentInstall, Operations: []Operation{
		RunCommand{Shell: "curl -fsSL", Args: []string{url, "-o", rpm}, Timeout: opts.CommandTimeout},
		InstallPackage{Name: opts.AgentPackage, Source: rpm},
	}}

	write := Stage{Name: StageConfigWrite, Operations: []Operation{
		WriteFile{Path: opts.TemplatePath, Content: []byte(text), Mode: 0o600},
		WriteFile{Path: opts.DriverPath, Content: []byte(driver), Mode: 0o750},
		RunCommand{Shell: opts.DriverPath, Args: []string{tags}, Env: bindings, Timeout: opts.CommandTimeout},
	}}

	start := Stage{Name: StageStartAndVerify, Operations: []Operation{
		EnableService{Name: opts.ServiceName},
		Verify{Command: opts.VerifyCommand, Timeout: opts.VerifyTimeout, Interval: opts.VerifyInterval},
	}}

	stages := []Stage{base, runtime, agent, write, start}
	if err := checkStages(stages); err != nil {
		return nil, forge_err.NewValidationError("bootstrap plan contains an invalid shell command", err)
	}

	return &Plan{
		id:     uuid.NewSHA1(planNamespace, []byte(digest+"\x00"+tags+"\x00"+url)).String(),
		tags:   tags,
		digest: digest,
		stages: stages,
	}, nil
}

// tokenBindings assigns one environment variable per distinct token
// reference, in runner order, and one registration per runner.
func tokenBindings(cfg *agentconfig.Config, prefix string) ([]secretbind.Binding, []registration) {
	var bindings []secretbind.Binding
	var regs []registration
	vars := map[string]string{}
	for _, r := range cfg.Runners() {
		name, ok := vars[r.Token.String()]
		if !ok {
			name = fmt.Sprintf("%s%d", prefix, len(bindings))
			vars[r.Token.String()] = name
			bindings = append(bindings, secretbind.Binding{EnvVar: name, Ref: r.Token})
		}
		regs = append(regs, registration{
			Name:     r.Name,
			URL:      r.URL,
			Executor: r.Executor.Kind(),
			Locked:   r.Locked,
			TokenVar: name,
		})
	}
	return bindings, regs
}

func validateInputs(dctx DeploymentContext, opts PlanOptions) error {
	var result *multierror.Error
	for _, t := range append(append([]string{}, dctx.ExtraTags...), dctx.Account, dctx.Region) {
		if t = strings.TrimSpace(t); t != "" && !agentconfig.ValidTag(t) {
			result = multierror.Append(result, &agentconfig.InvalidTagError{Value: t})
		}
	}
	for _, f := range []struct{ name, value string }{
		{"config path", opts.ConfigPath},
		{"template path", opts.TemplatePath},
		{"driver path", opts.DriverPath},
		{"runtime package", opts.RuntimePackage},
		{"runtime service", opts.RuntimeService},
		{"runtime group", opts.RuntimeGroup},
		{"agent package", opts.AgentPackage},
		{"agent binary", opts.AgentBinary},
		{"agent user", opts.AgentUser},
		{"service name", opts.ServiceName},
		{"verify command", opts.VerifyCommand},
		{"download dir", opts.DownloadDir},
	} {
		if strings.TrimSpace(f.value) == "" {
			result = multierror.Append(result, fmt.Errorf("%s must not be empty", f.name))
		}
	}
	for _, p := range []struct{ name, value string }{
		{"config path", opts.ConfigPath},
		{"template path", opts.TemplatePath},
		{"driver path", opts.DriverPath},
		{"aws config path", opts.AWSConfigPath},
	} {
		if p.value != "" && !path.IsAbs(p.value) {
			result = multierror.Append(result, fmt.Errorf("%s %q must be absolute", p.name, p.value))
		}
	}
	if opts.TemplatePath != "" && path.Clean(opts.TemplatePath) == path.Clean(opts.ConfigPath) {
		result = multierror.Append(result, fmt.Errorf("template path must differ from the agent config path %q", opts.ConfigPath))
	}
	if dctx.Region != "" && opts.AWSConfigPath == "" {
		result = multierror.Append(result, fmt.Errorf("aws config path must not be empty when a region is set"))
	}
	if opts.VerifyTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("verify timeout must be positive, got %s", opts.VerifyTimeout))
	}
	if opts.VerifyInterval <= 0 || opts.VerifyInterval > opts.VerifyTimeout {
		result = multierror.Append(result, fmt.Errorf("verify interval %s must be positive and not exceed the timeout", opts.VerifyInterval))
	}
	if !strings.Contains(opts.AgentURLTemplate, "%s") {
		result = multierror.Append(result, fmt.Errorf("agent URL template must contain %%s"))
	}
	if !secretbind.ValidEnvName(opts.TokenEnvPrefix + "0") {
		result = multierror.Append(result, fmt.Errorf("token env prefix %q does not form a valid variable name", opts.TokenEnvPrefix))
	}
	return result.ErrorOrNil()
}

func checkStages(stages []Stage) error {
	var result *multierror.Error
	for _, s := range stages {
		for i, op := range s.Operations {
			var src string
			switch o := op.(type) {
			case RunCommand:
				line, err := o.CommandLine()
				if err != nil {
					result = multierror.Append(result, fmt.Errorf("%s[%d]: %w", s.Name, i, err))
					continue
				}
				src = line
			case Verify:
				src = o.Command
			default:
				continue
			}
			if err := checkShell(fmt.Sprintf("%s[%d]", s.Name, i), src); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// PlanSummary is the loggable, secret-free view of a plan.
type PlanSummary struct {
	ID           string         `yaml:"id" json:"id"`
	Tags         string         `yaml:"tags" json:"tags"`
	ConfigDigest string         `yaml:"config_digest" json:"config_digest"`
	Stages       []StageSummary `yaml:"stages" json:"stages"`
}

type StageSummary struct {
	Name       string             `yaml:"name" json:"name"`
	Operations []OperationSummary `yaml:"operations" json:"operations"`
}

type OperationSummary struct {
	Kind        OpKind `yaml:"kind" json:"kind"`
	Description string `yaml:"description" json:"description"`
}

func (p *Plan) Summary() PlanSummary {
	sum := PlanSummary{ID: p.id, Tags: p.tags, ConfigDigest: p.digest}
	for _, s := range p.stages {
		ss := StageSummary{Name: s.Name}
		for _, op := range s.Operations {
			ss.Operations = append(ss.Operations, OperationSummary{Kind: op.Kind(), Description: op.Describe()})
		}
		sum.Stages = append(sum.Stages, ss)
	}
	return sum
}

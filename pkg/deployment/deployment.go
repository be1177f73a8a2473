// pkg/deployment/deployment.go
//
// The deployment file describes one runner deployment: the agent settings and
// runners, the deployment identifiers that feed the tag string, the target
// node, where secrets come from and where the rendered config is published.
// Any format viper reads is accepted; YAML is the documented one.

package deployment

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/bootstrap"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/node"
	cerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. RUNNERFORGE_CONTEXT_REGION.
const EnvPrefix = "RUNNERFORGE"

// Debian and Ubuntu ship the container runtime as docker.io.
const debianRuntimePackage = "docker.io"

type File struct {
	Global    GlobalSpec    `mapstructure:"global"`
	Runners   []RunnerSpec  `mapstructure:"runners" validate:"required,min=1,dive"`
	Context   ContextSpec   `mapstructure:"context"`
	Node      NodeSpec      `mapstructure:"node"`
	Secrets   SecretsSpec   `mapstructure:"secrets"`
	Bootstrap BootstrapSpec `mapstructure:"bootstrap"`
	Publish   PublishSpec   `mapstructure:"publish"`
}

type GlobalSpec struct {
	Concurrency   int    `mapstructure:"concurrency"`
	CheckInterval int    `mapstructure:"check_interval"`
	LogFormat     string `mapstructure:"log_format"`
}

type RunnerSpec struct {
	Name       string          `mapstructure:"name" validate:"required"`
	URL        string          `mapstructure:"url" validate:"required,url"`
	Token      string          `mapstructure:"token" validate:"required"`
	Executor   string          `mapstructure:"executor" validate:"required,oneof=docker kubernetes"`
	Tags       []string        `mapstructure:"tags"`
	Locked     bool            `mapstructure:"locked"`
	Docker     *DockerSpec     `mapstructure:"docker" validate:"required_if=Executor docker"`
	Kubernetes *KubernetesSpec `mapstructure:"kubernetes" validate:"required_if=Executor kubernetes"`
}

type DockerSpec struct {
	Image      string   `mapstructure:"image"`
	Privileged *bool    `mapstructure:"privileged"`
	Volumes    []string `mapstructure:"volumes"`
	CPUs       string   `mapstructure:"cpus"`
	Memory     string   `mapstructure:"memory"`
}

type KubernetesSpec struct {
	Namespace  string `mapstructure:"namespace"`
	Image      string `mapstructure:"image"`
	Privileged *bool  `mapstructure:"privileged"`
}

type ContextSpec struct {
	Account string   `mapstructure:"account"`
	Region  string   `mapstructure:"region"`
	Tags    []string `mapstructure:"tags"`
}

type NodeSpec struct {
	Type           string        `mapstructure:"type" validate:"oneof=local ssh"`
	Host           string        `mapstructure:"host" validate:"required_if=Type ssh"`
	Port           int           `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User           string        `mapstructure:"user" validate:"required_if=Type ssh"`
	KeyFile        string        `mapstructure:"key_file" validate:"required_if=Type ssh"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	Insecure       bool          `mapstructure:"insecure"`
	Sudo           bool          `mapstructure:"sudo"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PackageManager string        `mapstructure:"package_manager" validate:"omitempty,oneof=yum dnf apt"`
}

type SecretsSpec struct {
	Backend   string    `mapstructure:"backend" validate:"oneof=vault env"`
	EnvPrefix string    `mapstructure:"env_prefix"`
	Vault     VaultSpec `mapstructure:"vault"`
}

type VaultSpec struct {
	Address     string `mapstructure:"address" validate:"omitempty,url"`
	Mount       string `mapstructure:"mount"`
	RoleID      string `mapstructure:"role_id"`
	SecretIDEnv string `mapstructure:"secret_id_env"`
}

type BootstrapSpec struct {
	AgentVersion   string        `mapstructure:"agent_version"`
	AgentUser      string        `mapstructure:"agent_user"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout" validate:"gte=0"`
	VerifyInterval time.Duration `mapstructure:"verify_interval" validate:"gte=0"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"gte=0"`
}

type PublishSpec struct {
	ConsulAddress string `mapstructure:"consul_address"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	Name          string `mapstructure:"name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.concurrency", 1)
	v.SetDefault("global.check_interval", 0)
	v.SetDefault("global.log_format", string(agentconfig.LogFormatRunner))
	v.SetDefault("context.account", "")
	v.SetDefault("context.region", "")
	v.SetDefault("node.type", "local")
	v.SetDefault("node.package_manager", "yum")
	v.SetDefault("secrets.backend", "env")
	v.SetDefault("secrets.vault.mount", "secret")
	v.SetDefault("bootstrap.agent_version", "latest")
	v.SetDefault("publish.key_prefix", "runnerforge")
	v.SetDefault("publish.consul_address", "")
}

// Load reads path, applying RUNNERFORGE_* environment overrides. When envFile
// is non-empty it is loaded first with godotenv; variables already set in the
// environment win.
func Load(path, envFile string) (*File, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, forge_err.NewValidationError(fmt.Sprintf("failed to load env file %s", envFile), err)
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, forge_err.NewValidationError(fmt.Sprintf("deployment file %s is not readable", path), err,
			"Pass the deployment file with -f/--file")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, forge_err.NewValidationError(fmt.Sprintf("failed to read deployment file %s", path), err)
	}

	f := &File{}
	if err := v.Unmarshal(f); err != nil {
		return nil, forge_err.NewValidationError("failed to decode deployment file", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

var validate = validator.New()

// Validate checks the structural rules of the file. Semantic rules on the
// runners are enforced when the agent configuration is built.
func (f *File) Validate() error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !cerr.As(err, &verrs) {
		return forge_err.NewInternalError("deployment validation failed", err)
	}
	var result *multierror.Error
	for _, fe := range verrs {
		result = multierror.Append(result, fmt.Errorf("%s: failed %q check (value %v)", fieldPath(fe.Namespace()), fe.Tag(), redactValue(fe)))
	}
	return forge_err.NewValidationError("invalid deployment file", result.ErrorOrNil(),
		"Fix the listed fields in the deployment file")
}

func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

// redactValue keeps token fields out of error text.
func redactValue(fe validator.FieldError) any {
	if fe.Field() == "Token" {
		return "[REDACTED]"
	}
	return fe.Value()
}

// AgentConfig builds the validated agent configuration.
func (f *File) AgentConfig() (*agentconfig.Config, error) {
	b := agentconfig.NewBuilder(agentconfig.GlobalSettings{
		Concurrency:   f.Global.Concurrency,
		CheckInterval: f.Global.CheckInterval,
		LogFormat:     agentconfig.LogFormat(f.Global.LogFormat),
	})

	var result *multierror.Error
	for i, r := range f.Runners {
		ref, err := agentconfig.ParseSecretRef(r.Token)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("runners[%d].token: %w", i, err))
			continue
		}
		def := agentconfig.RunnerDefinition{
			Name:   r.Name,
			URL:    r.URL,
			Token:  ref,
			Tags:   r.Tags,
			Locked: r.Locked,
		}
		switch r.Executor {
		case string(agentconfig.ExecutorDocker):
			d := agentconfig.DockerExecutor{}
			if r.Docker != nil {
				d.Image, d.Privileged, d.Volumes = r.Docker.Image, r.Docker.Privileged, r.Docker.Volumes
				if r.Docker.CPUs != "" || r.Docker.Memory != "" {
					d.Limits = &agentconfig.ResourceLimits{CPUs: r.Docker.CPUs, Memory: r.Docker.Memory}
				}
			}
			def.Executor = d
		case string(agentconfig.ExecutorKubernetes):
			k := agentconfig.KubernetesExecutor{}
			if r.Kubernetes != nil {
				k.Namespace, k.Image, k.Privileged = r.Kubernetes.Namespace, r.Kubernetes.Image, r.Kubernetes.Privileged
			}
			def.Executor = k
		}
		if err := b.AddRunner(def); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, forge_err.NewValidationError("invalid runner definitions", err)
	}
	return b.Build()
}

// DeploymentContext returns the explicit identifiers for tag derivation.
func (f *File) DeploymentContext() bootstrap.DeploymentContext {
	return bootstrap.DeploymentContext{
		Account:   f.Context.Account,
		Region:    f.Context.Region,
		ExtraTags: append([]string(nil), f.Context.Tags...),
	}
}

// PlanOptions overlays the bootstrap section on the defaults.
func (f *File) PlanOptions() bootstrap.PlanOptions {
	opts := bootstrap.DefaultPlanOptions()
	if pm, err := node.PackageManagerByName(f.Node.PackageManager); err == nil && pm.Format != "rpm" {
		opts.AgentURLTemplate = bootstrap.AgentURLTemplateFor(pm.Format)
		opts.RuntimePackage = debianRuntimePackage
	}
	if f.Bootstrap.AgentVersion != "" {
		opts.AgentVersion = f.Bootstrap.AgentVersion
	}
	if f.Bootstrap.AgentUser != "" {
		opts.AgentUser = f.Bootstrap.AgentUser
	}
	if f.Bootstrap.VerifyTimeout > 0 {
		opts.VerifyTimeout = f.Bootstrap.VerifyTimeout
	}
	if f.Bootstrap.VerifyInterval > 0 {
		opts.VerifyInterval = f.Bootstrap.VerifyInterval
	}
	if f.Bootstrap.CommandTimeout > 0 {
		opts.CommandTimeout = f.Bootstrap.CommandTimeout
	}
	return opts
}

// Plan builds the agent configuration and the bootstrap plan.
func (f *File) Plan() (*agentconfig.Config, *bootstrap.Plan, error) {
	cfg, err := f.AgentConfig()
	if err != nil {
		return nil, nil, err
	}
	plan, err := bootstrap.NewPlan(cfg, f.DeploymentContext(), f.PlanOptions())
	if err != nil {
		return nil, nil, err
	}
	return cfg, plan, nil
}

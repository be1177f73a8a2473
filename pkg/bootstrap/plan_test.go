package bootstrap

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func exampleConfig(t *testing.T) *agentconfig.Config {
	t.Helper()
	cfg, err := agentconfig.New(
		agentconfig.GlobalSettings{Concurrency: 10, CheckInterval: 30, LogFormat: agentconfig.LogFormatJSON},
		agentconfig.RunnerDefinition{
			Name:     "r1",
			URL:      "https://example.test",
			Token:    agentconfig.MustParseSecretRef("secret-ref-1"),
			Executor: agentconfig.DockerExecutor{Image: "alpine:3.18"},
			Tags:     []string{"docker", "runner"},
		},
	)
	require.NoError(t, err)
	return cfg
}

func exampleContext() DeploymentContext {
	return DeploymentContext{Account: "123456789012", Region: "eu-west-1", ExtraTags: []string{"team-a"}}
}

func TestDeriveTags(t *testing.T) {
	tests := []struct {
		name string
		dctx DeploymentContext
		want string
	}{
		{"full", exampleContext(), "team-a,123456789012,eu-west-1,docker,runner"},
		{"no extras", DeploymentContext{Account: "1", Region: "r"}, "1,r,docker,runner"},
		{"empty context", DeploymentContext{}, "docker,runner"},
		{"duplicates dropped", DeploymentContext{Account: "a", Region: "a", ExtraTags: []string{"docker", "", " x "}}, "docker,x,a,runner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTags(tt.dctx))
		})
	}
}

func TestNewPlanTemplate(t *testing.T) {
	cfg := exampleConfig(t)
	plan, err := NewPlan(cfg, exampleContext(), DefaultPlanOptions())
	require.NoError(t, err)

	stages := plan.Stages()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	assert.Equal(t, StageOrder, names)
	assert.Equal(t, "team-a,123456789012,eu-west-1,docker,runner", plan.Tags())
	assert.Equal(t, agentconfig.Digest(cfg), plan.ConfigDigest())

	base := stages[0].Operations
	require.Len(t, base, 3)
	assert.Equal(t, InstallPackage{Name: "git"}, base[0])
	assert.Equal(t, InstallPackage{Name: "jq"}, base[1])
	aws := base[2].(WriteFile)
	assert.Equal(t, "/root/.aws/config", aws.Path)
	assert.Equal(t, "[default]\nregion = eu-west-1\n", string(aws.Content))

	runtime := stages[1].Operations
	assert.Equal(t, InstallPackage{Name: "docker"}, runtime[0])
	assert.Equal(t, EnableService{Name: "docker"}, runtime[1])
	line, err := runtime[2].(RunCommand).CommandLine()
	require.NoError(t, err)
	assert.Equal(t, "usermod -a -G docker ec2-user", line)

	agent := stages[2].Operations
	line, err = agent[0].(RunCommand).CommandLine()
	require.NoError(t, err)
	assert.Equal(t, "curl -fsSL https://gitlab-runner-downloads.s3.amazonaws.com/latest/rpm/gitlab-runner_amd64.rpm -o /tmp/gitlab-runner_amd64.rpm", line)
	assert.Equal(t, InstallPackage{Name: "gitlab-runner", Source: "/tmp/gitlab-runner_amd64.rpm"}, agent[1])

	write := stages[3].Operations
	cfgFile := write[0].(WriteFile)
	assert.Equal(t, "/etc/gitlab-runner/runnerforge.toml", cfgFile.Path)
	assert.Equal(t, os.FileMode(0o600), cfgFile.Mode)
	assert.Equal(t, agentconfig.Serialize(cfg), string(cfgFile.Content))
	driver := write[1].(WriteFile)
	assert.Equal(t, "/etc/gitlab-runner/start.sh", driver.Path)
	assert.Equal(t, os.FileMode(0o750), driver.Mode)
	run := write[2].(RunCommand)
	assert.Equal(t, "/etc/gitlab-runner/start.sh", run.Shell)
	assert.Equal(t, []string{plan.Tags()}, run.Args)
	require.Len(t, run.Env, 1)
	assert.Equal(t, "RUNNERFORGE_TOKEN_0", run.Env[0].EnvVar)
	assert.Equal(t, "secret-ref-1", run.Env[0].Ref.String())

	start := stages[4].Operations
	assert.Equal(t, EnableService{Name: "gitlab-runner"}, start[0])
	v := start[1].(Verify)
	assert.Equal(t, "gitlab-runner status", v.Command)
	assert.Equal(t, 2*time.Minute, v.Timeout)
}

func TestNewPlanIsDeterministic(t *testing.T) {
	cfg := exampleConfig(t)
	a, err := NewPlan(cfg, exampleContext(), DefaultPlanOptions())
	require.NoError(t, err)
	b, err := NewPlan(cfg, exampleContext(), DefaultPlanOptions())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, a.Summary(), b.Summary())

	other, err := NewPlan(cfg, DeploymentContext{Account: "999"}, DefaultPlanOptions())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), other.ID())
}

func TestNewPlanWithoutRegionSkipsAWSConfig(t *testing.T) {
	plan, err := NewPlan(exampleConfig(t), DeploymentContext{Account: "1"}, DefaultPlanOptions())
	require.NoError(t, err)
	for _, op := range plan.Stages()[0].Operations {
		assert.NotEqual(t, OpWriteFile, op.Kind())
	}
}

func TestNewPlanPinnedVersion(t *testing.T) {
	opts := DefaultPlanOptions()
	opts.AgentVersion = "16.11.1"
	url, err := AgentDownloadURL(opts)
	require.NoError(t, err)
	assert.Equal(t, "https://gitlab-runner-downloads.s3.amazonaws.com/v16.11.1/rpm/gitlab-runner_amd64.rpm", url)

	opts.AgentVersion = "not a version"
	_, err = NewPlan(exampleConfig(t), exampleContext(), opts)
	require.Error(t, err)
	assert.True(t, forge_err.IsValidation(err))
}

func TestNewPlanRejectsBadInputs(t *testing.T) {
	cfg := exampleConfig(t)

	_, err := NewPlan(cfg, DeploymentContext{Region: `eu"west`}, DefaultPlanOptions())
	require.Error(t, err)
	var tagErr *agentconfig.InvalidTagError
	assert.ErrorAs(t, err, &tagErr)

	opts := DefaultPlanOptions()
	opts.VerifyTimeout = 0
	opts.ConfigPath = "relative/config.toml"
	_, err = NewPlan(cfg, exampleContext(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify timeout")
	assert.Contains(t, err.Error(), "must be absolute")

	opts = DefaultPlanOptions()
	opts.VerifyCommand = "gitlab-runner status &&"
	_, err = NewPlan(cfg, exampleContext(), opts)
	require.Error(t, err)
	assert.True(t, forge_err.IsValidation(err))

	opts = DefaultPlanOptions()
	opts.TemplatePath = "/etc/gitlab-runner/./config.toml"
	_, err = NewPlan(cfg, exampleContext(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template path must differ")

	_, err = NewPlan(nil, exampleContext(), DefaultPlanOptions())
	assert.Error(t, err)
}

func TestNewPlanDebPackages(t *testing.T) {
	opts := DefaultPlanOptions()
	opts.AgentURLTemplate = AgentURLTemplateFor("deb")
	plan, err := NewPlan(exampleConfig(t), exampleContext(), opts)
	require.NoError(t, err)

	agent := plan.Stages()[2].Operations
	line, err := agent[0].(RunCommand).CommandLine()
	require.NoError(t, err)
	assert.Equal(t, "curl -fsSL https://gitlab-runner-downloads.s3.amazonaws.com/latest/deb/gitlab-runner_amd64.deb -o /tmp/gitlab-runner_amd64.deb", line)
	assert.Equal(t, InstallPackage{Name: "gitlab-runner", Source: "/tmp/gitlab-runner_amd64.deb"}, agent[1])
}

func TestPlanStagesAreCopies(t *testing.T) {
	plan, err := NewPlan(exampleConfig(t), exampleContext(), DefaultPlanOptions())
	require.NoError(t, err)

	stages := plan.Stages()
	wf := stages[3].Operations[0].(WriteFile)
	wf.Content[0] = 'X'
	stages[0].Operations = nil

	fresh := plan.Stages()
	assert.NotEmpty(t, fresh[0].Operations)
	assert.NotEqual(t, byte('X'), fresh[3].Operations[0].(WriteFile).Content[0])
}

func TestSharedTokenRefsBindOnce(t *testing.T) {
	ref := agentconfig.MustParseSecretRef("ci/shared")
	cfg, err := agentconfig.New(
		agentconfig.GlobalSettings{Concurrency: 2, LogFormat: agentconfig.LogFormatRunner},
		agentconfig.RunnerDefinition{Name: "a", URL: "https://x.test", Token: ref, Executor: agentconfig.DockerExecutor{Image: "alpine"}},
		agentconfig.RunnerDefinition{Name: "b", URL: "https://x.test", Token: ref, Executor: agentconfig.KubernetesExecutor{Namespace: "ci"}},
		agentconfig.RunnerDefinition{Name: "c", URL: "https://x.test", Token: agentconfig.MustParseSecretRef("ci/other"), Executor: agentconfig.DockerExecutor{Image: "alpine"}},
	)
	require.NoError(t, err)
	bindings, regs := tokenBindings(cfg, "T_")
	require.Len(t, bindings, 2)
	assert.Equal(t, "T_0", bindings[0].EnvVar)
	assert.Equal(t, "ci/shared", bindings[0].Ref.String())
	assert.Equal(t, "T_1", bindings[1].EnvVar)

	require.Len(t, regs, 3)
	assert.Equal(t, registration{Name: "a", URL: "https://x.test", Executor: agentconfig.ExecutorDocker, TokenVar: "T_0"}, regs[0])
	assert.Equal(t, registration{Name: "b", URL: "https://x.test", Executor: agentconfig.ExecutorKubernetes, TokenVar: "T_0"}, regs[1])
	assert.Equal(t, "T_1", regs[2].TokenVar)
}

func TestPlanSummaryIsSecretFree(t *testing.T) {
	plan, err := NewPlan(exampleConfig(t), exampleContext(), DefaultPlanOptions())
	require.NoError(t, err)

	out, err := yaml.Marshal(plan.Summary())
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "config-write")
	assert.Contains(t, text, "RUNNERFORGE_TOKEN_0")
	assert.NotContains(t, text, "image = ")
	assert.NotContains(t, text, "awk")
}

// agentStub is a stand-in for the agent binary. It records its arguments and
// whether REGISTRATION_TOKEN was set, keeps a copy of the template it was
// given, then appends the runner to --config the way the agent would.
const agentStub = `#!/bin/sh
printf '%s token=%s\n' "$*" "${REGISTRATION_TOKEN:+set}" >> "$AGENT_LOG"
[ "${1-}" = register ] || exit 0
[ -n "${REGISTRATION_TOKEN-}" ] || { echo "no token" >&2; exit 1; }
config= name= template=
while [ $# -gt 0 ]; do
	case "$1" in
	--config) config=$2; shift ;;
	--name) name=$2; shift ;;
	--template-config) template=$2; shift ;;
	esac
	shift
done
cp "$template" "$AGENT_TEMPLATES/$name.toml"
printf '\n[[runners]]\n  name = "%s"\n  token = "%s"\n' "$name" "$REGISTRATION_TOKEN" >> "$config"
`

type driverFixture struct {
	config    string
	template  string
	script    string
	log       string
	templates string
	path      string
}

func newDriverFixture(t *testing.T, cfg *agentconfig.Config) driverFixture {
	t.Helper()
	for _, tool := range []string{"awk", "mktemp"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	dir := t.TempDir()
	f := driverFixture{
		config:    filepath.Join(dir, "config.toml"),
		template:  filepath.Join(dir, "runnerforge.toml"),
		script:    filepath.Join(dir, "start.sh"),
		log:       filepath.Join(dir, "agent.log"),
		templates: filepath.Join(dir, "templates"),
	}
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.MkdirAll(f.templates, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "gitlab-runner"), []byte(agentStub), 0o755))
	f.path = bin + string(os.PathListSeparator) + os.Getenv("PATH")

	require.NoError(t, os.WriteFile(f.template, []byte(agentconfig.Serialize(cfg)), 0o600))
	_, regs := tokenBindings(cfg, "RUNNERFORGE_TOKEN_")
	script, err := renderDriver(driverPaths{Config: f.config, Template: f.template, Agent: "gitlab-runner"}, regs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.script, []byte(script), 0o750))
	return f
}

func (f driverFixture) run(tags string, env ...string) (string, error) {
	cmd := exec.Command("/bin/sh", f.script, tags)
	cmd.Env = append([]string{"PATH=" + f.path, "AGENT_LOG=" + f.log, "AGENT_TEMPLATES=" + f.templates}, env...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (f driverFixture) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.log)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestDriverRegistersWithTagsAndLeavesTokenToAgent(t *testing.T) {
	const token = "glrt-SECRETVALUE"
	const tags = "team-a,123456789012,eu-west-1,docker,runner"
	cfg := exampleConfig(t)
	f := newDriverFixture(t, cfg)
	templateBefore, err := os.ReadFile(f.template)
	require.NoError(t, err)

	out, err := f.run(tags, "RUNNERFORGE_TOKEN_0="+token)
	require.NoError(t, err, out)

	calls := f.calls(t)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "register --non-interactive --config "+f.config)
	assert.Contains(t, calls[0], "--name r1 --url https://example.test --executor docker --locked=false --tag-list "+tags)
	assert.Contains(t, calls[0], "token=set")
	assert.NotContains(t, calls[0], token)

	runnerTemplate, err := os.ReadFile(filepath.Join(f.templates, "r1.toml"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(runnerTemplate), "[[runners]]\n"))
	assert.Contains(t, string(runnerTemplate), "  [runners.docker]\n")
	assert.Contains(t, string(runnerTemplate), `image = "alpine:3.18"`)
	assert.NotContains(t, string(runnerTemplate), "token =")
	assert.NotContains(t, string(runnerTemplate), "tags =")
	assert.NoError(t, agentconfig.Lint(string(runnerTemplate)))

	// Files this system writes stay token-free; the agent's own config is
	// seeded with the global settings and then extended by registration.
	for _, path := range []string{f.template, f.script, filepath.Join(f.templates, "r1.toml")} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), token, path)
	}
	templateAfter, err := os.ReadFile(f.template)
	require.NoError(t, err)
	assert.Equal(t, templateBefore, templateAfter)

	agentConfig, err := os.ReadFile(f.config)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(agentConfig), "concurrency = 10\ncheck_interval = 30\nlog_format = \"json\"\n"))
	assert.Contains(t, string(agentConfig), "[[runners]]\n  name = \"r1\"\n")
	info, err := os.Stat(f.config)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err = f.run(tags, "RUNNERFORGE_TOKEN_0="+token)
	require.NoError(t, err, out)
	assert.Contains(t, out, "runner r1 already registered")
	assert.Len(t, f.calls(t), 1)
	again, err := os.ReadFile(f.config)
	require.NoError(t, err)
	assert.Equal(t, agentConfig, again)
}

func TestDriverRegistersEachRunner(t *testing.T) {
	ref := agentconfig.MustParseSecretRef("ci/shared")
	cfg, err := agentconfig.New(
		agentconfig.GlobalSettings{Concurrency: 2, LogFormat: agentconfig.LogFormatRunner},
		agentconfig.RunnerDefinition{Name: "a", URL: "https://x.test", Token: ref, Executor: agentconfig.DockerExecutor{Image: "alpine"}},
		agentconfig.RunnerDefinition{Name: "b", URL: "https://y.test", Token: ref, Locked: true, Executor: agentconfig.KubernetesExecutor{Namespace: "ci"}},
	)
	require.NoError(t, err)
	f := newDriverFixture(t, cfg)

	out, err := f.run("docker,runner", "RUNNERFORGE_TOKEN_0=glrt-shared")
	require.NoError(t, err, out)

	calls := f.calls(t)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "--name a --url https://x.test --executor docker --locked=false --tag-list docker,runner")
	assert.Contains(t, calls[1], "--name b --url https://y.test --executor kubernetes --locked=true --tag-list docker,runner")

	b, err := os.ReadFile(filepath.Join(f.templates, "b.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `name = "b"`)
	assert.Contains(t, string(b), "[runners.kubernetes]")
	assert.NotContains(t, string(b), "[runners.docker]")
	assert.NotContains(t, string(b), `name = "a"`)
}

func TestDriverFailsWithoutTokenOrWithBadTags(t *testing.T) {
	f := newDriverFixture(t, exampleConfig(t))

	out, err := f.run("docker")
	require.Error(t, err)
	assert.Contains(t, out, "RUNNERFORGE_TOKEN_0 is not set")
	assert.Empty(t, f.calls(t))

	out, err = f.run("docker,bad tag", "RUNNERFORGE_TOKEN_0=glrt-abc")
	require.Error(t, err)
	assert.Contains(t, out, "invalid tag list")
	assert.Empty(t, f.calls(t))
}

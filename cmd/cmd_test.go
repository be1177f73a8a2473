package cmd

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/bootstrap"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const deployYAML = `
global:
  concurrency: 4
runners:
  - name: build
    url: https://gitlab.example.com
    token: ci/gitlab/runner
    executor: docker
    tags: [linux]
    docker:
      image: alpine:3.18
context:
  account: "123456789012"
  region: eu-west-1
publish:
  name: node-a
  key_prefix: ci/runners
`

func writeDeploy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRenderToStdout(t *testing.T) {
	out, err := run(t, "render", "-f", writeDeploy(t, deployYAML), "--check")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "concurrency = 4\n"))
	assert.Contains(t, out, `token = "${SECRET:ci/gitlab/runner}"`)
	assert.Contains(t, out, "  [runners.docker]\n")
	assert.NoError(t, agentconfig.Lint(out))

	again, err := run(t, "render", "-f", writeDeploy(t, deployYAML))
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestRenderToFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out", "config.toml")
	out, err := run(t, "render", "-f", writeDeploy(t, deployYAML), "-o", target)
	require.NoError(t, err)
	assert.Empty(t, out)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(got), `name = "build"`)
}

func TestRenderFileFromEnv(t *testing.T) {
	t.Setenv("RUNNERFORGE_FILE", writeDeploy(t, deployYAML))
	out, err := run(t, "render")
	require.NoError(t, err)
	assert.Contains(t, out, "[[runners]]")
}

func TestRenderValidationExitCode(t *testing.T) {
	bad := strings.Replace(deployYAML, "image: alpine:3.18", "image: \"\"", 1)
	out, err := run(t, "render", "-f", writeDeploy(t, bad))
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 2, forge_err.GetExitCode(err))
	var missing *agentconfig.MissingRequiredExecutorFieldError
	assert.ErrorAs(t, err, &missing)

	_, err = run(t, "render", "-f", filepath.Join(t.TempDir(), "none.yaml"))
	assert.Equal(t, 2, forge_err.GetExitCode(err))
}

func TestRenderPublish(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			stored[key] = string(body)
			_, _ = io.WriteString(w, "true")
		default:
			w.Header().Set("X-Consul-Index", "1")
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	content := deployYAML + "  consul_address: " + srv.URL + "\n"
	out, err := run(t, "render", "-f", writeDeploy(t, content), "--publish")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, out, stored["ci/runners/node-a/config.toml"])
	assert.Len(t, stored["ci/runners/node-a/digest"], 64)
}

func TestPlanPrintsStages(t *testing.T) {
	out, err := run(t, "plan", "-f", writeDeploy(t, deployYAML))
	require.NoError(t, err)

	var sum bootstrap.PlanSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &sum))
	assert.NotEmpty(t, sum.ID)
	assert.Equal(t, "123456789012,eu-west-1,docker,runner", sum.Tags)
	require.Len(t, sum.Stages, len(bootstrap.StageOrder))
	for i, st := range sum.Stages {
		assert.Equal(t, bootstrap.StageOrder[i], st.Name)
		assert.NotEmpty(t, st.Operations)
	}
	assert.NotContains(t, out, "RUNNERFORGE_SECRET")
}

func TestBootstrapDryRun(t *testing.T) {
	out, err := run(t, "bootstrap", "-f", writeDeploy(t, deployYAML), "--dry-run")
	require.NoError(t, err)

	var report bootstrap.Report
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.True(t, report.DryRun)
	assert.True(t, report.Succeeded())
	assert.Len(t, report.Stages, len(bootstrap.StageOrder))
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "runnerforge dev"))
}

// pkg/agentconfig/executor.go

package agentconfig

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ExecutorKind names the mechanism a runner uses to execute jobs.
type ExecutorKind string

const (
	ExecutorDocker     ExecutorKind = "docker"
	ExecutorKubernetes ExecutorKind = "kubernetes"
)

// ExecutorSettings is a closed union of per-kind settings. Only the types in
// this package implement it.
type ExecutorSettings interface {
	Kind() ExecutorKind
	validate(runner string) []error
	clone() ExecutorSettings
	// fields returns the TOML key/values, required first, absent optionals omitted.
	fields() []field
}

// ResourceLimits caps a job container.
type ResourceLimits struct {
	CPUs   string // decimal CPU count, e.g. "1.5"
	Memory string // e.g. "512m", "2g"
}

// DockerExecutor runs every job in a container.
type DockerExecutor struct {
	Image      string // required
	Privileged *bool
	Volumes    []string
	Limits     *ResourceLimits
}

// KubernetesExecutor runs every job as a pod.
type KubernetesExecutor struct {
	Namespace  string // required
	Image      string
	Privileged *bool
}

var memoryPattern = regexp.MustCompile(`^[0-9]+[bkmg]?$`)

func (DockerExecutor) Kind() ExecutorKind { return ExecutorDocker }

func (d DockerExecutor) validate(runner string) []error {
	var errs []error
	if strings.TrimSpace(d.Image) == "" {
		errs = append(errs, &MissingRequiredExecutorFieldError{Runner: runner, Kind: ExecutorDocker, Field: "image"})
	}
	for i, v := range d.Volumes {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, &InvalidRunnerError{Runner: runner, Reason: fmt.Sprintf("docker volume %d is empty", i)})
		}
	}
	if d.Limits != nil {
		if d.Limits.CPUs != "" {
			if n, err := strconv.ParseFloat(d.Limits.CPUs, 64); err != nil || n <= 0 {
				errs = append(errs, &InvalidRunnerError{Runner: runner, Reason: fmt.Sprintf("docker cpus limit %q is not a positive number", d.Limits.CPUs)})
			}
		}
		if d.Limits.Memory != "" && !memoryPattern.MatchString(d.Limits.Memory) {
			errs = append(errs, &InvalidRunnerError{Runner: runner, Reason: fmt.Sprintf("docker memory limit %q must look like 512m or 2g", d.Limits.Memory)})
		}
	}
	return errs
}

func (d DockerExecutor) clone() ExecutorSettings {
	out := DockerExecutor{Image: d.Image}
	if d.Privileged != nil {
		p := *d.Privileged
		out.Privileged = &p
	}
	if d.Volumes != nil {
		out.Volumes = append([]string(nil), d.Volumes...)
	}
	if d.Limits != nil {
		l := *d.Limits
		out.Limits = &l
	}
	return out
}

func (d DockerExecutor) fields() []field {
	fs := []field{{key: "image", value: d.Image}}
	if d.Privileged != nil {
		fs = append(fs, field{key: "privileged", value: *d.Privileged})
	}
	if len(d.Volumes) > 0 {
		fs = append(fs, field{key: "volumes", value: d.Volumes})
	}
	if d.Limits != nil {
		if d.Limits.CPUs != "" {
			fs = append(fs, field{key: "cpus", value: d.Limits.CPUs})
		}
		if d.Limits.Memory != "" {
			fs = append(fs, field{key: "memory", value: d.Limits.Memory})
		}
	}
	return fs
}

func (KubernetesExecutor) Kind() ExecutorKind { return ExecutorKubernetes }

func (k KubernetesExecutor) validate(runner string) []error {
	if strings.TrimSpace(k.Namespace) == "" {
		return []error{&MissingRequiredExecutorFieldError{Runner: runner, Kind: ExecutorKubernetes, Field: "namespace"}}
	}
	return nil
}

func (k KubernetesExecutor) clone() ExecutorSettings {
	out := KubernetesExecutor{Namespace: k.Namespace, Image: k.Image}
	if k.Privileged != nil {
		p := *k.Privileged
		out.Privileged = &p
	}
	return out
}

func (k KubernetesExecutor) fields() []field {
	fs := []field{{key: "namespace", value: k.Namespace}}
	if k.Image != "" {
		fs = append(fs, field{key: "image", value: k.Image})
	}
	if k.Privileged != nil {
		fs = append(fs, field{key: "privileged", value: *k.Privileged})
	}
	return fs
}

// normalizeExecutor accepts value or pointer forms and returns a detached
// value copy. Every variant must be listed here.
func normalizeExecutor(runner string, e ExecutorSettings) (ExecutorSettings, error) {
	switch v := e.(type) {
	case nil:
		return nil, &InvalidRunnerError{Runner: runner, Reason: "executor settings are required"}
	case DockerExecutor:
		return v.clone(), nil
	case *DockerExecutor:
		if v == nil {
			return nil, &InvalidRunnerError{Runner: runner, Reason: "executor settings are required"}
		}
		return v.clone(), nil
	case KubernetesExecutor:
		return v.clone(), nil
	case *KubernetesExecutor:
		if v == nil {
			return nil, &InvalidRunnerError{Runner: runner, Reason: "executor settings are required"}
		}
		return v.clone(), nil
	default:
		return nil, &InvalidRunnerError{Runner: runner, Reason: fmt.Sprintf("unsupported executor %T", e)}
	}
}

// Bool is a convenience for optional boolean executor fields.
func Bool(b bool) *bool { return &b }

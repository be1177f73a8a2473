// pkg/bootstrap/driver.go

package bootstrap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
	"mvdan.cc/sh/v3/syntax"
)

// registration is one runner the driver registers with the agent.
// TokenVar names the environment variable carrying its token.
type registration struct {
	Name     string
	URL      string
	Executor agentconfig.ExecutorKind
	Locked   bool
	TokenVar string
}

// driverPaths locates the files the driver reads and the agent it calls.
type driverPaths struct {
	Config   string
	Template string
	Agent    string
}

// renderDriver produces the script delivered to the node. It is invoked with
// the derived tag string as $1 and the runner tokens in its environment. It:
//   - seeds the agent config with the template's global settings when absent
//   - registers every runner not yet present in the agent config
//
// Each registration takes its settings from that runner's block of the
// template and its tags as --tag-list. The token reaches the agent only as
// REGISTRATION_TOKEN in the agent's environment; the agent persists it.
func renderDriver(paths driverPaths, regs []registration) (string, error) {
	var quoted [3]string
	for i, p := range []string{paths.Config, paths.Template, paths.Agent} {
		q, err := syntax.Quote(p, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("driver path %q: %w", p, err)
		}
		quoted[i] = q
	}

	var b strings.Builder
	b.WriteString(`#!/bin/sh
# Generated by runnerforge. Do not edit; re-run the bootstrap instead.
set -eu
set -f

tags="${1-}"
config=` + quoted[0] + `
template=` + quoted[1] + `
agent=` + quoted[2] + `

case "$tags" in
*[!A-Za-z0-9_.:/+,-]*)
	echo "start.sh: invalid tag list: $tags" >&2
	exit 2
	;;
esac

work=$(mktemp -d)
seed="$config.runnerforge.$$"
trap 'rm -rf "$work"; rm -f "$seed"' EXIT

if [ ! -e "$config" ]; then
	(
		umask 077
		awk '/^\[\[runners\]\]$/ { exit } { print }' "$template" > "$seed"
		mv "$seed" "$config"
	)
fi

registered() {
	NAME_LINE="$1" awk '
		{ sub(/^[ \t]+/, "") }
		$0 == ENVIRON["NAME_LINE"] { found = 1 }
		END { exit !found }' "$config"
}

register() {
	ordinal=$1 name=$2 url=$3 executor=$4 locked=$5 token_var=$6
	if registered "$7"; then
		echo "start.sh: runner $name already registered"
		return 0
	fi
	eval "token=\${$token_var-}"
	if [ -z "$token" ]; then
		echo "start.sh: $token_var is not set" >&2
		exit 1
	fi
	RUNNER="$ordinal" awk '
		/^\[\[runners\]\]$/ { n++ }
		n == ENVIRON["RUNNER"] + 1 && !/^  (token|tags) = / { print }' "$template" > "$work/runner-$ordinal.toml"
	REGISTRATION_TOKEN="$token" "$agent" register --non-interactive \
		--config "$config" \
		--template-config "$work/runner-$ordinal.toml" \
		--name "$name" \
		--url "$url" \
		--executor "$executor" \
		--locked="$locked" \
		--tag-list "$tags"
	unset token
}

`)
	for i, r := range regs {
		args := []string{
			strconv.Itoa(i),
			r.Name,
			r.URL,
			string(r.Executor),
			strconv.FormatBool(r.Locked),
			r.TokenVar,
			"name = " + agentconfig.Quote(r.Name),
		}
		b.WriteString("register")
		for _, a := range args {
			q, err := syntax.Quote(a, syntax.LangPOSIX)
			if err != nil {
				return "", fmt.Errorf("runner %q: %w", r.Name, err)
			}
			b.WriteByte(' ')
			b.WriteString(q)
		}
		b.WriteByte('\n')
	}

	script := b.String()
	if err := checkShell("start.sh", script); err != nil {
		return "", fmt.Errorf("generated driver does not parse: %w", err)
	}
	return script, nil
}

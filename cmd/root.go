/* cmd/root.go */

package cmd

import (
	"fmt"
	"os"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/deployment"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_cli"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/logger"
	cerr "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "runnerforge",
		Short: "Render and bootstrap GitLab Runner agents on compute nodes",
		Long: `runnerforge turns a deployment file into a validated config.toml for the
GitLab Runner agent and runs the staged bootstrap that installs the container
runtime and the agent, writes the configuration and starts the service.

Runner tokens are never read from the deployment file. They are referenced by
identifier and resolved from Vault or the environment only while the bootstrap
step that needs them runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("file", "f", "deploy.yaml", "Deployment file (env RUNNERFORGE_FILE)")
	root.PersistentFlags().String("env-file", "", "Optional .env file loaded before the deployment file")

	root.AddCommand(
		newRenderCmd(),
		newPlanCmd(),
		newBootstrapCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to flush logs: %v\n", err)
		}
	}()

	err := NewRootCmd().Execute()
	if err == nil {
		return 0
	}

	logger.L().Debug("CLI execution error", zap.Error(err))
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	for _, hint := range cerr.GetAllHints(err) {
		fmt.Fprintf(os.Stderr, "  hint: %s\n", hint)
	}
	var classified *forge_err.ClassifiedError
	if cerr.As(err, &classified) {
		for _, r := range classified.Remediation {
			fmt.Fprintf(os.Stderr, "  - %s\n", r)
		}
	}
	return forge_err.GetExitCode(err)
}

// loadDeployment reads the deployment file named by --file or RUNNERFORGE_FILE.
func loadDeployment(cmd *cobra.Command) (*deployment.File, error) {
	v, err := forge_cli.FlagViper(cmd, deployment.EnvPrefix)
	if err != nil {
		return nil, forge_err.NewInternalError("failed to bind flags", err)
	}
	path, err := forge_cli.GetRequiredString(v, "file")
	if err != nil {
		return nil, forge_err.NewValidationError("no deployment file given", err, "Pass -f deploy.yaml")
	}
	return deployment.Load(path, v.GetString("env-file"))
}

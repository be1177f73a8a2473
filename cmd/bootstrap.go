/* cmd/bootstrap.go */

package cmd

import (
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/bootstrap"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_cli"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_io"
	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bring the configured node to a running agent",
		Long: `Bootstrap runs the plan's stages in order against the node named in the
deployment file: base, runtime-install, agent-install, config-write and
start-and-verify. The first failing operation stops the run. Every operation
is safe to repeat, so re-running after fixing the cause converges.`,
		Args: cobra.NoArgs,
		RunE: forge_cli.Wrap(runBootstrap),
	}
	forge_cli.AddBoolFlag(cmd, "dry-run", "", false, "Log each operation without touching the node or the secret store")
	return cmd
}

func runBootstrap(rc *forge_io.RuntimeContext, cmd *cobra.Command, _ []string) error {
	logger := otelzap.Ctx(rc.Ctx)

	f, err := loadDeployment(cmd)
	if err != nil {
		return err
	}
	_, plan, err := f.Plan()
	if err != nil {
		return err
	}
	rc.Attributes["plan_id"] = plan.ID()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	seq := &bootstrap.Sequencer{DryRun: dryRun}
	if !dryRun {
		if seq.Resolver, err = f.Resolver(rc.Ctx); err != nil {
			return err
		}
		n, closeNode, err := f.OpenNode(rc.Ctx, logger.ZapLogger())
		if err != nil {
			return err
		}
		defer func() {
			if err := closeNode(); err != nil {
				logger.Warn("Failed to close node connection", zap.Error(err))
			}
		}()
		seq.Node = n
	}

	report, runErr := seq.Run(rc.Ctx, plan)

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		logger.Warn("Failed to print report", zap.Error(err))
	}
	_ = enc.Close()

	if runErr != nil {
		return forge_err.WrapExecutionError(runErr)
	}
	return nil
}

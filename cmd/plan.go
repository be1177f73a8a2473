/* cmd/plan.go */

package cmd

import (
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_cli"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_io"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the bootstrap plan as YAML",
		Args:  cobra.NoArgs,
		RunE: forge_cli.Wrap(func(rc *forge_io.RuntimeContext, cmd *cobra.Command, _ []string) error {
			f, err := loadDeployment(cmd)
			if err != nil {
				return err
			}
			_, plan, err := f.Plan()
			if err != nil {
				return err
			}
			rc.Attributes["plan_id"] = plan.ID()

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(plan.Summary()); err != nil {
				return forge_err.NewExecutionError("failed to write plan", err)
			}
			return enc.Close()
		}),
	}
}

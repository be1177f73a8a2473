/* cmd/render.go */

package cmd

import (
	"fmt"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/agentconfig"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/artifact"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/fileops"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_cli"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_io"
	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the agent config.toml",
		Long: `Render validates the deployment file and prints the agent configuration.
Tokens appear as ${SECRET:<ref>} placeholders. The bootstrap hands the real
tokens to the agent's registration on the node and never writes them out.`,
		Args: cobra.NoArgs,
		RunE: forge_cli.Wrap(runRender),
	}
	forge_cli.AddStringFlag(cmd, "output", "o", "", "Write to this file instead of stdout", false)
	forge_cli.AddBoolFlag(cmd, "check", "", false, "Parse the rendered text with a TOML parser before emitting it")
	forge_cli.AddBoolFlag(cmd, "publish", "", false, "Store the rendered config and digest in Consul KV")
	return cmd
}

func runRender(rc *forge_io.RuntimeContext, cmd *cobra.Command, _ []string) error {
	logger := otelzap.Ctx(rc.Ctx)

	f, err := loadDeployment(cmd)
	if err != nil {
		return err
	}
	cfg, err := f.AgentConfig()
	if err != nil {
		return err
	}
	text := agentconfig.Serialize(cfg)
	digest := agentconfig.Digest(cfg)
	rc.Attributes["config_digest"] = digest

	check, _ := cmd.Flags().GetBool("check")
	if check {
		if err := agentconfig.Lint(text); err != nil {
			return forge_err.NewInternalError("rendered configuration failed the TOML self-check", err)
		}
		logger.Info("Rendered configuration parses as TOML", zap.Int("runners", cfg.Len()))
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		if _, err := fmt.Fprint(cmd.OutOrStdout(), text); err != nil {
			return forge_err.NewExecutionError("failed to write rendered configuration", err)
		}
	} else {
		fs := fileops.NewFileSystemOperations(logger.ZapLogger())
		if err := fs.WriteFile(rc.Ctx, output, []byte(text), 0o644); err != nil {
			return forge_err.NewExecutionError("failed to write "+output, err)
		}
		logger.Info("Wrote rendered configuration", zap.String("path", output), zap.String("digest", digest))
	}

	publish, _ := cmd.Flags().GetBool("publish")
	if !publish {
		return nil
	}
	name := f.Publish.Name
	if name == "" {
		_, plan, err := f.Plan()
		if err != nil {
			return err
		}
		name = plan.ID()
	}
	pub, err := artifact.NewConsulPublisher(f.Publish.ConsulAddress, f.Publish.KeyPrefix)
	if err != nil {
		return forge_err.NewExecutionError("failed to set up publishing", err)
	}
	res, err := pub.Publish(rc.Ctx, name, text, digest)
	if err != nil {
		return forge_err.NewExecutionError("failed to publish rendered configuration", err,
			"Check publish.consul_address or CONSUL_HTTP_ADDR")
	}
	rc.Attributes["published_key"] = res.ConfigKey
	return nil
}

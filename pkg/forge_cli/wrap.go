// pkg/forge_cli/wrap.go

package forge_cli

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_io"
	cerr "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RunFunc is a command body that receives the command's runtime context.
type RunFunc func(rc *forge_io.RuntimeContext, cmd *cobra.Command, args []string) error

// Wrap ensures panic recovery, telemetry, logging and signal-driven cancellation.
func Wrap(fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		rc := forge_io.NewContext(parent, cmd.Name())
		defer rc.End(&err)
		defer rc.HandlePanic(&err)

		handler := NewSignalHandler(rc.Ctx)
		defer handler.Stop()
		rc.Ctx = handler.Context()

		rc.Log.Debug("Command started", zap.Strings("args", args))

		err = fn(rc, cmd, args)
		if err != nil && handler.Interrupted() {
			err = cerr.WithSecondaryError(forge_err.NewUserCancelledError(cmd.Name()), err)
		}
		if err != nil {
			if _, classified := forge_err.CategoryOf(err); !classified {
				err = cerr.WithStack(err)
			}
		}
		return err
	}
}

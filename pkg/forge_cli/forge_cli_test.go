package forge_cli

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_io"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name     string
		fn       RunFunc
		wantErr  string
		wantExit int
	}{
		{
			name: "success",
			fn: func(rc *forge_io.RuntimeContext, cmd *cobra.Command, args []string) error {
				assert.NotNil(t, rc.Ctx)
				assert.NotNil(t, rc.Log)
				assert.Equal(t, "test-cmd", rc.Command)
				return nil
			},
		},
		{
			name: "plain error keeps message",
			fn: func(*forge_io.RuntimeContext, *cobra.Command, []string) error {
				return errors.New("command failed")
			},
			wantErr:  "command failed",
			wantExit: 1,
		},
		{
			name: "classified error keeps exit code",
			fn: func(*forge_io.RuntimeContext, *cobra.Command, []string) error {
				return forge_err.NewValidationError("bad runner", nil)
			},
			wantErr:  "bad runner",
			wantExit: 2,
		},
		{
			name: "panic recovery",
			fn: func(*forge_io.RuntimeContext, *cobra.Command, []string) error {
				panic("test panic")
			},
			wantErr:  "test panic",
			wantExit: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test-cmd"}
			err := Wrap(tt.fn)(cmd, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, tt.wantExit, forge_err.GetExitCode(err))
		})
	}
}

func TestWrapContextEndsWithCommand(t *testing.T) {
	var captured context.Context
	err := Wrap(func(rc *forge_io.RuntimeContext, _ *cobra.Command, _ []string) error {
		captured = rc.Ctx
		return nil
	})(&cobra.Command{Use: "x"}, nil)
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Error(t, captured.Err())
}

func TestSignalHandlerCancelsAndCleansUp(t *testing.T) {
	h := newSignalHandler(context.Background())
	exitCode := make(chan int, 1)
	h.forceExit = func(code int) { exitCode <- code }
	go h.handleSignals()
	defer h.Stop()

	var order []int
	h.RegisterCleanup(func() error { order = append(order, 1); return nil })
	h.RegisterCleanup(func() error { order = append(order, 2); return errors.New("ignored") })

	h.sigChan <- syscall.SIGINT
	select {
	case <-h.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled")
	}
	assert.True(t, h.Interrupted())

	h.sigChan <- syscall.SIGTERM
	select {
	case code := <-exitCode:
		assert.Equal(t, 130, code)
	case <-time.After(5 * time.Second):
		t.Fatal("second signal did not force exit")
	}
	assert.Equal(t, []int{2, 1}, order)
}

func TestSignalHandlerStop(t *testing.T) {
	h := NewSignalHandler(context.Background())
	assert.False(t, h.Interrupted())
	h.Stop()
	h.Stop()
	assert.Error(t, h.Context().Err())
}

func TestFlagViper(t *testing.T) {
	cmd := &cobra.Command{Use: "render"}
	AddStringFlag(cmd, "file", "f", "", "deployment file", false)
	AddBoolFlag(cmd, "dry-run", "", false, "plan only")

	t.Setenv("RUNNERFORGE_FILE", "/etc/runnerforge/deploy.yaml")
	v, err := FlagViper(cmd, "RUNNERFORGE")
	require.NoError(t, err)
	got, err := GetRequiredString(v, "file")
	require.NoError(t, err)
	assert.Equal(t, "/etc/runnerforge/deploy.yaml", got)

	require.NoError(t, cmd.Flags().Set("file", "local.yaml"))
	require.NoError(t, cmd.Flags().Set("dry-run", "true"))
	assert.Equal(t, "local.yaml", v.GetString("file"))
	assert.True(t, v.GetBool("dry-run"))

	_, err = GetRequiredString(v, "output")
	assert.Error(t, err)
}

package systemd

import (
	"context"
	"fmt"
	"regexp"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"mvdan.cc/sh/v3/syntax"
)

// CommandRunner runs a shell command on the host whose services are managed.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string, env map[string]string) (string, error)
}

var unitPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@:-]*$`)

// ValidUnitName reports whether name is a plausible systemd unit name.
func ValidUnitName(name string) bool {
	return len(name) <= 255 && unitPattern.MatchString(name)
}

// IsEnabled reports whether unit is enabled at boot.
func IsEnabled(ctx context.Context, r CommandRunner, unit string) bool {
	_, err := r.RunCommand(ctx, "systemctl is-enabled --quiet "+quote(unit), nil)
	return err == nil
}

// IsActive reports whether unit is currently running.
func IsActive(ctx context.Context, r CommandRunner, unit string) bool {
	_, err := r.RunCommand(ctx, "systemctl is-active --quiet "+quote(unit), nil)
	return err == nil
}

// EnableNow enables unit at boot and starts it. A unit that is already
// enabled and active is left alone.
func EnableNow(ctx context.Context, r CommandRunner, unit string) error {
	logger := otelzap.Ctx(ctx)

	// ASSESS - Validate the unit and check its current state
	if !ValidUnitName(unit) {
		return fmt.Errorf("invalid systemd unit name %q", unit)
	}
	if IsEnabled(ctx, r, unit) && IsActive(ctx, r, unit) {
		logger.Debug("Service already enabled and running", zap.String("unit", unit))
		return nil
	}

	// INTERVENE - Enable and start
	logger.Info("Enabling service", zap.String("unit", unit))
	if out, err := r.RunCommand(ctx, "systemctl enable --now "+quote(unit), nil); err != nil {
		return fmt.Errorf("systemctl enable --now %s failed: %w (%s)", unit, err, out)
	}

	// EVALUATE - The unit must be running now
	if !IsActive(ctx, r, unit) {
		return fmt.Errorf("service %s was enabled but is not active", unit)
	}
	logger.Debug("Service enabled and running", zap.String("unit", unit))
	return nil
}

func quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "''"
	}
	return q
}

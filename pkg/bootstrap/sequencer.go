// pkg/bootstrap/sequencer.go

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/forge_err"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/secretbind"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/telemetry"
	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrVerifyTimeout is returned when a verify command never succeeds within
// its timeout.
var ErrVerifyTimeout = errors.New("verification timed out")

// Node is the only surface the sequencer needs from the target machine.
// Every method must be safe to repeat: installing an installed package and
// enabling an enabled service are no-ops.
type Node interface {
	InstallPackage(ctx context.Context, name, source string) error
	WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error
	RunCommand(ctx context.Context, command string, env map[string]string) (string, error)
	EnableService(ctx context.Context, name string) error
}

// StageError identifies the operation that stopped the plan.
type StageError struct {
	Stage     string
	Index     int
	Operation string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q operation %d (%s) failed: %v", e.Stage, e.Index, e.Operation, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageStatus is the outcome of one stage in a run.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// StageResult records how far a stage got.
type StageResult struct {
	Name      string        `yaml:"name" json:"name"`
	Status    StageStatus   `yaml:"status" json:"status"`
	Completed int           `yaml:"completed" json:"completed"`
	Total     int           `yaml:"total" json:"total"`
	Duration  time.Duration `yaml:"duration" json:"duration"`
}

// Report summarizes a sequencer run. Stages after a failure are skipped.
type Report struct {
	PlanID   string        `yaml:"plan_id" json:"plan_id"`
	DryRun   bool          `yaml:"dry_run" json:"dry_run"`
	Stages   []StageResult `yaml:"stages" json:"stages"`
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// Succeeded reports whether every stage succeeded.
func (r *Report) Succeeded() bool {
	if r == nil || len(r.Stages) == 0 {
		return false
	}
	for _, s := range r.Stages {
		if s.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// Sequencer executes a plan against one node, one operation at a time.
type Sequencer struct {
	Node     Node
	Resolver secretbind.Resolver
	// DryRun logs each operation without touching the node or the resolver.
	DryRun bool
}

// Run executes plan. The returned report is never nil. The first failing
// operation aborts the run with a *StageError; nothing is rolled back.
func (s *Sequencer) Run(ctx context.Context, plan *Plan) (*Report, error) {
	started := time.Now()
	report := &Report{DryRun: s.DryRun}
	if plan == nil {
		return report, forge_err.NewInternalError("bootstrap: nil plan", nil)
	}
	report.PlanID = plan.ID()
	stages := plan.Stages()
	for _, st := range stages {
		report.Stages = append(report.Stages, StageResult{Name: st.Name, Status: StatusPending, Total: len(st.Operations)})
	}
	if s.Node == nil && !s.DryRun {
		return report, forge_err.NewInternalError("bootstrap: sequencer has no node", nil)
	}

	ctx, span := telemetry.Start(ctx, "bootstrap.Run",
		attribute.String("plan_id", plan.ID()),
		attribute.Bool("dry_run", s.DryRun))
	defer span.End()

	logger := otelzap.Ctx(ctx)
	logger.Info("Starting bootstrap",
		zap.String("plan_id", plan.ID()),
		zap.String("tags", plan.Tags()),
		zap.String("config_digest", plan.ConfigDigest()),
		zap.Bool("dry_run", s.DryRun))

	var runErr error
	for i, st := range stages {
		res := &report.Stages[i]
		if runErr != nil {
			res.Status = StatusSkipped
			continue
		}
		stageStart := time.Now()
		runErr = s.runStage(ctx, st, res)
		res.Duration = time.Since(stageStart)
		if runErr != nil {
			res.Status = StatusFailed
			span.RecordError(runErr)
			logger.Error("Bootstrap stage failed",
				zap.String("stage", st.Name),
				zap.Duration("duration", res.Duration),
				zap.Error(runErr))
			continue
		}
		res.Status = StatusSucceeded
		logger.Info("Bootstrap stage completed",
			zap.String("stage", st.Name),
			zap.Int("operations", res.Completed),
			zap.Duration("duration", res.Duration))
	}
	report.Duration = time.Since(started)

	if runErr != nil {
		return report, runErr
	}
	logger.Info("Bootstrap completed", zap.String("plan_id", plan.ID()), zap.Duration("duration", report.Duration))
	return report, nil
}

func (s *Sequencer) runStage(ctx context.Context, st Stage, res *StageResult) error {
	ctx, span := telemetry.Start(ctx, "bootstrap.stage", attribute.String("stage", st.Name))
	defer span.End()

	for i, op := range st.Operations {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: st.Name, Index: i, Operation: op.Describe(), Err: err}
		}
		if err := s.runOperation(ctx, st.Name, i, op); err != nil {
			span.RecordError(err)
			return &StageError{Stage: st.Name, Index: i, Operation: op.Describe(), Err: err}
		}
		res.Completed++
	}
	return nil
}

func (s *Sequencer) runOperation(ctx context.Context, stage string, index int, op Operation) error {
	ctx, span := telemetry.Start(ctx, "bootstrap.operation",
		attribute.String("stage", stage),
		attribute.Int("index", index),
		attribute.String("kind", string(op.Kind())))
	defer span.End()

	logger := otelzap.Ctx(ctx)
	if s.DryRun {
		logger.Info("Dry run: would execute operation",
			zap.String("stage", stage),
			zap.Int("index", index),
			zap.String("operation", op.Describe()))
		return nil
	}
	logger.Info("Executing operation",
		zap.String("stage", stage),
		zap.Int("index", index),
		zap.String("operation", op.Describe()))

	switch o := op.(type) {
	case InstallPackage:
		return s.Node.InstallPackage(ctx, o.Name, o.Source)
	case WriteFile:
		return s.Node.WriteFile(ctx, o.Path, o.Content, o.Mode)
	case RunCommand:
		return s.runCommand(ctx, o)
	case Verify:
		return s.verify(ctx, o)
	case EnableService:
		return s.Node.EnableService(ctx, o.Name)
	default:
		return cerr.AssertionFailedf("unhandled operation kind %q", op.Kind())
	}
}

// runCommand resolves the bindings, runs the command with them and discards
// the values whatever the outcome.
func (s *Sequencer) runCommand(ctx context.Context, o RunCommand) error {
	line, err := o.CommandLine()
	if err != nil {
		return err
	}

	env, err := secretbind.Bind(ctx, s.Resolver, o.Env)
	if err != nil {
		return err
	}
	defer env.Discard()

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	out, err := s.Node.RunCommand(ctx, line, env.Map())
	if err != nil {
		return forge_err.NewExecutionError("command exited unsuccessfully", cerr.Wrap(err, forge_err.ExtractSummary(out, 2)))
	}
	return nil
}

// verify polls the command at o.Interval until it succeeds. Reaching the
// timeout is a failure, never a pass. When the next slot would fall after the
// deadline, verify waits out the remaining time and makes one last attempt.
func (s *Sequencer) verify(ctx context.Context, o Verify) error {
	logger := otelzap.Ctx(ctx)
	start := time.Now()
	deadline := start.Add(o.Timeout)
	vctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(o.Interval), 1)
	var lastErr error
	var lastOut string
	attempt := 0
	try := func(actx context.Context) bool {
		attempt++
		out, err := s.Node.RunCommand(actx, o.Command, nil)
		if err == nil {
			logger.Info("Verification succeeded", zap.String("command", o.Command), zap.Int("attempt", attempt))
			return true
		}
		lastErr, lastOut = err, out
		logger.Debug("Verification not yet passing",
			zap.String("command", o.Command),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return false
	}

	for {
		if err := limiter.Wait(vctx); err != nil {
			break
		}
		if try(vctx) {
			return nil
		}
		if vctx.Err() != nil {
			break
		}
	}

	if ctx.Err() == nil && vctx.Err() == nil {
		select {
		case <-vctx.Done():
		case <-ctx.Done():
		}
		if ctx.Err() == nil {
			fctx, fcancel := context.WithTimeout(ctx, o.Interval)
			ok := try(fctx)
			fcancel()
			if ok {
				return nil
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	elapsed := time.Since(start).Round(time.Millisecond)
	cause := fmt.Errorf("%w after %d attempts in %s", ErrVerifyTimeout, attempt, elapsed)
	if lastErr != nil {
		cause = fmt.Errorf("%w after %d attempts in %s: %v (%s)", ErrVerifyTimeout, attempt, elapsed, lastErr, forge_err.ExtractSummary(lastOut, 2))
	}
	return forge_err.NewTimeoutError(fmt.Sprintf("%q did not succeed within %s", o.Command, o.Timeout), cause)
}

package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOutOfOrder is returned when a plan does not follow the action order.
var ErrOutOfOrder = errors.New("upgrade actions out of order")

// State is the position of the runner in the upgrade state machine.
type State string

const (
	StateIdle                State = "idle"
	StateStopping            State = "stopping"
	StateCleaningStaleConfig State = "cleaning_stale_config"
	StateReinstalling        State = "reinstalling"
	StateReconfiguring       State = "reconfiguring"
	StateStarting            State = "starting"
	StateNotified            State = "notified"
)

var stateFor = map[ActionKind]State{
	StopService:       StateStopping,
	DeleteStaleFile:   StateCleaningStaleConfig,
	ReinstallArtifact: StateReinstalling,
	Reconfigure:       StateReconfiguring,
	StartService:      StateStarting,
	Notify:            StateNotified,
}

// Steps are the host operations behind each action. A nil step is a no-op;
// with no StopService there is nothing to wait for, so the grace is skipped.
type Steps struct {
	StopService     func(ctx context.Context) error
	DeleteStaleFile func(ctx context.Context, path string) error
	Reinstall       func(ctx context.Context) error
	Reconfigure     func(ctx context.Context) error
	StartService    func(ctx context.Context) error
	Notify          func(ctx context.Context, message string) error
}

// Status reports the progress of the last run.
type Status struct {
	State       State     `json:"state" yaml:"state"`
	Status      string    `json:"status,omitempty" yaml:"status,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Runner executes an upgrade plan. There are no retries and no rollback: the
// first failing action stops the run and the state stays at that action.
type Runner struct {
	mu     sync.Mutex
	logger *zap.Logger
	steps  Steps
	sleep  func(ctx context.Context, d time.Duration) error
	status Status
}

// NewRunner creates a runner over steps.
func NewRunner(steps Steps, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger: logger,
		steps:  steps,
		sleep:  sleepContext,
		status: Status{State: StateIdle},
	}
}

// ValidatePlan checks that each action kind appears at most once and in order.
func ValidatePlan(plan []Action) error {
	var last ActionKind
	for i, a := range plan {
		if _, ok := actionNames[a.Kind]; !ok {
			return fmt.Errorf("%w: unknown action %s at position %d", ErrOutOfOrder, a.Kind, i)
		}
		if a.Kind <= last {
			return fmt.Errorf("%w: %s after %s", ErrOutOfOrder, a.Kind, last)
		}
		last = a.Kind
	}
	return nil
}

// Run executes plan in order. An empty plan leaves the runner idle.
func (r *Runner) Run(ctx context.Context, plan []Action) error {
	if err := ValidatePlan(plan); err != nil {
		return err
	}
	if len(plan) == 0 {
		return nil
	}

	r.mu.Lock()
	r.status = Status{State: StateIdle, Status: "starting", StartedAt: time.Now()}
	r.mu.Unlock()

	for _, action := range plan {
		if err := ctx.Err(); err != nil {
			r.fail(fmt.Sprintf("upgrade cancelled: %v", err))
			return err
		}

		r.transition(stateFor[action.Kind])

		if err := r.perform(ctx, action); err != nil {
			r.fail(fmt.Sprintf("%s failed: %v", action.Kind, err))
			return fmt.Errorf("upgrade step %s: %w", action, err)
		}
	}

	r.mu.Lock()
	r.status.Status = "success"
	r.status.CompletedAt = time.Now()
	r.mu.Unlock()
	r.logger.Info("upgrade sequence completed", zap.Int("actions", len(plan)))

	return nil
}

func (r *Runner) perform(ctx context.Context, a Action) error {
	switch a.Kind {
	case StopService:
		if r.steps.StopService == nil {
			return nil
		}
		if err := r.steps.StopService(ctx); err != nil {
			return err
		}
		if a.Grace > 0 {
			r.logger.Debug("waiting for service to exit", zap.Duration("grace", a.Grace))
			return r.sleep(ctx, a.Grace)
		}
		return nil
	case DeleteStaleFile:
		if r.steps.DeleteStaleFile == nil {
			return nil
		}
		return r.steps.DeleteStaleFile(ctx, a.Path)
	case ReinstallArtifact:
		return call(ctx, r.steps.Reinstall)
	case Reconfigure:
		return call(ctx, r.steps.Reconfigure)
	case StartService:
		return call(ctx, r.steps.StartService)
	case Notify:
		r.logger.Info(a.Message)
		if r.steps.Notify == nil {
			return nil
		}
		return r.steps.Notify(ctx, a.Message)
	}
	return fmt.Errorf("%w: unknown action %s", ErrOutOfOrder, a.Kind)
}

func call(ctx context.Context, step func(context.Context) error) error {
	if step == nil {
		return nil
	}
	return step(ctx)
}

func (r *Runner) transition(s State) {
	r.mu.Lock()
	r.status.State = s
	r.status.Status = "running"
	r.mu.Unlock()
	r.logger.Info("upgrade status update", zap.String("state", string(s)))
}

func (r *Runner) fail(msg string) {
	r.mu.Lock()
	r.status.Status = "failed"
	r.status.Error = msg
	r.status.CompletedAt = time.Now()
	state := r.status.State
	r.mu.Unlock()
	r.logger.Error("upgrade status update",
		zap.String("state", string(state)),
		zap.String("status", "failed"),
		zap.String("error", msg))
}

// Status returns a copy of the current status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

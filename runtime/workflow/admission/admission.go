// Package admission decides whether a new workflow execution may start. The
// limit on concurrently running executions depends on the validation mode
// chosen by the operator: fully automatic workflows never pause for a human,
// so more of them may run at once than supervised ones.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/switchboard-ai/switchboard/runtime/workflow/observable"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

type (
	// ValidationMode is the operator's approval policy for workflow operations.
	ValidationMode string

	// ModeSource reports the current validation mode. The setting is owned
	// outside the coordinator.
	ModeSource interface {
		Mode() ValidationMode
	}

	// ModeStore is an observable ModeSource.
	ModeStore struct {
		*observable.Store[ValidationMode]
	}

	// Policy maps validation modes to concurrency limits.
	Policy struct {
		// AutomaticLimit applies in automatic mode.
		AutomaticLimit int
		// SupervisedLimit applies in manual and selective modes.
		SupervisedLimit int
	}

	// Executions is the registry the controller counts and registers into.
	Executions interface {
		// RunningCount returns the number of running executions.
		RunningCount() int
		// TryRegister registers the execution iff fewer than limit
		// executions are running, atomically.
		TryRegister(limit int, workflowID, agentID, name string) (bool, error)
	}

	// Options configures a Controller.
	Options struct {
		// Modes supplies the validation mode. Required.
		Modes ModeSource
		// Executions is the execution registry. Required.
		Executions Executions
		// Policy overrides DefaultPolicy. Zero limits fall back to the
		// defaults.
		Policy Policy
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Controller gates workflow starts. It never queues: a rejected start is
	// reported to the caller, which is responsible for telling the user.
	Controller struct {
		modes   ModeSource
		execs   Executions
		policy  Policy
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

const (
	ModeAutomatic ValidationMode = "automatic"
	ModeManual    ValidationMode = "manual"
	ModeSelective ValidationMode = "selective"
)

// ErrInvalidMode is returned by ParseMode for unrecognized modes.
var ErrInvalidMode = errors.New("invalid validation mode")

// DefaultPolicy returns the built-in limits: three concurrent workflows in
// automatic mode, one otherwise.
func DefaultPolicy() Policy {
	return Policy{AutomaticLimit: 3, SupervisedLimit: 1}
}

// ParseMode parses a validation mode.
func ParseMode(s string) (ValidationMode, error) {
	switch m := ValidationMode(s); m {
	case ModeAutomatic, ModeManual, ModeSelective:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// NewModeStore returns a ModeStore holding initial.
func NewModeStore(initial ValidationMode) *ModeStore {
	return &ModeStore{Store: observable.New(initial)}
}

// Mode implements ModeSource.
func (s *ModeStore) Mode() ValidationMode {
	return s.Get()
}

// Limit returns the concurrency limit for mode. Any mode other than automatic,
// including an unknown one, gets the supervised limit.
func (p Policy) Limit(mode ValidationMode) int {
	if mode == ModeAutomatic {
		return p.AutomaticLimit
	}
	return p.SupervisedLimit
}

// Validate checks that both limits are positive.
func (p Policy) Validate() error {
	if p.AutomaticLimit < 1 {
		return fmt.Errorf("automatic limit must be positive, got %d", p.AutomaticLimit)
	}
	if p.SupervisedLimit < 1 {
		return fmt.Errorf("supervised limit must be positive, got %d", p.SupervisedLimit)
	}
	return nil
}

// New returns a controller configured by opts.
func New(opts Options) (*Controller, error) {
	if opts.Modes == nil {
		return nil, errors.New("mode source is required")
	}
	if opts.Executions == nil {
		return nil, errors.New("executions are required")
	}
	policy := opts.Policy
	def := DefaultPolicy()
	if policy.AutomaticLimit == 0 {
		policy.AutomaticLimit = def.AutomaticLimit
	}
	if policy.SupervisedLimit == 0 {
		policy.SupervisedLimit = def.SupervisedLimit
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		modes:   opts.Modes,
		execs:   opts.Executions,
		policy:  policy,
		logger:  telemetry.Or(opts.Logger),
		metrics: telemetry.OrMetrics(opts.Metrics),
	}, nil
}

// CanStart reports whether fewer executions are running than the current
// limit allows.
func (c *Controller) CanStart() bool {
	return c.execs.RunningCount() < c.MaxConcurrent()
}

// MaxConcurrent returns the current limit.
func (c *Controller) MaxConcurrent() int {
	return c.policy.Limit(c.modes.Mode())
}

// Admit registers the execution if the limit allows it. A false result with a
// nil error is a rejection.
func (c *Controller) Admit(ctx context.Context, workflowID, agentID, name string) (bool, error) {
	mode := c.modes.Mode()
	limit := c.policy.Limit(mode)
	ok, err := c.execs.TryRegister(limit, workflowID, agentID, name)
	if err != nil {
		return false, err
	}
	if !ok {
		c.metrics.IncCounter(telemetry.MetricAdmissionRejected, 1, "mode", string(mode))
		c.logger.Info(ctx, "workflow start rejected",
			"workflow_id", workflowID, "mode", string(mode), "limit", strconv.Itoa(limit))
	}
	return ok, nil
}

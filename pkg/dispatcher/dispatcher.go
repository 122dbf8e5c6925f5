// Package dispatcher routes a claimed AgentJob to the runner that knows how
// to execute its job_type/prd_mode combination (spec.md §4.2). It holds no
// state of its own and makes no store calls — it is a pure lookup table,
// grounded on the teacher's pkg/mcp router style of a small side-effect-free
// dispatch table rather than its queue package (which couples routing to
// execution).
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentpipe/conductor/pkg/models"
)

// ErrNoRunner is returned when no runner is registered for a job's
// job_type/prd_mode combination.
var ErrNoRunner = errors.New("dispatcher: no runner registered for job")

// Runner executes one claimed job to completion (or failure/cancellation),
// persisting all job state transitions itself. Run returning nil does not
// imply the job succeeded — only that execution completed without a
// runner-level (as opposed to job-level) error.
type Runner interface {
	Run(ctx context.Context, job models.AgentJob) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, job models.AgentJob) error

// Run calls f(ctx, job).
func (f RunnerFunc) Run(ctx context.Context, job models.AgentJob) error {
	return f(ctx, job)
}

// route keys on job_type and, for ralph jobs, prd_mode.
type route struct {
	jobType models.JobType
	prdMode bool
}

// Dispatcher maps job_type (and prd_mode, for ralph jobs) to a Runner per
// the table in spec.md §4.2.
type Dispatcher struct {
	runners map[route]Runner
}

// New creates an empty Dispatcher. Callers register runners with Register
// before calling Dispatch.
func New() *Dispatcher {
	return &Dispatcher{runners: make(map[route]Runner)}
}

// Register associates a Runner with a job_type. For models.JobTypeRalph,
// call RegisterRalph instead to distinguish the loop vs. PRD variant.
func (d *Dispatcher) Register(jobType models.JobType, r Runner) {
	d.runners[route{jobType: jobType}] = r
}

// RegisterRalph associates a Runner with the ralph job type for a specific
// prd_mode value (spec.md §4.2: ralph/prd_mode=false is the bounded-
// iteration loop runner, ralph/prd_mode=true is the per-story PRD runner).
func (d *Dispatcher) RegisterRalph(prdMode bool, r Runner) {
	d.runners[route{jobType: models.JobTypeRalph, prdMode: prdMode}] = r
}

// Dispatch looks up the Runner for job and runs it. job_type "code" and
// "task" share a runner (the single-shot/interactive runner distinguishes
// them internally by job_type), per spec.md §4.2/§4.3.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.AgentJob) error {
	r, ok := d.lookup(job)
	if !ok {
		return fmt.Errorf("%w: job_type=%s prd_mode=%v", ErrNoRunner, job.JobType, job.PRDMode)
	}
	return r.Run(ctx, job)
}

func (d *Dispatcher) lookup(job models.AgentJob) (Runner, bool) {
	key := route{jobType: job.JobType}
	if job.JobType == models.JobTypeRalph {
		key.prdMode = job.PRDMode
	}
	r, ok := d.runners[key]
	return r, ok
}

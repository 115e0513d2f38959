package sweeporchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Octogonapus/RDSBenchmark/provision"
	"github.com/Octogonapus/RDSBenchmark/report"
	"github.com/Octogonapus/RDSBenchmark/variant"
	"github.com/Octogonapus/RDSBenchmark/workload"
	"github.com/schollz/progressbar/v3"
)

// Lifecycle of one variant within a sweep.
type State string

const (
	StatePending      State = "PENDING"
	StateProvisioning State = "PROVISIONING"
	StateReady        State = "READY"
	StateLoading      State = "LOADING"
	StateRunning      State = "RUNNING"
	StateMeasured     State = "MEASURED"
	StateTornDown     State = "TORN_DOWN"
	StateAborted      State = "ABORTED"
)

// Opens a database connection to a ready instance. Runs once per variant,
// between readiness and fixture loading.
type Connector func(ctx context.Context, handle *provision.InstanceHandle) (*sql.DB, error)

type SweepOrchestratorInput struct {
	Provisioner provision.Provisioner
	Runner      workload.Runner
	Recorder    report.Recorder
	Connect     Connector
	Variants    []*variant.Variant

	// How long AwaitReady may block per variant, and how often it polls.
	ReadyTimeout time.Duration
	PollInterval time.Duration

	ShowProgress bool
}

// Drives one sweep: provision, measure, tear down, for each variant in order,
// one instance at a time. A variant's failure never prevents its teardown nor
// the remaining variants from running.
type sweepOrchestrator struct {
	input *SweepOrchestratorInput
}

func NewSweepOrchestrator(input *SweepOrchestratorInput) *sweepOrchestrator {
	return &sweepOrchestrator{input: input}
}

// Runs the sweep to completion. Exactly one record is produced per variant,
// success or typed failure. Returns an error only when no further variant
// could succeed (unusable cloud API) or when recording itself fails.
func (o *sweepOrchestrator) Run(ctx context.Context) error {
	var bar *progressbar.ProgressBar
	if o.input.ShowProgress {
		bar = progressbar.Default(int64(len(o.input.Variants)), "Variants:")
	}

	for _, v := range o.input.Variants {
		rec, err := o.runVariant(ctx, v)

		recErr := o.input.Recorder.Record(rec)
		if recErr != nil {
			return fmt.Errorf("recording variant %s: %w", v.Name, recErr)
		}
		if bar != nil {
			bar.Add(1)
		}

		if err != nil && provision.IsFatal(err) {
			return fmt.Errorf("aborting sweep, the cloud API is unusable: %w", err)
		}
	}
	return nil
}

// Runs one variant through its state machine. The returned error is the
// variant's failure, already reflected in the record; Run only inspects it to
// decide whether the whole sweep must stop. Teardown of a provisioned instance
// happens on every path out of this function, before the record is written.
func (o *sweepOrchestrator) runVariant(ctx context.Context, v *variant.Variant) (rec *report.Record, err error) {
	state := StatePending
	rec = &report.Record{
		Variant:       v.Name,
		InstanceClass: v.InstanceClass,
		Parameters:    v.Parameters,
		Workload:      o.input.Runner.GetName(),
		WorkloadInput: o.input.Runner.GetInput(),
		StartedAt:     time.Now(),
	}
	defer func() {
		rec.FinishedAt = time.Now()
		if err == nil {
			rec.Outcome = report.OutcomeSuccess
		} else {
			rec.Outcome = outcomeFor(err)
			rec.Error = err.Error()
			slog.Error("variant failed",
				slog.String("variant", v.Name),
				slog.String("outcome", string(rec.Outcome)),
				slog.String("error", err.Error()),
			)
		}
	}()

	state = o.transition(v, state, StateProvisioning)
	handle, err := o.input.Provisioner.Provision(ctx, v)
	if err != nil {
		err = asProvisionError(err)
		state = o.transition(v, state, StateAborted)
		return rec, err
	}
	rec.InstanceID = handle.InstanceID
	defer func() {
		o.input.Provisioner.Destroy(ctx, handle)
		if err == nil {
			o.transition(v, state, StateTornDown)
		}
	}()

	err = o.input.Provisioner.AwaitReady(ctx, handle, o.input.ReadyTimeout, o.input.PollInterval)
	if err != nil {
		err = asProvisionError(err)
		state = o.transition(v, state, StateAborted)
		return rec, err
	}
	state = o.transition(v, state, StateReady)

	db, err := o.input.Connect(ctx, handle)
	if err != nil {
		err = &workload.LoadError{Err: fmt.Errorf("connecting to %s: %w", handle.Endpoint, err)}
		state = o.transition(v, state, StateAborted)
		return rec, err
	}
	defer db.Close()

	state = o.transition(v, state, StateLoading)
	err = o.input.Runner.LoadFixtures(ctx, db)
	if err != nil {
		var le *workload.LoadError
		if !errors.As(err, &le) {
			err = &workload.LoadError{Err: err}
		}
		state = o.transition(v, state, StateAborted)
		return rec, err
	}

	state = o.transition(v, state, StateRunning)
	m, err := o.input.Runner.RunWorkload(ctx, db)
	if err != nil {
		var we *workload.WorkloadError
		if !errors.As(err, &we) {
			err = &workload.WorkloadError{Err: err}
		}
		state = o.transition(v, state, StateAborted)
		return rec, err
	}
	rec.Measurement = m
	state = o.transition(v, state, StateMeasured)

	return rec, nil
}

func (o *sweepOrchestrator) transition(v *variant.Variant, from, to State) State {
	slog.Debug("variant state change",
		slog.String("variant", v.Name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return to
}

// A custom provisioner may return untyped errors; everything from the
// provisioning phase that is not already typed counts as a ProvisionError.
func asProvisionError(err error) error {
	var pe *provision.ProvisionError
	var te *provision.TimeoutError
	if errors.As(err, &pe) || errors.As(err, &te) {
		return err
	}
	return &provision.ProvisionError{Op: "provision", Err: err}
}

func outcomeFor(err error) report.Outcome {
	var te *provision.TimeoutError
	var pe *provision.ProvisionError
	var le *workload.LoadError
	var we *workload.WorkloadError
	switch {
	case errors.As(err, &te):
		return report.OutcomeTimeoutError
	case errors.As(err, &pe):
		return report.OutcomeProvisionError
	case errors.As(err, &le):
		return report.OutcomeLoadError
	case errors.As(err, &we):
		return report.OutcomeWorkloadError
	}
	// runVariant types every error before it gets here.
	return report.OutcomeProvisionError
}

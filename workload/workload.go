package workload

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Timing results for one workload run against one instance.
type Measurement struct {
	// Wall-clock time spent running the profiled statements.
	TotalTimeSec float64

	Statements []*StatementTiming
}

type StatementTiming struct {
	SQL string

	// Server-side duration reported by the engine, if it reports one.
	DurationSec float64

	// Engine profiling rows for this statement, keyed by column name.
	Profile []map[string]string
}

// Runs a workload against a live database. Both operations may be slow and may
// fail; a failure aborts only the current variant.
type Runner interface {
	// Populate the instance with test data.
	LoadFixtures(ctx context.Context, db *sql.DB) error

	// Execute the profiled statements and return timing results.
	RunWorkload(ctx context.Context, db *sql.DB) (*Measurement, error)

	// A human-friendly name the user can set for this workload. Only used for debugging/printing.
	GetName() string

	// Any input given to this workload by the user. Included in the variant's record. Not used for anything else.
	GetInput() map[string]any
}

// Loading fixture data failed.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading fixtures failed: %v", e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Running the profiled statements failed.
type WorkloadError struct {
	Err error
}

func (e *WorkloadError) Error() string {
	return fmt.Sprintf("running workload failed: %v", e.Err)
}

func (e *WorkloadError) Unwrap() error {
	return e.Err
}

type runnerType string

type runnerFactory func(map[string]any) (Runner, error)

var runners map[runnerType]runnerFactory

// All runners must register themselves at module load time so that deserialization can create a runner of that type.
func RegisterRunner(rtype string, f runnerFactory) {
	if runners == nil {
		runners = map[runnerType]runnerFactory{}
	}
	runners[runnerType(rtype)] = f
}

type SerializedRunner struct {
	Type  runnerType
	Input map[string]any
}

func DeserializeRunner(sr *SerializedRunner) (Runner, error) {
	f, ok := runners[sr.Type]
	if !ok {
		return nil, fmt.Errorf("unknown workload type: %s", sr.Type)
	}
	return f(sr.Input)
}

// Decodes a runner factory's input map into its typed input struct.
func DecodeInput(a map[string]any, out any) error {
	err := mapstructure.Decode(a, out)
	if err != nil {
		return fmt.Errorf("can't convert workload input: %w", err)
	}
	return nil
}

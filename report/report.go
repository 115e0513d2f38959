package report

import (
	"time"

	"github.com/Octogonapus/RDSBenchmark/workload"
)

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeProvisionError Outcome = "ProvisionError"
	OutcomeTimeoutError   Outcome = "TimeoutError"
	OutcomeLoadError      Outcome = "LoadError"
	OutcomeWorkloadError  Outcome = "WorkloadError"
)

// One record per variant per sweep, success or failure.
type Record struct {
	Variant       string
	InstanceClass string
	Parameters    map[string]string
	InstanceID    string
	Workload      string
	WorkloadInput map[string]any

	Outcome Outcome
	Error   string // non-empty iff the variant failed

	StartedAt  time.Time
	FinishedAt time.Time

	Measurement *workload.Measurement
}

// Appends records to a durable sink for offline analysis.
type Recorder interface {
	// Append one record. Called exactly once per variant.
	Record(*Record) error

	Close() error
}

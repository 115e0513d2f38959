package sqlscript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Octogonapus/RDSBenchmark/util"
	"github.com/Octogonapus/RDSBenchmark/workload"
	"github.com/hashicorp/go-version"
)

// MySQL session profiling categories, in the order the engine reports them.
var allProfiles = []string{
	"CPU",
	"CONTEXT SWITCHES",
	"BLOCK IO",
	"IPC",
	"PAGE FAULTS",
	"SWAPS",
	"SOURCE",
}

// SHOW PROFILES was added in MySQL 5.0.37.
var minProfilingVersion = version.Must(version.NewVersion("5.0.37"))

// The server keeps at most profiling_history_size profiled statements per
// session; 100 is the engine's maximum. The default of 15 would silently drop
// profiles for longer workloads.
const maxProfilingHistorySize = 100

type runner struct {
	input *SQLScriptInput
}

type SQLScriptInput struct {
	Name           string
	LoadStatements []string
	TestStatements []string

	// Profiling categories to collect. All of them by default.
	Profiles []string
}

func init() {
	workload.RegisterRunner("sqlscript", func(a map[string]any) (workload.Runner, error) {
		input := &SQLScriptInput{}
		err := workload.DecodeInput(a, input)
		if err != nil {
			return nil, err
		}
		return NewSQLScriptRunner(input)
	})
}

func NewSQLScriptRunner(input *SQLScriptInput) (workload.Runner, error) {
	if len(input.TestStatements) == 0 {
		return nil, fmt.Errorf("sqlscript workload needs at least one test statement")
	}
	if len(input.Profiles) == 0 {
		input.Profiles = allProfiles
	}
	for _, p := range input.Profiles {
		if !slices.Contains(allProfiles, strings.ToUpper(p)) {
			return nil, fmt.Errorf("unknown profiling category: %s", p)
		}
	}
	return &runner{input: input}, nil
}

func (r *runner) GetName() string {
	if r.input.Name == "" {
		return "sqlscript"
	}
	return r.input.Name
}

func (r *runner) GetInput() map[string]any {
	return util.StructMap(r.input)
}

func (r *runner) LoadFixtures(ctx context.Context, db *sql.DB) error {
	for _, stmt := range r.input.LoadStatements {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return &workload.LoadError{Err: fmt.Errorf("executing %q: %w", stmt, err)}
		}
	}
	return nil
}

func (r *runner) RunWorkload(ctx context.Context, db *sql.DB) (*workload.Measurement, error) {
	// Session profiling is per-connection, so hold one for the whole run.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, &workload.WorkloadError{Err: err}
	}
	defer conn.Close()

	profiling, err := supportsProfiling(ctx, conn)
	if err != nil {
		return nil, &workload.WorkloadError{Err: err}
	}
	if profiling {
		// The history must be sized before profiling starts so the SET itself
		// is not recorded and query IDs line up with the test statements.
		_, err = conn.ExecContext(ctx, fmt.Sprintf("SET profiling_history_size=%d", maxProfilingHistorySize))
		if err != nil {
			return nil, &workload.WorkloadError{Err: err}
		}
		_, err = conn.ExecContext(ctx, "SET profiling=1")
		if err != nil {
			return nil, &workload.WorkloadError{Err: err}
		}
	} else {
		slog.Warn("server does not support session profiling, only statement timings will be collected")
	}

	m := &workload.Measurement{}
	start := time.Now()
	for _, stmt := range r.input.TestStatements {
		stmtStart := time.Now()
		_, err := conn.ExecContext(ctx, stmt)
		if err != nil {
			return nil, &workload.WorkloadError{Err: fmt.Errorf("executing %q: %w", stmt, err)}
		}
		m.Statements = append(m.Statements, &workload.StatementTiming{
			SQL:         stmt,
			DurationSec: time.Since(stmtStart).Seconds(),
		})
	}
	m.TotalTimeSec = time.Since(start).Seconds()

	if profiling {
		err = r.collectProfiles(ctx, conn, m)
		if err != nil {
			return nil, &workload.WorkloadError{Err: err}
		}
		_, err = conn.ExecContext(ctx, "SET profiling=0")
		if err != nil {
			return nil, &workload.WorkloadError{Err: err}
		}
	}
	return m, nil
}

func (r *runner) collectProfiles(ctx context.Context, conn *sql.Conn, m *workload.Measurement) error {
	rows, err := conn.QueryContext(ctx, "SHOW PROFILES")
	if err != nil {
		return err
	}
	type profileEntry struct {
		queryID  int
		duration float64
	}
	entries := []profileEntry{}
	for rows.Next() {
		var e profileEntry
		var query string
		err = rows.Scan(&e.queryID, &e.duration, &query)
		if err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, e)
	}
	rows.Close()
	err = rows.Err()
	if err != nil {
		return err
	}

	categories := strings.Join(r.input.Profiles, ",")
	for _, e := range entries {
		st := statementForQueryID(m, e.queryID)
		if st == nil {
			continue
		}
		st.DurationSec = e.duration

		rows, err := conn.QueryContext(ctx, fmt.Sprintf("SHOW PROFILE %s FOR QUERY %d", categories, e.queryID))
		if err != nil {
			return err
		}
		profile, err := scanGenericRows(rows)
		rows.Close()
		if err != nil {
			return err
		}
		st.Profile = profile
	}
	return nil
}

// The server assigns query IDs starting at 1 once profiling is on, one per
// statement, and evicts the oldest entries past profiling_history_size. A
// SHOW PROFILES entry therefore belongs to the statement at queryID-1, not to
// the entry's position in the (possibly truncated) listing.
func statementForQueryID(m *workload.Measurement, queryID int) *workload.StatementTiming {
	idx := queryID - 1
	if idx < 0 || idx >= len(m.Statements) {
		return nil
	}
	return m.Statements[idx]
}

func supportsProfiling(ctx context.Context, conn *sql.Conn) (bool, error) {
	var raw string
	err := conn.QueryRowContext(ctx, "SELECT VERSION()").Scan(&raw)
	if err != nil {
		return false, err
	}
	v, err := parseServerVersion(raw)
	if err != nil {
		slog.Warn("can't parse server version", slog.String("version", raw), slog.String("error", err.Error()))
		return false, nil
	}
	return v.GreaterThanOrEqual(minProfilingVersion), nil
}

// VERSION() returns strings like "5.7.44-log" or "8.0.36". Only the leading
// numeric part is meaningful to us.
func parseServerVersion(raw string) (*version.Version, error) {
	core, _, _ := strings.Cut(raw, "-")
	return version.NewVersion(core)
}

func scanGenericRows(rows *sql.Rows) ([]map[string]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]string{}
	for rows.Next() {
		raw := make([]sql.RawBytes, len(cols))
		vals := make([]any, len(cols))
		for i := range raw {
			vals[i] = &raw[i]
		}
		err = rows.Scan(vals...)
		if err != nil {
			return nil, err
		}
		m := map[string]string{}
		for i, col := range cols {
			m[col] = string(raw[i])
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

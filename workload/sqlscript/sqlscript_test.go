package sqlscript

import (
	"fmt"
	"testing"

	"github.com/Octogonapus/RDSBenchmark/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryDecodesInput(t *testing.T) {
	r, err := workload.DeserializeRunner(&workload.SerializedRunner{
		Type: "sqlscript",
		Input: map[string]any{
			"Name":           "point-lookups",
			"TestStatements": []any{"select 1=1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "point-lookups", r.GetName())
	assert.Equal(t, []string{"select 1=1"}, r.GetInput()["TestStatements"])
}

func TestRunnerRequiresTestStatements(t *testing.T) {
	_, err := NewSQLScriptRunner(&SQLScriptInput{})
	require.Error(t, err)
}

func TestRunnerDefaultsProfilesAndName(t *testing.T) {
	r, err := NewSQLScriptRunner(&SQLScriptInput{TestStatements: []string{"select 1=1"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlscript", r.GetName())
	assert.Equal(t, allProfiles, r.GetInput()["Profiles"])
}

func TestRunnerRejectsUnknownProfileCategory(t *testing.T) {
	_, err := NewSQLScriptRunner(&SQLScriptInput{
		TestStatements: []string{"select 1=1"},
		Profiles:       []string{"HEAP FRAGMENTATION"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profiling category")
}

func TestStatementForQueryID(t *testing.T) {
	m := &workload.Measurement{}
	for i := 0; i < 20; i++ {
		m.Statements = append(m.Statements, &workload.StatementTiming{SQL: fmt.Sprintf("select %d", i)})
	}

	// With 20 statements and a history of 15, the server lists only query IDs
	// 6 through 20. Each entry must land on the statement the ID names, not on
	// the entry's position in the listing.
	for queryID := 6; queryID <= 20; queryID++ {
		st := statementForQueryID(m, queryID)
		require.NotNil(t, st, "query %d", queryID)
		assert.Equal(t, fmt.Sprintf("select %d", queryID-1), st.SQL)
	}

	assert.Nil(t, statementForQueryID(m, 0), "query IDs start at 1")
	assert.Nil(t, statementForQueryID(m, 21), "an ID past the statement list must be skipped")
}

func TestParseServerVersion(t *testing.T) {
	for raw, want := range map[string]string{
		"5.7.44-log":     "5.7.44",
		"8.0.36":         "8.0.36",
		"10.6.5-MariaDB": "10.6.5",
	} {
		v, err := parseServerVersion(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, v.String())
	}
}

func TestProfilingVersionGate(t *testing.T) {
	old, err := parseServerVersion("5.0.36")
	require.NoError(t, err)
	assert.True(t, old.LessThan(minProfilingVersion))

	supported, err := parseServerVersion("5.7.44-log")
	require.NoError(t, err)
	assert.True(t, supported.GreaterThanOrEqual(minProfilingVersion))
}

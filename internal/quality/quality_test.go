package quality

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/templating"
)

type fakeReader map[string]string

func (f fakeReader) ReadSource(_ context.Context, key, _ string) (string, error) {
	src, ok := f[key]
	if !ok {
		return "", fmt.Errorf("not found: %s", key)
	}
	return src, nil
}

type fakeEngine struct {
	rows []map[string]any
	err  error
}

func (f *fakeEngine) Query(_ context.Context, _ string) ([]map[string]any, error) {
	return f.rows, f.err
}

type passthroughResolver struct{}

func (passthroughResolver) ResolveRef(_ context.Context, ns, ref string) (string, error) {
	return "tbl_" + strings.ReplaceAll(ref, ".", "_"), nil
}
func (passthroughResolver) ResolveLandingZone(ns, zone string) string { return "'" + zone + "'" }

func compileOpts() templating.CompileOptions {
	cfg := domain.DefaultPipelineConfig()
	return templating.CompileOptions{
		Namespace: "default", Layer: "silver", PipelineName: "orders", Config: &cfg,
	}
}

func TestDiscoverUnversionedReturnsNothing(t *testing.T) {
	require.Nil(t, Discover(nil, "default", "silver", "orders"))
}

func TestDiscoverFiltersAndSorts(t *testing.T) {
	versions := map[string]string{
		"default/pipelines/silver/orders/tests/quality/z_late.sql":  "v3",
		"default/pipelines/silver/orders/tests/quality/a_nulls.sql": "v1",
		"default/pipelines/silver/orders/pipeline.sql":              "v9",
		"default/pipelines/silver/other/tests/quality/wrong.sql":    "v2",
		"default/pipelines/silver/orders/tests/quality/notes.txt":   "v4",
	}
	keys := Discover(versions, "default", "silver", "orders")
	require.Equal(t, []string{
		"default/pipelines/silver/orders/tests/quality/a_nulls.sql",
		"default/pipelines/silver/orders/tests/quality/z_late.sql",
	}, keys)
}

func TestParseAnnotationsSeverity(t *testing.T) {
	cases := []struct {
		raw, want string
	}{
		{"error", "error"},
		{"warn", "warn"},
		{"warning", "warn"},
		{"WARN", "warn"},
		{"", "error"},
		{"critical", "error"},
	}
	for _, tc := range cases {
		src := "-- @severity: " + tc.raw + "\nSELECT 1"
		if tc.raw == "" {
			src = "SELECT 1"
		}
		got := parseAnnotations(src)
		require.Equal(t, tc.want, got.Severity, "severity %q", tc.raw)
	}
}

func TestParseAnnotationsTags(t *testing.T) {
	got := parseAnnotations("-- @tags: PII, Freshness , completeness\nSELECT 1")
	require.Equal(t, []string{"pii", "freshness", "completeness"}, got.Tags)
}

func TestRunOnePass(t *testing.T) {
	key := "default/pipelines/silver/orders/tests/quality/no_null_ids.sql"
	reader := fakeReader{key: "-- @severity: error\nSELECT id FROM {{ref \"silver.orders\"}} WHERE id IS NULL"}

	result := RunOne(context.Background(), reader, &fakeEngine{}, key, "v1", compileOpts(), passthroughResolver{})
	require.Equal(t, "pass", result.Status)
	require.Equal(t, "no_null_ids", result.TestName)
	require.Zero(t, result.RowCount)
}

func TestRunOneFailCountsViolations(t *testing.T) {
	key := "default/pipelines/silver/orders/tests/quality/positive_ids.sql"
	reader := fakeReader{key: "SELECT id FROM {{ref \"silver.orders\"}} WHERE id <= 0"}
	engine := &fakeEngine{rows: []map[string]any{{"id": int64(-1)}, {"id": int64(0)}}}

	result := RunOne(context.Background(), reader, engine, key, "v1", compileOpts(), passthroughResolver{})
	require.Equal(t, "fail", result.Status)
	require.Equal(t, int64(2), result.RowCount)
	require.Contains(t, result.Message, "positive_ids: 2 violation(s)")
	require.NotEmpty(t, result.SampleRows)
}

func TestRunOneEngineErrorClassifiedAsError(t *testing.T) {
	key := "default/pipelines/silver/orders/tests/quality/boom.sql"
	reader := fakeReader{key: "SELECT broken FROM nowhere"}
	engine := &fakeEngine{err: fmt.Errorf("Binder Error: column broken not found")}

	result := RunOne(context.Background(), reader, engine, key, "v1", compileOpts(), passthroughResolver{})
	require.Equal(t, "error", result.Status)
	require.Contains(t, result.Message, "Binder Error")
}

func TestRunOneMissingSourceIsError(t *testing.T) {
	result := RunOne(context.Background(), fakeReader{}, &fakeEngine{}, "missing.sql", "", compileOpts(), passthroughResolver{})
	require.Equal(t, "error", result.Status)
}

func TestGateFailed(t *testing.T) {
	cases := []struct {
		name    string
		results []domain.QualityTestResult
		want    bool
	}{
		{"no tests", nil, false},
		{"all pass", []domain.QualityTestResult{{Severity: "error", Status: "pass"}}, false},
		{"warn fail does not gate", []domain.QualityTestResult{{Severity: "warn", Status: "fail"}}, false},
		{"error fail gates", []domain.QualityTestResult{{Severity: "error", Status: "fail"}}, true},
		{"error error gates", []domain.QualityTestResult{{Severity: "error", Status: "error"}}, true},
		{"mixed", []domain.QualityTestResult{{Severity: "warn", Status: "fail"}, {Severity: "error", Status: "pass"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, GateFailed(tc.results))
		})
	}
}

func TestFormatSampleTruncatesCellsAndRows(t *testing.T) {
	long := strings.Repeat("x", 100)
	rows := []map[string]any{
		{"email": long, "n": int64(1)},
		{"email": "b@example.com", "n": int64(2)},
		{"email": "c@example.com", "n": int64(3)},
		{"email": "d@example.com", "n": int64(4)},
	}
	out := FormatSample(rows)
	require.NotContains(t, out, long, "cell must be truncated")
	require.Contains(t, out, strings.Repeat("x", maxCellLength))
	require.Contains(t, out, "(1 more violation(s) not shown)")
	require.NotContains(t, out, "d@example.com")
}

func TestFormatSampleEmpty(t *testing.T) {
	require.Empty(t, FormatSample(nil))
}

// Package quality discovers, compiles, executes, and classifies quality
// tests on a run's branch, and formats sample violation rows for the test
// result shown to callers. A quality test is a SQL statement returning
// violation rows: zero rows passes, any rows fail, and a thrown error is
// its own outcome.
package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/templating"
)

const qualityTestPrefix = "/tests/quality/"

// maxSampleRows bounds how many violating rows are embedded in a failing
// test's result; sample rows can carry PII, so the exposure is capped.
const maxSampleRows = 3

// maxCellLength truncates each sampled cell value.
const maxCellLength = 40

// SourceReader reads a pipeline or test source file at a pinned version
// (or head when versionID is empty).
type SourceReader interface {
	ReadSource(ctx context.Context, key, versionID string) (string, error)
}

// Engine executes a compiled SQL string against the run's branch and
// returns the violating rows (empty = pass).
type Engine interface {
	Query(ctx context.Context, sql string) ([]map[string]any, error)
}

// Discover returns the sorted set of quality-test object keys under
// <ns>/pipelines/<layer>/<name>/tests/quality/ that are present in
// versions, the published-versions map keyed by object key. In
// unversioned mode (versions == nil) no tests are returned: the pipeline
// has never been published, so its quality tests cannot be trusted.
func Discover(versions map[string]string, namespace, layer, name string) []string {
	if versions == nil {
		return nil
	}
	prefix := fmt.Sprintf("%s/pipelines/%s/%s%s", namespace, layer, name, qualityTestPrefix)
	var keys []string
	for k := range versions {
		if strings.HasPrefix(k, prefix) && strings.HasSuffix(k, ".sql") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// annotations mirrors templating.ExtractAnnotations's shape but adds the
// quality-test-specific keys (@severity, @description, @tags, @remediation).
type annotations struct {
	Severity    string
	Description string
	Tags        []string
	Remediation string
}

func parseAnnotations(source string) annotations {
	meta := templating.ExtractAnnotations(source)
	a := annotations{Severity: "error", Description: meta["description"], Remediation: meta["remediation"]}
	switch strings.ToLower(strings.TrimSpace(meta["severity"])) {
	case "warn", "warning":
		a.Severity = "warn"
	case "":
		// default stays "error"
	default:
		a.Severity = "error"
	}
	if raw, ok := meta["tags"]; ok {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				a.Tags = append(a.Tags, t)
			}
		}
	}
	return a
}

// RunOne reads, compiles, and executes a single quality test, classifying
// the outcome. compileOpts and resolver are the same ones Phase 2 uses to
// compile pipeline SQL, since quality tests share the template machinery.
func RunOne(
	ctx context.Context,
	reader SourceReader,
	engine Engine,
	key, versionID string,
	compileOpts templating.CompileOptions,
	resolver templating.RefResolver,
) domain.QualityTestResult {
	start := nowFunc()
	name := testName(key)

	source, err := reader.ReadSource(ctx, key, versionID)
	if err != nil {
		return domain.QualityTestResult{
			TestName: name, TestFile: key, Severity: "error", Status: "error",
			Message: fmt.Sprintf("failed to read test source: %v", err),
		}
	}

	meta := parseAnnotations(source)

	compiled, err := templating.Compile(ctx, source, compileOpts, resolver)
	if err != nil {
		return domain.QualityTestResult{
			TestName: name, TestFile: key, Severity: meta.Severity, Status: "error",
			Message: fmt.Sprintf("failed to compile test: %v", err),
			Description: meta.Description, Tags: meta.Tags, Remediation: meta.Remediation,
		}
	}

	rows, err := engine.Query(ctx, compiled)
	duration := sinceFunc(start)
	if err != nil {
		return domain.QualityTestResult{
			TestName: name, TestFile: key, Severity: meta.Severity, Status: "error",
			Message: fmt.Sprintf("test execution failed: %v", err), DurationMs: duration.Milliseconds(),
			Description: meta.Description, Tags: meta.Tags, Remediation: meta.Remediation, CompiledSQL: compiled,
		}
	}

	if len(rows) == 0 {
		return domain.QualityTestResult{
			TestName: name, TestFile: key, Severity: meta.Severity, Status: "pass",
			DurationMs: duration.Milliseconds(), Description: meta.Description, Tags: meta.Tags,
			Remediation: meta.Remediation, CompiledSQL: compiled,
		}
	}

	return domain.QualityTestResult{
		TestName: name, TestFile: key, Severity: meta.Severity, Status: "fail",
		RowCount:    int64(len(rows)),
		Message:     fmt.Sprintf("%s: %d violation(s)", name, len(rows)),
		DurationMs:  duration.Milliseconds(),
		Description: meta.Description, Tags: meta.Tags, Remediation: meta.Remediation,
		CompiledSQL: compiled,
		SampleRows:  FormatSample(rows),
	}
}

func testName(key string) string {
	base := key[strings.LastIndex(key, "/")+1:]
	return strings.TrimSuffix(base, ".sql")
}

// GateFailed reports whether any error-severity test failed or errored.
// Warn-severity outcomes never fail the gate.
func GateFailed(results []domain.QualityTestResult) bool {
	for _, r := range results {
		if r.Severity == "error" && (r.Status == "fail" || r.Status == "error") {
			return true
		}
	}
	return false
}

// FormatSample renders up to maxSampleRows violating rows as a bordered
// text table, truncating each cell to maxCellLength characters for PII
// hygiene.
func FormatSample(rows []map[string]any) string {
	if len(rows) == 0 {
		return ""
	}
	sample := rows
	if len(sample) > maxSampleRows {
		sample = sample[:maxSampleRows]
	}

	cols := make([]string, 0, len(sample[0]))
	for c := range sample[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	widths := make([]int, len(cols))
	cells := make([][]string, len(sample))
	for i, row := range sample {
		cells[i] = make([]string, len(cols))
		for j, c := range cols {
			cell := truncate(fmt.Sprintf("%v", row[c]), maxCellLength)
			cells[i][j] = cell
			if len(cell) > widths[j] {
				widths[j] = len(cell)
			}
		}
		for j, c := range cols {
			if len(c) > widths[j] {
				widths[j] = len(c)
			}
		}
	}

	var b strings.Builder
	writeBorder(&b, widths)
	writeRow(&b, cols, widths)
	writeBorder(&b, widths)
	for _, row := range cells {
		writeRow(&b, row, widths)
	}
	writeBorder(&b, widths)
	if len(rows) > maxSampleRows {
		fmt.Fprintf(&b, "(%d more violation(s) not shown)\n", len(rows)-maxSampleRows)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func writeBorder(b *strings.Builder, widths []int) {
	b.WriteString("+")
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteString("+")
	}
	b.WriteString("\n")
}

func writeRow(b *strings.Builder, cells []string, widths []int) {
	b.WriteString("|")
	for i, c := range cells {
		fmt.Fprintf(b, " %-*s |", widths[i], c)
	}
	b.WriteString("\n")
}

package executor

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brinkfield/lakeforge/internal/catalog"
	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/iceberg"
	"github.com/brinkfield/lakeforge/internal/objectstore"
)

// fakeS3 is a minimal path-style S3 endpoint backed by a map, enough for
// the object reads and landing-zone listings a run performs.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]string
}

func newFakeS3(bucket string, objects map[string]string) *fakeS3 {
	if objects == nil {
		objects = make(map[string]string)
	}
	return &fakeS3{bucket: bucket, objects: objects}
}

type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/"+f.bucket+"/")
	switch {
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		result := listBucketResult{IsTruncated: false}
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				result.Contents = append(result.Contents, struct {
					Key string `xml:"Key"`
				}{Key: k})
			}
		}
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(result)

	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<Error><Code>NoSuchKey</Code><Message>no such key: %s</Message></Error>`, key)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		fmt.Fprint(w, body)

	case r.Method == http.MethodPut && r.Header.Get("x-amz-copy-source") != "":
		src := strings.TrimPrefix(r.Header.Get("x-amz-copy-source"), f.bucket+"/")
		f.objects[key] = f.objects[src]
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<CopyObjectResult><ETag>"1"</ETag></CopyObjectResult>`)

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

// branchCatalog is a Nessie stub that tracks branch lifecycle calls.
type branchCatalog struct {
	mu       sync.Mutex
	failures bool
	created  []string
	merged   []string
	deleted  []string
}

func (b *branchCatalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}

	switch {
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/contents/"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": map[string]any{"metadata": map[string]any{"metadataLocation": "s3://lake/t/metadata/v1.json"}},
		})
	case r.Method == http.MethodGet:
		name := strings.TrimPrefix(r.URL.Path, "/trees/")
		_ = json.NewEncoder(w).Encode(map[string]string{"name": name, "hash": "hash-" + name})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/history/merge"):
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		b.merged = append(b.merged, payload["fromRefName"].(string))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && r.URL.Path == "/trees":
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		name := payload["name"].(string)
		b.created = append(b.created, name)
		_ = json.NewEncoder(w).Encode(map[string]string{"name": name, "hash": "hash-" + name})
	case r.Method == http.MethodDelete:
		b.deleted = append(b.deleted, strings.SplitN(strings.TrimPrefix(r.URL.Path, "/trees/"), "?", 2)[0])
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

// branchTable is an in-memory iceberg.Table scoped to one branch.
type branchTable struct {
	rows []map[string]any
}

func (t *branchTable) Schema() iceberg.Schema { return iceberg.SchemaFromRows(t.rows) }
func (t *branchTable) Overwrite(_ context.Context, rows []map[string]any) (int64, error) {
	t.rows = append([]map[string]any(nil), rows...)
	return int64(len(rows)), nil
}
func (t *branchTable) Append(_ context.Context, rows []map[string]any) (int64, error) {
	t.rows = append(t.rows, rows...)
	return int64(len(rows)), nil
}
func (t *branchTable) DeleteWhere(_ context.Context, column string, values []any) (int64, error) {
	match := make(map[any]bool, len(values))
	for _, v := range values {
		match[v] = true
	}
	var kept []map[string]any
	var deleted int64
	for _, row := range t.rows {
		if match[row[column]] {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	return deleted, nil
}
func (t *branchTable) CountRows(_ context.Context) (int64, error) { return int64(len(t.rows)), nil }
func (t *branchTable) ScanColumn(_ context.Context, column string) ([]any, error) {
	out := make([]any, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row[column])
	}
	return out, nil
}
func (t *branchTable) ScanAll(_ context.Context) ([]map[string]any, error) {
	return append([]map[string]any(nil), t.rows...), nil
}
func (t *branchTable) MetadataLocation() string { return "s3://lake/t/metadata/v1.json" }
func (t *branchTable) ExpireSnapshotsOlderThan(_ context.Context, _ time.Time) error   { return nil }
func (t *branchTable) RemoveOrphanFilesOlderThan(_ context.Context, _ time.Time) error { return nil }

// branchIceberg tracks tables per branch so a write on run-<id> is
// invisible on main until a merge would promote it.
type branchIceberg struct {
	mu     sync.Mutex
	tables map[string]*branchTable // "<branch>|<id>"
}

func newBranchIceberg() *branchIceberg { return &branchIceberg{tables: make(map[string]*branchTable)} }

func (c *branchIceberg) key(branch string, id iceberg.Identifier) string {
	return branch + "|" + id.String()
}

func (c *branchIceberg) EnsureNamespace(_ context.Context, _, _ string) error { return nil }

func (c *branchIceberg) LoadTable(_ context.Context, branch string, id iceberg.Identifier) (iceberg.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl, ok := c.tables[c.key(branch, id)]
	if !ok {
		return nil, fmt.Errorf("table %s not found on %s", id, branch)
	}
	return tbl, nil
}

func (c *branchIceberg) CreateTable(_ context.Context, branch string, id iceberg.Identifier, _ iceberg.Schema, _ []iceberg.PartitionField) (iceberg.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl := &branchTable{}
	c.tables[c.key(branch, id)] = tbl
	return tbl, nil
}

type runHarness struct {
	deps    Dependencies
	s3      *fakeS3
	catalog *branchCatalog
	iceberg *branchIceberg
}

func newRunHarness(t *testing.T, objects map[string]string) *runHarness {
	t.Helper()

	s3stub := newFakeS3("lake", objects)
	s3srv := httptest.NewServer(s3stub)
	t.Cleanup(s3srv.Close)

	catStub := &branchCatalog{}
	catSrv := httptest.NewServer(catStub)
	t.Cleanup(catSrv.Close)

	ice := newBranchIceberg()
	return &runHarness{
		deps: Dependencies{
			Objects: objectstore.NewCache(),
			BaseS3: config.S3Config{
				Endpoint:        s3srv.URL,
				Region:          "us-east-1",
				Bucket:          "lake",
				AccessKeyID:     "test",
				SecretAccessKey: "test",
				ForcePathStyle:  true,
			},
			Catalog:        catalog.New(catSrv.URL, 5*time.Second, nil),
			IcebergCatalog: ice,
			EngineMemoryMB: 256,
			EngineThreads:  2,
		},
		s3:      s3stub,
		catalog: catStub,
		iceberg: ice,
	}
}

const ordersPrefix = "default/pipelines/silver/orders/"

func TestRunHappyPathFullRefresh(t *testing.T) {
	h := newRunHarness(t, map[string]string{
		ordersPrefix + "pipeline.sql": "SELECT 1 AS id, 'x' AS v",
		ordersPrefix + "config.yaml":  "merge_strategy: full_refresh\n",
	})

	run := domain.NewRun("r-happy", "default", "silver", "orders", "manual", nil)
	Run(context.Background(), h.deps, Request{Run: run})

	if run.Status() != domain.RunSuccess {
		t.Fatalf("expected Success, got %s (%s)", run.Status(), run.Error())
	}
	if run.RowsWritten() != 1 {
		t.Fatalf("expected 1 row written, got %d", run.RowsWritten())
	}
	if len(h.catalog.created) != 1 || h.catalog.created[0] != "run-r-happy" {
		t.Fatalf("branch not reserved: %v", h.catalog.created)
	}
	if len(h.catalog.merged) != 1 || h.catalog.merged[0] != "run-r-happy" {
		t.Fatalf("branch not merged: %v", h.catalog.merged)
	}

	tbl := h.iceberg.tables["run-r-happy|default.silver.orders"]
	if tbl == nil || len(tbl.rows) != 1 {
		t.Fatalf("table not written on branch: %+v", h.iceberg.tables)
	}
	if _, onMain := h.iceberg.tables["main|default.silver.orders"]; onMain {
		t.Fatal("write must land on the ephemeral branch, not main")
	}
}

func TestRunSourceAbsent(t *testing.T) {
	h := newRunHarness(t, nil)

	run := domain.NewRun("r-missing", "default", "silver", "orders", "manual", nil)
	Run(context.Background(), h.deps, Request{Run: run})

	if run.Status() != domain.RunFailed {
		t.Fatalf("expected Failed, got %s", run.Status())
	}
	if !strings.Contains(run.Error(), "no pipeline source found") {
		t.Fatalf("expected source-absent error, got %q", run.Error())
	}
	// Cleanup must have removed the reserved branch.
	if len(h.catalog.deleted) == 0 {
		t.Fatal("leftover branch not deleted on failure")
	}
}

func TestRunZeroRowsSkipsWrite(t *testing.T) {
	h := newRunHarness(t, map[string]string{
		ordersPrefix + "pipeline.sql": "SELECT 1 AS id WHERE 1 = 0",
	})

	run := domain.NewRun("r-empty", "default", "silver", "orders", "manual", nil)
	Run(context.Background(), h.deps, Request{Run: run})

	if run.Status() != domain.RunSuccess {
		t.Fatalf("expected Success, got %s (%s)", run.Status(), run.Error())
	}
	if run.RowsWritten() != 0 {
		t.Fatalf("expected 0 rows, got %d", run.RowsWritten())
	}
	if len(h.iceberg.tables) != 0 {
		t.Fatalf("zero-row result must skip the write: %+v", h.iceberg.tables)
	}
}

func TestRunQualityGateRollback(t *testing.T) {
	qualityKey := ordersPrefix + "tests/quality/no_rows_allowed.sql"
	h := newRunHarness(t, map[string]string{
		ordersPrefix + "pipeline.sql": "SELECT 2 AS id, 'x' AS v",
		qualityKey:                    "-- @severity: error\nSELECT id FROM (SELECT 2 AS id) t WHERE id > 0",
	})

	versions := map[string]string{
		ordersPrefix + "pipeline.sql": "v1",
		qualityKey:                    "v1",
	}

	run := domain.NewRun("r-gated", "default", "silver", "orders", "manual", nil)
	Run(context.Background(), h.deps, Request{Run: run, Versions: versions})

	if run.Status() != domain.RunFailed {
		t.Fatalf("expected Failed, got %s (%s)", run.Status(), run.Error())
	}
	if !strings.Contains(run.Error(), "1 violation(s)") {
		t.Fatalf("error should carry the violation count, got %q", run.Error())
	}
	if !strings.Contains(run.Error(), "no_rows_allowed") {
		t.Fatalf("error should name the failing test, got %q", run.Error())
	}
	if len(h.catalog.merged) != 0 {
		t.Fatal("failed gate must never merge")
	}
	if len(h.catalog.deleted) == 0 {
		t.Fatal("failed gate must delete the branch")
	}
	if _, onMain := h.iceberg.tables["main|default.silver.orders"]; onMain {
		t.Fatal("no data may reach main after a gate failure")
	}

	results := run.QualityResults()
	if len(results) != 1 || results[0].Status != "fail" {
		t.Fatalf("unexpected quality results: %+v", results)
	}
}

func TestRunWarnSeverityDoesNotGate(t *testing.T) {
	qualityKey := ordersPrefix + "tests/quality/soft_check.sql"
	h := newRunHarness(t, map[string]string{
		ordersPrefix + "pipeline.sql": "SELECT 3 AS id",
		qualityKey:                    "-- @severity: warn\nSELECT 1 AS bad",
	})

	versions := map[string]string{qualityKey: "v1"}

	run := domain.NewRun("r-warned", "default", "silver", "orders", "manual", nil)
	Run(context.Background(), h.deps, Request{Run: run, Versions: versions})

	if run.Status() != domain.RunSuccess {
		t.Fatalf("warn-severity failure must not fail the run, got %s (%s)", run.Status(), run.Error())
	}
	if len(h.catalog.merged) != 1 {
		t.Fatal("run should still merge")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newRunHarness(t, map[string]string{
		ordersPrefix + "pipeline.sql": "SELECT 1 AS id",
	})

	run := domain.NewRun("r-cancel", "default", "silver", "orders", "manual", nil)
	run.Cancel()
	Run(context.Background(), h.deps, Request{Run: run})

	if run.Status() != domain.RunCancelled {
		t.Fatalf("expected Cancelled, got %s", run.Status())
	}
	if len(h.catalog.created) != 0 {
		t.Fatal("cancelled run must not reserve a branch")
	}
}

func TestRunDirectToMainFallback(t *testing.T) {
	h := newRunHarness(t, map[string]string{
		ordersPrefix + "pipeline.sql": "SELECT 9 AS id",
	})
	h.catalog.failures = true

	run := domain.NewRun("r-degraded", "default", "silver", "orders", "manual", nil)
	Run(context.Background(), h.deps, Request{Run: run})

	if run.Status() != domain.RunSuccess {
		t.Fatalf("expected Success via direct-to-main fallback, got %s (%s)", run.Status(), run.Error())
	}
	if run.Branch() != "main" {
		t.Fatalf("degraded run should record main as its branch, got %q", run.Branch())
	}
	if _, onMain := h.iceberg.tables["main|default.silver.orders"]; !onMain {
		t.Fatal("degraded run should write directly to main")
	}
}

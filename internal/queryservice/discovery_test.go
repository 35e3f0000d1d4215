package queryservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brinkfield/lakeforge/internal/catalog"
)

type fakeViews struct {
	mu         sync.Mutex
	registered map[string]string // ns.layer.name -> metadata location
	dropped    []string
}

func newFakeViews() *fakeViews {
	return &fakeViews{registered: make(map[string]string)}
}

func (f *fakeViews) RegisterView(_ context.Context, ns, layer, name, loc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[ns+"."+layer+"."+name] = loc
	return nil
}

func (f *fakeViews) DropView(_ context.Context, ns, layer, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, ns+"."+layer+"."+name)
	f.dropped = append(f.dropped, ns+"."+layer+"."+name)
	return nil
}

// catalogState is mutated between refreshes to simulate catalog commits.
type catalogState struct {
	mu      sync.Mutex
	hash    string
	entries []map[string]any
	lists   int
}

func tableEntry(ns, layer, name, loc string) map[string]any {
	return map[string]any{
		"type":    "ICEBERG_TABLE",
		"name":    map[string]any{"elements": []string{ns, layer, name}},
		"content": map[string]any{"metadataLocation": loc},
	}
}

func newDiscoveryUnderTest(t *testing.T, state *catalogState, namespaces []string) (*Discovery, *fakeViews) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		switch r.URL.Path {
		case "/trees/main":
			json.NewEncoder(w).Encode(map[string]any{"name": "main", "hash": state.hash})
		case "/trees/main/entries":
			state.lists++
			json.NewEncoder(w).Encode(map[string]any{"entries": state.entries})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	views := newFakeViews()
	return NewDiscovery(catalog.New(srv.URL, 5*time.Second, nil), views, namespaces), views
}

func TestRefreshRegistersDiscoveredTables(t *testing.T) {
	state := &catalogState{hash: "h1", entries: []map[string]any{
		tableEntry("default", "silver", "orders", "s3://lake/a/metadata/v1.json"),
		tableEntry("default", "gold", "stats", "s3://lake/b/metadata/v1.json"),
		{"type": "NAMESPACE", "name": map[string]any{"elements": []string{"default"}}},
		tableEntry("default", "weird", "skipme", "s3://lake/c/metadata/v1.json"),
	}}
	d, views := newDiscoveryUnderTest(t, state, nil)

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(views.registered) != 2 {
		t.Fatalf("expected 2 views, got %v", views.registered)
	}
	if views.registered["default.silver.orders"] != "s3://lake/a/metadata/v1.json" {
		t.Fatalf("orders view missing: %v", views.registered)
	}
	if len(d.Tables()) != 2 {
		t.Fatalf("Tables() should track discovered tables, got %v", d.Tables())
	}
}

func TestRefreshSkipsWhenCommitHashUnchanged(t *testing.T) {
	state := &catalogState{hash: "h1", entries: []map[string]any{
		tableEntry("default", "silver", "orders", "s3://lake/a/metadata/v1.json"),
	}}
	d, _ := newDiscoveryUnderTest(t, state, nil)

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.lists != 1 {
		t.Fatalf("unchanged hash should skip the listing, saw %d list calls", state.lists)
	}
}

func TestRefreshReregistersOnlyMovedTables(t *testing.T) {
	state := &catalogState{hash: "h1", entries: []map[string]any{
		tableEntry("default", "silver", "orders", "s3://lake/a/metadata/v1.json"),
		tableEntry("default", "silver", "users", "s3://lake/u/metadata/v1.json"),
	}}
	d, views := newDiscoveryUnderTest(t, state, nil)

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// New commit moves only orders.
	state.mu.Lock()
	state.hash = "h2"
	state.entries = []map[string]any{
		tableEntry("default", "silver", "orders", "s3://lake/a/metadata/v2.json"),
		tableEntry("default", "silver", "users", "s3://lake/u/metadata/v1.json"),
	}
	state.mu.Unlock()

	views.mu.Lock()
	views.registered = map[string]string{} // observe only the second round's registrations
	views.mu.Unlock()

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	views.mu.Lock()
	defer views.mu.Unlock()
	if len(views.registered) != 1 {
		t.Fatalf("only the moved table should re-register, got %v", views.registered)
	}
	if views.registered["default.silver.orders"] != "s3://lake/a/metadata/v2.json" {
		t.Fatalf("orders should point at the new snapshot: %v", views.registered)
	}
}

func TestRefreshDropsVanishedTables(t *testing.T) {
	state := &catalogState{hash: "h1", entries: []map[string]any{
		tableEntry("default", "silver", "orders", "s3://lake/a/metadata/v1.json"),
		tableEntry("default", "silver", "stale", "s3://lake/s/metadata/v1.json"),
	}}
	d, views := newDiscoveryUnderTest(t, state, nil)
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	state.mu.Lock()
	state.hash = "h2"
	state.entries = state.entries[:1]
	state.mu.Unlock()

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	views.mu.Lock()
	defer views.mu.Unlock()
	if len(views.dropped) != 1 || views.dropped[0] != "default.silver.stale" {
		t.Fatalf("vanished table should be dropped, got %v", views.dropped)
	}
}

func TestRefreshNamespaceFilter(t *testing.T) {
	state := &catalogState{hash: "h1", entries: []map[string]any{
		tableEntry("default", "silver", "orders", "s3://lake/a/metadata/v1.json"),
		tableEntry("other", "silver", "users", "s3://lake/u/metadata/v1.json"),
	}}
	d, views := newDiscoveryUnderTest(t, state, []string{"default"})

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(views.registered) != 1 {
		t.Fatalf("namespace filter ignored: %v", views.registered)
	}
	if _, ok := views.registered["default.silver.orders"]; !ok {
		t.Fatalf("allowed namespace missing: %v", views.registered)
	}
}

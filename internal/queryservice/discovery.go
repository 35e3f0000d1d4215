package queryservice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/brinkfield/lakeforge/internal/catalog"
	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/logging"
)

// TableEntry identifies one discovered table.
type TableEntry struct {
	Namespace string
	Layer     string
	Name      string
}

// ViewRegistry is the slice of Engine Discovery drives; an interface so
// reconciliation logic tests don't need a live engine session.
type ViewRegistry interface {
	RegisterView(ctx context.Context, namespace, layer, name, metadataLocation string) error
	DropView(ctx context.Context, namespace, layer, name string) error
}

// Discovery polls the catalog's main branch and keeps the engine's view
// set in sync with the tables it finds.
//
// Two optimisations keep the steady state cheap: the main-branch commit
// hash is compared against the previous refresh and an unchanged hash
// skips the listing entirely, and when the hash has moved only tables
// whose metadata location differs from last time are re-registered.
type Discovery struct {
	cat        *catalog.Client
	engine     ViewRegistry
	namespaces []string // empty = all namespaces

	mu             sync.Mutex
	tables         []TableEntry
	lastCommitHash string
	tablePaths     map[string]string // ns.layer.name -> metadata location

	stop     chan struct{}
	stopOnce sync.Once
}

// NewDiscovery builds a Discovery over cat feeding engine. namespaces
// filters which namespaces are registered; empty means all.
func NewDiscovery(cat *catalog.Client, engine ViewRegistry, namespaces []string) *Discovery {
	return &Discovery{
		cat:        cat,
		engine:     engine,
		namespaces: namespaces,
		tablePaths: make(map[string]string),
		stop:       make(chan struct{}),
	}
}

// Start runs an immediate refresh, then refreshes every period until Stop.
func (d *Discovery) Start(ctx context.Context, period time.Duration) {
	if err := d.Refresh(ctx); err != nil {
		logging.Op().Warn("initial catalog refresh failed", "error", err)
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := d.Refresh(ctx); err != nil {
					logging.Op().Warn("catalog refresh failed", "error", err)
				}
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop ends the background refresh loop. Safe to call more than once.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Tables returns a snapshot of the currently registered tables.
func (d *Discovery) Tables() []TableEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TableEntry, len(d.tables))
	copy(out, d.tables)
	return out
}

// Refresh reconciles the engine's views against the catalog's current
// state.
func (d *Discovery) Refresh(ctx context.Context) error {
	hash, err := d.cat.BranchHash(ctx, "main")
	if err != nil {
		// Unknown hash: fall through to a full refresh rather than skip.
		hash = ""
	}

	d.mu.Lock()
	unchanged := hash != "" && hash == d.lastCommitHash
	d.mu.Unlock()
	if unchanged {
		return nil
	}

	entries, err := d.cat.ListTableEntries(ctx, "main")
	if err != nil {
		return err
	}

	discovered := make([]TableEntry, 0, len(entries))
	locations := make(map[string]string, len(entries))
	for _, e := range entries {
		if len(e.Elements) < 3 {
			continue
		}
		ns, layer, name := e.Elements[0], e.Elements[1], e.Elements[2]
		if !domain.ValidLayer(layer) {
			continue
		}
		if !d.namespaceAllowed(ns) {
			continue
		}
		t := TableEntry{Namespace: ns, Layer: layer, Name: name}
		discovered = append(discovered, t)
		locations[key(t)] = e.MetadataLocation
	}

	d.mu.Lock()
	previous := d.tablePaths
	d.mu.Unlock()

	registered := 0
	for _, t := range discovered {
		k := key(t)
		if previous[k] == locations[k] && previous[k] != "" {
			continue // same snapshot as last refresh
		}
		if err := d.engine.RegisterView(ctx, t.Namespace, t.Layer, t.Name, locations[k]); err != nil {
			logging.Op().Warn("failed to register view", "table", k, "error", err)
			continue
		}
		registered++
	}

	// Drop views whose table disappeared from the catalog.
	for k := range previous {
		if _, still := locations[k]; !still {
			ns, layer, name := splitKey(k)
			if err := d.engine.DropView(ctx, ns, layer, name); err != nil {
				logging.Op().Warn("failed to drop stale view", "table", k, "error", err)
			}
		}
	}

	d.mu.Lock()
	d.tables = discovered
	d.tablePaths = locations
	d.lastCommitHash = hash
	d.mu.Unlock()

	if registered > 0 {
		logging.Op().Info("catalog refresh complete", "tables", len(discovered), "registered", registered)
	}
	return nil
}

func (d *Discovery) namespaceAllowed(ns string) bool {
	if len(d.namespaces) == 0 {
		return true
	}
	for _, allowed := range d.namespaces {
		if allowed == ns {
			return true
		}
	}
	return false
}

func key(t TableEntry) string { return t.Namespace + "." + t.Layer + "." + t.Name }

func splitKey(k string) (ns, layer, name string) {
	parts := strings.SplitN(k, ".", 3)
	return parts[0], parts[1], parts[2]
}

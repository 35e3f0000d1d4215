package preview

import (
	"context"
	"fmt"
	"strings"

	"github.com/brinkfield/lakeforge/internal/executor"
	"github.com/brinkfield/lakeforge/internal/objectstore"
)

// sampleResolver delegates ref() resolution to the executor's resolver but
// resolves landing zones against the zone's _samples/ subfolder when one
// exists, so a preview over a large zone reads a representative slice
// instead of everything. Zones with no samples fall back to all files and
// record a warning.
type sampleResolver struct {
	inner    *executor.RefResolver
	store    *objectstore.Client
	bucket   string
	warnings *[]string
}

func (r *sampleResolver) ResolveRef(ctx context.Context, namespace, tableRef string) (string, error) {
	return r.inner.ResolveRef(ctx, namespace, tableRef)
}

func (r *sampleResolver) ResolveLandingZone(namespace, zone string) string {
	samplesPrefix := fmt.Sprintf("%s/landing/%s/_samples/", namespace, zone)
	keys, err := r.store.ListKeys(context.Background(), samplesPrefix)
	if err == nil && len(keys) > 0 {
		return fmt.Sprintf("'s3://%s/%s/landing/%s/_samples/**'", escape(r.bucket), escape(namespace), escape(zone))
	}
	*r.warnings = append(*r.warnings,
		fmt.Sprintf("no sample files for landing zone %q (looked in _samples/); using all files", zone))
	return r.inner.ResolveLandingZone(namespace, zone)
}

func escape(s string) string { return strings.ReplaceAll(s, "'", "''") }

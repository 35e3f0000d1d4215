package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/brinkfield/lakeforge/internal/catalog"
	"github.com/brinkfield/lakeforge/internal/logging"
)

// RefResolver implements templating.RefResolver and script.RefResolver by
// resolving ref() calls to a catalog-pinned metadata-file scan expression,
// falling back to a directory-based scan when the catalog call fails.
// Satisfies both packages' identical two-method interface without either
// depending on the other. Also reused by internal/preview, which swaps
// only the landing-zone resolution for its sample-preferring variant.
type RefResolver struct {
	cat       *catalog.Client
	branch    string
	bucket    string
	namespace string
	layer     string
	name      string
}

// RefResolverOptions names RefResolver's construction inputs.
type RefResolverOptions struct {
	Catalog   *catalog.Client
	Branch    string
	Bucket    string
	Namespace string
	Layer     string
	Name      string
}

// NewRefResolver builds a RefResolver reading through the given catalog
// branch.
func NewRefResolver(opts RefResolverOptions) *RefResolver {
	return &RefResolver{
		cat:       opts.Catalog,
		branch:    opts.Branch,
		bucket:    opts.Bucket,
		namespace: opts.Namespace,
		layer:     opts.Layer,
		name:      opts.Name,
	}
}

// ResolveRef resolves "layer.name" (implicit current namespace) or
// "ns.layer.name" to a SQL table-scan expression. Preferred: the table's
// exact current metadata-file pointer from the catalog. Fallback: a
// directory scan with "moved paths allowed" when the catalog call fails.
func (r *RefResolver) ResolveRef(ctx context.Context, namespace, tableRef string) (string, error) {
	ns, layer, name := splitRef(namespace, tableRef)
	tableName := fmt.Sprintf("%s.%s.%s", ns, layer, name)

	loc, err := r.cat.TableMetadataLocation(ctx, r.branch, tableName)
	if err == nil && loc != "" {
		return fmt.Sprintf("iceberg_scan('%s')", escapeSingleQuotes(loc)), nil
	}
	logging.Op().Warn("ref() catalog resolution failed, falling back to directory scan",
		"table", tableName, "error", err)

	dir := fmt.Sprintf("s3://%s/%s/%s/%s/", r.bucket, ns, layer, name)
	return fmt.Sprintf("iceberg_scan('%s', allow_moved_paths=true)", escapeSingleQuotes(dir)), nil
}

// ResolveLandingZone resolves landing_zone(x) to a recursive glob under
// <ns>/landing/<x>/**.
func (r *RefResolver) ResolveLandingZone(namespace, zone string) string {
	return fmt.Sprintf("'s3://%s/%s/landing/%s/**'", escapeSingleQuotes(r.bucket), escapeSingleQuotes(namespace), escapeSingleQuotes(zone))
}

func splitRef(currentNamespace, ref string) (namespace, layer, name string) {
	parts := strings.Split(ref, ".")
	switch len(parts) {
	case 2:
		return currentNamespace, parts[0], parts[1]
	case 3:
		return parts[0], parts[1], parts[2]
	default:
		return currentNamespace, "", ref
	}
}

func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Package templating compiles pipeline SQL templates: "@key: value"
// annotation extraction from leading comments, ref()/landing_zone()
// resolution, and a small set of merge-strategy predicate helpers.
// text/template exposes only the functions explicitly passed in its
// FuncMap and has no attribute/method-introspection escape hatch, so
// pipeline templates get a sandboxed renderer without an extra
// restriction layer bolted on.
package templating

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brinkfield/lakeforge/internal/domain"
)

var annotationLine = regexp.MustCompile(`^(?:--|#)\s*@(\w+):\s*(.+)$`)

// ExtractAnnotations parses leading "@key: value" comment lines (SQL `--`
// or Python `#` style) until the first non-comment, non-blank line.
func ExtractAnnotations(source string) map[string]string {
	meta := make(map[string]string)
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := annotationLine.FindStringSubmatch(trimmed); m != nil {
			meta[m[1]] = strings.TrimSpace(m[2])
			continue
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "--") && !strings.HasPrefix(trimmed, "#") {
			break
		}
	}
	return meta
}

// AnnotationsToConfig converts extracted annotations into a PipelineConfig,
// leaving fields not present in the annotations at their zero value so the
// caller can layer them over a config.yaml base.
func AnnotationsToConfig(meta map[string]string) domain.PipelineConfig {
	cfg := domain.PipelineConfig{
		Description:     meta["description"],
		Materialized:    meta["materialized"],
		MergeStrategy:   domain.MergeStrategy(meta["merge_strategy"]),
		WatermarkColumn: meta["watermark_column"],
		PartitionColumn: meta["partition_column"],
	}
	if raw, ok := meta["unique_key"]; ok {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.UniqueKey = append(cfg.UniqueKey, k)
			}
		}
	}
	if raw, ok := meta["archive_landing_zones"]; ok {
		cfg.ArchiveLandingZones = strings.EqualFold(raw, "true")
	}
	if v, ok := meta["scd_valid_from"]; ok {
		cfg.SCDValidFrom = v
	}
	if v, ok := meta["scd_valid_to"]; ok {
		cfg.SCDValidTo = v
	}
	return cfg
}

// Template call syntax follows text/template's action convention,
// {{ref "layer.name"}}, matching how Compile's FuncMap is invoked.
var refCallPattern = regexp.MustCompile(`ref\s+["']([^"']+)["']`)
var landingZoneCallPattern = regexp.MustCompile(`landing_zone\s+["']([^"']+)["']`)

// ExtractDependencies returns all ref('...') table references in sql, used
// to build the pipeline dependency DAG.
func ExtractDependencies(sql string) []string {
	return uniqueMatches(refCallPattern, sql)
}

// ExtractLandingZones returns all landing_zone('...') references in sql.
func ExtractLandingZones(sql string) []string {
	return uniqueMatches(landingZoneCallPattern, sql)
}

func uniqueMatches(re *regexp.Regexp, s string) []string {
	matches := re.FindAllStringSubmatch(s, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// RefResolver resolves a ref('ns.layer.name' | 'layer.name') to the SQL
// expression scanning that table, and landing_zone('name') to the glob
// reading its raw files.
type RefResolver interface {
	ResolveRef(ctx context.Context, namespace, tableRef string) (string, error)
	ResolveLandingZone(namespace, zone string) string
}

// CompileOptions carries the per-run values a template may reference.
type CompileOptions struct {
	Namespace      string
	Layer          string
	PipelineName   string
	Config         *domain.PipelineConfig
	WatermarkValue string
	RunStartedAt   time.Time
}

// metadataStripPattern matches a rendered annotation line so it can be
// dropped from compiled output.
var metadataStripPattern = regexp.MustCompile(`^\s*(?:--|#)\s*@\w+:`)

// Compile renders a SQL template, resolving ref()/landing_zone() through
// resolver and exposing is_incremental()/is_scd2()/is_snapshot()/
// is_append_only()/is_delete_insert() plus the .This/.RunStartedAt/
// .WatermarkValue template fields.
func Compile(ctx context.Context, rawSQL string, opts CompileOptions, resolver RefResolver) (string, error) {
	strategy := domain.FullRefresh
	if opts.Config != nil {
		strategy = opts.Config.MergeStrategy
	}

	this, err := resolver.ResolveRef(ctx, opts.Namespace, opts.Layer+"."+opts.PipelineName)
	if err != nil {
		return "", fmt.Errorf("resolve 'this': %w", err)
	}

	var refErr error
	funcMap := template.FuncMap{
		"ref": func(tableRef string) string {
			resolved, err := resolver.ResolveRef(ctx, opts.Namespace, tableRef)
			if err != nil {
				refErr = err
				return ""
			}
			return resolved
		},
		"landing_zone": func(zone string) string {
			return resolver.ResolveLandingZone(opts.Namespace, zone)
		},
		"is_incremental":   func() bool { return strategy == domain.Incremental },
		"is_scd2":          func() bool { return strategy == domain.SCD2 },
		"is_snapshot":      func() bool { return strategy == domain.Snapshot },
		"is_append_only":   func() bool { return strategy == domain.AppendOnly },
		"is_delete_insert": func() bool { return strategy == domain.DeleteInsert },
	}

	tmpl, err := template.New("pipeline").Delims("{{", "}}").Funcs(funcMap).Parse(rawSQL)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	data := struct {
		This           string
		RunStartedAt   string
		WatermarkValue string
	}{
		This:           this,
		RunStartedAt:   opts.RunStartedAt.UTC().Format(time.RFC3339),
		WatermarkValue: opts.WatermarkValue,
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	if refErr != nil {
		return "", refErr
	}

	var out []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if metadataStripPattern.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n")), nil
}

// LandingZoneChecker lists object keys under a prefix, used to validate
// that referenced landing zones are non-empty before execution.
type LandingZoneChecker interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// ValidateLandingZones checks every landing_zone() reference in sql
// concurrently, bounded at 4 in flight, and returns a warning for each
// zone with no files.
func ValidateLandingZones(ctx context.Context, sql, namespace string, checker LandingZoneChecker) ([]string, error) {
	zones := ExtractLandingZones(sql)
	if len(zones) == 0 {
		return nil, nil
	}

	warnings := make([]string, len(zones))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(zones), 4))

	for i, zone := range zones {
		i, zone := i, zone
		g.Go(func() error {
			prefix := fmt.Sprintf("%s/landing/%s/", namespace, zone)
			keys, err := checker.ListKeys(gctx, prefix)
			if err != nil {
				return fmt.Errorf("check landing zone %s: %w", zone, err)
			}
			if len(keys) == 0 {
				warnings[i] = fmt.Sprintf("landing zone %q has no files at %s", zone, prefix)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for _, w := range warnings {
		if w != "" {
			out = append(out, w)
		}
	}
	return out, nil
}

// ValidationResult holds fatal errors and non-fatal warnings from Validate.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

var nestedCallPattern = regexp.MustCompile(`(?:ref|landing_zone)\s+["'][^"']*\{\{[^"']*\}\}[^"']*["']`)
var bareCallPattern = regexp.MustCompile(`(?:ref|landing_zone)\s+["'][^"']+["']`)

// Validate checks template syntax and common anti-patterns without
// executing it: unclosed/invalid delimiters are fatal; a bare ref() or
// landing_zone() call outside {{ }} delimiters, or a Jinja-style
// placeholder nested inside one of those calls' string literal, are
// warnings and errors respectively.
func Validate(rawSQL string) ValidationResult {
	var result ValidationResult

	// text/template resolves function names at parse time, so validation
	// registers stand-ins for every name Compile's real FuncMap provides.
	stub := template.FuncMap{
		"ref":              func(string) string { return "" },
		"landing_zone":     func(string) string { return "" },
		"is_incremental":   func() bool { return false },
		"is_scd2":          func() bool { return false },
		"is_snapshot":      func() bool { return false },
		"is_append_only":   func() bool { return false },
		"is_delete_insert": func() bool { return false },
	}
	if _, err := template.New("validate").Delims("{{", "}}").Funcs(stub).Parse(rawSQL); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("template syntax error: %v", err))
		return result
	}

	for _, m := range nestedCallPattern.FindAllString(rawSQL, -1) {
		result.Errors = append(result.Errors, fmt.Sprintf("nested template delimiter inside function call: %s", m))
	}

	for _, loc := range bareCallPattern.FindAllStringIndex(rawSQL, -1) {
		start := loc[0]
		match := rawSQL[loc[0]:loc[1]]

		lineStart := strings.LastIndex(rawSQL[:start], "\n") + 1
		if strings.Contains(rawSQL[lineStart:start], "--") {
			continue
		}
		lastOpen := strings.LastIndex(rawSQL[:start], "/*")
		lastClose := strings.LastIndex(rawSQL[:start], "*/")
		if lastOpen != -1 && lastOpen > lastClose {
			continue
		}

		prefix := rawSQL[:start]
		if insideDelims(prefix, "{{", "}}") || insideDelims(prefix, "{%", "%}") {
			continue
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("bare function call outside template delimiters: %s", match))
	}

	return result
}

func insideDelims(prefix, open, close string) bool {
	lastOpen := strings.LastIndex(prefix, open)
	lastClose := strings.LastIndex(prefix, close)
	return lastOpen != -1 && lastClose < lastOpen
}

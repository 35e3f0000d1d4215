// Package script runs embedded pipeline scripts in a restricted Starlark
// sandbox. Starlark has no eval/exec/open/import and no attribute
// introspection, so the language itself closes off filesystem, network,
// and reflection access; what remains to enforce here is the SQL command
// blocklist, since Starlark's own sandboxing says nothing about what a
// host-provided exec_sql() builtin is allowed to do.
package script

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.starlark.net/starlark"

	"github.com/brinkfield/lakeforge/internal/domain"
)

// dangerousSQL matches DuckDB commands that would let a script reach the
// filesystem or load arbitrary extensions — file write via COPY, file
// read via ATTACH, arbitrary code via extensions.
var dangerousSQL = regexp.MustCompile(`(?i)\b(COPY|ATTACH|INSTALL|LOAD|CREATE\s+MACRO|IMPORT|EXPORT)\b`)

// ErrSandboxViolation is returned when a script attempts a blocked operation.
type ErrSandboxViolation struct{ Reason string }

func (e ErrSandboxViolation) Error() string { return "sandbox violation: " + e.Reason }

// SQLExecutor runs a SQL statement and returns rows as Starlark-friendly
// maps. It is the scripting surface's only path to the query engine.
type SQLExecutor interface {
	ExecuteRows(ctx context.Context, sql string) ([]map[string]any, error)
}

// RefResolver matches templating.RefResolver; duplicated here to avoid a
// scripting-package dependency on templating for a two-method interface.
type RefResolver interface {
	ResolveRef(ctx context.Context, namespace, tableRef string) (string, error)
	ResolveLandingZone(namespace, zone string) string
}

// Logger receives a script's log() calls. *runlog.Log satisfies it; a nil
// Logger silently drops the messages.
type Logger interface {
	Info(msg string)
	Warn(msg string)
}

// Options carries the per-run values exposed to a script as globals.
type Options struct {
	Namespace    string
	Layer        string
	PipelineName string
	Config       *domain.PipelineConfig
	RunStartedAt time.Time
	Logger       Logger
}

// configToStarlark renders the merged pipeline configuration as the
// read-only `config` dict scripts branch on.
func configToStarlark(cfg *domain.PipelineConfig) (*starlark.Dict, error) {
	if cfg == nil {
		c := domain.DefaultPipelineConfig()
		cfg = &c
	}
	uniqueKey := make([]starlark.Value, 0, len(cfg.UniqueKey))
	for _, k := range cfg.UniqueKey {
		uniqueKey = append(uniqueKey, starlark.String(k))
	}

	dict := starlark.NewDict(10)
	entries := []struct {
		key   string
		value starlark.Value
	}{
		{"description", starlark.String(cfg.Description)},
		{"materialized", starlark.String(cfg.Materialized)},
		{"merge_strategy", starlark.String(string(cfg.MergeStrategy))},
		{"unique_key", starlark.NewList(uniqueKey)},
		{"watermark_column", starlark.String(cfg.WatermarkColumn)},
		{"partition_column", starlark.String(cfg.PartitionColumn)},
		{"archive_landing_zones", starlark.Bool(cfg.ArchiveLandingZones)},
		{"scd_valid_from", starlark.String(cfg.SCDValidFrom)},
		{"scd_valid_to", starlark.String(cfg.SCDValidTo)},
	}
	for _, e := range entries {
		if err := dict.SetKey(starlark.String(e.key), e.value); err != nil {
			return nil, err
		}
	}
	dict.Freeze()
	return dict, nil
}

// Execute runs source and returns the rows assigned to the script's
// top-level `result` variable (a list of dicts). Execution has no
// load(), no eval/exec builtins, and no network or filesystem access
// beyond exec_sql, which is further restricted by dangerousSQL.
func Execute(ctx context.Context, source string, opts Options, resolver RefResolver, engine SQLExecutor) ([]map[string]any, error) {
	this, err := resolver.ResolveRef(ctx, opts.Namespace, opts.Layer+"."+opts.PipelineName)
	if err != nil {
		return nil, fmt.Errorf("resolve 'this': %w", err)
	}

	strategy := domain.FullRefresh
	if opts.Config != nil {
		strategy = opts.Config.MergeStrategy
	}

	configDict, err := configToStarlark(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("build config binding: %w", err)
	}

	predefined := starlark.StringDict{
		"this":           starlark.String(this),
		"run_started_at": starlark.String(opts.RunStartedAt.UTC().Format(time.RFC3339)),
		"is_incremental": starlark.Bool(strategy == domain.Incremental),
		"config":         configDict,
		"log": starlark.NewBuiltin("log", func(
			thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var msg, level string
			if err := starlark.UnpackArgs("log", args, kwargs, "msg", &msg, "level?", &level); err != nil {
				return nil, err
			}
			if opts.Logger != nil {
				if level == "warn" || level == "warning" {
					opts.Logger.Warn(msg)
				} else {
					opts.Logger.Info(msg)
				}
			}
			return starlark.None, nil
		}),
		"exec_sql": starlark.NewBuiltin("exec_sql", func(
			thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var sql string
			if err := starlark.UnpackArgs("exec_sql", args, kwargs, "sql", &sql); err != nil {
				return nil, err
			}
			if dangerousSQL.MatchString(sql) {
				return nil, ErrSandboxViolation{Reason: fmt.Sprintf("SQL command not allowed in pipelines: %q", sql)}
			}
			rows, err := engine.ExecuteRows(ctx, sql)
			if err != nil {
				return nil, err
			}
			return rowsToStarlark(rows)
		}),
		"ref": starlark.NewBuiltin("ref", func(
			thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var tableRef string
			if err := starlark.UnpackArgs("ref", args, kwargs, "table_ref", &tableRef); err != nil {
				return nil, err
			}
			resolved, err := resolver.ResolveRef(ctx, opts.Namespace, tableRef)
			if err != nil {
				return nil, err
			}
			return starlark.String(resolved), nil
		}),
		"landing_zone": starlark.NewBuiltin("landing_zone", func(
			thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var zone string
			if err := starlark.UnpackArgs("landing_zone", args, kwargs, "zone", &zone); err != nil {
				return nil, err
			}
			return starlark.String(resolver.ResolveLandingZone(opts.Namespace, zone)), nil
		}),
	}

	thread := &starlark.Thread{Name: "pipeline-script"}
	globals, err := starlark.ExecFile(thread, opts.PipelineName+".star", source, predefined)
	if err != nil {
		return nil, fmt.Errorf("execute script: %w", err)
	}

	result, ok := globals["result"]
	if !ok {
		return nil, ErrMissingResult
	}
	return starlarkToRows(result)
}

// ErrMissingResult is returned when a script never assigns `result`.
var ErrMissingResult = fmt.Errorf("script must set `result` to a list of row dicts")

func rowsToStarlark(rows []map[string]any) (*starlark.List, error) {
	items := make([]starlark.Value, 0, len(rows))
	for _, row := range rows {
		dict := starlark.NewDict(len(row))
		for k, v := range row {
			val, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), val); err != nil {
				return nil, err
			}
		}
		items = append(items, dict)
	}
	return starlark.NewList(items), nil
}

func toStarlarkValue(v any) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(t), nil
	case bool:
		return starlark.Bool(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case float64:
		return starlark.Float(t), nil
	default:
		return nil, fmt.Errorf("unsupported row value type %T", v)
	}
}

func starlarkToRows(v starlark.Value) ([]map[string]any, error) {
	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("`result` must be a list, got %s", v.Type())
	}
	rows := make([]map[string]any, 0, list.Len())
	iter := list.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		row, err := starlarkDictToRow(item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func starlarkDictToRow(v starlark.Value) (map[string]any, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("each `result` element must be a dict, got %s", v.Type())
	}
	row := make(map[string]any, dict.Len())
	for _, item := range dict.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("row key must be a string, got %s", item[0].Type())
		}
		row[key] = fromStarlarkValue(item[1])
	}
	return row, nil
}

func fromStarlarkValue(v starlark.Value) any {
	switch t := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.String:
		return string(t)
	case starlark.Bool:
		return bool(t)
	case starlark.Int:
		i, _ := t.Int64()
		return i
	case starlark.Float:
		return float64(t)
	default:
		return t.String()
	}
}

// Package contextengine assembles the investigation context for an
// anomaly alert: target schema, lineage neighborhood, related tables,
// join-correlation probes, a daily time-series pattern, and upstream
// null-rate anomalies.
//
// Only schema discovery is fatal. Every other probe degrades to a
// missing section when it fails; the orchestrator still gets a usable
// context.
package contextengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/lineage"
	"github.com/datasleuth/datasleuth/pkg/models"
	"github.com/datasleuth/datasleuth/pkg/safety"
)

const (
	// DefaultLookbackDays bounds the time-series window on each side of
	// the anomaly date.
	DefaultLookbackDays = 7
	// lineageDepth bounds upstream/downstream traversal.
	lineageDepth = 3
	// correlationThresholdPct is the unmatched-rate above which a join
	// probe becomes a Correlation.
	correlationThresholdPct = 10.0
	// upstreamNullThresholdPct is the null-rate above which a join
	// column becomes an UpstreamAnomaly.
	upstreamNullThresholdPct = 5.0
)

// SchemaDiscoveryError means the alert's dataset could not be located
// in the source. It fails the investigation.
type SchemaDiscoveryError struct {
	DatasetID string
	Err       error
}

func (e *SchemaDiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema discovery failed for %q: %v", e.DatasetID, e.Err)
	}
	return fmt.Sprintf("dataset %q not found in source schema", e.DatasetID)
}

func (e *SchemaDiscoveryError) Unwrap() error { return e.Err }

// Engine gathers context. Adapter calls are serialized internally;
// adapter instances are not required to be safe for concurrent use.
type Engine struct {
	adapter  datasource.Adapter
	lineage  lineage.Provider
	logger   *slog.Logger
	lookback int
	timeout  time.Duration

	mu sync.Mutex // serializes adapter access
}

// Option configures an Engine.
type Option func(*Engine)

// WithLineage attaches a lineage provider (possibly a composite).
func WithLineage(p lineage.Provider) Option {
	return func(e *Engine) { e.lineage = p }
}

// WithLookbackDays overrides the time-series window half-width.
func WithLookbackDays(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.lookback = days
		}
	}
}

// WithQueryTimeout bounds each probe query.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// New creates a context engine over one connected adapter.
func New(adapter datasource.Adapter, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		adapter:  adapter,
		logger:   logger,
		lookback: DefaultLookbackDays,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Gather assembles the full InvestigationContext for one alert.
func (e *Engine) Gather(ctx context.Context, alert models.AnomalyAlert) (*models.InvestigationContext, error) {
	schema, target, err := e.discoverTarget(ctx, alert.DatasetID)
	if err != nil {
		return nil, err
	}

	ic := &models.InvestigationContext{Schema: schema, TargetTable: target}
	ic.RelatedTables = relatedTables(schema, target)

	// lineage is remote I/O on its own provider; SQL probes share the
	// adapter and run as one serialized pipeline
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ic.Lineage = e.gatherLineage(gctx, alert)
		return nil
	})
	g.Go(func() error {
		e.runProbes(gctx, alert, ic)
		return nil
	})
	_ = g.Wait() // members never return errors; they degrade

	return ic, nil
}

// discoverTarget fetches the schema and locates the target table,
// retrying without the filter when the filtered pass finds nothing.
func (e *Engine) discoverTarget(ctx context.Context, datasetID string) (*datasource.SchemaResponse, *datasource.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	schema, err := e.adapter.GetSchema(ctx, datasetID)
	if err != nil {
		return nil, nil, &SchemaDiscoveryError{DatasetID: datasetID, Err: err}
	}
	target := schema.FindTable(datasetID)
	if target == nil {
		schema, err = e.adapter.GetSchema(ctx, "")
		if err != nil {
			return nil, nil, &SchemaDiscoveryError{DatasetID: datasetID, Err: err}
		}
		target = schema.FindTable(datasetID)
	}
	if target == nil {
		return nil, nil, &SchemaDiscoveryError{DatasetID: datasetID}
	}
	return schema, target, nil
}

func (e *Engine) gatherLineage(ctx context.Context, alert models.AnomalyAlert) *lineage.Graph {
	if e.lineage == nil {
		return nil
	}
	id := lineage.DatasetID{
		Platform: string(e.adapter.Type()),
		Name:     strings.ToLower(alert.DatasetID),
	}
	g, err := e.lineage.GetLineageGraph(ctx, id, lineageDepth, lineageDepth)
	if err != nil {
		e.logger.Warn("lineage gathering failed, continuing without",
			"dataset", alert.DatasetID, "error", err)
		return nil
	}
	return g
}

// runProbes executes the SQL probe pipeline: correlations, time-series
// pattern, upstream null rates. Requires a SQL-shaped adapter;
// otherwise the sections stay empty.
func (e *Engine) runProbes(ctx context.Context, alert models.AnomalyAlert, ic *models.InvestigationContext) {
	sqlAdapter, ok := e.adapter.(datasource.SQLAdapter)
	if !ok || !e.adapter.Capabilities().SQL {
		return
	}
	anomalyDate, err := parseDay(alert.AnomalyDate)
	if err != nil {
		e.logger.Warn("unparseable anomaly date, skipping probes",
			"date", alert.AnomalyDate, "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ic.Correlations = e.probeCorrelations(ctx, sqlAdapter, ic, anomalyDate)
	ic.Pattern = e.probePattern(ctx, sqlAdapter, alert, ic.TargetTable, anomalyDate)
	ic.UpstreamAnomalies = e.probeUpstream(ctx, sqlAdapter, ic, anomalyDate)
}

// relatedTables finds tables sharing an id-shaped column with the
// target: a column named "id" or ending in "_id" present in both. Only
// the first shared column per table counts.
func relatedTables(schema *datasource.SchemaResponse, target *datasource.Table) []models.RelatedTable {
	targetCols := map[string]bool{}
	for _, c := range target.Columns {
		targetCols[strings.ToLower(c.Name)] = true
	}

	var out []models.RelatedTable
	for _, table := range schema.Tables() {
		if strings.EqualFold(table.NativePath, target.NativePath) {
			continue
		}
		for _, c := range table.Columns {
			name := strings.ToLower(c.Name)
			if name != "id" && !strings.HasSuffix(name, "_id") {
				continue
			}
			if !targetCols[name] {
				continue
			}
			out = append(out, models.RelatedTable{
				Table:        table.NativePath,
				SharedColumn: name,
			})
			break
		}
	}
	return out
}

// probeCorrelations left-joins each related table against the target on
// the shared column, restricted to the anomaly date when the related
// table has a usable date column. An unmatched rate above 10 % becomes
// a Correlation.
func (e *Engine) probeCorrelations(ctx context.Context, adapter datasource.SQLAdapter, ic *models.InvestigationContext, day time.Time) []models.Correlation {
	var out []models.Correlation
	for _, rel := range ic.RelatedTables {
		query, err := correlationQuery(rel, ic.TargetTable, e.dateColumnOf(ic.Schema, rel.Table), day)
		if err != nil {
			e.logger.Warn("correlation probe skipped", "table", rel.Table, "error", err)
			continue
		}
		result, err := adapter.ExecuteQuery(ctx, query, datasource.QueryOptions{Timeout: e.timeout, Limit: 1})
		if err != nil {
			e.logger.Warn("correlation probe failed", "table", rel.Table, "error", err)
			continue
		}
		total, unmatched := scanTotalAnd(result, "unmatched")
		if total == 0 {
			continue
		}
		rate := float64(unmatched) / float64(total) * 100
		if rate <= correlationThresholdPct {
			continue
		}
		out = append(out, models.Correlation{
			Table:         rel.Table,
			Column:        rel.SharedColumn,
			UnmatchedRate: rate,
			Strength:      min(rate/100, 1.0),
			EvidenceQuery: query,
		})
	}
	return out
}

// correlationQuery builds the unmatched-rate measurement. Identifiers
// are sanitized; the date literal is inlined only after strict
// YYYY-MM-DD parsing, because placeholder syntax differs per engine.
func correlationQuery(rel models.RelatedTable, target *datasource.Table, dateCol string, day time.Time) (string, error) {
	relIdent, err := safety.SanitizeIdentifier(rel.Table)
	if err != nil {
		return "", err
	}
	tgtIdent, err := safety.SanitizeIdentifier(target.NativePath)
	if err != nil {
		return "", err
	}
	colIdent, err := safety.SanitizeIdentifier(rel.SharedColumn)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(
		"SELECT COUNT(*) AS total, "+
			"SUM(CASE WHEN t.%s IS NULL THEN 1 ELSE 0 END) AS unmatched "+
			"FROM %s r LEFT JOIN %s t ON r.%s = t.%s",
		colIdent, relIdent, tgtIdent, colIdent, colIdent)
	if dateCol != "" {
		dateIdent, err := safety.SanitizeIdentifier(dateCol)
		if err == nil {
			query += fmt.Sprintf(" WHERE DATE(r.%s) = '%s'", dateIdent, day.Format("2006-01-02"))
		}
	}
	return query, nil
}

// probePattern computes the daily series over the lookback window and
// runs spike/drop detection on it.
func (e *Engine) probePattern(ctx context.Context, adapter datasource.SQLAdapter, alert models.AnomalyAlert, target *datasource.Table, day time.Time) *models.TimeSeriesPattern {
	dateCol := dateColumn(target)
	if dateCol == "" {
		return nil
	}
	query, err := dailySeriesQuery(target, dateCol, alert.MetricSpec.Column, day, e.lookback)
	if err != nil {
		e.logger.Warn("time-series probe skipped", "table", target.NativePath, "error", err)
		return nil
	}
	result, err := adapter.ExecuteQuery(ctx, query, datasource.QueryOptions{
		Timeout: e.timeout,
		Limit:   2*e.lookback + 1,
	})
	if err != nil {
		e.logger.Warn("time-series probe failed", "table", target.NativePath, "error", err)
		return nil
	}

	daily := dailyFromResult(result)
	if len(daily) == 0 {
		return nil
	}
	pattern := DetectPattern(daily, alert.AnomalyType == models.AnomalyTypeNullRate)
	if pattern != nil {
		pattern.Column = alert.MetricSpec.Column
	}
	return pattern
}

// dailySeriesQuery groups the target by day over the window. The null
// count covers the metric column when one is named.
func dailySeriesQuery(target *datasource.Table, dateCol, metricCol string, day time.Time, lookback int) (string, error) {
	tgtIdent, err := safety.SanitizeIdentifier(target.NativePath)
	if err != nil {
		return "", err
	}
	dateIdent, err := safety.SanitizeIdentifier(dateCol)
	if err != nil {
		return "", err
	}

	nullExpr := "0"
	if metricCol != "" {
		if metricIdent, err := safety.SanitizeIdentifier(metricCol); err == nil {
			nullExpr = fmt.Sprintf("SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END)", metricIdent)
		}
	}

	start := day.AddDate(0, 0, -lookback).Format("2006-01-02")
	end := day.AddDate(0, 0, lookback).Format("2006-01-02")
	return fmt.Sprintf(
		"SELECT DATE(%[1]s) AS day, COUNT(*) AS total, %[2]s AS null_count "+
			"FROM %[3]s WHERE DATE(%[1]s) BETWEEN '%[4]s' AND '%[5]s' "+
			"GROUP BY DATE(%[1]s) ORDER BY day",
		dateIdent, nullExpr, tgtIdent, start, end), nil
}

// probeUpstream measures each related table's join-column null rate on
// the anomaly date.
func (e *Engine) probeUpstream(ctx context.Context, adapter datasource.SQLAdapter, ic *models.InvestigationContext, day time.Time) []models.UpstreamAnomaly {
	var out []models.UpstreamAnomaly
	for _, rel := range ic.RelatedTables {
		query, err := nullRateQuery(rel, e.dateColumnOf(ic.Schema, rel.Table), day)
		if err != nil {
			e.logger.Warn("upstream probe skipped", "table", rel.Table, "error", err)
			continue
		}
		result, err := adapter.ExecuteQuery(ctx, query, datasource.QueryOptions{Timeout: e.timeout, Limit: 1})
		if err != nil {
			e.logger.Warn("upstream probe failed", "table", rel.Table, "error", err)
			continue
		}
		total, nulls := scanTotalAnd(result, "nulls")
		if total == 0 {
			continue
		}
		rate := float64(nulls) / float64(total) * 100
		if rate <= upstreamNullThresholdPct {
			continue
		}
		out = append(out, models.UpstreamAnomaly{
			Table:     rel.Table,
			Column:    rel.SharedColumn,
			NullRate:  rate,
			TotalRows: total,
		})
	}
	return out
}

func nullRateQuery(rel models.RelatedTable, dateCol string, day time.Time) (string, error) {
	relIdent, err := safety.SanitizeIdentifier(rel.Table)
	if err != nil {
		return "", err
	}
	colIdent, err := safety.SanitizeIdentifier(rel.SharedColumn)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf(
		"SELECT COUNT(*) AS total, SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END) AS nulls FROM %s",
		colIdent, relIdent)
	if dateCol != "" {
		if dateIdent, err := safety.SanitizeIdentifier(dateCol); err == nil {
			query += fmt.Sprintf(" WHERE DATE(%s) = '%s'", dateIdent, day.Format("2006-01-02"))
		}
	}
	return query, nil
}

// dateColumn picks a temporal column of the table, preferring
// conventional event-time names.
func dateColumn(table *datasource.Table) string {
	if table == nil {
		return ""
	}
	preferred := []string{"created_at", "updated_at", "event_date", "event_time", "date", "day", "timestamp", "ts"}
	byName := map[string]datasource.Column{}
	var firstTemporal string
	for _, c := range table.Columns {
		switch c.DataType {
		case datasource.TypeDate, datasource.TypeDatetime, datasource.TypeTimestamp:
			name := strings.ToLower(c.Name)
			byName[name] = c
			if firstTemporal == "" {
				firstTemporal = c.Name
			}
		}
	}
	for _, name := range preferred {
		if c, ok := byName[name]; ok {
			return c.Name
		}
	}
	return firstTemporal
}

func (e *Engine) dateColumnOf(schema *datasource.SchemaResponse, table string) string {
	return dateColumn(schema.FindTable(table))
}

// scanTotalAnd reads the first row's "total" and one named counter.
func scanTotalAnd(result *datasource.QueryResult, counter string) (int64, int64) {
	if result == nil || len(result.Rows) == 0 {
		return 0, 0
	}
	row := result.Rows[0]
	return toInt64(row["total"]), toInt64(row[counter])
}

// dailyFromResult converts the grouped rows into the daily series.
func dailyFromResult(result *datasource.QueryResult) []models.DailyMetric {
	var out []models.DailyMetric
	for _, row := range result.Rows {
		total := toInt64(row["total"])
		nulls := toInt64(row["null_count"])
		metric := models.DailyMetric{
			Date:      dayString(row["day"]),
			Total:     total,
			NullCount: nulls,
		}
		if total > 0 {
			metric.NullRate = float64(nulls) / float64(total)
		}
		out = append(out, metric)
	}
	return out
}

func parseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", strings.TrimSpace(s))
}

func dayString(v any) string {
	switch val := v.(type) {
	case time.Time:
		return val.Format("2006-01-02")
	case string:
		if len(val) >= 10 {
			return val[:10]
		}
		return val
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		var n int64
		_, _ = fmt.Sscanf(val, "%d", &n)
		return n
	default:
		return 0
	}
}

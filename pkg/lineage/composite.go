package lineage

import (
	"context"
	"log/slog"
)

// Composite merges several providers by priority. Providers are given
// highest priority first; a failing provider is logged and skipped,
// never fatal for the composite.
type Composite struct {
	providers []Provider
	logger    *slog.Logger
}

// NewComposite creates a composite over the given providers, highest
// priority first.
func NewComposite(logger *slog.Logger, providers ...Provider) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{providers: providers, logger: logger}
}

func (c *Composite) Name() string { return "composite" }

// Capabilities is the union of the member capabilities.
func (c *Composite) Capabilities() Capabilities {
	var caps Capabilities
	for _, p := range c.providers {
		pc := p.Capabilities()
		caps.Datasets = caps.Datasets || pc.Datasets
		caps.Jobs = caps.Jobs || pc.Jobs
		caps.Runs = caps.Runs || pc.Runs
		caps.ColumnLineage = caps.ColumnLineage || pc.ColumnLineage
		caps.Search = caps.Search || pc.Search
	}
	return caps
}

func (c *Composite) skip(p Provider, op string, err error) {
	c.logger.Warn("lineage provider failed, skipping",
		"provider", p.Name(), "operation", op, "error", err)
}

// GetDataset returns the first non-nil answer in priority order.
func (c *Composite) GetDataset(ctx context.Context, id DatasetID) (*Dataset, error) {
	for _, p := range c.providers {
		d, err := p.GetDataset(ctx, id)
		if err != nil {
			c.skip(p, "get_dataset", err)
			continue
		}
		if d != nil {
			return d, nil
		}
	}
	return nil, nil
}

// GetUpstream merges all providers' answers, deduplicating by dataset
// key; the higher-priority entry wins on conflict.
func (c *Composite) GetUpstream(ctx context.Context, id DatasetID, depth int) ([]Dataset, error) {
	return c.mergeDatasets("get_upstream", func(p Provider) ([]Dataset, error) {
		return p.GetUpstream(ctx, id, depth)
	})
}

// GetDownstream merges like GetUpstream.
func (c *Composite) GetDownstream(ctx context.Context, id DatasetID, depth int) ([]Dataset, error) {
	return c.mergeDatasets("get_downstream", func(p Provider) ([]Dataset, error) {
		return p.GetDownstream(ctx, id, depth)
	})
}

// GetLineageGraph unions the member graphs: datasets and jobs keyed by
// id, edges by edge key. The higher-priority entry wins on key
// collision.
func (c *Composite) GetLineageGraph(ctx context.Context, id DatasetID, up, down int) (*Graph, error) {
	merged := NewGraph(id)
	for _, p := range c.providers {
		g, err := p.GetLineageGraph(ctx, id, up, down)
		if err != nil {
			c.skip(p, "get_lineage_graph", err)
			continue
		}
		if g == nil {
			continue
		}
		for _, d := range g.Datasets {
			merged.AddDataset(d)
		}
		for _, e := range g.Edges {
			merged.AddEdge(e)
		}
		for _, j := range g.Jobs {
			merged.AddJob(j)
		}
	}
	return merged, nil
}

// GetColumnLineage returns the first non-empty answer from a provider
// declaring the column-lineage capability.
func (c *Composite) GetColumnLineage(ctx context.Context, id DatasetID, column string) ([]ColumnLineage, error) {
	for _, p := range c.providers {
		if !p.Capabilities().ColumnLineage {
			continue
		}
		cols, err := p.GetColumnLineage(ctx, id, column)
		if err != nil {
			c.skip(p, "get_column_lineage", err)
			continue
		}
		if len(cols) > 0 {
			return cols, nil
		}
	}
	return nil, nil
}

// GetProducingJob returns the first non-nil answer in priority order.
func (c *Composite) GetProducingJob(ctx context.Context, id DatasetID) (*Job, error) {
	for _, p := range c.providers {
		j, err := p.GetProducingJob(ctx, id)
		if err != nil {
			c.skip(p, "get_producing_job", err)
			continue
		}
		if j != nil {
			return j, nil
		}
	}
	return nil, nil
}

// GetConsumingJobs merges all providers' answers, deduplicating by job
// id.
func (c *Composite) GetConsumingJobs(ctx context.Context, id DatasetID) ([]Job, error) {
	seen := map[string]bool{}
	var out []Job
	for _, p := range c.providers {
		jobs, err := p.GetConsumingJobs(ctx, id)
		if err != nil {
			c.skip(p, "get_consuming_jobs", err)
			continue
		}
		for _, j := range jobs {
			if seen[j.ID] {
				continue
			}
			seen[j.ID] = true
			out = append(out, j)
		}
	}
	return out, nil
}

// GetRecentRuns returns the first non-empty answer in priority order.
func (c *Composite) GetRecentRuns(ctx context.Context, jobID string, limit int) ([]JobRun, error) {
	for _, p := range c.providers {
		runs, err := p.GetRecentRuns(ctx, jobID, limit)
		if err != nil {
			c.skip(p, "get_recent_runs", err)
			continue
		}
		if len(runs) > 0 {
			return runs, nil
		}
	}
	return nil, nil
}

// SearchDatasets merges all providers' answers, deduplicating by
// dataset key.
func (c *Composite) SearchDatasets(ctx context.Context, query string, limit int) ([]Dataset, error) {
	out, err := c.mergeDatasets("search_datasets", func(p Provider) ([]Dataset, error) {
		return p.SearchDatasets(ctx, query, limit)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDatasets merges all providers' answers, deduplicating by dataset
// key.
func (c *Composite) ListDatasets(ctx context.Context, filter ListFilter) ([]Dataset, error) {
	out, err := c.mergeDatasets("list_datasets", func(p Provider) ([]Dataset, error) {
		return p.ListDatasets(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (c *Composite) mergeDatasets(op string, fetch func(Provider) ([]Dataset, error)) ([]Dataset, error) {
	seen := map[string]bool{}
	var out []Dataset
	for _, p := range c.providers {
		datasets, err := fetch(p)
		if err != nil {
			c.skip(p, op, err)
			continue
		}
		for _, d := range datasets {
			if seen[d.ID.Key()] {
				continue
			}
			seen[d.ID.Key()] = true
			out = append(out, d)
		}
	}
	return out, nil
}

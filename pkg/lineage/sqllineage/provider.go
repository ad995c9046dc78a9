package sqllineage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/lineage"
)

// Provider serves lineage parsed statically from a set of named SQL
// statements (typically the tenant's transformation jobs). It holds
// everything in memory and answers without I/O.
type Provider struct {
	platform string
	graph    *lineage.Graph
	jobs     map[string]lineage.Job
}

// NewProvider creates an empty static provider for one platform label.
func NewProvider(platform string) *Provider {
	if platform == "" {
		platform = "sql"
	}
	return &Provider{
		platform: platform,
		graph:    lineage.NewGraph(lineage.DatasetID{Platform: platform}),
		jobs:     map[string]lineage.Job{},
	}
}

// New creates a provider from a raw config map. "statements" maps job
// names to their SQL.
func New(config map[string]any) (lineage.Provider, error) {
	platform, _ := config["platform"].(string)
	p := NewProvider(platform)

	if statements, ok := config["statements"].(map[string]any); ok {
		names := make([]string, 0, len(statements))
		for name := range statements {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sql, _ := statements[name].(string)
			if err := p.AddStatement(name, sql); err != nil {
				return nil, fmt.Errorf("statement %q: %w", name, err)
			}
		}
	}
	return p, nil
}

// AddStatement parses one job's SQL and folds its lineage into the
// graph.
func (p *Provider) AddStatement(jobName, sql string) error {
	stmt, err := Parse(sql)
	if err != nil {
		return err
	}

	job := lineage.Job{ID: jobName, Name: jobName, Type: "sql"}
	for _, in := range stmt.Inputs {
		job.Inputs = append(job.Inputs, p.id(in))
	}
	for _, out := range stmt.Outputs {
		job.Outputs = append(job.Outputs, p.id(out))
	}
	p.jobs[jobName] = job
	p.graph.AddJob(job)

	for _, out := range stmt.Outputs {
		target := p.id(out)
		p.graph.AddDataset(p.dataset(target))
		for _, in := range stmt.Inputs {
			source := p.id(in)
			p.graph.AddDataset(p.dataset(source))
			edge := lineage.Edge{Source: source, Target: target, JobID: jobName}
			for column, refs := range stmt.Columns {
				var sources []lineage.ColumnSource
				for _, ref := range refs {
					table, col, ok := strings.Cut(ref, ".")
					if !ok {
						continue
					}
					sources = append(sources, lineage.ColumnSource{
						Dataset: p.id(table),
						Column:  col,
					})
				}
				if len(sources) > 0 {
					edge.Columns = append(edge.Columns, lineage.ColumnLineage{
						OutputColumn:  column,
						SourceColumns: sources,
					})
				}
			}
			p.graph.AddEdge(edge)
		}
	}
	return nil
}

func (p *Provider) id(name string) lineage.DatasetID {
	return lineage.DatasetID{Platform: p.platform, Name: strings.ToLower(name)}
}

func (p *Provider) dataset(id lineage.DatasetID) lineage.Dataset {
	return lineage.Dataset{
		ID:            id,
		QualifiedName: id.Name,
		DatasetType:   lineage.DatasetTypeTable,
		Platform:      p.platform,
	}
}

func (p *Provider) Name() string { return "sqllineage" }

func (p *Provider) Capabilities() lineage.Capabilities {
	return lineage.Capabilities{
		Datasets:      true,
		Jobs:          true,
		ColumnLineage: true,
		Search:        true,
	}
}

func (p *Provider) GetDataset(_ context.Context, id lineage.DatasetID) (*lineage.Dataset, error) {
	if d, ok := p.graph.Datasets[id.Key()]; ok {
		return &d, nil
	}
	return nil, nil
}

// GetUpstream walks edges backwards up to depth hops.
func (p *Provider) GetUpstream(_ context.Context, id lineage.DatasetID, depth int) ([]lineage.Dataset, error) {
	return p.walk(id, depth, p.graph.Upstream), nil
}

// GetDownstream walks edges forwards up to depth hops.
func (p *Provider) GetDownstream(_ context.Context, id lineage.DatasetID, depth int) ([]lineage.Dataset, error) {
	return p.walk(id, depth, p.graph.Downstream), nil
}

// walk is a BFS over one direction with a visited set.
func (p *Provider) walk(root lineage.DatasetID, depth int, next func(lineage.DatasetID) []lineage.DatasetID) []lineage.Dataset {
	if depth <= 0 {
		return nil
	}
	visited := map[string]bool{root.Key(): true}
	frontier := []lineage.DatasetID{root}
	var out []lineage.Dataset
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var nextFrontier []lineage.DatasetID
		for _, id := range frontier {
			for _, neighbor := range next(id) {
				if visited[neighbor.Key()] {
					continue
				}
				visited[neighbor.Key()] = true
				nextFrontier = append(nextFrontier, neighbor)
				out = append(out, p.dataset(neighbor))
			}
		}
		frontier = nextFrontier
	}
	return out
}

// GetLineageGraph collects the subgraph within up hops upstream and
// down hops downstream of the root.
func (p *Provider) GetLineageGraph(ctx context.Context, id lineage.DatasetID, up, down int) (*lineage.Graph, error) {
	g := lineage.NewGraph(id)
	if d, ok := p.graph.Datasets[id.Key()]; ok {
		g.AddDataset(d)
	}

	include := map[string]bool{id.Key(): true}
	upstream, _ := p.GetUpstream(ctx, id, up)
	for _, d := range upstream {
		include[d.ID.Key()] = true
		g.AddDataset(d)
	}
	downstream, _ := p.GetDownstream(ctx, id, down)
	for _, d := range downstream {
		include[d.ID.Key()] = true
		g.AddDataset(d)
	}

	for _, e := range p.graph.Edges {
		if include[e.Source.Key()] && include[e.Target.Key()] {
			g.AddEdge(e)
			if job, ok := p.jobs[e.JobID]; ok {
				g.AddJob(job)
			}
		}
	}
	return g, nil
}

// GetColumnLineage returns the column mappings feeding one output
// column of the dataset.
func (p *Provider) GetColumnLineage(_ context.Context, id lineage.DatasetID, column string) ([]lineage.ColumnLineage, error) {
	var out []lineage.ColumnLineage
	for _, e := range p.graph.Edges {
		if e.Target.Key() != id.Key() {
			continue
		}
		for _, cl := range e.Columns {
			if column == "" || strings.EqualFold(cl.OutputColumn, column) {
				out = append(out, cl)
			}
		}
	}
	return out, nil
}

func (p *Provider) GetProducingJob(_ context.Context, id lineage.DatasetID) (*lineage.Job, error) {
	for _, job := range p.jobs {
		for _, out := range job.Outputs {
			if out.Key() == id.Key() {
				j := job
				return &j, nil
			}
		}
	}
	return nil, nil
}

func (p *Provider) GetConsumingJobs(_ context.Context, id lineage.DatasetID) ([]lineage.Job, error) {
	var out []lineage.Job
	names := make([]string, 0, len(p.jobs))
	for name := range p.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		job := p.jobs[name]
		for _, in := range job.Inputs {
			if in.Key() == id.Key() {
				out = append(out, job)
				break
			}
		}
	}
	return out, nil
}

// GetRecentRuns returns empty; a static parser has no run history.
func (p *Provider) GetRecentRuns(context.Context, string, int) ([]lineage.JobRun, error) {
	return nil, nil
}

// SearchDatasets matches dataset names by substring.
func (p *Provider) SearchDatasets(_ context.Context, query string, limit int) ([]lineage.Dataset, error) {
	needle := strings.ToLower(query)
	keys := make([]string, 0, len(p.graph.Datasets))
	for key := range p.graph.Datasets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []lineage.Dataset
	for _, key := range keys {
		d := p.graph.Datasets[key]
		if needle == "" || strings.Contains(strings.ToLower(d.ID.Name), needle) {
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ListDatasets filters by platform and optional database/schema name
// prefixes.
func (p *Provider) ListDatasets(ctx context.Context, filter lineage.ListFilter) ([]lineage.Dataset, error) {
	if filter.Platform != "" && !strings.EqualFold(filter.Platform, p.platform) {
		return nil, nil
	}
	prefix := strings.ToLower(strings.TrimLeft(filter.Database+"."+filter.Schema, "."))
	prefix = strings.TrimRight(prefix, ".")

	all, err := p.SearchDatasets(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	var out []lineage.Dataset
	for _, d := range all {
		if prefix != "" && !strings.HasPrefix(strings.ToLower(d.ID.Name), prefix) {
			continue
		}
		out = append(out, d)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Definition describes the static SQL provider for the registry.
func Definition() lineage.ProviderTypeDefinition {
	return lineage.ProviderTypeDefinition{
		Type:        lineage.ProviderSQL,
		DisplayName: "SQL Lineage",
		Description: "Static table-level lineage parsed from SQL job definitions",
		Capabilities: lineage.Capabilities{
			Datasets:      true,
			Jobs:          true,
			ColumnLineage: true,
			Search:        true,
		},
		ConfigSchema: datasource.ConfigSchema{Groups: []datasource.FieldGroup{{
			Name: "statements",
			Fields: []datasource.ConfigField{
				{Name: "platform", Kind: datasource.FieldString, Default: "sql"},
				{Name: "statements", Kind: datasource.FieldJSON},
			},
		}}},
	}
}

// Register adds the static SQL provider to a registry.
func Register(r *lineage.Registry) {
	r.MustRegister(Definition(), New)
}

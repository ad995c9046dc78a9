// Package lineage defines the uniform contract over data-lineage
// providers: datasets, jobs, runs, and the graph connecting them.
// Concrete providers live in subpackages; a Composite merges several
// providers by priority.
package lineage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DatasetID identifies a dataset within a platform.
type DatasetID struct {
	Platform string `json:"platform"`
	Name     string `json:"name"`
}

// Key is the stable string form used for deduplication and graph keys.
func (id DatasetID) Key() string {
	return strings.ToLower(id.Platform) + "://" + strings.ToLower(id.Name)
}

func (id DatasetID) String() string { return id.Platform + "://" + id.Name }

// ParseDatasetID splits a "platform://name" key back into an id. A bare
// name yields an empty platform.
func ParseDatasetID(s string) DatasetID {
	if platform, name, ok := strings.Cut(s, "://"); ok {
		return DatasetID{Platform: platform, Name: name}
	}
	return DatasetID{Name: s}
}

// DatasetType classifies a dataset entity.
type DatasetType string

const (
	DatasetTypeTable  DatasetType = "table"
	DatasetTypeView   DatasetType = "view"
	DatasetTypeStream DatasetType = "stream"
	DatasetTypeFile   DatasetType = "file"
)

// Dataset is identity plus display metadata for one dataset.
type Dataset struct {
	ID            DatasetID      `json:"id"`
	QualifiedName string         `json:"qualified_name"`
	DatasetType   DatasetType    `json:"dataset_type,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	Database      string         `json:"database,omitempty"`
	Schema        string         `json:"schema,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Owners        []string       `json:"owners,omitempty"`
	LastModified  *time.Time     `json:"last_modified,omitempty"`
	RowCount      int64          `json:"row_count,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Job is a producing or consuming process.
type Job struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     string      `json:"type,omitempty"`
	Inputs   []DatasetID `json:"inputs,omitempty"`
	Outputs  []DatasetID `json:"outputs,omitempty"`
	Schedule string      `json:"schedule,omitempty"`
	Owners   []string    `json:"owners,omitempty"`
}

// RunStatus is the closed set of job-run outcomes.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunSkipped   RunStatus = "skipped"
)

// IsValid checks membership in the closed run-status set.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunRunning, RunSuccess, RunFailed, RunCancelled, RunSkipped:
		return true
	default:
		return false
	}
}

// JobRun is one execution of a job.
type JobRun struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	Status          RunStatus  `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// ColumnLineage maps one output column to the source columns feeding
// it.
type ColumnLineage struct {
	OutputColumn  string         `json:"output_column"`
	SourceColumns []ColumnSource `json:"source_columns"`
	Transform     string         `json:"transform,omitempty"`
}

// ColumnSource is one (table, column) reference.
type ColumnSource struct {
	Dataset DatasetID `json:"dataset"`
	Column  string    `json:"column"`
}

// Edge is a directed source → target link, optionally attributed to a
// job and carrying column mappings.
type Edge struct {
	Source  DatasetID       `json:"source"`
	Target  DatasetID       `json:"target"`
	JobID   string          `json:"job_id,omitempty"`
	Columns []ColumnLineage `json:"columns,omitempty"`
}

// Key is the stable edge identity used when merging graphs.
func (e Edge) Key() string {
	return fmt.Sprintf("%s->%s/%s", e.Source.Key(), e.Target.Key(), e.JobID)
}

// Graph is the lineage neighborhood around a root dataset. Datasets
// and jobs are keyed by their stable ids.
type Graph struct {
	Root     DatasetID          `json:"root"`
	Datasets map[string]Dataset `json:"datasets"`
	Edges    []Edge             `json:"edges"`
	Jobs     map[string]Job     `json:"jobs"`
}

// NewGraph creates an empty graph rooted at id.
func NewGraph(root DatasetID) *Graph {
	return &Graph{
		Root:     root,
		Datasets: map[string]Dataset{},
		Jobs:     map[string]Job{},
	}
}

// AddDataset records a dataset, keeping the existing entry on
// collision.
func (g *Graph) AddDataset(d Dataset) {
	if _, ok := g.Datasets[d.ID.Key()]; !ok {
		g.Datasets[d.ID.Key()] = d
	}
}

// AddEdge records an edge, deduplicating by edge key.
func (g *Graph) AddEdge(e Edge) {
	for _, existing := range g.Edges {
		if existing.Key() == e.Key() {
			return
		}
	}
	g.Edges = append(g.Edges, e)
}

// AddJob records a job, keeping the existing entry on collision.
func (g *Graph) AddJob(j Job) {
	if j.ID == "" {
		return
	}
	if _, ok := g.Jobs[j.ID]; !ok {
		g.Jobs[j.ID] = j
	}
}

// Upstream returns the datasets feeding the given id, one hop.
func (g *Graph) Upstream(id DatasetID) []DatasetID {
	var out []DatasetID
	for _, e := range g.Edges {
		if e.Target.Key() == id.Key() {
			out = append(out, e.Source)
		}
	}
	return out
}

// Downstream returns the datasets fed by the given id, one hop.
func (g *Graph) Downstream(id DatasetID) []DatasetID {
	var out []DatasetID
	for _, e := range g.Edges {
		if e.Source.Key() == id.Key() {
			out = append(out, e.Target)
		}
	}
	return out
}

// Capabilities declares what a provider can answer. Operations outside
// a provider's capabilities return empty results, never errors.
type Capabilities struct {
	Datasets      bool `json:"datasets"`
	Jobs          bool `json:"jobs"`
	Runs          bool `json:"runs"`
	ColumnLineage bool `json:"column_lineage"`
	Search        bool `json:"search"`
}

// ListFilter narrows ListDatasets.
type ListFilter struct {
	Platform string
	Database string
	Schema   string
	Limit    int
}

// Provider is the contract implemented by every lineage source.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	GetDataset(ctx context.Context, id DatasetID) (*Dataset, error)
	GetUpstream(ctx context.Context, id DatasetID, depth int) ([]Dataset, error)
	GetDownstream(ctx context.Context, id DatasetID, depth int) ([]Dataset, error)
	GetLineageGraph(ctx context.Context, id DatasetID, up, down int) (*Graph, error)
	GetColumnLineage(ctx context.Context, id DatasetID, column string) ([]ColumnLineage, error)
	GetProducingJob(ctx context.Context, id DatasetID) (*Job, error)
	GetConsumingJobs(ctx context.Context, id DatasetID) ([]Job, error)
	GetRecentRuns(ctx context.Context, jobID string, limit int) ([]JobRun, error)
	SearchDatasets(ctx context.Context, query string, limit int) ([]Dataset, error)
	ListDatasets(ctx context.Context, filter ListFilter) ([]Dataset, error)
}

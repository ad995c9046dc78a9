// Package marquez implements a lineage provider backed by the Marquez
// (OpenLineage) HTTP API. Dataset platforms map to Marquez namespaces.
package marquez

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/lineage"
)

const (
	defaultRetryMax   = 3
	maxResponseBytes  = 16 << 20
	defaultRunLimit   = 10
	defaultListLimit  = 100
	defaultGraphDepth = 3
)

// Provider talks to one Marquez deployment.
type Provider struct {
	baseURL   string
	namespace string
	apiKey    string
	client    *http.Client
}

// New creates a Marquez provider from a raw config map.
func New(config map[string]any) (lineage.Provider, error) {
	baseURL, _ := config["base_url"].(string)
	namespace, _ := config["namespace"].(string)
	apiKey, _ := config["api_key"].(string)
	if baseURL == "" {
		return nil, fmt.Errorf("marquez provider requires base_url")
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.Logger = nil

	return &Provider{
		baseURL:   strings.TrimRight(baseURL, "/") + "/api/v1",
		namespace: namespace,
		apiKey:    apiKey,
		client:    rc.StandardClient(),
	}, nil
}

func (p *Provider) Name() string { return "marquez" }

func (p *Provider) Capabilities() lineage.Capabilities {
	return lineage.Capabilities{
		Datasets: true,
		Jobs:     true,
		Runs:     true,
		Search:   true,
	}
}

// namespaceFor falls back to the configured namespace when the id
// carries no platform.
func (p *Provider) namespaceFor(id lineage.DatasetID) string {
	if id.Platform != "" {
		return id.Platform
	}
	return p.namespace
}

// marquezDataset is the wire shape of one dataset record.
type marquezDataset struct {
	ID struct {
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
	} `json:"id"`
	Type         string     `json:"type"`
	PhysicalName string     `json:"physicalName"`
	UpdatedAt    *time.Time `json:"updatedAt"`
	Tags         []string   `json:"tags"`
}

func (d marquezDataset) toDataset() lineage.Dataset {
	id := lineage.DatasetID{Platform: d.ID.Namespace, Name: d.ID.Name}
	dt := lineage.DatasetTypeTable
	if strings.EqualFold(d.Type, "STREAM") {
		dt = lineage.DatasetTypeStream
	}
	qualified := d.PhysicalName
	if qualified == "" {
		qualified = d.ID.Name
	}
	return lineage.Dataset{
		ID:            id,
		QualifiedName: qualified,
		DatasetType:   dt,
		Platform:      d.ID.Namespace,
		Tags:          d.Tags,
		LastModified:  d.UpdatedAt,
	}
}

// GetDataset fetches one dataset record.
func (p *Provider) GetDataset(ctx context.Context, id lineage.DatasetID) (*lineage.Dataset, error) {
	path := fmt.Sprintf("/namespaces/%s/datasets/%s",
		url.PathEscape(p.namespaceFor(id)), url.PathEscape(id.Name))
	body, err := p.get(ctx, path, nil)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var d marquezDataset
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("marquez dataset payload: %w", err)
	}
	out := d.toDataset()
	return &out, nil
}

// GetUpstream walks the lineage graph backwards up to depth hops.
func (p *Provider) GetUpstream(ctx context.Context, id lineage.DatasetID, depth int) ([]lineage.Dataset, error) {
	g, err := p.GetLineageGraph(ctx, id, depth, 0)
	if err != nil {
		return nil, err
	}
	return walk(g, id, depth, g.Upstream), nil
}

// GetDownstream walks the lineage graph forwards up to depth hops.
func (p *Provider) GetDownstream(ctx context.Context, id lineage.DatasetID, depth int) ([]lineage.Dataset, error) {
	g, err := p.GetLineageGraph(ctx, id, 0, depth)
	if err != nil {
		return nil, err
	}
	return walk(g, id, depth, g.Downstream), nil
}

func walk(g *lineage.Graph, root lineage.DatasetID, depth int, next func(lineage.DatasetID) []lineage.DatasetID) []lineage.Dataset {
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
				if d, ok := g.Datasets[neighbor.Key()]; ok {
					out = append(out, d)
				} else {
					out = append(out, lineage.Dataset{ID: neighbor, QualifiedName: neighbor.Name})
				}
			}
		}
		frontier = nextFrontier
	}
	return out
}

// lineageNode is one node of the Marquez /lineage response graph.
type lineageNode struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	InEdges  []lineageEdge   `json:"inEdges"`
	OutEdges []lineageEdge   `json:"outEdges"`
}

type lineageEdge struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

// GetLineageGraph queries /lineage around the dataset node and folds
// job nodes into dataset-to-dataset edges.
func (p *Provider) GetLineageGraph(ctx context.Context, id lineage.DatasetID, up, down int) (*lineage.Graph, error) {
	depth := max(up, down)
	if depth <= 0 {
		depth = defaultGraphDepth
	}

	nodeID := fmt.Sprintf("dataset:%s:%s", p.namespaceFor(id), id.Name)
	body, err := p.get(ctx, "/lineage", url.Values{
		"nodeId": {nodeID},
		"depth":  {strconv.Itoa(depth)},
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return lineage.NewGraph(id), nil
		}
		return nil, err
	}

	var payload struct {
		Graph []lineageNode `json:"graph"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("marquez lineage payload: %w", err)
	}

	g := lineage.NewGraph(id)
	for _, node := range payload.Graph {
		switch strings.ToUpper(node.Type) {
		case "DATASET":
			var d marquezDataset
			if err := json.Unmarshal(node.Data, &d); err == nil && d.ID.Name != "" {
				g.AddDataset(d.toDataset())
			} else if did, ok := parseNodeID(node.ID); ok {
				g.AddDataset(lineage.Dataset{ID: did, QualifiedName: did.Name})
			}
		case "JOB":
			job := lineage.Job{ID: strings.TrimPrefix(node.ID, "job:"), Type: "batch"}
			var data struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(node.Data, &data); err == nil {
				job.Name = data.Name
			}
			for _, e := range node.InEdges {
				if did, ok := parseNodeID(e.Origin); ok {
					job.Inputs = append(job.Inputs, did)
				}
			}
			for _, e := range node.OutEdges {
				if did, ok := parseNodeID(e.Destination); ok {
					job.Outputs = append(job.Outputs, did)
				}
			}
			g.AddJob(job)
			for _, in := range job.Inputs {
				for _, out := range job.Outputs {
					g.AddEdge(lineage.Edge{Source: in, Target: out, JobID: job.ID})
				}
			}
		}
	}
	return g, nil
}

// parseNodeID splits "dataset:namespace:name" into a DatasetID.
func parseNodeID(nodeID string) (lineage.DatasetID, bool) {
	parts := strings.SplitN(nodeID, ":", 3)
	if len(parts) != 3 || parts[0] != "dataset" {
		return lineage.DatasetID{}, false
	}
	return lineage.DatasetID{Platform: parts[1], Name: parts[2]}, true
}

// GetColumnLineage returns empty; column lineage is not declared by
// this provider.
func (p *Provider) GetColumnLineage(context.Context, lineage.DatasetID, string) ([]lineage.ColumnLineage, error) {
	return nil, nil
}

// GetProducingJob resolves the job whose outputs include the dataset.
func (p *Provider) GetProducingJob(ctx context.Context, id lineage.DatasetID) (*lineage.Job, error) {
	g, err := p.GetLineageGraph(ctx, id, 1, 0)
	if err != nil {
		return nil, err
	}
	for _, job := range g.Jobs {
		for _, out := range job.Outputs {
			if out.Key() == id.Key() {
				j := job
				return &j, nil
			}
		}
	}
	return nil, nil
}

// GetConsumingJobs resolves the jobs whose inputs include the dataset.
func (p *Provider) GetConsumingJobs(ctx context.Context, id lineage.DatasetID) ([]lineage.Job, error) {
	g, err := p.GetLineageGraph(ctx, id, 0, 1)
	if err != nil {
		return nil, err
	}
	var out []lineage.Job
	for _, job := range g.Jobs {
		for _, in := range job.Inputs {
			if in.Key() == id.Key() {
				out = append(out, job)
				break
			}
		}
	}
	return out, nil
}

// GetRecentRuns lists the latest runs of a job. The job id may be
// "namespace:job" or a bare name resolved against the configured
// namespace.
func (p *Provider) GetRecentRuns(ctx context.Context, jobID string, limit int) ([]lineage.JobRun, error) {
	namespace := p.namespace
	name := strings.TrimPrefix(jobID, "job:")
	if ns, rest, ok := strings.Cut(name, ":"); ok {
		namespace, name = ns, rest
	}
	if limit <= 0 {
		limit = defaultRunLimit
	}

	path := fmt.Sprintf("/namespaces/%s/jobs/%s/runs",
		url.PathEscape(namespace), url.PathEscape(name))
	body, err := p.get(ctx, path, url.Values{"limit": {strconv.Itoa(limit)}})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var payload struct {
		Runs []struct {
			ID         string     `json:"id"`
			State      string     `json:"state"`
			StartedAt  *time.Time `json:"startedAt"`
			EndedAt    *time.Time `json:"endedAt"`
			DurationMs int64      `json:"durationMs"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("marquez runs payload: %w", err)
	}

	runs := make([]lineage.JobRun, 0, len(payload.Runs))
	for _, r := range payload.Runs {
		runs = append(runs, lineage.JobRun{
			ID:              r.ID,
			JobID:           jobID,
			Status:          runStatus(r.State),
			StartedAt:       r.StartedAt,
			EndedAt:         r.EndedAt,
			DurationSeconds: float64(r.DurationMs) / 1000,
		})
	}
	return runs, nil
}

// runStatus maps Marquez run states into the closed run-status set.
func runStatus(state string) lineage.RunStatus {
	switch strings.ToUpper(state) {
	case "NEW", "RUNNING":
		return lineage.RunRunning
	case "COMPLETED":
		return lineage.RunSuccess
	case "FAILED":
		return lineage.RunFailed
	case "ABORTED":
		return lineage.RunCancelled
	default:
		return lineage.RunSkipped
	}
}

// SearchDatasets queries the Marquez search endpoint, dataset results
// only.
func (p *Provider) SearchDatasets(ctx context.Context, query string, limit int) ([]lineage.Dataset, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	body, err := p.get(ctx, "/search", url.Values{
		"q":      {query},
		"filter": {"DATASET"},
		"limit":  {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Results []struct {
			Namespace string     `json:"namespace"`
			Name      string     `json:"name"`
			UpdatedAt *time.Time `json:"updatedAt"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("marquez search payload: %w", err)
	}

	out := make([]lineage.Dataset, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, lineage.Dataset{
			ID:            lineage.DatasetID{Platform: r.Namespace, Name: r.Name},
			QualifiedName: r.Name,
			Platform:      r.Namespace,
			LastModified:  r.UpdatedAt,
		})
	}
	return out, nil
}

// ListDatasets lists the datasets of one namespace.
func (p *Provider) ListDatasets(ctx context.Context, filter lineage.ListFilter) ([]lineage.Dataset, error) {
	namespace := filter.Platform
	if namespace == "" {
		namespace = p.namespace
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	path := fmt.Sprintf("/namespaces/%s/datasets", url.PathEscape(namespace))
	body, err := p.get(ctx, path, url.Values{"limit": {strconv.Itoa(limit)}})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var payload struct {
		Datasets []marquezDataset `json:"datasets"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("marquez datasets payload: %w", err)
	}

	prefix := strings.ToLower(strings.TrimLeft(filter.Database+"."+filter.Schema, "."))
	prefix = strings.TrimRight(prefix, ".")
	var out []lineage.Dataset
	for _, d := range payload.Datasets {
		ds := d.toDataset()
		if prefix != "" && !strings.HasPrefix(strings.ToLower(ds.ID.Name), prefix) {
			continue
		}
		out = append(out, ds)
	}
	return out, nil
}

var errNotFound = errors.New("marquez: not found")

func (p *Provider) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := p.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("marquez request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marquez request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("marquez response read: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("marquez returned %s for %s", resp.Status, path)
	}
	return body, nil
}

// Definition describes the Marquez provider for the registry.
func Definition() lineage.ProviderTypeDefinition {
	return lineage.ProviderTypeDefinition{
		Type:        lineage.ProviderMarquez,
		DisplayName: "Marquez",
		Description: "Marquez / OpenLineage metadata service",
		Capabilities: lineage.Capabilities{
			Datasets: true,
			Jobs:     true,
			Runs:     true,
			Search:   true,
		},
		ConfigSchema: datasource.ConfigSchema{Groups: []datasource.FieldGroup{{
			Name: "connection",
			Fields: []datasource.ConfigField{
				{Name: "base_url", Kind: datasource.FieldString, Required: true},
				{Name: "namespace", Kind: datasource.FieldString},
				{Name: "api_key", Kind: datasource.FieldSecret},
			},
		}}},
	}
}

// Register adds the Marquez provider to a registry.
func Register(r *lineage.Registry) {
	r.MustRegister(Definition(), New)
}

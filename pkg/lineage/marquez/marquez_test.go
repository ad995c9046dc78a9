package marquez

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datasleuth/datasleuth/pkg/lineage"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/namespaces/postgres/datasets/public.orders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": {"namespace": "postgres", "name": "public.orders"},
			"type": "DB_TABLE",
			"physicalName": "db.public.orders",
			"tags": ["core"]
		}`))
	})
	mux.HandleFunc("GET /api/v1/lineage", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dataset:postgres:public.orders", r.URL.Query().Get("nodeId"))
		_, _ = w.Write([]byte(`{"graph": [
			{"id": "dataset:postgres:public.orders", "type": "DATASET",
			 "data": {"id": {"namespace": "postgres", "name": "public.orders"}}},
			{"id": "dataset:postgres:public.users", "type": "DATASET",
			 "data": {"id": {"namespace": "postgres", "name": "public.users"}}},
			{"id": "job:etl:load_orders", "type": "JOB",
			 "data": {"name": "load_orders"},
			 "inEdges": [{"origin": "dataset:postgres:public.users"}],
			 "outEdges": [{"destination": "dataset:postgres:public.orders"}]}
		]}`))
	})
	mux.HandleFunc("GET /api/v1/namespaces/etl/jobs/load_orders/runs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runs": [
			{"id": "r1", "state": "COMPLETED", "durationMs": 4500},
			{"id": "r2", "state": "FAILED"},
			{"id": "r3", "state": "ABORTED"}
		]}`))
	})
	mux.HandleFunc("GET /api/v1/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": [
			{"namespace": "postgres", "name": "public.orders"}
		]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	provider, err := New(map[string]any{"base_url": server.URL, "namespace": "postgres"})
	require.NoError(t, err)
	return provider.(*Provider)
}

var orders = lineage.DatasetID{Platform: "postgres", Name: "public.orders"}

func TestGetDataset(t *testing.T) {
	p := newTestProvider(t)

	d, err := p.GetDataset(context.Background(), orders)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "db.public.orders", d.QualifiedName)
	assert.Equal(t, lineage.DatasetTypeTable, d.DatasetType)
	assert.Equal(t, []string{"core"}, d.Tags)
}

func TestGetDatasetMissingIsNil(t *testing.T) {
	p := newTestProvider(t)

	d, err := p.GetDataset(context.Background(),
		lineage.DatasetID{Platform: "postgres", Name: "public.nope"})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestLineageGraphFoldsJobsIntoEdges(t *testing.T) {
	p := newTestProvider(t)

	g, err := p.GetLineageGraph(context.Background(), orders, 3, 3)
	require.NoError(t, err)

	assert.Len(t, g.Datasets, 2)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "public.users", g.Edges[0].Source.Name)
	assert.Equal(t, "public.orders", g.Edges[0].Target.Name)
	assert.Equal(t, "etl:load_orders", g.Edges[0].JobID)
	assert.Len(t, g.Jobs, 1)
}

func TestGetUpstreamWalksGraph(t *testing.T) {
	p := newTestProvider(t)

	up, err := p.GetUpstream(context.Background(), orders, 3)
	require.NoError(t, err)
	require.Len(t, up, 1)
	assert.Equal(t, "public.users", up[0].ID.Name)
}

func TestGetProducingJob(t *testing.T) {
	p := newTestProvider(t)

	job, err := p.GetProducingJob(context.Background(), orders)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "load_orders", job.Name)
}

func TestGetRecentRunsMapsStates(t *testing.T) {
	p := newTestProvider(t)

	runs, err := p.GetRecentRuns(context.Background(), "etl:load_orders", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, lineage.RunSuccess, runs[0].Status)
	assert.InDelta(t, 4.5, runs[0].DurationSeconds, 1e-9)
	assert.Equal(t, lineage.RunFailed, runs[1].Status)
	assert.Equal(t, lineage.RunCancelled, runs[2].Status)
}

func TestSearchDatasets(t *testing.T) {
	p := newTestProvider(t)

	found, err := p.SearchDatasets(context.Background(), "orders", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, orders, found[0].ID)
}

// Package service is the public surface of the investigation core:
// start an investigation, read its state, stream its events, cancel
// it. Start never blocks on adapters or models; the work runs on the
// worker pool and every observation goes through the store-backed
// event log.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datasleuth/datasleuth/pkg/breaker"
	"github.com/datasleuth/datasleuth/pkg/contextengine"
	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/lineage"
	"github.com/datasleuth/datasleuth/pkg/llm"
	"github.com/datasleuth/datasleuth/pkg/models"
	"github.com/datasleuth/datasleuth/pkg/orchestrator"
	"github.com/datasleuth/datasleuth/pkg/store"
	"github.com/datasleuth/datasleuth/pkg/worker"
)

// ConfigSource answers per-tenant budget questions. The at-most-one
// concurrent investigation per (tenant, dataset, date) policy is the
// caller's to enforce; the service runs whatever it is given.
type ConfigSource interface {
	OrchestratorConfig(tenantID string) orchestrator.Config
	BreakerConfig(tenantID string) breaker.Config
	LookbackDays(tenantID string) int
}

// AdapterResolver yields the tenant's connected data-source adapter.
type AdapterResolver interface {
	Adapter(ctx context.Context, tenantID string) (datasource.SQLAdapter, error)
}

// LineageResolver yields the tenant's lineage provider, possibly a
// composite. A nil provider with nil error means the tenant has none.
type LineageResolver interface {
	Lineage(ctx context.Context, tenantID string) (lineage.Provider, error)
}

// Deps wires a Service. Store, Pool, LLM, Configs, and Adapters are
// required; Judge and Lineage may be nil.
type Deps struct {
	Store    store.Store
	Pool     *worker.Pool
	LLM      llm.Client
	Judge    orchestrator.Scorer
	Configs  ConfigSource
	Adapters AdapterResolver
	Lineage  LineageResolver
	Logger   *slog.Logger
}

// Service runs investigations. Safe for concurrent use.
type Service struct {
	store    store.Store
	pool     *worker.Pool
	llm      llm.Client
	judge    orchestrator.Scorer
	configs  ConfigSource
	adapters AdapterResolver
	lineage  LineageResolver
	bus      *eventBus
	logger   *slog.Logger
}

// New validates the wiring and creates a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("service: store is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("service: worker pool is required")
	case deps.LLM == nil:
		return nil, fmt.Errorf("service: llm client is required")
	case deps.Configs == nil:
		return nil, fmt.Errorf("service: config source is required")
	case deps.Adapters == nil:
		return nil, fmt.Errorf("service: adapter resolver is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    deps.Store,
		pool:     deps.Pool,
		llm:      deps.LLM,
		judge:    deps.Judge,
		configs:  deps.Configs,
		adapters: deps.Adapters,
		lineage:  deps.Lineage,
		bus:      newEventBus(logger),
		logger:   logger,
	}, nil
}

// Start registers the investigation and queues it. It returns as soon
// as the work is accepted; progress is observable through State and
// Stream.
func (s *Service) Start(ctx context.Context, tenantID string, alert models.AnomalyAlert) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant id is required")
	}
	if err := alert.Validate(); err != nil {
		return "", fmt.Errorf("invalid alert: %w", err)
	}

	id := uuid.NewString()
	if err := s.store.CreateInvestigation(ctx, id, tenantID, alert); err != nil {
		return "", fmt.Errorf("registering investigation: %w", err)
	}

	job := worker.Job{
		InvestigationID: id,
		Run: func(runCtx context.Context) {
			s.run(runCtx, id, tenantID, alert)
		},
	}
	if err := s.pool.Submit(job); err != nil {
		s.failBeforeRun(ctx, id, tenantID, alert, fmt.Sprintf("queueing: %v", err))
		return "", fmt.Errorf("queueing investigation: %w", err)
	}

	s.logger.Info("investigation queued",
		"investigation_id", id,
		"tenant_id", tenantID,
		"dataset_id", alert.DatasetID,
		"anomaly_type", alert.AnomalyType)
	return id, nil
}

// State returns a snapshot reconstructed from the stored event log.
func (s *Service) State(ctx context.Context, investigationID string) (*models.InvestigationState, error) {
	return s.store.GetState(ctx, investigationID)
}

// Finding returns the terminal finding, or store.ErrNotFound while the
// investigation is still running.
func (s *Service) Finding(ctx context.Context, investigationID string) (*models.Finding, error) {
	return s.store.GetFinding(ctx, investigationID)
}

// Cancel requests cooperative cancellation of a running investigation.
// Returns true when the investigation was active on this instance.
func (s *Service) Cancel(investigationID string) bool {
	return s.pool.Cancel(investigationID)
}

// Stream returns the investigation's events with Sequence > lastSeq,
// in order, ending after a terminal event. Pass -1 for the whole log.
// The channel closes when the stream ends or ctx is cancelled; callers
// resume by passing the last sequence they saw.
func (s *Service) Stream(ctx context.Context, investigationID string, lastSeq int64) (<-chan models.Event, error) {
	if _, err := s.store.GetState(ctx, investigationID); err != nil {
		return nil, err
	}

	live, unsubscribe := s.bus.subscribe(investigationID)
	out := make(chan models.Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer unsubscribe()

		next, done := s.catchUp(ctx, out, investigationID, lastSeq)
		if done {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-live:
				if !ok {
					// topic closed: the terminal events are in the store
					s.catchUp(ctx, out, investigationID, next-1)
					return
				}
				if e.Sequence < next {
					continue // already delivered during catch-up
				}
				if e.Sequence > next {
					// dropped as a slow subscriber; refill from the store
					var done bool
					next, done = s.catchUp(ctx, out, investigationID, next-1)
					if done {
						return
					}
					continue
				}
				if !s.deliver(ctx, out, e) {
					return
				}
				next = e.Sequence + 1
				if e.Type.IsTerminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

// catchUp replays stored events after sinceSeq. It returns the next
// expected sequence and whether the stream is finished (terminal event
// delivered, context cancelled, or store unavailable).
func (s *Service) catchUp(ctx context.Context, out chan<- models.Event, investigationID string, sinceSeq int64) (int64, bool) {
	events, err := s.store.Events(ctx, investigationID, sinceSeq)
	if err != nil {
		s.logger.Error("event catch-up failed",
			"investigation_id", investigationID, "error", err)
		return sinceSeq + 1, true
	}
	next := sinceSeq + 1
	for _, e := range events {
		if !s.deliver(ctx, out, e) {
			return next, true
		}
		next = e.Sequence + 1
		if e.Type.IsTerminal() {
			return next, true
		}
	}
	return next, false
}

func (s *Service) deliver(ctx context.Context, out chan<- models.Event, e models.Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// run executes one investigation on a worker goroutine.
func (s *Service) run(ctx context.Context, id, tenantID string, alert models.AnomalyAlert) {
	defer s.bus.closeTopic(id)

	adapter, err := s.adapters.Adapter(ctx, tenantID)
	if err != nil {
		s.failBeforeRun(ctx, id, tenantID, alert, fmt.Sprintf("resolving data source: %v", err))
		return
	}

	var lineageProvider lineage.Provider
	if s.lineage != nil {
		lineageProvider, err = s.lineage.Lineage(ctx, tenantID)
		if err != nil {
			// lineage is enrichment, not a prerequisite
			s.logger.Warn("lineage resolution failed, investigating without lineage",
				"investigation_id", id, "tenant_id", tenantID, "error", err)
			lineageProvider = nil
		}
	}

	orchCfg := s.configs.OrchestratorConfig(tenantID)
	engineOpts := []contextengine.Option{
		contextengine.WithLookbackDays(s.configs.LookbackDays(tenantID)),
		contextengine.WithQueryTimeout(orchCfg.QueryTimeout),
	}
	if lineageProvider != nil {
		engineOpts = append(engineOpts, contextengine.WithLineage(lineageProvider))
	}
	engine := contextengine.New(adapter, s.logger, engineOpts...)

	orch := orchestrator.New(
		s.llm,
		s.judge,
		breaker.New(s.configs.BreakerConfig(tenantID)),
		engine,
		adapter,
		orchCfg,
		s.logger,
		orchestrator.WithEventSink(&persistingSink{store: s.store, bus: s.bus, logger: s.logger}),
	)

	state := models.InvestigationState{ID: id, TenantID: tenantID, Alert: alert}
	state, finding, err := orch.Run(ctx, state)
	if err != nil {
		s.logger.Error("investigation ended with error",
			"investigation_id", id, "tenant_id", tenantID,
			"status", state.Status(), "error", err)
	}
	if finding != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.store.SaveFinding(saveCtx, finding); err != nil {
			s.logger.Error("saving finding failed",
				"investigation_id", id, "error", err)
		}
	}
}

// failBeforeRun records a well-formed failed log for investigations
// that never reached the orchestrator.
func (s *Service) failBeforeRun(ctx context.Context, id, tenantID string, alert models.AnomalyAlert, reason string) {
	s.logger.Error("investigation failed before start",
		"investigation_id", id, "tenant_id", tenantID, "reason", reason)

	sink := &persistingSink{store: s.store, bus: s.bus, logger: s.logger}
	state := models.InvestigationState{ID: id, TenantID: tenantID, Alert: alert}
	ctx = context.WithoutCancel(ctx)
	for _, t := range []models.EventType{models.EventInvestigationStarted, models.EventInvestigationFailed} {
		var data map[string]any
		if t == models.EventInvestigationFailed {
			data = map[string]any{models.DataKeyReason: reason}
		}
		state = state.AppendEvent(models.Event{Type: t, Timestamp: time.Now(), Data: data})
		if err := sink.Publish(ctx, state.Events[len(state.Events)-1]); err != nil {
			s.logger.Error("recording failure event failed",
				"investigation_id", id, "error", err)
		}
	}
	s.bus.closeTopic(id)
}

// persistingSink appends each event to the store, then fans it out to
// live subscribers. The store is authoritative; the bus is best-effort.
type persistingSink struct {
	store  store.Store
	bus    *eventBus
	logger *slog.Logger
}

func (p *persistingSink) Publish(ctx context.Context, e models.Event) error {
	if err := p.store.AppendEvent(ctx, e); err != nil {
		// live observers still see the event; the stored log is short one
		p.bus.publish(e)
		return fmt.Errorf("persisting event: %w", err)
	}
	p.bus.publish(e)
	return nil
}

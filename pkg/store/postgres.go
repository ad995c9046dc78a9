package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/datasleuth/datasleuth/pkg/models"
)

// PostgresStore implements Store on the migrated schema. Alert, event
// payload, and finding bodies are stored as JSONB; sequence integrity
// is enforced transactionally against the newest stored sequence.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps a migrated connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateInvestigation(ctx context.Context, id, tenantID string, alert models.AnomalyAlert) error {
	alertJSON, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO investigations (id, tenant_id, alert) VALUES ($1, $2, $3)`,
		id, tenantID, alertJSON)
	if err != nil {
		return fmt.Errorf("create investigation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e models.Event) error {
	var dataJSON []byte
	if e.Data != nil {
		var err error
		dataJSON, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Locking clauses are not allowed with aggregates, so serialize
	// concurrent appends on the parent row and read MAX separately.
	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM investigations WHERE id = $1 FOR UPDATE`,
		e.InvestigationID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: investigation %s", ErrNotFound, e.InvestigationID)
	}
	if err != nil {
		return fmt.Errorf("lock investigation: %w", err)
	}

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM investigation_events
		 WHERE investigation_id = $1`,
		e.InvestigationID).Scan(&next)
	if err != nil {
		return fmt.Errorf("read newest sequence: %w", err)
	}
	if e.Sequence != next {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceConflict, e.Sequence, next)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO investigation_events (investigation_id, sequence, event_type, occurred_at, data)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.InvestigationID, e.Sequence, string(e.Type), e.Timestamp, dataJSON)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Events(ctx context.Context, investigationID string, sinceSeq int64) ([]models.Event, error) {
	if err := s.exists(ctx, investigationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, event_type, occurred_at, data FROM investigation_events
		 WHERE investigation_id = $1 AND sequence > $2 ORDER BY sequence`,
		investigationID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		e := models.Event{InvestigationID: investigationID}
		var eventType string
		var dataJSON []byte
		if err := rows.Scan(&e.Sequence, &eventType, &e.Timestamp, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = models.EventType(eventType)
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveFinding(ctx context.Context, f *models.Finding) error {
	findingJSON, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO findings (investigation_id, status, root_cause, confidence, finding)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (investigation_id) DO UPDATE
		 SET status = EXCLUDED.status, root_cause = EXCLUDED.root_cause,
		     confidence = EXCLUDED.confidence, finding = EXCLUDED.finding`,
		f.InvestigationID, string(f.Status), f.RootCause, f.Confidence, findingJSON)
	if err != nil {
		return fmt.Errorf("save finding: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFinding(ctx context.Context, investigationID string) (*models.Finding, error) {
	var findingJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT finding FROM findings WHERE investigation_id = $1`,
		investigationID).Scan(&findingJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query finding: %w", err)
	}
	var f models.Finding
	if err := json.Unmarshal(findingJSON, &f); err != nil {
		return nil, fmt.Errorf("unmarshal finding: %w", err)
	}
	return &f, nil
}

func (s *PostgresStore) GetState(ctx context.Context, investigationID string) (*models.InvestigationState, error) {
	var tenantID string
	var alertJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, alert FROM investigations WHERE id = $1`,
		investigationID).Scan(&tenantID, &alertJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query investigation: %w", err)
	}

	state := &models.InvestigationState{ID: investigationID, TenantID: tenantID}
	if err := json.Unmarshal(alertJSON, &state.Alert); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	events, err := s.Events(ctx, investigationID, -1)
	if err != nil {
		return nil, err
	}
	state.Events = events
	return state, nil
}

func (s *PostgresStore) exists(ctx context.Context, investigationID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM investigations WHERE id = $1`, investigationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

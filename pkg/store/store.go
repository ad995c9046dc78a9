// Package store persists investigations as an append-only event log
// plus a finding per investigation. Events are never updated or
// deleted; the only write operations are create and append.
package store

import (
	"context"
	"errors"

	"github.com/datasleuth/datasleuth/pkg/models"
)

// ErrNotFound is returned when the investigation does not exist.
var ErrNotFound = errors.New("investigation not found")

// ErrSequenceConflict is returned when an appended event's sequence is
// not exactly one past the newest stored event. The log admits no gaps
// and no rewrites.
var ErrSequenceConflict = errors.New("event sequence conflict")

// Store is the durable backing of investigations.
type Store interface {
	// CreateInvestigation registers a new investigation with its
	// immutable alert. The event log starts empty.
	CreateInvestigation(ctx context.Context, id, tenantID string, alert models.AnomalyAlert) error

	// AppendEvent appends one event. The event's Sequence must be
	// exactly one past the newest stored sequence (starting at 0).
	AppendEvent(ctx context.Context, e models.Event) error

	// Events returns events with Sequence > sinceSeq, in order. Pass -1
	// for the whole log.
	Events(ctx context.Context, investigationID string, sinceSeq int64) ([]models.Event, error)

	// SaveFinding stores the finding. At most one finding per
	// investigation; saving twice overwrites.
	SaveFinding(ctx context.Context, f *models.Finding) error

	// GetFinding returns the stored finding, or ErrNotFound.
	GetFinding(ctx context.Context, investigationID string) (*models.Finding, error)

	// GetState reconstructs the investigation state from the stored
	// alert and event log.
	GetState(ctx context.Context, investigationID string) (*models.InvestigationState, error)
}

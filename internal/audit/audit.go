// Package audit defines the structured events the engine emits for the
// compliance collaborator, plus the persistence-backed default emitter.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome classifies how the audited operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Event is one structured audit record.
type Event struct {
	At            time.Time
	TenantID      string
	UserID        string
	Action        string
	Resource      string
	ResourceID    string
	Outcome       Outcome
	CorrelationID string
	Detail        map[string]any
}

// Emitter receives audit events. Implementations must tolerate being called
// from concurrent resolution paths.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type correlationKey struct{}

// WithCorrelation stores a correlation id in the context so a chain of
// checks within one user action can be tied together downstream.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFromContext returns the correlation id, generating one when the
// request carried none.
func CorrelationFromContext(ctx context.Context) string {
	if id, _ := ctx.Value(correlationKey{}).(string); id != "" {
		return id
	}
	return uuid.NewString()
}

// Recorder persists events into audit_events.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRecorder returns a Recorder writing through the given pool.
func NewRecorder(pool *pgxpool.Pool, logger *slog.Logger) *Recorder {
	return &Recorder{pool: pool, logger: logger}
}

// Emit writes the event. Audit failures are logged, never propagated into
// the authorization decision itself.
func (r *Recorder) Emit(ctx context.Context, ev Event) {
	if err := r.record(ctx, ev); err != nil && r.logger != nil {
		r.logger.Error("audit emit", slog.Any("error", err), slog.String("action", ev.Action))
	}
}

func (r *Recorder) record(ctx context.Context, ev Event) error {
	if r == nil || r.pool == nil {
		return errors.New("audit: recorder not initialised")
	}
	if ev.Action == "" || ev.TenantID == "" {
		return errors.New("audit: event requires action and tenant_id")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = CorrelationFromContext(ctx)
	}
	detailJSON, err := json.Marshal(ev.Detail)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_events (tenant_id, user_id, action, resource, resource_id, outcome, correlation_id, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.TenantID, ev.UserID, ev.Action, ev.Resource, ev.ResourceID, string(ev.Outcome), ev.CorrelationID, detailJSON, ev.At)
	return err
}

// Noop discards events. Used in tests and when auditing is disabled.
type Noop struct{}

// Emit implements Emitter.
func (Noop) Emit(context.Context, Event) {}

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Record kinds.
const (
	KindActionDecision = "action_decision"
	KindGateEvaluation = "gate_evaluation"
	KindContextCompile = "context_compile"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends audit records. The table is append-only; there is no update
// or delete path.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	RecordID  string
	Kind      string
	ProjectID string
	ActorID   string
	Outcome   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	actorHash := ""
	if rec.ActorID != "" {
		actorHash = hashString(rec.ActorID, w.HashSalt)
	}
	if w.Redact {
		rec.Payload = redactPayload(rec.Kind, rec.Payload, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(record_id, kind, project_id, actor_id_hash, outcome, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.RecordID, rec.Kind, rec.ProjectID, actorHash, rec.Outcome, rec.Payload, rec.CreatedAt)
	return err
}

// Get returns one audit record by id. The actor hash comes back in ActorID;
// the original actor id is never stored.
func (w *Writer) Get(ctx context.Context, recordID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT record_id, kind, project_id, actor_id_hash, outcome, payload, created_at
		FROM audit_records WHERE record_id = $1
	`, recordID)
	err := row.Scan(&rec.RecordID, &rec.Kind, &rec.ProjectID, &rec.ActorID, &rec.Outcome, &rec.Payload, &rec.CreatedAt)
	return rec, err
}

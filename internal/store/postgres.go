package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"takeoff-converter/internal/saga"
	"takeoff-converter/internal/takeoff"
)

// Store wraps pgxpool for saga, metadata and audit persistence.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ saga.Store   = (*Store)(nil)
	_ saga.Auditor = (*Store)(nil)
)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sagaColumns = `correlation_id, job_id, job_model_id, model_id, version_id, customer_id, space_id, folder_id,
	notification_channel_id, initiated_by, state, received_at, completed_at, last_error, download_url, file_id,
	schema_version, version`

func scanJob(row pgx.Row) (*saga.Job, error) {
	var (
		job                  saga.Job
		state                string
		lastErr, url, fileID pgtype.Text
		completedAt          pgtype.Timestamptz
	)
	if err := row.Scan(&job.CorrelationID, &job.JobID, &job.JobModelID, &job.ModelID, &job.VersionID, &job.CustomerID,
		&job.SpaceID, &job.FolderID, &job.NotificationChannelID, &job.InitiatedBy, &state, &job.ReceivedAt,
		&completedAt, &lastErr, &url, &fileID, &job.SchemaVersion, &job.Version); err != nil {
		return nil, err
	}
	job.State = saga.State(state)
	job.ReceivedAt = job.ReceivedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.LastError = lastErr.String
	job.DownloadURL = url.String
	job.FileID = fileID.String
	return &job, nil
}

func getJob(ctx context.Context, q querier, correlationID string, forUpdate bool) (*saga.Job, error) {
	sql := `SELECT ` + sagaColumns + ` FROM conversion_sagas WHERE correlation_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	job, err := scanJob(q.QueryRow(ctx, sql, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga: %w", err)
	}
	return job, nil
}

// Get fetches a saga instance by correlation id.
func (s *Store) Get(ctx context.Context, correlationID string) (*saga.Job, error) {
	return getJob(ctx, s.pool, correlationID, false)
}

// Update applies fn to the locked row inside a transaction. A concurrent insert
// of the same correlation id is retried once.
func (s *Store) Update(ctx context.Context, correlationID string, fn func(cur *saga.Job) (*saga.Job, error)) (*saga.Job, error) {
	job, err := s.update(ctx, correlationID, fn)
	if errors.Is(err, saga.ErrConflict) {
		job, err = s.update(ctx, correlationID, fn)
	}
	return job, err
}

func (s *Store) update(ctx context.Context, correlationID string, fn func(cur *saga.Job) (*saga.Job, error)) (*saga.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	cur, err := getJob(ctx, tx, correlationID, true)
	if errors.Is(err, saga.ErrNotFound) {
		cur, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	next, err := fn(cur)
	if err != nil || next == nil {
		return cur, err
	}

	if cur == nil {
		err = insertJob(ctx, tx, next)
	} else {
		err = updateJob(ctx, tx, cur.Version, next)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	stored := *next
	if cur == nil {
		stored.Version = 1
	} else {
		stored.Version = cur.Version + 1
	}
	return &stored, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, j *saga.Job) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO conversion_sagas (`+sagaColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, NOW())
		ON CONFLICT (correlation_id) DO NOTHING
	`, j.CorrelationID, j.JobID, j.JobModelID, j.ModelID, j.VersionID, j.CustomerID, j.SpaceID, j.FolderID,
		j.NotificationChannelID, j.InitiatedBy, string(j.State), j.ReceivedAt, j.CompletedAt,
		emptyToNil(j.LastError), emptyToNil(j.DownloadURL), emptyToNil(j.FileID), j.SchemaVersion)
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return saga.ErrConflict
	}
	return nil
}

func updateJob(ctx context.Context, tx pgx.Tx, version int64, j *saga.Job) error {
	tag, err := tx.Exec(ctx, `
		UPDATE conversion_sagas
		SET state = $2, completed_at = $3, last_error = $4, download_url = $5, file_id = $6,
		    version = version + 1, updated_at = NOW()
		WHERE correlation_id = $1 AND version = $7
	`, j.CorrelationID, string(j.State), j.CompletedAt, emptyToNil(j.LastError), emptyToNil(j.DownloadURL),
		emptyToNil(j.FileID), version)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return saga.ErrConflict
	}
	return nil
}

// UpsertMetadata records the latest takeoff file and property schema for a
// model. It reports false when the model belongs to another customer.
func (s *Store) UpsertMetadata(ctx context.Context, modelID, customerID, fileID string, defs []takeoff.PropertyDefinition) (bool, error) {
	if defs == nil {
		defs = []takeoff.PropertyDefinition{}
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		return false, fmt.Errorf("marshal property definitions: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO model_metadata (model_id, customer_id, file_id, property_definitions, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (model_id) DO UPDATE
		SET file_id = EXCLUDED.file_id, property_definitions = EXCLUDED.property_definitions, updated_at = NOW()
		WHERE model_metadata.customer_id = EXCLUDED.customer_id
	`, modelID, customerID, fileID, raw)
	if err != nil {
		return false, fmt.Errorf("upsert model metadata: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Metadata is the stored takeoff record of a model.
type Metadata struct {
	ModelID             string                       `json:"modelId"`
	CustomerID          string                       `json:"customerId"`
	FileID              string                       `json:"fileId"`
	PropertyDefinitions []takeoff.PropertyDefinition `json:"propertyDefinitions"`
	UpdatedAt           time.Time                    `json:"updatedAt"`
}

// GetMetadata fetches the takeoff record of a model.
func (s *Store) GetMetadata(ctx context.Context, modelID string) (Metadata, error) {
	var (
		m   Metadata
		raw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT model_id, customer_id, file_id, property_definitions, updated_at
		FROM model_metadata WHERE model_id = $1
	`, modelID).Scan(&m.ModelID, &m.CustomerID, &m.FileID, &raw, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Metadata{}, fmt.Errorf("model metadata %s: %w", modelID, ErrNotFound)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("scan model metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &m.PropertyDefinitions); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal property definitions: %w", err)
	}
	return m, nil
}

// ErrNotFound is returned for missing metadata rows.
var ErrNotFound = errors.New("not found")

// AuditEntry is one handled saga event.
type AuditEntry struct {
	Event    string    `json:"event"`
	Outcome  string    `json:"outcome"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recordedAt"`
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, correlationID, event string, outcome saga.Outcome, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO saga_audit_logs (correlation_id, event, outcome, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, correlationID, event, string(outcome), detail)
	return err
}

// AuditTrail lists the audit rows of a saga, oldest first.
func (s *Store) AuditTrail(ctx context.Context, correlationID string) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event, outcome, detail, ts FROM saga_audit_logs
		WHERE correlation_id = $1 ORDER BY id
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Event, &e.Outcome, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

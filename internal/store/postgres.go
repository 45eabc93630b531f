package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/stonebridge-group/diligence-cli/internal/db"
	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"insert_run":           `INSERT INTO runs (id, document_ids, status, created_at) VALUES ($1, $2, $3, $4)`,
	"update_run_status":    `UPDATE runs SET status = $1 WHERE id = $2`,
	"get_run":              `SELECT id, document_ids, status, error, stats, created_at, completed_at FROM runs WHERE id = $1`,
	"get_document":         `SELECT id, name, raw_text, created_at FROM documents WHERE id = $1`,
	"insert_clarification": `INSERT INTO clarifications (id, run_id, document, facility, field_path, kind, priority, status, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"get_clarification":    `SELECT payload FROM clarifications WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	raw_text   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_ids JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	error        TEXT,
	stats        JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS facilities (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	document   TEXT NOT NULL,
	name       TEXT NOT NULL,
	state      TEXT,
	bed_count  INTEGER,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, document, name)
);

CREATE TABLE IF NOT EXISTS line_items (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	document   TEXT NOT NULL,
	facility   TEXT NOT NULL,
	category   TEXT NOT NULL,
	subcategory TEXT,
	label      TEXT NOT NULL,
	period     TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	provenance TEXT NOT NULL DEFAULT 'extracted'
);

CREATE TABLE IF NOT EXISTS census_periods (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	document   TEXT NOT NULL,
	facility   TEXT NOT NULL,
	field      TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	provenance TEXT NOT NULL DEFAULT 'extracted'
);

CREATE TABLE IF NOT EXISTS payer_rates (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES runs(id),
	document       TEXT NOT NULL,
	facility       TEXT NOT NULL,
	payer          TEXT NOT NULL,
	per_diem       DOUBLE PRECISION NOT NULL,
	effective_date TEXT,
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	provenance     TEXT NOT NULL DEFAULT 'extracted'
);

CREATE TABLE IF NOT EXISTS clarifications (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	document   TEXT NOT NULL,
	facility   TEXT NOT NULL,
	field_path TEXT NOT NULL,
	kind       TEXT NOT NULL,
	priority   DOUBLE PRECISION NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_facilities_run_id ON facilities(run_id);
CREATE INDEX IF NOT EXISTS idx_line_items_run_id ON line_items(run_id);
CREATE INDEX IF NOT EXISTS idx_line_items_facility ON line_items(run_id, facility);
CREATE INDEX IF NOT EXISTS idx_census_periods_facility ON census_periods(run_id, facility);
CREATE INDEX IF NOT EXISTS idx_payer_rates_facility ON payer_rates(run_id, facility);
CREATE INDEX IF NOT EXISTS idx_clarifications_run_id ON clarifications(run_id);
CREATE INDEX IF NOT EXISTS idx_clarifications_status ON clarifications(run_id, status);
CREATE INDEX IF NOT EXISTS idx_clarifications_field ON clarifications(run_id, facility, field_path);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, name, raw_text, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = $2, raw_text = $3`,
		doc.ID, doc.Name, doc.RawText, doc.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save document %s", doc.Name)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, raw_text, created_at FROM documents WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.Name, &d.RawText, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	return &d, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, raw_text, created_at FROM documents ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.Name, &d.RawText, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) CreateRun(ctx context.Context, documentIDs []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	idsJSON, err := json.Marshal(documentIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal document ids")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, document_ids, status, created_at) VALUES ($1, $2, $3, $4)`,
		id, idsJSON, string(model.RunPending), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:          id,
		DocumentIDs: documentIDs,
		Status:      model.RunPending,
		CreatedAt:   now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1 WHERE id = $2`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, stats = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), statsJSON, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var idsJSON []byte
	var errText *string
	var statsJSON *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, document_ids, status, error, stats, created_at, completed_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &idsJSON, &r.Status, &errText, &statsJSON, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if err := json.Unmarshal(idsJSON, &r.DocumentIDs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal document ids")
	}
	if errText != nil {
		r.Error = *errText
	}
	if statsJSON != nil && len(*statsJSON) > 0 {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal(*statsJSON, r.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stats")
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, document_ids, status, error, stats, created_at, completed_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var idsJSON []byte
		var errText *string
		var statsJSON *[]byte

		if err := rows.Scan(&r.ID, &idsJSON, &r.Status, &errText, &statsJSON, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if err := json.Unmarshal(idsJSON, &r.DocumentIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal document ids")
		}
		if errText != nil {
			r.Error = *errText
		}
		if statsJSON != nil && len(*statsJSON) > 0 {
			r.Stats = &model.RunStats{}
			if err := json.Unmarshal(*statsJSON, r.Stats); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stats")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Column orders for bulk facility persistence.
var (
	facilityColumns = []string{
		"id", "run_id", "document", "name", "state", "bed_count", "confidence", "payload", "created_at",
	}
	lineItemColumns = []string{
		"id", "run_id", "document", "facility", "category", "subcategory", "label", "period", "value", "confidence", "provenance",
	}
	censusPeriodColumns = []string{
		"id", "run_id", "document", "facility", "field", "value", "confidence", "provenance",
	}
	payerRateColumns = []string{
		"id", "run_id", "document", "facility", "payer", "per_diem", "effective_date", "confidence", "provenance",
	}
)

func (s *PostgresStore) SaveFacilities(ctx context.Context, runID, document string, facilities []model.Facility) error {
	now := time.Now().UTC()

	var facRows, liRows, cenRows, rateRows [][]any
	for i := range facilities {
		f := &facilities[i]

		payload, err := json.Marshal(f)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal facility %s", f.Name)
		}

		facRows = append(facRows, []any{
			uuid.New().String(), runID, document, f.Name, f.State, f.BedCount, f.Confidence, payload, now,
		})
		liRows = append(liRows, lineItemRows(runID, document, f, "")...)
		cenRows = append(cenRows, censusRows(runID, document, f, "")...)
		rateRows = append(rateRows, payerRateRows(runID, document, f, "")...)
	}

	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "facilities",
		Columns:      facilityColumns,
		ConflictKeys: []string{"run_id", "document", "name"},
		UpdateCols:   []string{"state", "bed_count", "confidence", "payload"},
	}, facRows); err != nil {
		return eris.Wrapf(err, "postgres: upsert facilities for run %s", runID)
	}

	// Replace this document's normalized rows wholesale; re-running a save
	// after a merge update must not leave stale rows behind.
	for _, t := range []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"line_items", lineItemColumns, liRows},
		{"census_periods", censusPeriodColumns, cenRows},
		{"payer_rates", payerRateColumns, rateRows},
	} {
		if _, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1 AND document = $2`, t.table),
			runID, document,
		); err != nil {
			return eris.Wrapf(err, "postgres: clear %s", t.table)
		}
		if _, err := db.CopyFrom(ctx, s.pool, t.table, t.columns, t.rows); err != nil {
			return eris.Wrapf(err, "postgres: copy %s for run %s", t.table, runID)
		}
	}
	return nil
}

func (s *PostgresStore) GetFacilities(ctx context.Context, runID string) ([]model.Facility, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM facilities WHERE run_id = $1 ORDER BY name`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get facilities")
	}
	defer rows.Close()

	var facilities []model.Facility
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan facility")
		}
		var f model.Facility
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal facility")
		}
		facilities = append(facilities, f)
	}
	return facilities, eris.Wrap(rows.Err(), "postgres: get facilities iterate")
}

func (s *PostgresStore) SaveClarifications(ctx context.Context, requests []model.ClarificationRequest) error {
	for i := range requests {
		req := &requests[i]
		payload, err := json.Marshal(req)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal clarification")
		}

		_, err = s.pool.Exec(ctx,
			`INSERT INTO clarifications (id, run_id, document, facility, field_path, kind, priority, status, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET status = $8, payload = $9`,
			req.ID, req.RunID, req.Document, req.Facility, req.FieldPath,
			string(req.Kind), req.Priority, string(req.Status), payload, req.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save clarification %s", req.ID)
		}
	}
	return nil
}

func (s *PostgresStore) GetClarification(ctx context.Context, id string) (*model.ClarificationRequest, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM clarifications WHERE id = $1`,
		id,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get clarification %s", id)
	}

	var req model.ClarificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal clarification")
	}
	return &req, nil
}

func (s *PostgresStore) ListClarifications(ctx context.Context, runID string, status model.ClarificationStatus) ([]model.ClarificationRequest, error) {
	query := `SELECT payload FROM clarifications WHERE run_id = $1`
	args := []any{runID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clarifications")
	}
	defer rows.Close()

	var requests []model.ClarificationRequest
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan clarification")
		}
		var req model.ClarificationRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal clarification")
		}
		requests = append(requests, req)
	}
	return requests, eris.Wrap(rows.Err(), "postgres: list clarifications iterate")
}

func (s *PostgresStore) UpdateClarification(ctx context.Context, req *model.ClarificationRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal clarification")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE clarifications SET status = $1, payload = $2 WHERE id = $3`,
		string(req.Status), payload, req.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update clarification %s", req.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("clarification not found: %s", req.ID)
	}
	return nil
}

func (s *PostgresStore) SupersedePending(ctx context.Context, facility, fieldPath, excludeRunID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clarifications SET status = $1, payload = jsonb_set(payload, '{status}', to_jsonb($1::text))
		 WHERE facility = $2 AND ($3 = '' OR field_path = $3) AND run_id <> $4 AND status = $5`,
		string(model.ClarificationSuperseded), facility, fieldPath, excludeRunID, string(model.ClarificationPending),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: supersede pending")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ApplyResolution(ctx context.Context, req *model.ClarificationRequest) error {
	var id, document string
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, document, payload FROM facilities WHERE run_id = $1 AND name = $2`,
		req.RunID, req.Facility,
	).Scan(&id, &document, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return eris.Wrapf(err, "postgres: load facility %s", req.Facility)
	}

	var f model.Facility
	if err := json.Unmarshal(payload, &f); err != nil {
		return eris.Wrap(err, "postgres: unmarshal facility")
	}

	changed, err := applyFieldValue(&f, req.FieldPath, req.ResolvedValue)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	updated, err := json.Marshal(&f)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal facility %s", f.Name)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE facilities SET state = $1, bed_count = $2, confidence = $3, payload = $4 WHERE id = $5`,
		f.State, f.BedCount, f.Confidence, updated, id,
	); err != nil {
		return eris.Wrapf(err, "postgres: update facility %s", f.Name)
	}

	// Refresh just this facility's normalized rows, marking the resolved one.
	for _, t := range []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"line_items", lineItemColumns, lineItemRows(req.RunID, document, &f, req.FieldPath)},
		{"census_periods", censusPeriodColumns, censusRows(req.RunID, document, &f, req.FieldPath)},
		{"payer_rates", payerRateColumns, payerRateRows(req.RunID, document, &f, req.FieldPath)},
	} {
		if _, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1 AND facility = $2`, t.table),
			req.RunID, f.Name,
		); err != nil {
			return eris.Wrapf(err, "postgres: clear %s", t.table)
		}
		if _, err := db.CopyFrom(ctx, s.pool, t.table, t.columns, t.rows); err != nil {
			return eris.Wrapf(err, "postgres: copy %s", t.table)
		}
	}
	return nil
}

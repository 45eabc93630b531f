package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for single-analyst local use; postgres is for shared deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	raw_text   TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	document_ids TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	error        TEXT,
	stats        TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS facilities (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	document   TEXT NOT NULL,
	name       TEXT NOT NULL,
	state      TEXT,
	bed_count  INTEGER,
	confidence REAL NOT NULL DEFAULT 0,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, document, name)
);

CREATE TABLE IF NOT EXISTS line_items (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	document    TEXT NOT NULL,
	facility    TEXT NOT NULL,
	category    TEXT NOT NULL,
	subcategory TEXT,
	label       TEXT NOT NULL,
	period      TEXT NOT NULL,
	value       REAL NOT NULL,
	confidence  REAL NOT NULL DEFAULT 0,
	provenance  TEXT NOT NULL DEFAULT 'extracted'
);

CREATE TABLE IF NOT EXISTS census_periods (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	document   TEXT NOT NULL,
	facility   TEXT NOT NULL,
	field      TEXT NOT NULL,
	value      REAL NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	provenance TEXT NOT NULL DEFAULT 'extracted'
);

CREATE TABLE IF NOT EXISTS payer_rates (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES runs(id),
	document       TEXT NOT NULL,
	facility       TEXT NOT NULL,
	payer          TEXT NOT NULL,
	per_diem       REAL NOT NULL,
	effective_date TEXT,
	confidence     REAL NOT NULL DEFAULT 0,
	provenance     TEXT NOT NULL DEFAULT 'extracted'
);

CREATE TABLE IF NOT EXISTS clarifications (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	document   TEXT NOT NULL,
	facility   TEXT NOT NULL,
	field_path TEXT NOT NULL,
	kind       TEXT NOT NULL,
	priority   REAL NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_facilities_run_id ON facilities(run_id);
CREATE INDEX IF NOT EXISTS idx_line_items_run_id ON line_items(run_id);
CREATE INDEX IF NOT EXISTS idx_census_periods_facility ON census_periods(run_id, facility);
CREATE INDEX IF NOT EXISTS idx_payer_rates_facility ON payer_rates(run_id, facility);
CREATE INDEX IF NOT EXISTS idx_clarifications_run_id ON clarifications(run_id);
CREATE INDEX IF NOT EXISTS idx_clarifications_status ON clarifications(run_id, status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, name, raw_text, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, raw_text = excluded.raw_text`,
		doc.ID, doc.Name, doc.RawText, doc.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: save document %s", doc.Name)
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, raw_text, created_at FROM documents WHERE id = ?`,
		id,
	).Scan(&d.ID, &d.Name, &d.RawText, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	return &d, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, raw_text, created_at FROM documents ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.Name, &d.RawText, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, documentIDs []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	idsJSON, err := json.Marshal(documentIDs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal document ids")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, document_ids, status, created_at) VALUES (?, ?, ?, ?)`,
		id, string(idsJSON), string(model.RunPending), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:          id,
		DocumentIDs: documentIDs,
		Status:      model.RunPending,
		CreatedAt:   now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ?`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stats = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), string(statsJSON), runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var idsJSON string
	var errText, statsJSON sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, document_ids, status, error, stats, created_at, completed_at FROM runs WHERE id = ?`,
		runID,
	).Scan(&r.ID, &idsJSON, &r.Status, &errText, &statsJSON, &r.CreatedAt, &completedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	if err := json.Unmarshal([]byte(idsJSON), &r.DocumentIDs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal document ids")
	}
	if errText.Valid {
		r.Error = errText.String
	}
	if statsJSON.Valid && statsJSON.String != "" && statsJSON.String != "null" {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal([]byte(statsJSON.String), r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stats")
		}
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, document_ids, status, error, stats, created_at, completed_at FROM runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var idsJSON string
		var errText, statsJSON sql.NullString
		var completedAt sql.NullTime

		if err := rows.Scan(&r.ID, &idsJSON, &r.Status, &errText, &statsJSON, &r.CreatedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if err := json.Unmarshal([]byte(idsJSON), &r.DocumentIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal document ids")
		}
		if errText.Valid {
			r.Error = errText.String
		}
		if statsJSON.Valid && statsJSON.String != "" && statsJSON.String != "null" {
			r.Stats = &model.RunStats{}
			if err := json.Unmarshal([]byte(statsJSON.String), r.Stats); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stats")
			}
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveFacilities(ctx context.Context, runID, document string, facilities []model.Facility) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	for _, table := range []string{"line_items", "census_periods", "payer_rates"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE run_id = ? AND document = ?`,
			runID, document,
		); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s", table)
		}
	}

	for i := range facilities {
		f := &facilities[i]

		payload, err := json.Marshal(f)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal facility %s", f.Name)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facilities (id, run_id, document, name, state, bed_count, confidence, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, document, name) DO UPDATE SET
			   state = excluded.state, bed_count = excluded.bed_count,
			   confidence = excluded.confidence, payload = excluded.payload`,
			uuid.New().String(), runID, document, f.Name, f.State, f.BedCount, f.Confidence, string(payload), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert facility %s", f.Name)
		}

		if err := insertNormalizedRows(ctx, tx, runID, document, f, ""); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit facilities")
}

// insertNormalizedRows writes a facility's line-item, census, and payer-rate
// rows inside a transaction.
func insertNormalizedRows(ctx context.Context, tx *sql.Tx, runID, document string, f *model.Facility, resolvedPath string) error {
	for _, row := range lineItemRows(runID, document, f, resolvedPath) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO line_items (id, run_id, document, facility, category, subcategory, label, period, value, confidence, provenance)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row...,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert line item for %s", f.Name)
		}
	}
	for _, row := range censusRows(runID, document, f, resolvedPath) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO census_periods (id, run_id, document, facility, field, value, confidence, provenance)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row...,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert census row for %s", f.Name)
		}
	}
	for _, row := range payerRateRows(runID, document, f, resolvedPath) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payer_rates (id, run_id, document, facility, payer, per_diem, effective_date, confidence, provenance)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row...,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert payer rate for %s", f.Name)
		}
	}
	return nil
}

func (s *SQLiteStore) GetFacilities(ctx context.Context, runID string) ([]model.Facility, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM facilities WHERE run_id = ? ORDER BY name`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get facilities")
	}
	defer rows.Close()

	var facilities []model.Facility
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan facility")
		}
		var f model.Facility
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal facility")
		}
		facilities = append(facilities, f)
	}
	return facilities, eris.Wrap(rows.Err(), "sqlite: get facilities iterate")
}

func (s *SQLiteStore) SaveClarifications(ctx context.Context, requests []model.ClarificationRequest) error {
	for i := range requests {
		req := &requests[i]
		payload, err := json.Marshal(req)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal clarification")
		}

		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO clarifications (id, run_id, document, facility, field_path, kind, priority, status, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
			req.ID, req.RunID, req.Document, req.Facility, req.FieldPath,
			string(req.Kind), req.Priority, string(req.Status), string(payload), req.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save clarification %s", req.ID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetClarification(ctx context.Context, id string) (*model.ClarificationRequest, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM clarifications WHERE id = ?`,
		id,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get clarification %s", id)
	}

	var req model.ClarificationRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal clarification")
	}
	return &req, nil
}

func (s *SQLiteStore) ListClarifications(ctx context.Context, runID string, status model.ClarificationStatus) ([]model.ClarificationRequest, error) {
	query := `SELECT payload FROM clarifications WHERE run_id = ?`
	args := []any{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clarifications")
	}
	defer rows.Close()

	var requests []model.ClarificationRequest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan clarification")
		}
		var req model.ClarificationRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal clarification")
		}
		requests = append(requests, req)
	}
	return requests, eris.Wrap(rows.Err(), "sqlite: list clarifications iterate")
}

func (s *SQLiteStore) UpdateClarification(ctx context.Context, req *model.ClarificationRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal clarification")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE clarifications SET status = ?, payload = ? WHERE id = ?`,
		string(req.Status), string(payload), req.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update clarification %s", req.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("clarification not found: %s", req.ID)
	}
	return nil
}

func (s *SQLiteStore) SupersedePending(ctx context.Context, facility, fieldPath, excludeRunID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clarifications
		 SET status = ?, payload = json_set(payload, '$.status', ?)
		 WHERE facility = ? AND (? = '' OR field_path = ?) AND run_id <> ? AND status = ?`,
		string(model.ClarificationSuperseded), string(model.ClarificationSuperseded),
		facility, fieldPath, fieldPath, excludeRunID, string(model.ClarificationPending),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: supersede pending")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ApplyResolution(ctx context.Context, req *model.ClarificationRequest) error {
	var id, document, payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, document, payload FROM facilities WHERE run_id = ? AND name = ?`,
		req.RunID, req.Facility,
	).Scan(&id, &document, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return eris.Wrapf(err, "sqlite: load facility %s", req.Facility)
	}

	var f model.Facility
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal facility")
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
		return eris.Wrapf(err, "sqlite: marshal facility %s", f.Name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE facilities SET state = ?, bed_count = ?, confidence = ?, payload = ? WHERE id = ?`,
		f.State, f.BedCount, f.Confidence, string(updated), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update facility %s", f.Name)
	}

	// Refresh just this facility's normalized rows, marking the resolved one.
	for _, table := range []string{"line_items", "census_periods", "payer_rates"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE run_id = ? AND facility = ?`,
			req.RunID, f.Name,
		); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s", table)
		}
	}
	if err := insertNormalizedRows(ctx, tx, req.RunID, document, &f, req.FieldPath); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit resolution")
}

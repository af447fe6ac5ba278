package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
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
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS captures (
	id         TEXT PRIMARY KEY,
	image_ref  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	reason     TEXT NOT NULL DEFAULT '',
	value_tier TEXT NOT NULL DEFAULT 'common',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extraction_results (
	id            TEXT PRIMARY KEY,
	capture_id    TEXT NOT NULL REFERENCES captures(id),
	card_title    TEXT NOT NULL,
	set_name      TEXT NOT NULL,
	identifier    TEXT NOT NULL,
	confidence    REAL NOT NULL,
	lane          TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 1,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	model_version TEXT NOT NULL,
	input_hash    TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS decisions (
	id                   TEXT PRIMARY KEY,
	capture_id           TEXT NOT NULL REFERENCES captures(id),
	outcome              TEXT NOT NULL,
	reason               TEXT NOT NULL DEFAULT '',
	raw_confidence       REAL NOT NULL,
	effective_confidence REAL NOT NULL,
	value_tier           TEXT NOT NULL,
	match_tier           TEXT NOT NULL,
	card_id              TEXT NOT NULL DEFAULT '',
	lane                 TEXT NOT NULL,
	approval_id          TEXT NOT NULL DEFAULT '',
	model_version        TEXT NOT NULL,
	resolver_version     TEXT NOT NULL,
	input_hash           TEXT NOT NULL,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	capture_id TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_cards (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	set_name     TEXT NOT NULL,
	number       TEXT NOT NULL,
	promo_code   TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	display_set  TEXT NOT NULL DEFAULT '',
	set_aliases  TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status);
CREATE INDEX IF NOT EXISTS idx_extractions_capture ON extraction_results(capture_id);
CREATE INDEX IF NOT EXISTS idx_decisions_capture ON decisions(capture_id);
CREATE INDEX IF NOT EXISTS idx_audit_capture ON audit_events(capture_id);
CREATE INDEX IF NOT EXISTS idx_catalog_triplet ON catalog_cards(name, set_name, number);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCapture(ctx context.Context, imageRef string, tier model.ValueTier) (*model.Capture, error) {
	if tier == "" {
		tier = model.ValueTierCommon
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captures (id, image_ref, status, reason, value_tier, created_at, updated_at) VALUES (?, ?, ?, '', ?, ?, ?)`,
		id, imageRef, string(model.CaptureStatusPending), string(tier), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert capture")
	}

	return &model.Capture{
		ID:        id,
		ImageRef:  imageRef,
		Status:    model.CaptureStatusPending,
		ValueTier: tier,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetCapture(ctx context.Context, id string) (*model.Capture, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, image_ref, status, reason, value_tier, created_at, updated_at FROM captures WHERE id = ?`,
		id,
	)
	return scanCapture(row)
}

func (s *SQLiteStore) ListCaptures(ctx context.Context, filter CaptureFilter) ([]model.Capture, error) {
	query := `SELECT id, image_ref, status, reason, value_tier, created_at, updated_at FROM captures WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

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
		return nil, eris.Wrap(err, "sqlite: list captures")
	}
	defer rows.Close()

	var caps []model.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		caps = append(caps, *c)
	}
	return caps, eris.Wrap(rows.Err(), "sqlite: list captures iterate")
}

func (s *SQLiteStore) ListInFlight(ctx context.Context) ([]model.Capture, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, image_ref, status, reason, value_tier, created_at, updated_at FROM captures
		 WHERE status NOT IN (?, ?, ?, ?)
		 ORDER BY created_at ASC`,
		string(model.CaptureStatusAccepted), string(model.CaptureStatusFlagged),
		string(model.CaptureStatusRejected), string(model.CaptureStatusAwaitingVerification),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list in-flight")
	}
	defer rows.Close()

	var caps []model.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		caps = append(caps, *c)
	}
	return caps, eris.Wrap(rows.Err(), "sqlite: list in-flight iterate")
}

func (s *SQLiteStore) UpdateCaptureStatus(ctx context.Context, id string, status model.CaptureStatus, reason model.ReasonCode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE captures SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(status), string(reason), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update capture status %s", id)
	}
	return checkRowsAffected(res, "capture", id)
}

func (s *SQLiteStore) SaveExtraction(ctx context.Context, ex model.ExtractionResult) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	identJSON, err := json.Marshal(ex.Identifier)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal identifier")
	}
	createdAt := ex.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_results
		 (id, capture_id, card_title, set_name, identifier, confidence, lane, attempts, latency_ms, model_version, input_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.CaptureID, ex.CardTitle, ex.SetName, string(identJSON), ex.Confidence,
		string(ex.Lane), ex.Attempts, ex.LatencyMS, ex.ModelVersion, ex.InputHash, createdAt,
	)
	return eris.Wrapf(err, "sqlite: insert extraction for capture %s", ex.CaptureID)
}

func (s *SQLiteStore) LatestExtraction(ctx context.Context, captureID string) (*model.ExtractionResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, capture_id, card_title, set_name, identifier, confidence, lane, attempts, latency_ms, model_version, input_hash, created_at
		 FROM extraction_results WHERE capture_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		captureID,
	)

	var ex model.ExtractionResult
	var identJSON string
	err := row.Scan(&ex.ID, &ex.CaptureID, &ex.CardTitle, &ex.SetName, &identJSON, &ex.Confidence,
		&ex.Lane, &ex.Attempts, &ex.LatencyMS, &ex.ModelVersion, &ex.InputHash, &ex.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest extraction")
	}
	if err := json.Unmarshal([]byte(identJSON), &ex.Identifier); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal identifier")
	}
	return &ex, nil
}

func (s *SQLiteStore) SaveDecision(ctx context.Context, d model.Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions
		 (id, capture_id, outcome, reason, raw_confidence, effective_confidence, value_tier, match_tier, card_id, lane, approval_id, model_version, resolver_version, input_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CaptureID, string(d.Outcome), string(d.Reason), d.RawConfidence, d.EffectiveConfidence,
		string(d.ValueTier), string(d.MatchTier), d.CardID, string(d.Lane), d.ApprovalID,
		d.ModelVersion, d.ResolverVersion, d.InputHash, d.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert decision for capture %s", d.CaptureID)
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, captureID string) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capture_id, outcome, reason, raw_confidence, effective_confidence, value_tier, match_tier, card_id, lane, approval_id, model_version, resolver_version, input_hash, created_at
		 FROM decisions WHERE capture_id = ? ORDER BY created_at ASC`,
		captureID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var d model.Decision
		if err := rows.Scan(&d.ID, &d.CaptureID, &d.Outcome, &d.Reason, &d.RawConfidence, &d.EffectiveConfidence,
			&d.ValueTier, &d.MatchTier, &d.CardID, &d.Lane, &d.ApprovalID,
			&d.ModelVersion, &d.ResolverVersion, &d.InputHash, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, ev audit.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, kind, capture_id, payload, at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.CaptureID, string(ev.Payload), ev.At,
	)
	return eris.Wrap(err, "sqlite: append audit event")
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, captureID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, capture_id, payload, at FROM audit_events WHERE capture_id = ? ORDER BY at ASC LIMIT ?`,
		captureID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit events")
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.CaptureID, &payload, &ev.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit events iterate")
}

func (s *SQLiteStore) ReplaceCatalog(ctx context.Context, cards []model.CanonicalCard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin catalog replace")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_cards`); err != nil {
		return eris.Wrap(err, "sqlite: clear catalog")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalog_cards (id, name, set_name, number, promo_code, display_name, display_set, set_aliases)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare catalog insert")
	}
	defer stmt.Close()

	for _, c := range cards {
		aliasJSON, err := json.Marshal(c.SetAliases)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal set aliases")
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Name, c.SetName, c.Number, c.PromoCode,
			c.DisplayName, c.DisplaySet, string(aliasJSON)); err != nil {
			return eris.Wrapf(err, "sqlite: insert catalog card %s", c.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit catalog replace")
}

func (s *SQLiteStore) LoadCatalog(ctx context.Context) ([]model.CanonicalCard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, set_name, number, promo_code, display_name, display_set, set_aliases FROM catalog_cards`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load catalog")
	}
	defer rows.Close()

	var cards []model.CanonicalCard
	for rows.Next() {
		var c model.CanonicalCard
		var aliasJSON string
		if err := rows.Scan(&c.ID, &c.Name, &c.SetName, &c.Number, &c.PromoCode,
			&c.DisplayName, &c.DisplaySet, &aliasJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan catalog card")
		}
		if err := json.Unmarshal([]byte(aliasJSON), &c.SetAliases); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal set aliases")
		}
		cards = append(cards, c)
	}
	return cards, eris.Wrap(rows.Err(), "sqlite: load catalog iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Summary, error) {
	sum := &Summary{CapturesByStatus: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM captures GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats captures")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats")
		}
		sum.CapturesByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats iterate")
	}

	for _, q := range []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM decisions`, &sum.Decisions},
		{`SELECT COUNT(*) FROM audit_events`, &sum.AuditEvents},
		{`SELECT COUNT(*) FROM catalog_cards`, &sum.CatalogCards},
	} {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, eris.Wrap(err, "sqlite: stats count")
		}
	}
	return sum, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCapture(row scannable) (*model.Capture, error) {
	var c model.Capture
	err := row.Scan(&c.ID, &c.ImageRef, &c.Status, &c.Reason, &c.ValueTier, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("capture not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan capture")
	}
	return &c, nil
}

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

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/db"
	"github.com/cardmint/intake/internal/model"
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
// the hot path: every capture touches these several times.
var preparedStatements = map[string]string{
	"insert_capture":        `INSERT INTO captures (id, image_ref, status, reason, value_tier, created_at, updated_at) VALUES ($1, $2, $3, '', $4, $5, $6)`,
	"get_capture":           `SELECT id, image_ref, status, reason, value_tier, created_at, updated_at FROM captures WHERE id = $1`,
	"update_capture_status": `UPDATE captures SET status = $1, reason = $2, updated_at = $3 WHERE id = $4`,
	"insert_extraction":     `INSERT INTO extraction_results (id, capture_id, card_title, set_name, identifier, confidence, lane, attempts, latency_ms, model_version, input_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
	"insert_decision":       `INSERT INTO decisions (id, capture_id, outcome, reason, raw_confidence, effective_confidence, value_tier, match_tier, card_id, lane, approval_id, model_version, resolver_version, input_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
	"insert_audit_event":    `INSERT INTO audit_events (id, kind, capture_id, payload, at) VALUES ($1, $2, $3, $4, $5)`,
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

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS captures (
	id         TEXT PRIMARY KEY,
	image_ref  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	reason     TEXT NOT NULL DEFAULT '',
	value_tier TEXT NOT NULL DEFAULT 'common',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_results (
	id            TEXT PRIMARY KEY,
	capture_id    TEXT NOT NULL REFERENCES captures(id),
	card_title    TEXT NOT NULL,
	set_name      TEXT NOT NULL,
	identifier    JSONB NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	lane          TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 1,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	model_version TEXT NOT NULL,
	input_hash    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decisions (
	id                   TEXT PRIMARY KEY,
	capture_id           TEXT NOT NULL REFERENCES captures(id),
	outcome              TEXT NOT NULL,
	reason               TEXT NOT NULL DEFAULT '',
	raw_confidence       DOUBLE PRECISION NOT NULL,
	effective_confidence DOUBLE PRECISION NOT NULL,
	value_tier           TEXT NOT NULL,
	match_tier           TEXT NOT NULL,
	card_id              TEXT NOT NULL DEFAULT '',
	lane                 TEXT NOT NULL,
	approval_id          TEXT NOT NULL DEFAULT '',
	model_version        TEXT NOT NULL,
	resolver_version     TEXT NOT NULL,
	input_hash           TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	capture_id TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_cards (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	set_name     TEXT NOT NULL,
	number       TEXT NOT NULL,
	promo_code   TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	display_set  TEXT NOT NULL DEFAULT '',
	set_aliases  JSONB NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status);
CREATE INDEX IF NOT EXISTS idx_extractions_capture ON extraction_results(capture_id);
CREATE INDEX IF NOT EXISTS idx_decisions_capture ON decisions(capture_id);
CREATE INDEX IF NOT EXISTS idx_audit_capture ON audit_events(capture_id);
CREATE INDEX IF NOT EXISTS idx_catalog_triplet ON catalog_cards(name, set_name, number);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
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

func (s *PostgresStore) CreateCapture(ctx context.Context, imageRef string, tier model.ValueTier) (*model.Capture, error) {
	if tier == "" {
		tier = model.ValueTierCommon
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO captures (id, image_ref, status, reason, value_tier, created_at, updated_at) VALUES ($1, $2, $3, '', $4, $5, $6)`,
		id, imageRef, string(model.CaptureStatusPending), string(tier), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert capture")
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

func (s *PostgresStore) GetCapture(ctx context.Context, id string) (*model.Capture, error) {
	var c model.Capture
	err := s.pool.QueryRow(ctx,
		`SELECT id, image_ref, status, reason, value_tier, created_at, updated_at FROM captures WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.ImageRef, &c.Status, &c.Reason, &c.ValueTier, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("capture not found")
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get capture %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) ListCaptures(ctx context.Context, filter CaptureFilter) ([]model.Capture, error) {
	query := `SELECT id, image_ref, status, reason, value_tier, created_at, updated_at FROM captures WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at ASC`

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
		return nil, eris.Wrap(err, "postgres: list captures")
	}
	defer rows.Close()
	return collectCaptures(rows)
}

func (s *PostgresStore) ListInFlight(ctx context.Context) ([]model.Capture, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, image_ref, status, reason, value_tier, created_at, updated_at FROM captures
		 WHERE status NOT IN ($1, $2, $3, $4)
		 ORDER BY created_at ASC`,
		string(model.CaptureStatusAccepted), string(model.CaptureStatusFlagged),
		string(model.CaptureStatusRejected), string(model.CaptureStatusAwaitingVerification),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list in-flight")
	}
	defer rows.Close()
	return collectCaptures(rows)
}

func (s *PostgresStore) UpdateCaptureStatus(ctx context.Context, id string, status model.CaptureStatus, reason model.ReasonCode) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE captures SET status = $1, reason = $2, updated_at = $3 WHERE id = $4`,
		string(status), string(reason), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update capture status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("capture not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveExtraction(ctx context.Context, ex model.ExtractionResult) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	identJSON, err := json.Marshal(ex.Identifier)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal identifier")
	}
	createdAt := ex.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extraction_results (id, capture_id, card_title, set_name, identifier, confidence, lane, attempts, latency_ms, model_version, input_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ex.ID, ex.CaptureID, ex.CardTitle, ex.SetName, identJSON, ex.Confidence,
		string(ex.Lane), ex.Attempts, ex.LatencyMS, ex.ModelVersion, ex.InputHash, createdAt,
	)
	return eris.Wrapf(err, "postgres: insert extraction for capture %s", ex.CaptureID)
}

func (s *PostgresStore) LatestExtraction(ctx context.Context, captureID string) (*model.ExtractionResult, error) {
	var ex model.ExtractionResult
	var identJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, capture_id, card_title, set_name, identifier, confidence, lane, attempts, latency_ms, model_version, input_hash, created_at
		 FROM extraction_results WHERE capture_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		captureID,
	).Scan(&ex.ID, &ex.CaptureID, &ex.CardTitle, &ex.SetName, &identJSON, &ex.Confidence,
		&ex.Lane, &ex.Attempts, &ex.LatencyMS, &ex.ModelVersion, &ex.InputHash, &ex.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest extraction")
	}
	if err := json.Unmarshal(identJSON, &ex.Identifier); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal identifier")
	}
	return &ex, nil
}

func (s *PostgresStore) SaveDecision(ctx context.Context, d model.Decision) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO decisions (id, capture_id, outcome, reason, raw_confidence, effective_confidence, value_tier, match_tier, card_id, lane, approval_id, model_version, resolver_version, input_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.CaptureID, string(d.Outcome), string(d.Reason), d.RawConfidence, d.EffectiveConfidence,
		string(d.ValueTier), string(d.MatchTier), d.CardID, string(d.Lane), d.ApprovalID,
		d.ModelVersion, d.ResolverVersion, d.InputHash, d.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert decision for capture %s", d.CaptureID)
}

func (s *PostgresStore) ListDecisions(ctx context.Context, captureID string) ([]model.Decision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, capture_id, outcome, reason, raw_confidence, effective_confidence, value_tier, match_tier, card_id, lane, approval_id, model_version, resolver_version, input_hash, created_at
		 FROM decisions WHERE capture_id = $1 ORDER BY created_at ASC`,
		captureID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var d model.Decision
		if err := rows.Scan(&d.ID, &d.CaptureID, &d.Outcome, &d.Reason, &d.RawConfidence, &d.EffectiveConfidence,
			&d.ValueTier, &d.MatchTier, &d.CardID, &d.Lane, &d.ApprovalID,
			&d.ModelVersion, &d.ResolverVersion, &d.InputHash, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, ev audit.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, kind, capture_id, payload, at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, string(ev.Kind), ev.CaptureID, []byte(ev.Payload), ev.At,
	)
	return eris.Wrap(err, "postgres: append audit event")
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, captureID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, capture_id, payload, at FROM audit_events WHERE capture_id = $1 ORDER BY at ASC LIMIT $2`,
		captureID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit events")
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.CaptureID, &payload, &ev.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit events iterate")
}

// catalogColumns is the COPY column order for catalog loads.
var catalogColumns = []string{"id", "name", "set_name", "number", "promo_code", "display_name", "display_set", "set_aliases"}

func (s *PostgresStore) ReplaceCatalog(ctx context.Context, cards []model.CanonicalCard) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE catalog_cards`); err != nil {
		return eris.Wrap(err, "postgres: truncate catalog")
	}

	rows := make([][]any, 0, len(cards))
	for _, c := range cards {
		aliasJSON, err := json.Marshal(c.SetAliases)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal set aliases")
		}
		rows = append(rows, []any{c.ID, c.Name, c.SetName, c.Number, c.PromoCode, c.DisplayName, c.DisplaySet, aliasJSON})
	}

	_, err := db.CopyFrom(ctx, s.pool, "catalog_cards", catalogColumns, rows)
	return eris.Wrap(err, "postgres: load catalog")
}

func (s *PostgresStore) LoadCatalog(ctx context.Context) ([]model.CanonicalCard, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, set_name, number, promo_code, display_name, display_set, set_aliases FROM catalog_cards`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load catalog")
	}
	defer rows.Close()

	var cards []model.CanonicalCard
	for rows.Next() {
		var c model.CanonicalCard
		var aliasJSON []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.SetName, &c.Number, &c.PromoCode,
			&c.DisplayName, &c.DisplaySet, &aliasJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan catalog card")
		}
		if err := json.Unmarshal(aliasJSON, &c.SetAliases); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal set aliases")
		}
		cards = append(cards, c)
	}
	return cards, eris.Wrap(rows.Err(), "postgres: load catalog iterate")
}

func (s *PostgresStore) Stats(ctx context.Context) (*Summary, error) {
	sum := &Summary{CapturesByStatus: map[string]int64{}}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM captures GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats captures")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stats")
		}
		sum.CapturesByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats iterate")
	}

	for _, q := range []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM decisions`, &sum.Decisions},
		{`SELECT COUNT(*) FROM audit_events`, &sum.AuditEvents},
		{`SELECT COUNT(*) FROM catalog_cards`, &sum.CatalogCards},
	} {
		if err := s.pool.QueryRow(ctx, q.query).Scan(q.dst); err != nil {
			return nil, eris.Wrap(err, "postgres: stats count")
		}
	}
	return sum, nil
}

func collectCaptures(rows pgx.Rows) ([]model.Capture, error) {
	var caps []model.Capture
	for rows.Next() {
		var c model.Capture
		if err := rows.Scan(&c.ID, &c.ImageRef, &c.Status, &c.Reason, &c.ValueTier, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan capture")
		}
		caps = append(caps, c)
	}
	return caps, eris.Wrap(rows.Err(), "postgres: collect captures")
}

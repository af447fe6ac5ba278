// Package store persists captures, extraction results, decisions, the
// audit stream, and the canonical catalog. Two backends are provided:
// SQLite for single-station deployments and Postgres for shared ones.
package store

import (
	"context"

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/model"
)

// CaptureFilter specifies criteria for listing captures.
type CaptureFilter struct {
	Status model.CaptureStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// Summary aggregates operational counts for the stats command.
type Summary struct {
	CapturesByStatus map[string]int64 `json:"captures_by_status"`
	Decisions        int64            `json:"decisions"`
	AuditEvents      int64            `json:"audit_events"`
	CatalogCards     int64            `json:"catalog_cards"`
}

// Store defines the persistence interface for the intake pipeline. It also
// serves as the audit sink.
type Store interface {
	// Captures
	CreateCapture(ctx context.Context, imageRef string, tier model.ValueTier) (*model.Capture, error)
	GetCapture(ctx context.Context, id string) (*model.Capture, error)
	ListCaptures(ctx context.Context, filter CaptureFilter) ([]model.Capture, error)
	ListInFlight(ctx context.Context) ([]model.Capture, error)
	UpdateCaptureStatus(ctx context.Context, id string, status model.CaptureStatus, reason model.ReasonCode) error

	// Extraction results (immutable)
	SaveExtraction(ctx context.Context, ex model.ExtractionResult) error
	LatestExtraction(ctx context.Context, captureID string) (*model.ExtractionResult, error)

	// Decisions (immutable; re-runs insert new rows)
	SaveDecision(ctx context.Context, d model.Decision) error
	ListDecisions(ctx context.Context, captureID string) ([]model.Decision, error)

	// Audit stream
	audit.Sink
	ListAuditEvents(ctx context.Context, captureID string, limit int) ([]audit.Event, error)

	// Catalog
	ReplaceCatalog(ctx context.Context, cards []model.CanonicalCard) error
	LoadCatalog(ctx context.Context) ([]model.CanonicalCard, error)

	// Lifecycle
	Stats(ctx context.Context) (*Summary, error)
	Migrate(ctx context.Context) error
	Close() error
}

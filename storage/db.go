// Package storage is the SQLite persistence gateway. Engines keep their own
// write-through caches; every row stores the canonical JSON document plus
// the columns the indexes need.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"acpcore/native/agreement"
	"acpcore/native/escrow"
	"acpcore/native/prediction"
	"acpcore/native/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS acp_agents (
    id      TEXT PRIMARY KEY,
    address TEXT NOT NULL UNIQUE,
    status  TEXT NOT NULL,
    doc     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acp_agents_status ON acp_agents(status);

CREATE TABLE IF NOT EXISTS acp_services (
    id                  TEXT PRIMARY KEY,
    agent_id            TEXT NOT NULL,
    capability_category TEXT NOT NULL,
    enabled             INTEGER NOT NULL,
    doc                 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acp_services_agent ON acp_services(agent_id);
CREATE INDEX IF NOT EXISTS idx_acp_services_category ON acp_services(capability_category);

CREATE TABLE IF NOT EXISTS acp_ratings (
    id         TEXT PRIMARY KEY,
    service_id TEXT NOT NULL,
    doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acp_ratings_service ON acp_ratings(service_id);

CREATE TABLE IF NOT EXISTS acp_agreements (
    id   TEXT PRIMARY KEY,
    hash TEXT NOT NULL,
    doc  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_acp_agreements_hash ON acp_agreements(hash);

CREATE TABLE IF NOT EXISTS acp_escrows (
    id     TEXT PRIMARY KEY,
    buyer  TEXT NOT NULL,
    seller TEXT NOT NULL,
    status TEXT NOT NULL,
    doc    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acp_escrows_buyer ON acp_escrows(buyer);
CREATE INDEX IF NOT EXISTS idx_acp_escrows_seller ON acp_escrows(seller);
CREATE INDEX IF NOT EXISTS idx_acp_escrows_status ON acp_escrows(status);

CREATE TABLE IF NOT EXISTS acp_escrow_keys (
    escrow_id TEXT PRIMARY KEY,
    envelope  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS acp_predictions (
    id          TEXT PRIMARY KEY,
    agent_id    TEXT NOT NULL,
    market_slug TEXT NOT NULL,
    probability REAL NOT NULL CHECK (probability BETWEEN 0 AND 1),
    resolved    INTEGER NOT NULL,
    doc         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acp_predictions_agent ON acp_predictions(agent_id);
CREATE INDEX IF NOT EXISTS idx_acp_predictions_market ON acp_predictions(market_slug);

CREATE TABLE IF NOT EXISTS acp_prediction_stats (
    agent_id TEXT PRIMARY KEY,
    doc      TEXT NOT NULL
);
`

// Store is a single gateway serving every engine's storage interface.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema. The
// special path ":memory:" opens an ephemeral in-process database for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent engines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) putDoc(ctx context.Context, query string, doc any, args ...any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: encode: %w", err)
	}
	args = append(args, string(raw))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: write: %w", err)
	}
	return nil
}

func listDocs[T any](ctx context.Context, s *Store, query string, args ...any) ([]*T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		item := new(T)
		if err := json.Unmarshal([]byte(raw), item); err != nil {
			return nil, fmt.Errorf("storage: decode: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// PutAgent upserts an agent profile.
func (s *Store) PutAgent(ctx context.Context, agent *registry.AgentProfile) error {
	return s.putDoc(ctx,
		`INSERT INTO acp_agents (id, address, status, doc) VALUES (?, ?, ?, ?4)
		 ON CONFLICT(id) DO UPDATE SET address = ?2, status = ?3, doc = ?4`,
		agent, agent.ID, agent.Address, string(agent.Status))
}

// PutService upserts a service listing.
func (s *Store) PutService(ctx context.Context, listing *registry.ServiceListing) error {
	enabled := 0
	if listing.Enabled {
		enabled = 1
	}
	return s.putDoc(ctx,
		`INSERT INTO acp_services (id, agent_id, capability_category, enabled, doc) VALUES (?, ?, ?, ?, ?5)
		 ON CONFLICT(id) DO UPDATE SET agent_id = ?2, capability_category = ?3, enabled = ?4, doc = ?5`,
		listing, listing.ID, listing.AgentID, listing.Capability.Category, enabled)
}

// PutRating appends a rating. Ratings are immutable, so conflicts are
// rejected rather than overwritten.
func (s *Store) PutRating(ctx context.Context, rating *registry.Rating) error {
	return s.putDoc(ctx,
		`INSERT INTO acp_ratings (id, service_id, doc) VALUES (?, ?, ?3)`,
		rating, rating.ID, rating.ServiceID)
}

// ListAgents returns every stored agent profile.
func (s *Store) ListAgents(ctx context.Context) ([]*registry.AgentProfile, error) {
	return listDocs[registry.AgentProfile](ctx, s, `SELECT doc FROM acp_agents`)
}

// ListServices returns every stored service listing.
func (s *Store) ListServices(ctx context.Context) ([]*registry.ServiceListing, error) {
	return listDocs[registry.ServiceListing](ctx, s, `SELECT doc FROM acp_services`)
}

// PutAgreement upserts an agreement document.
func (s *Store) PutAgreement(ctx context.Context, a *agreement.Agreement) error {
	return s.putDoc(ctx,
		`INSERT INTO acp_agreements (id, hash, doc) VALUES (?, ?, ?3)
		 ON CONFLICT(id) DO UPDATE SET hash = ?2, doc = ?3`,
		a, a.ID, a.Hash)
}

// ListAgreements returns every stored agreement.
func (s *Store) ListAgreements(ctx context.Context) ([]*agreement.Agreement, error) {
	return listDocs[agreement.Agreement](ctx, s, `SELECT doc FROM acp_agreements`)
}

// PutEscrow upserts an escrow document.
func (s *Store) PutEscrow(ctx context.Context, esc *escrow.Escrow) error {
	return s.putDoc(ctx,
		`INSERT INTO acp_escrows (id, buyer, seller, status, doc) VALUES (?, ?, ?, ?, ?5)
		 ON CONFLICT(id) DO UPDATE SET buyer = ?2, seller = ?3, status = ?4, doc = ?5`,
		esc, esc.ID, esc.Buyer, esc.Seller, string(esc.Status))
}

// ListEscrows returns every stored escrow.
func (s *Store) ListEscrows(ctx context.Context) ([]*escrow.Escrow, error) {
	return listDocs[escrow.Escrow](ctx, s, `SELECT doc FROM acp_escrows`)
}

// PutEncryptedKeypair upserts a sealed escrow keypair envelope.
func (s *Store) PutEncryptedKeypair(ctx context.Context, escrowID, envelope string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acp_escrow_keys (escrow_id, envelope) VALUES (?, ?2)
		 ON CONFLICT(escrow_id) DO UPDATE SET envelope = ?2`,
		escrowID, envelope)
	if err != nil {
		return fmt.Errorf("storage: write keypair: %w", err)
	}
	return nil
}

// GetEncryptedKeypair returns the sealed envelope for the escrow, reporting
// absence without an error.
func (s *Store) GetEncryptedKeypair(ctx context.Context, escrowID string) (string, bool, error) {
	var envelope string
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope FROM acp_escrow_keys WHERE escrow_id = ?`, escrowID).Scan(&envelope)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: read keypair: %w", err)
	}
	return envelope, true, nil
}

// ClearEncryptedKeypair deletes the sealed envelope. Clearing an absent row
// is not an error.
func (s *Store) ClearEncryptedKeypair(ctx context.Context, escrowID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM acp_escrow_keys WHERE escrow_id = ?`, escrowID); err != nil {
		return fmt.Errorf("storage: clear keypair: %w", err)
	}
	return nil
}

// PutPrediction upserts a prediction document.
func (s *Store) PutPrediction(ctx context.Context, p *prediction.Prediction) error {
	resolved := 0
	if p.Resolved {
		resolved = 1
	}
	return s.putDoc(ctx,
		`INSERT INTO acp_predictions (id, agent_id, market_slug, probability, resolved, doc) VALUES (?, ?, ?, ?, ?, ?6)
		 ON CONFLICT(id) DO UPDATE SET agent_id = ?2, market_slug = ?3, probability = ?4, resolved = ?5, doc = ?6`,
		p, p.ID, p.AgentID, p.MarketSlug, p.Probability, resolved)
}

// PutPredictionStats upserts an agent's aggregate forecasting record.
func (s *Store) PutPredictionStats(ctx context.Context, stats *prediction.Stats) error {
	return s.putDoc(ctx,
		`INSERT INTO acp_prediction_stats (agent_id, doc) VALUES (?, ?2)
		 ON CONFLICT(agent_id) DO UPDATE SET doc = ?2`,
		stats, stats.AgentID)
}

// ListPredictions returns every stored prediction.
func (s *Store) ListPredictions(ctx context.Context) ([]*prediction.Prediction, error) {
	return listDocs[prediction.Prediction](ctx, s, `SELECT doc FROM acp_predictions`)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Memory is a stored recollection scoped by level/scope/product (spec §3
// Memory, §4.I Memory Broker).
type Memory struct {
	ID          string
	Content     string
	ContentHash string
	Level       string // L1 | L2 | L3
	Scope       string // COMPANY | PRODUCT
	ProductID   *string
	GroupFolder string
	Tags        []string
	PIIDetected bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int
}

const memoryColumns = `id, content, content_hash, level, scope, product_id, group_folder, tags, pii_detected, created_at, updated_at, version`

func scanMemory(row interface{ Scan(...any) error }) (Memory, error) {
	var m Memory
	var tags []byte
	err := row.Scan(&m.ID, &m.Content, &m.ContentHash, &m.Level, &m.Scope, &m.ProductID, &m.GroupFolder,
		&tags, &m.PIIDetected, &m.CreatedAt, &m.UpdatedAt, &m.Version)
	if err != nil {
		return m, err
	}
	_ = json.Unmarshal(tags, &m.Tags)
	return m, nil
}

// UpsertMemory inserts a new memory, or updates an existing one by
// content_hash+scope match and bumps version, per spec §4.I "upsert with
// monotonic version".
func (s *Store) UpsertMemory(ctx context.Context, m Memory) (Memory, error) {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return Memory{}, err
	}
	var out Memory
	err = s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var existingID string
		var version int
		scanErr := tx.QueryRowContext(ctx, `
			SELECT id, version FROM memories WHERE content_hash = $1 AND scope = $2
				AND (product_id IS NOT DISTINCT FROM $3) FOR UPDATE`,
			m.ContentHash, m.Scope, m.ProductID).Scan(&existingID, &version)

		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			m.Version = 1
			_, err := tx.ExecContext(ctx, `
				INSERT INTO memories (id, content, content_hash, level, scope, product_id, group_folder,
					tags, pii_detected, created_at, updated_at, version)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now(),$10)`,
				m.ID, m.Content, m.ContentHash, m.Level, m.Scope, m.ProductID, m.GroupFolder, tags, m.PIIDetected, m.Version)
			out = m
			return err
		case scanErr != nil:
			return scanErr
		default:
			m.ID = existingID
			m.Version = version + 1
			_, err := tx.ExecContext(ctx, `
				UPDATE memories SET content=$2, level=$3, group_folder=$4, tags=$5, pii_detected=$6,
					updated_at=now(), version=$7 WHERE id = $1`,
				m.ID, m.Content, m.Level, m.GroupFolder, tags, m.PIIDetected, m.Version)
			out = m
			return err
		}
	})
	return out, err
}

// MemoryRecallFilter narrows a recall query by caller scope and product.
type MemoryRecallFilter struct {
	Query          string
	CallerIsMain   bool
	CallerProductID *string
	Limit          int
}

// RecallMemories returns memories visible to the caller, applying the
// level/scope isolation of spec §4.I: L3 is withheld from non-main
// callers, and PRODUCT-scoped memories require a matching product_id.
func (s *Store) RecallMemories(ctx context.Context, f MemoryRecallFilter) ([]Memory, error) {
	candidates, err := s.RecallMemoryCandidates(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Memory, 0, len(candidates))
	for _, c := range candidates {
		if c.Allowed {
			out = append(out, c.Memory)
		}
	}
	return out, nil
}

// RecallCandidate pairs a query-matching memory with whether the caller is
// allowed to see it, so the broker can log a denial for a memory that
// matched the query but was filtered out by level/scope isolation — spec
// §4.I(c) requires an access log entry for each returned AND each denied
// memory, which RecallMemories alone cannot produce since it only ever
// returns the allowed subset.
type RecallCandidate struct {
	Memory  Memory
	Allowed bool
}

// RecallMemoryCandidates returns every memory matching f.Query regardless
// of level/scope, each tagged with whether f's caller may see it. Ordered
// and capped the same way RecallMemories is, but the limit applies to the
// full candidate set so a denial just outside the limit is not reported.
func (s *Store) RecallMemoryCandidates(ctx context.Context, f MemoryRecallFilter) ([]RecallCandidate, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`,
			(level <> 'L3' OR $2) AND (scope <> 'PRODUCT' OR product_id IS NOT DISTINCT FROM $3) AS allowed
		FROM memories
		WHERE content ILIKE '%' || $1 || '%'
		ORDER BY updated_at DESC
		LIMIT $4`, f.Query, f.CallerIsMain, f.CallerProductID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecallCandidate
	for rows.Next() {
		var tags []byte
		var m Memory
		var allowed bool
		if err := rows.Scan(&m.ID, &m.Content, &m.ContentHash, &m.Level, &m.Scope, &m.ProductID, &m.GroupFolder,
			&tags, &m.PIIDetected, &m.CreatedAt, &m.UpdatedAt, &m.Version, &allowed); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(tags, &m.Tags)
		out = append(out, RecallCandidate{Memory: m, Allowed: allowed})
	}
	return out, rows.Err()
}

// GetMemory reads a single memory by id (used by the context pack builder).
func (s *Store) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, ErrNotFound
	}
	return m, err
}

// Package memory implements the Memory Broker (spec §4.I): mem_store and
// mem_recall handlers invoked by the IPC dispatch table. Scope-aware
// filtering is grounded on the group/product recall pattern used by
// wandealves-AIOX's internal/memory package; PII/injection scanning on
// store is grounded on pkg/pii (itself adapted from the teacher's
// pkg/masking).
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/pii"
	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// ErrUnauthorized is returned when a non-main caller attempts an operation
// reserved for the main group (spec §4.I: L3 store requires main group).
var ErrUnauthorized = errors.New("memory: unauthorized")

// Caller describes the IPC requester's group identity for scope checks.
type Caller struct {
	Group     string
	IsMain    bool
	ProductID *string
}

// Broker wires the PII scanner to the memory store.
type Broker struct {
	store   *store.Store
	scanner *pii.Scanner
}

// New constructs a Broker. scanner is typically process-wide (compiled once).
func New(s *store.Store, scanner *pii.Scanner) *Broker {
	return &Broker{store: s, scanner: scanner}
}

// StoreRequest is the mem_store IPC payload.
type StoreRequest struct {
	Content   string
	Level     string // optional; classified if empty
	Scope     string // COMPANY | PRODUCT
	ProductID *string
	Tags      []string
}

// StoreResult is returned to the agent after a mem_store call.
type StoreResult struct {
	ID          string
	Level       string
	PIIDetected bool
}

// Store scans, classifies, hashes, and upserts a memory. Content is never
// blocked for containing PII — findings are recorded, not enforced (spec
// §4.I: "record both but do not block").
func (b *Broker) Store(ctx context.Context, caller Caller, req StoreRequest) (StoreResult, error) {
	level := req.Level
	if level == "" {
		level = classify(req.Content)
	}
	if level == "L3" && !caller.IsMain {
		return StoreResult{}, fmt.Errorf("%w: L3 memories may only be written by the main group", ErrUnauthorized)
	}

	report := b.scanner.Scan(req.Content)

	hash := sha256.Sum256([]byte(req.Content))
	m := store.Memory{
		ID:          uuid.NewString(),
		Content:     req.Content,
		ContentHash: hex.EncodeToString(hash[:]),
		Level:       level,
		Scope:       defaultString(req.Scope, "COMPANY"),
		ProductID:   req.ProductID,
		GroupFolder: caller.Group,
		Tags:        req.Tags,
		PIIDetected: report.HasPII(),
	}

	saved, err := b.store.UpsertMemory(ctx, m)
	if err != nil {
		return StoreResult{}, err
	}
	return StoreResult{ID: saved.ID, Level: saved.Level, PIIDetected: saved.PIIDetected}, nil
}

// RecallRequest is the mem_recall IPC payload.
type RecallRequest struct {
	Query string
	Limit int
}

// RecalledMemory is a single result returned to the caller.
type RecalledMemory struct {
	ID      string
	Content string
	Level   string
	Tags    []string
}

// AccessLogger records an access-log entry for each returned and each
// denied memory (spec §4.I). Implemented as an interface so tests can
// assert on it without a real store dependency.
type AccessLogger interface {
	LogAccess(ctx context.Context, caller Caller, memoryID string, allowed bool)
}

// Recall returns memories visible to caller, applying level/scope isolation
// via the store's filtered candidate query, then logs access for every
// candidate the query matched — both the ones returned and the ones
// withheld by level/scope isolation (spec §4.I(c)).
func (b *Broker) Recall(ctx context.Context, caller Caller, req RecallRequest, logger AccessLogger) ([]RecalledMemory, error) {
	candidates, err := b.store.RecallMemoryCandidates(ctx, store.MemoryRecallFilter{
		Query:           req.Query,
		CallerIsMain:    caller.IsMain,
		CallerProductID: caller.ProductID,
		Limit:           req.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]RecalledMemory, 0, len(candidates))
	for _, c := range candidates {
		if logger != nil {
			logger.LogAccess(ctx, caller, c.Memory.ID, c.Allowed)
		}
		if !c.Allowed {
			continue
		}
		out = append(out, RecalledMemory{ID: c.Memory.ID, Content: c.Memory.Content, Level: c.Memory.Level, Tags: c.Memory.Tags})
	}
	return out, nil
}

// classify assigns a default sensitivity level when the caller did not
// supply one explicitly. A conservative default (L2) avoids silently
// under-classifying sensitive content; callers that know better pass Level
// explicitly in StoreRequest.
func classify(content string) string {
	if len(content) == 0 {
		return "L1"
	}
	return "L2"
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

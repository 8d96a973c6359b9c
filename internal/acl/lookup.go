package acl

import (
	"context"
	"fmt"
	"log/slog"
)

// LookupStrategy resolves object identities to Acls with their parent chains
// materialized. Identities without a stored Acl are absent from the result
// map; a miss is not an error for the batch.
type LookupStrategy interface {
	Lookup(ctx context.Context, oids []ObjectIdentity, sids []Sid) (map[ObjectIdentity]*Acl, error)
}

// BatchLookup is the cache-aware lookup strategy: cache first, then one
// batched repository round trip for the misses plus one per ancestor
// generation, assembled and written back to the cache before returning.
type BatchLookup struct {
	repo   Repository
	cache  *Cache
	logger *slog.Logger
}

// NewBatchLookup wires the strategy. The cache may be nil.
func NewBatchLookup(repo Repository, cache *Cache, logger *slog.Logger) *BatchLookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchLookup{repo: repo, cache: cache, logger: logger}
}

// Lookup implements LookupStrategy.
func (l *BatchLookup) Lookup(ctx context.Context, oids []ObjectIdentity, sids []Sid) (map[ObjectIdentity]*Acl, error) {
	result := make(map[ObjectIdentity]*Acl, len(oids))
	seen := make(map[ObjectIdentity]struct{}, len(oids))
	missing := make([]ObjectIdentity, 0, len(oids))
	// Write tokens are captured here, before the store reads below: a
	// mutation that commits and evicts in between retires the token, so the
	// write-back of the pre-mutation snapshot cannot reach future readers.
	tokens := make(map[ObjectIdentity]Token, len(oids))

	for _, oid := range oids {
		if _, dup := seen[oid]; dup {
			continue
		}
		seen[oid] = struct{}{}
		cached, token, hit, err := l.cache.Get(ctx, oid)
		if err != nil {
			// A broken cache degrades to store reads, never to a failed batch.
			l.logger.Warn("acl cache read", slog.String("oid", oid.String()), slog.Any("error", err))
		}
		if hit {
			result[oid] = cached
			continue
		}
		tokens[oid] = token
		missing = append(missing, oid)
	}
	if len(missing) == 0 {
		return result, nil
	}

	records, err := l.repo.FindByIdentity(ctx, missing, sids)
	if err != nil {
		return nil, fmt.Errorf("acl: lookup batch: %w", err)
	}
	byRow := make(map[int64]Record, len(records))
	for _, rec := range records {
		byRow[rec.RowID] = rec
	}
	if err := l.loadAncestors(ctx, byRow); err != nil {
		return nil, err
	}

	memo := make(map[int64]*Acl, len(byRow))
	for _, rec := range records {
		found := false
		for _, oid := range missing {
			if rec.ObjectIdentity == oid {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		acl, err := assemble(rec.RowID, byRow, memo, make(map[int64]bool))
		if err != nil {
			return nil, fmt.Errorf("acl: lookup %s: %w", rec.ObjectIdentity, err)
		}
		result[rec.ObjectIdentity] = acl
		if err := l.cache.Put(ctx, tokens[rec.ObjectIdentity], acl); err != nil {
			l.logger.Warn("acl cache write", slog.String("oid", rec.ObjectIdentity.String()), slog.Any("error", err))
		}
	}
	return result, nil
}

// loadAncestors fetches parent generations until the chain is closed. Each
// row id is fetched at most once, so the walk terminates even on a corrupt
// cyclic chain; the cycle itself is surfaced during assembly.
func (l *BatchLookup) loadAncestors(ctx context.Context, byRow map[int64]Record) error {
	for {
		var want []int64
		for _, rec := range byRow {
			if rec.ParentRowID == nil {
				continue
			}
			if _, ok := byRow[*rec.ParentRowID]; !ok {
				want = append(want, *rec.ParentRowID)
			}
		}
		if len(want) == 0 {
			return nil
		}
		parents, err := l.repo.FindByRowID(ctx, want)
		if err != nil {
			return fmt.Errorf("acl: lookup ancestors: %w", err)
		}
		fetched := make(map[int64]struct{}, len(parents))
		for _, rec := range parents {
			byRow[rec.RowID] = rec
			fetched[rec.RowID] = struct{}{}
		}
		for _, id := range want {
			if _, ok := fetched[id]; !ok {
				return fmt.Errorf("acl: dangling parent link to row %d: %w", id, ErrNotFound)
			}
		}
	}
}

func assemble(rowID int64, byRow map[int64]Record, memo map[int64]*Acl, visiting map[int64]bool) (*Acl, error) {
	if acl, ok := memo[rowID]; ok {
		return acl, nil
	}
	if visiting[rowID] {
		return nil, ErrCycleDetected
	}
	rec, ok := byRow[rowID]
	if !ok {
		return nil, fmt.Errorf("missing row %d: %w", rowID, ErrNotFound)
	}
	visiting[rowID] = true
	acl := &Acl{
		ObjectIdentity: rec.ObjectIdentity,
		Owner:          rec.Owner,
		Inheriting:     rec.Inheriting,
		Entries:        append([]Entry(nil), rec.Entries...),
		Version:        rec.Version,
	}
	if rec.ParentRowID != nil {
		parent, err := assemble(*rec.ParentRowID, byRow, memo, visiting)
		if err != nil {
			return nil, err
		}
		acl.Parent = parent
		pid := parent.ObjectIdentity
		acl.ParentID = &pid
	}
	delete(visiting, rowID)
	memo[rowID] = acl
	return acl, nil
}

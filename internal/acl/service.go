package acl

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/objacl/objacl/internal/audit"
)

// Service is the Acl façade: batched, cached reads plus the mutable
// operations. Reads hand out immutable snapshots and may run concurrently;
// updates are serialized per object identity by the store's row lock and the
// version check.
type Service struct {
	repo     Repository
	cache    *Cache
	lookup   LookupStrategy
	logger   *slog.Logger
	recorder audit.Recorder
	group    singleflight.Group
}

// NewService wires the service with a batched, cache-aware lookup strategy.
// cache and recorder may be nil.
func NewService(repo Repository, cache *Cache, logger *slog.Logger, recorder audit.Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		lookup:   NewBatchLookup(repo, cache, logger),
		logger:   logger,
		recorder: recorder,
	}
}

// ReadAcl resolves one identity, with its parent chain materialized. Returns
// ErrNotFound when no Acl is stored for it. Concurrent reads for the same
// identity are collapsed into one lookup.
func (s *Service) ReadAcl(ctx context.Context, oid ObjectIdentity) (*Acl, error) {
	v, err, _ := s.group.Do(oid.String(), func() (any, error) {
		acls, err := s.lookup.Lookup(ctx, []ObjectIdentity{oid}, nil)
		if err != nil {
			return nil, err
		}
		acl, ok := acls[oid]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, oid)
		}
		return acl, nil
	})
	if err != nil {
		return nil, err
	}
	// Collapsed callers share one lookup but each gets its own snapshot.
	return v.(*Acl).clone(), nil
}

// ReadAcls resolves a batch in one logical call. The contract is partial
// results: identities without a stored Acl are absent from the map and do not
// fail the batch. The sids are a fetch hint only.
func (s *Service) ReadAcls(ctx context.Context, oids []ObjectIdentity, sids []Sid) (map[ObjectIdentity]*Acl, error) {
	return s.lookup.Lookup(ctx, oids, sids)
}

// CreateAcl creates an empty, non-inheriting Acl for the identity, owned by
// the principal in ctx. Fails with ErrAlreadyExists when one exists and
// ErrNoPrincipal when the caller identity is missing.
func (s *Service) CreateAcl(ctx context.Context, oid ObjectIdentity) (*Acl, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, ErrNoPrincipal
	}
	owner := PrincipalSid(principal.Name)
	rec, err := s.repo.Insert(ctx, oid, owner)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "acl.create", oid, map[string]any{"owner": owner.String()})
	return &Acl{
		ObjectIdentity: rec.ObjectIdentity,
		Owner:          rec.Owner,
		Inheriting:     rec.Inheriting,
		Version:        rec.Version,
	}, nil
}

// UpdateAcl persists the Acl's full in-memory state: owner, parent link,
// inheriting flag and the whole entry list, atomically, guarded by the
// version carried in the snapshot. On success the cached snapshot of the
// identity and of every descendant is evicted before the call returns, and
// the freshly persisted Acl is read back.
func (s *Service) UpdateAcl(ctx context.Context, acl *Acl) (*Acl, error) {
	if acl == nil {
		return nil, fmt.Errorf("acl: update requires an acl")
	}
	if err := s.checkCycle(ctx, acl); err != nil {
		return nil, err
	}
	if _, err := s.repo.Update(ctx, acl); err != nil {
		return nil, err
	}
	if err := s.evictSubtree(ctx, acl.ObjectIdentity); err != nil {
		return nil, err
	}
	s.record(ctx, "acl.update", acl.ObjectIdentity, map[string]any{
		"entries": len(acl.Entries),
		"version": acl.Version + 1,
	})
	return s.ReadAcl(ctx, acl.ObjectIdentity)
}

// DeleteAcl removes the Acl. Without deleteChildren the call fails with
// ErrChildrenExist when other Acls inherit from it; with it the whole subtree
// goes. Cache entries for every removed identity are evicted before return.
func (s *Service) DeleteAcl(ctx context.Context, oid ObjectIdentity, deleteChildren bool) error {
	removed, err := s.repo.Delete(ctx, oid, deleteChildren)
	if err != nil {
		return err
	}
	if err := s.evict(ctx, removed); err != nil {
		return err
	}
	s.record(ctx, "acl.delete", oid, map[string]any{"removed": len(removed)})
	return nil
}

// checkCycle rejects a parent link that would make the Acl its own ancestor.
// The walk reads the store directly rather than the cache so a freshly
// committed relink cannot hide behind a stale snapshot.
func (s *Service) checkCycle(ctx context.Context, acl *Acl) error {
	if acl.ParentID == nil {
		return nil
	}
	if *acl.ParentID == acl.ObjectIdentity {
		return fmt.Errorf("%w: %s cannot be its own parent", ErrCycleDetected, acl.ObjectIdentity)
	}
	records, err := s.repo.FindByIdentity(ctx, []ObjectIdentity{*acl.ParentID}, nil)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: parent %s", ErrNotFound, *acl.ParentID)
	}
	visited := map[int64]struct{}{}
	node := records[0]
	for {
		if node.ObjectIdentity == acl.ObjectIdentity {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycleDetected, acl.ObjectIdentity, *acl.ParentID)
		}
		if _, seen := visited[node.RowID]; seen {
			return fmt.Errorf("%w: ancestor chain of %s", ErrCycleDetected, *acl.ParentID)
		}
		visited[node.RowID] = struct{}{}
		if node.ParentRowID == nil {
			return nil
		}
		parents, err := s.repo.FindByRowID(ctx, []int64{*node.ParentRowID})
		if err != nil {
			return err
		}
		if len(parents) == 0 {
			return nil
		}
		node = parents[0]
	}
}

func (s *Service) evictSubtree(ctx context.Context, oid ObjectIdentity) error {
	ids := []ObjectIdentity{oid}
	descendants, err := s.repo.Descendants(ctx, oid)
	if err != nil {
		s.logger.Warn("acl descendants for eviction", slog.String("oid", oid.String()), slog.Any("error", err))
	} else {
		ids = append(ids, descendants...)
	}
	return s.evict(ctx, ids)
}

// evict drops the given identities from the cache. A mutation must never
// return success while a stale grant is still cached, so an eviction failure
// falls back to a full flush and only then surfaces as an error.
func (s *Service) evict(ctx context.Context, oids []ObjectIdentity) error {
	// Drop any collapsed in-flight reads so the next ReadAcl starts a fresh
	// lookup instead of joining one that started before the mutation.
	for _, oid := range oids {
		s.group.Forget(oid.String())
	}
	if err := s.cache.Evict(ctx, oids...); err != nil {
		s.logger.Warn("acl cache evict, flushing all", slog.Any("error", err))
		if err := s.cache.EvictAll(ctx); err != nil {
			return fmt.Errorf("acl: mutation committed but cache eviction failed: %w", err)
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, action string, oid ObjectIdentity, meta map[string]any) {
	if s.recorder == nil {
		return
	}
	actor := ""
	if principal, ok := PrincipalFromContext(ctx); ok {
		actor = principal.Name
	}
	if err := s.recorder.Record(ctx, audit.Record{
		Actor:      actor,
		Action:     action,
		ObjectType: oid.Type,
		ObjectID:   oid.ID,
		Meta:       meta,
	}); err != nil {
		s.logger.Warn("acl audit record", slog.String("action", action), slog.Any("error", err))
	}
}

package acl

import "context"

// Record is the store-level shape of one Acl row and its entries, before
// parent-chain resolution. RowID and ParentRowID are storage surrogate keys;
// they never leave the lookup layer.
type Record struct {
	RowID          int64
	ObjectIdentity ObjectIdentity
	ParentRowID    *int64
	Owner          Sid
	Inheriting     bool
	Version        int64
	Entries        []Entry
}

// Repository is the storage contract behind the lookup strategy and the
// mutable service. Implementations batch: FindByIdentity resolves all given
// identities in a single round trip, FindByRowID resolves one ancestor
// generation per call.
type Repository interface {
	// FindByIdentity loads the records for the given identities. Identities
	// without a stored Acl are simply absent from the result. The sids are a
	// fetch hint only; ignoring them must not change the result set beyond
	// entries the caller would filter anyway.
	FindByIdentity(ctx context.Context, oids []ObjectIdentity, sids []Sid) ([]Record, error)

	// FindByRowID loads records by storage key, used to walk ancestor
	// generations during lookup.
	FindByRowID(ctx context.Context, ids []int64) ([]Record, error)

	// Insert creates an empty, non-inheriting Acl owned by owner. Returns
	// ErrAlreadyExists when the identity already has one.
	Insert(ctx context.Context, oid ObjectIdentity, owner Sid) (Record, error)

	// Update replaces the stored owner, parent link, inheriting flag and full
	// entry list with the in-memory state, guarded by acl.Version. Returns the
	// new version, ErrConflict on a stale version, ErrNotFound when the Acl
	// (or its new parent) no longer exists, and ErrCycleDetected when the new
	// parent link would make the Acl its own ancestor. The cycle walk must run
	// inside the update's transaction so concurrent relinks cannot each commit
	// half a loop. Must apply atomically.
	Update(ctx context.Context, acl *Acl) (int64, error)

	// Delete removes the Acl and, when deleteChildren is set, every
	// descendant. Returns the removed identities for cache eviction, or
	// ErrChildrenExist when children reference the Acl and cascade is off.
	Delete(ctx context.Context, oid ObjectIdentity, deleteChildren bool) ([]ObjectIdentity, error)

	// Descendants lists all identities whose parent chain passes through oid.
	Descendants(ctx context.Context, oid ObjectIdentity) ([]ObjectIdentity, error)
}

package acl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*Record

	findByIdentityCalls int
	findByRowIDCalls    int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: map[int64]*Record{}}
}

func (m *memoryRepo) rowByIdentity(oid ObjectIdentity) (*Record, bool) {
	for _, rec := range m.rows {
		if rec.ObjectIdentity == oid {
			return rec, true
		}
	}
	return nil, false
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.Entries = append([]Entry(nil), rec.Entries...)
	if rec.ParentRowID != nil {
		parent := *rec.ParentRowID
		out.ParentRowID = &parent
	}
	return out
}

func (m *memoryRepo) FindByIdentity(_ context.Context, oids []ObjectIdentity, _ []Sid) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findByIdentityCalls++
	var out []Record
	for _, oid := range oids {
		if rec, ok := m.rowByIdentity(oid); ok {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (m *memoryRepo) FindByRowID(_ context.Context, ids []int64) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findByRowIDCalls++
	var out []Record
	for _, id := range ids {
		if rec, ok := m.rows[id]; ok {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (m *memoryRepo) Insert(_ context.Context, oid ObjectIdentity, owner Sid) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rowByIdentity(oid); ok {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, oid)
	}
	m.nextID++
	rec := &Record{
		RowID:          m.nextID,
		ObjectIdentity: oid,
		Owner:          owner,
		Version:        1,
	}
	m.rows[rec.RowID] = rec
	return copyRecord(rec), nil
}

func (m *memoryRepo) Update(_ context.Context, acl *Acl) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rowByIdentity(acl.ObjectIdentity)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, acl.ObjectIdentity)
	}
	if rec.Version != acl.Version {
		return 0, fmt.Errorf("%w: %s version %d", ErrConflict, acl.ObjectIdentity, acl.Version)
	}
	var parentRowID *int64
	if acl.ParentID != nil {
		parent, ok := m.rowByIdentity(*acl.ParentID)
		if !ok {
			return 0, fmt.Errorf("%w: parent %s", ErrNotFound, *acl.ParentID)
		}
		id := parent.RowID
		parentRowID = &id
		// The ancestor walk happens under the same lock as the write, the
		// way the SQL implementation runs it inside the update transaction.
		for cur := parentRowID; cur != nil; {
			if *cur == rec.RowID {
				return 0, fmt.Errorf("%w: %s", ErrCycleDetected, acl.ObjectIdentity)
			}
			next, ok := m.rows[*cur]
			if !ok {
				break
			}
			cur = next.ParentRowID
		}
	}
	rec.Owner = acl.Owner
	rec.ParentRowID = parentRowID
	rec.Inheriting = acl.Inheriting
	rec.Entries = append([]Entry(nil), acl.Entries...)
	rec.Version++
	return rec.Version, nil
}

func (m *memoryRepo) Delete(_ context.Context, oid ObjectIdentity, deleteChildren bool) ([]ObjectIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rowByIdentity(oid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, oid)
	}
	subtree := m.subtreeLocked(rec.RowID)
	if !deleteChildren && len(subtree) > 1 {
		return nil, fmt.Errorf("%w: %s", ErrChildrenExist, oid)
	}
	removed := make([]ObjectIdentity, 0, len(subtree))
	for _, id := range subtree {
		removed = append(removed, m.rows[id].ObjectIdentity)
		delete(m.rows, id)
	}
	return removed, nil
}

func (m *memoryRepo) Descendants(_ context.Context, oid ObjectIdentity) ([]ObjectIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rowByIdentity(oid)
	if !ok {
		return nil, nil
	}
	var out []ObjectIdentity
	for _, id := range m.subtreeLocked(rec.RowID) {
		if id != rec.RowID {
			out = append(out, m.rows[id].ObjectIdentity)
		}
	}
	return out, nil
}

// subtreeLocked returns the row and every transitive child, root first.
func (m *memoryRepo) subtreeLocked(rowID int64) []int64 {
	out := []int64{rowID}
	for i := 0; i < len(out); i++ {
		for id, rec := range m.rows {
			if rec.ParentRowID != nil && *rec.ParentRowID == out[i] {
				out = append(out, id)
			}
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService(t *testing.T, repo Repository) *Service {
	t.Helper()
	return NewService(repo, nil, discardLogger(), nil)
}

func adminCtx(name string) context.Context {
	return ContextWithPrincipal(context.Background(), Principal{Name: name})
}

func TestCreateAclRequiresPrincipal(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	_, err := svc.CreateAcl(context.Background(), ObjectIdentity{Type: "document", ID: 1})
	require.ErrorIs(t, err, ErrNoPrincipal)
}

func TestCreateAcl(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	ctx := adminCtx("alice")
	oid := ObjectIdentity{Type: "document", ID: 1}

	acl, err := svc.CreateAcl(ctx, oid)
	require.NoError(t, err)
	require.Equal(t, oid, acl.ObjectIdentity)
	require.Equal(t, PrincipalSid("alice"), acl.Owner)
	require.False(t, acl.Inheriting)
	require.Empty(t, acl.Entries)
	require.EqualValues(t, 1, acl.Version)

	_, err = svc.CreateAcl(ctx, oid)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestReadAclNotFound(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	_, err := svc.ReadAcl(context.Background(), ObjectIdentity{Type: "document", ID: 99})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAclRoundTrip(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	ctx := adminCtx("alice")
	oid := ObjectIdentity{Type: "document", ID: 1}

	acl, err := svc.CreateAcl(ctx, oid)
	require.NoError(t, err)
	require.NoError(t, acl.InsertEntry(0, PermRead, AuthoritySid("ROLE_USER"), true))
	require.NoError(t, acl.InsertEntry(1, PermWrite, PrincipalSid("alice"), true))

	updated, err := svc.UpdateAcl(ctx, acl)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)
	require.Len(t, updated.Entries, 2)
	require.Equal(t, PermRead, updated.Entries[0].Permission)

	fresh, err := svc.ReadAcl(ctx, oid)
	require.NoError(t, err)
	require.Equal(t, updated.Entries, fresh.Entries)
}

func TestUpdateAclStaleVersion(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	ctx := adminCtx("alice")
	oid := ObjectIdentity{Type: "document", ID: 1}

	_, err := svc.CreateAcl(ctx, oid)
	require.NoError(t, err)

	first, err := svc.ReadAcl(ctx, oid)
	require.NoError(t, err)
	second := *first
	second.Entries = append([]Entry(nil), first.Entries...)

	require.NoError(t, first.InsertEntry(0, PermRead, PrincipalSid("alice"), true))
	_, err = svc.UpdateAcl(ctx, first)
	require.NoError(t, err)

	require.NoError(t, second.InsertEntry(0, PermWrite, PrincipalSid("bob"), true))
	_, err = svc.UpdateAcl(ctx, &second)
	require.ErrorIs(t, err, ErrConflict)

	fresh, err := svc.ReadAcl(ctx, oid)
	require.NoError(t, err)
	require.Len(t, fresh.Entries, 1)
	require.Equal(t, PermRead, fresh.Entries[0].Permission)
}

func TestUpdateAclParentInheritance(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	ctx := adminCtx("alice")
	parentOID := ObjectIdentity{Type: "folder", ID: 1}
	childOID := ObjectIdentity{Type: "document", ID: 2}

	parent, err := svc.CreateAcl(ctx, parentOID)
	require.NoError(t, err)
	require.NoError(t, parent.InsertEntry(0, PermRead, AuthoritySid("ROLE_USER"), true))
	_, err = svc.UpdateAcl(ctx, parent)
	require.NoError(t, err)

	child, err := svc.CreateAcl(ctx, childOID)
	require.NoError(t, err)
	child.SetParent(&parentOID)
	child.SetInheriting(true)
	got, err := svc.UpdateAcl(ctx, child)
	require.NoError(t, err)

	require.NotNil(t, got.Parent)
	require.Equal(t, parentOID, got.Parent.ObjectIdentity)
	require.True(t, Decide(got, []Sid{AuthoritySid("ROLE_USER")}, []Permission{PermRead}))
}

func TestUpdateAclRejectsCycle(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	ctx := adminCtx("alice")
	aOID := ObjectIdentity{Type: "folder", ID: 1}
	bOID := ObjectIdentity{Type: "folder", ID: 2}

	a, err := svc.CreateAcl(ctx, aOID)
	require.NoError(t, err)
	b, err := svc.CreateAcl(ctx, bOID)
	require.NoError(t, err)

	b.SetParent(&aOID)
	_, err = svc.UpdateAcl(ctx, b)
	require.NoError(t, err)

	a.SetParent(&bOID)
	_, err = svc.UpdateAcl(ctx, a)
	require.ErrorIs(t, err, ErrCycleDetected)

	// Self-parent is the degenerate cycle.
	self, err := svc.ReadAcl(ctx, aOID)
	require.NoError(t, err)
	self.SetParent(&aOID)
	_, err = svc.UpdateAcl(ctx, self)
	require.ErrorIs(t, err, ErrCycleDetected)

	fresh, err := svc.ReadAcl(ctx, aOID)
	require.NoError(t, err)
	require.Nil(t, fresh.ParentID)
}

func TestDeleteAclChildrenExist(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	ctx := adminCtx("alice")
	parentOID := ObjectIdentity{Type: "folder", ID: 1}
	childOID := ObjectIdentity{Type: "document", ID: 2}

	_, err := svc.CreateAcl(ctx, parentOID)
	require.NoError(t, err)
	child, err := svc.CreateAcl(ctx, childOID)
	require.NoError(t, err)
	child.SetParent(&parentOID)
	_, err = svc.UpdateAcl(ctx, child)
	require.NoError(t, err)

	err = svc.DeleteAcl(ctx, parentOID, false)
	require.ErrorIs(t, err, ErrChildrenExist)

	require.NoError(t, svc.DeleteAcl(ctx, parentOID, true))
	_, err = svc.ReadAcl(ctx, parentOID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.ReadAcl(ctx, childOID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAclNotFound(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	err := svc.DeleteAcl(adminCtx("alice"), ObjectIdentity{Type: "document", ID: 9}, false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadAclsPartialResults(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)
	ctx := adminCtx("alice")
	present := ObjectIdentity{Type: "document", ID: 1}
	absent := ObjectIdentity{Type: "document", ID: 2}

	_, err := svc.CreateAcl(ctx, present)
	require.NoError(t, err)

	repo.mu.Lock()
	repo.findByIdentityCalls = 0
	repo.mu.Unlock()

	acls, err := svc.ReadAcls(ctx, []ObjectIdentity{present, absent}, nil)
	require.NoError(t, err)
	require.Len(t, acls, 1)
	require.Contains(t, acls, present)
	require.NotContains(t, acls, absent)

	repo.mu.Lock()
	calls := repo.findByIdentityCalls
	repo.mu.Unlock()
	require.Equal(t, 1, calls)
}

// gatedRepo lets a test hold a reader between its store fetch and the rest of
// the lookup, long enough for a mutation to commit and return.
type gatedRepo struct {
	*memoryRepo
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedRepo() *gatedRepo {
	return &gatedRepo{
		memoryRepo: newMemoryRepo(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedRepo) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedRepo) FindByIdentity(ctx context.Context, oids []ObjectIdentity, sids []Sid) ([]Record, error) {
	recs, err := g.memoryRepo.FindByIdentity(ctx, oids, sids)
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()
	if armed {
		close(g.entered)
		<-g.release
	}
	return recs, err
}

func TestUpdateAclNotOvertakenBySlowReader(t *testing.T) {
	repo := newGatedRepo()
	cache := newTestCache(t)
	svc := NewService(repo, cache, discardLogger(), nil)
	ctx := adminCtx("alice")
	oid := ObjectIdentity{Type: "document", ID: 1}

	acl, err := svc.CreateAcl(ctx, oid)
	require.NoError(t, err)
	require.NoError(t, acl.InsertEntry(0, PermRead, PrincipalSid("bob"), true))
	granted, err := svc.UpdateAcl(ctx, acl)
	require.NoError(t, err)

	// Force the slow reader through the store, then hold it right after its
	// fetch so it carries the pre-revocation snapshot.
	require.NoError(t, cache.Evict(ctx, oid))
	repo.arm()
	readerDone := make(chan struct{})
	var readerAcl *Acl
	var readerErr error
	go func() {
		defer close(readerDone)
		readerAcl, readerErr = svc.ReadAcl(ctx, oid)
	}()
	<-repo.entered

	// Revoke bob's grant; the update evicts and returns while the reader is
	// still holding the old snapshot.
	revoked := granted
	require.NoError(t, revoked.DeleteEntry(0))
	_, err = svc.UpdateAcl(ctx, revoked)
	require.NoError(t, err)

	close(repo.release)
	<-readerDone
	require.NoError(t, readerErr)
	require.Len(t, readerAcl.Entries, 1)

	// The reader's write-back must not resurrect the revoked grant.
	fresh, err := svc.ReadAcl(ctx, oid)
	require.NoError(t, err)
	require.Empty(t, fresh.Entries)
	require.False(t, Decide(fresh, []Sid{PrincipalSid("bob")}, []Permission{PermRead}))
}

func TestUpdateAclConcurrentOneWins(t *testing.T) {
	svc := testService(t, newMemoryRepo())
	ctx := adminCtx("alice")
	oid := ObjectIdentity{Type: "document", ID: 1}

	base, err := svc.CreateAcl(ctx, oid)
	require.NoError(t, err)

	first := base.clone()
	require.NoError(t, first.InsertEntry(0, PermRead, PrincipalSid("alice"), true))
	second := base.clone()
	require.NoError(t, second.InsertEntry(0, PermWrite, PrincipalSid("bob"), true))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.UpdateAcl(ctx, first)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc.UpdateAcl(ctx, second)
	}()
	wg.Wait()

	var conflicts, successes int
	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			successes++
			winner = i
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, conflicts)

	fresh, err := svc.ReadAcl(ctx, oid)
	require.NoError(t, err)
	require.EqualValues(t, 2, fresh.Version)
	require.Len(t, fresh.Entries, 1)
	want := PermRead
	if winner == 1 {
		want = PermWrite
	}
	require.Equal(t, want, fresh.Entries[0].Permission)
}

func TestRepositoryUpdateRejectsCycleUnderLock(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()
	aOID := ObjectIdentity{Type: "folder", ID: 1}
	bOID := ObjectIdentity{Type: "folder", ID: 2}
	owner := PrincipalSid("alice")

	_, err := repo.Insert(ctx, aOID, owner)
	require.NoError(t, err)
	_, err = repo.Insert(ctx, bOID, owner)
	require.NoError(t, err)

	linkB := &Acl{ObjectIdentity: bOID, Owner: owner, Version: 1}
	linkB.SetParent(&aOID)
	_, err = repo.Update(ctx, linkB)
	require.NoError(t, err)

	// Straight to the store, the way a racing update that slipped past any
	// pre-check would arrive.
	linkA := &Acl{ObjectIdentity: aOID, Owner: owner, Version: 1}
	linkA.SetParent(&bOID)
	_, err = repo.Update(ctx, linkA)
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestUpdateAclEvictsStaleCache(t *testing.T) {
	repo := newMemoryRepo()
	cache := newTestCache(t)
	svc := NewService(repo, cache, discardLogger(), nil)
	ctx := adminCtx("alice")
	oid := ObjectIdentity{Type: "document", ID: 1}

	acl, err := svc.CreateAcl(ctx, oid)
	require.NoError(t, err)

	// Prime the cache.
	cached, err := svc.ReadAcl(ctx, oid)
	require.NoError(t, err)
	require.Empty(t, cached.Entries)
	_, _, hit, err := cache.Get(ctx, oid)
	require.NoError(t, err)
	require.True(t, hit)

	require.NoError(t, acl.InsertEntry(0, PermRead, PrincipalSid("alice"), true))
	_, err = svc.UpdateAcl(ctx, acl)
	require.NoError(t, err)

	fresh, err := svc.ReadAcl(ctx, oid)
	require.NoError(t, err)
	require.Len(t, fresh.Entries, 1)
	require.EqualValues(t, 2, fresh.Version)
}

// Package acl implements domain-object-level access control lists: per-object
// ordered grant/deny entries with parent inheritance, batched store lookup and
// cache-backed reads.
package acl

import "fmt"

// Sid is a security identity: either a principal name or a granted-authority
// name. Sids are value types compared by (Name, Principal).
type Sid struct {
	Name      string `json:"name"`
	Principal bool   `json:"principal"`
}

// PrincipalSid builds a Sid identifying a concrete principal.
func PrincipalSid(name string) Sid {
	return Sid{Name: name, Principal: true}
}

// AuthoritySid builds a Sid identifying a granted authority (role, group).
func AuthoritySid(name string) Sid {
	return Sid{Name: name, Principal: false}
}

// String renders the sid with its kind prefix, mainly for logs and audit rows.
func (s Sid) String() string {
	if s.Principal {
		return "principal:" + s.Name
	}
	return "authority:" + s.Name
}

// ObjectIdentity identifies one domain object instance by canonical type name
// and 64-bit instance id. It is the lookup key into the store and the cache.
// Identifiers of other shapes must be mapped to int64 by the caller.
type ObjectIdentity struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// String renders "type:id", the canonical cache-key form.
func (o ObjectIdentity) String() string {
	return fmt.Sprintf("%s:%d", o.Type, o.ID)
}

// Entry is one access control entry: a grant or deny of a permission mask to a
// recipient sid. Order within the owning Acl is significant; the first entry
// matching a sid/permission pair decides.
type Entry struct {
	ID           int64      `json:"id"`
	Sid          Sid        `json:"sid"`
	Permission   Permission `json:"permission"`
	Granting     bool       `json:"granting"`
	AuditSuccess bool       `json:"audit_success,omitempty"`
	AuditFailure bool       `json:"audit_failure,omitempty"`
}

// Acl aggregates the ordered entries, owner and parent link for one object
// identity. Instances returned from read paths are snapshots: readers must not
// mutate them. Mutators on Acl change only the in-memory representation;
// nothing reaches the store until Service.UpdateAcl persists the whole state.
type Acl struct {
	ObjectIdentity ObjectIdentity  `json:"object_identity"`
	Owner          Sid             `json:"owner"`
	ParentID       *ObjectIdentity `json:"parent_id,omitempty"`
	Inheriting     bool            `json:"inheriting"`
	Entries        []Entry         `json:"entries"`
	Version        int64           `json:"version"`

	// Parent is the materialized parent Acl, resolved by the lookup strategy
	// so evaluation never fetches mid-decision. Nil when ParentID is nil.
	Parent *Acl `json:"parent,omitempty"`
}

// InsertEntry places a new entry at index, shifting subsequent entries. Index
// must be within [0, len(Entries)].
func (a *Acl) InsertEntry(index int, perm Permission, sid Sid, granting bool) error {
	if index < 0 || index > len(a.Entries) {
		return fmt.Errorf("%w: insert at %d, length %d", ErrEntryRange, index, len(a.Entries))
	}
	e := Entry{Sid: sid, Permission: perm, Granting: granting}
	a.Entries = append(a.Entries, Entry{})
	copy(a.Entries[index+1:], a.Entries[index:])
	a.Entries[index] = e
	return nil
}

// DeleteEntry removes the entry at index.
func (a *Acl) DeleteEntry(index int) error {
	if index < 0 || index >= len(a.Entries) {
		return fmt.Errorf("%w: delete at %d, length %d", ErrEntryRange, index, len(a.Entries))
	}
	a.Entries = append(a.Entries[:index], a.Entries[index+1:]...)
	return nil
}

// SetOwner replaces the owning sid.
func (a *Acl) SetOwner(owner Sid) {
	a.Owner = owner
}

// SetParent relinks the parent reference. The link is by identity, not by
// pointer: the resolved Parent snapshot is discarded and re-materialized on
// the next read. Passing nil detaches the Acl from its parent.
func (a *Acl) SetParent(parent *ObjectIdentity) {
	if parent == nil {
		a.ParentID = nil
		a.Parent = nil
		return
	}
	p := *parent
	a.ParentID = &p
	a.Parent = nil
}

// SetInheriting toggles whether lookups consult the parent chain when no
// local entry decides.
func (a *Acl) SetInheriting(inheriting bool) {
	a.Inheriting = inheriting
}

// clone returns a deep copy of the Acl including its parent chain, so cached
// snapshots can be handed out without aliasing the caller's slices.
func (a *Acl) clone() *Acl {
	if a == nil {
		return nil
	}
	dup := *a
	dup.Entries = append([]Entry(nil), a.Entries...)
	if a.ParentID != nil {
		pid := *a.ParentID
		dup.ParentID = &pid
	}
	dup.Parent = a.Parent.clone()
	return &dup
}

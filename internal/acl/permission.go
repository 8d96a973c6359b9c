package acl

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Permission is an immutable 32-bit mask. The engine is mask-agnostic: an
// entry decides a requested permission only on exact mask equality, so a
// combined mask is a distinct permission from its parts.
type Permission uint32

// Base permission masks.
const (
	PermRead       Permission = 1 << 0
	PermWrite      Permission = 1 << 1
	PermCreate     Permission = 1 << 2
	PermDelete     Permission = 1 << 3
	PermAdminister Permission = 1 << 4
)

// Combine unions the given masks into one permission.
func Combine(perms ...Permission) Permission {
	var mask Permission
	for _, p := range perms {
		mask |= p
	}
	return mask
}

// Contains reports whether every bit of p is set in the receiver. This is a
// mask inspection helper, not the grant policy: granting compares exact masks.
func (p Permission) Contains(other Permission) bool {
	return p&other == other
}

// Matches reports whether an entry carrying mask p decides a request for
// other. Exact equality: WRITE|READ does not decide READ.
func (p Permission) Matches(other Permission) bool {
	return p == other
}

// registry maps open-ended permission names to masks. The base set is
// pre-registered; callers claim further bits with Register.
var (
	regMu      sync.RWMutex
	byName     = map[string]Permission{}
	nameByMask = map[Permission]string{}
)

func init() {
	for name, mask := range map[string]Permission{
		"read":       PermRead,
		"write":      PermWrite,
		"create":     PermCreate,
		"delete":     PermDelete,
		"administer": PermAdminister,
	} {
		mustRegister(name, mask)
	}
}

// Register claims a named permission mask. Names are lower-cased. A name or
// mask that is already taken is rejected so registrations stay unambiguous.
func Register(name string, mask Permission) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("acl: permission name required")
	}
	if mask == 0 {
		return fmt.Errorf("acl: permission %q has empty mask", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if existing, ok := byName[name]; ok && existing != mask {
		return fmt.Errorf("acl: permission name %q already registered", name)
	}
	if existing, ok := nameByMask[mask]; ok && existing != name {
		return fmt.Errorf("acl: permission mask %#x already registered as %q", uint32(mask), existing)
	}
	byName[name] = mask
	nameByMask[mask] = name
	return nil
}

func mustRegister(name string, mask Permission) {
	if err := Register(name, mask); err != nil {
		panic(err)
	}
}

// PermissionByName resolves a registered permission name.
func PermissionByName(name string) (Permission, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	p, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// RegisteredPermissions lists all registered names sorted by mask.
func RegisteredPermissions() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return byName[names[i]] < byName[names[j]] })
	return names
}

// String renders the registered name when one exists, otherwise the raw mask.
func (p Permission) String() string {
	regMu.RLock()
	name, ok := nameByMask[p]
	regMu.RUnlock()
	if ok {
		return name
	}
	return fmt.Sprintf("mask(%#x)", uint32(p))
}

package acl

// Decide walks the Acl and, when inheriting, its parent chain to answer
// whether any of the requested permissions is granted to any of the sids.
//
// Per requested permission, entries are scanned in insertion order and the
// first entry whose recipient is among sids and whose mask equals the
// requested mask decides immediately (an earlier deny shadows a later grant).
// When no local entry decides and the Acl inherits, the parent is consulted
// with the same sids and permission. Across the requested permissions the
// semantics are ANY: one grant suffices. Absence of any matching entry
// anywhere in the chain denies; Decide never errors for "no decision".
func Decide(a *Acl, sids []Sid, perms []Permission) bool {
	granted, _ := DecideEntry(a, sids, perms)
	return granted
}

// DecideEntry is Decide plus the decisive entry, so callers can honour the
// entry's audit flags. The entry is nil when nothing in the chain matched.
// When the overall decision is a deny produced by explicit deny entries, the
// first such deny is returned.
func DecideEntry(a *Acl, sids []Sid, perms []Permission) (bool, *Entry) {
	if a == nil || len(sids) == 0 || len(perms) == 0 {
		return false, nil
	}
	var firstDeny *Entry
	for _, perm := range perms {
		entry := firstMatch(a, sids, perm)
		if entry == nil {
			continue
		}
		if entry.Granting {
			return true, entry
		}
		if firstDeny == nil {
			firstDeny = entry
		}
	}
	return false, firstDeny
}

func firstMatch(a *Acl, sids []Sid, perm Permission) *Entry {
	for node := a; node != nil; {
		for i := range node.Entries {
			e := &node.Entries[i]
			if e.Permission.Matches(perm) && sidAmong(e.Sid, sids) {
				return e
			}
		}
		if !node.Inheriting {
			return nil
		}
		node = node.Parent
	}
	return nil
}

func sidAmong(sid Sid, sids []Sid) bool {
	for _, s := range sids {
		if s == sid {
			return true
		}
	}
	return false
}

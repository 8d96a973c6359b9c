package acl

import "context"

// Principal describes the already-authenticated caller: a principal name plus
// its granted authorities. Authentication itself happens upstream; this core
// only consumes the established identity.
type Principal struct {
	Name        string
	Authorities []string
}

// Sids derives the ordered sid list for evaluation: the principal sid first,
// then one authority sid per granted authority in their given order.
func (p Principal) Sids() []Sid {
	sids := make([]Sid, 0, len(p.Authorities)+1)
	sids = append(sids, PrincipalSid(p.Name))
	for _, a := range p.Authorities {
		sids = append(sids, AuthoritySid(a))
	}
	return sids
}

type principalContextKey struct{}

// ContextWithPrincipal stores the caller principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the caller principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok && p.Name != ""
}

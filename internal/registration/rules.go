package registration

import "github.com/gatherly/eventsite/internal/docstore"

// Rules are the access rules for the registrations collection: admins may
// read, update and delete anything; any signed-in caller may create an entry
// they own. Other collections are left to the next rule set.
type Rules struct {
	Next docstore.Rules
}

// Allow implements docstore.Rules.
func (r Rules) Allow(req docstore.Request) bool {
	if req.Collection != Collection {
		if r.Next == nil {
			return false
		}
		return r.Next.Allow(req)
	}
	switch req.Op {
	case docstore.OpCreate:
		if !req.Caller.Authenticated() {
			return false
		}
		owner, _ := req.Data[FieldOwnerID].(string)
		return owner == req.Caller.UID
	case docstore.OpRead, docstore.OpUpdate, docstore.OpDelete:
		return req.Caller.Admin()
	}
	return false
}

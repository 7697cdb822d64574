package txn

import "strings"

// AliasMap is the per-event, short-lived mapping from alias name to
// the node id it resolved to, cleared before applying each
// TransactionEvent (EntDB §9 "Alias resolution in transaction
// events").
type AliasMap map[string]string

// NewAliasMap returns an empty alias map.
func NewAliasMap() AliasMap { return make(AliasMap) }

// Record stores the id a create_node op with the given alias resolved
// to. A blank alias is a no-op.
func (a AliasMap) Record(alias, nodeID string) {
	if alias == "" {
		return
	}
	a[alias] = nodeID
}

// Resolve turns a NodeRef into a concrete node id. Alias refs
// ("$alias" or "$alias.id") are looked up in the map; the first path
// segment after "$" is the alias name, and a trailing ".id" is
// accepted and ignored as an ergonomic hint. Opaque and typed refs
// resolve to their literal id.
func (a AliasMap) Resolve(ref NodeRef) (string, bool) {
	if !ref.IsAlias() {
		return ref.RefString, true
	}
	name := strings.TrimPrefix(ref.RefString, "$")
	if idx := strings.Index(name, "."); idx >= 0 {
		name = name[:idx]
	}
	id, ok := a[name]
	return id, ok
}

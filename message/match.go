package message

// MatchRule is a predicate over header fields, used to route inbound
// signals and calls to subscribers. Empty fields match anything.
type MatchRule struct {
	Kind      Kind // KindInvalid matches any kind
	Sender    string
	Path      string
	Interface string
	Member    string
}

// Matches reports whether m satisfies every set field of the rule.
func (r MatchRule) Matches(m *Message) bool {
	if r.Kind != KindInvalid && r.Kind != m.Kind {
		return false
	}
	if r.Sender != "" && r.Sender != m.Sender() {
		return false
	}
	if r.Path != "" && r.Path != string(m.Path()) {
		return false
	}
	if r.Interface != "" && r.Interface != m.Interface() {
		return false
	}
	if r.Member != "" && r.Member != m.Member() {
		return false
	}
	return true
}

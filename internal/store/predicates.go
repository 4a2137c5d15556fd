package store

// Success predicates evaluate a store result after the operation returns.
// Write-level commands must declare one; the registry rejects unknown names
// at load time.
const (
	PredicateAck      = "ack"
	PredicateNonEmpty = "non_empty"
	PredicateAlways   = "always"
)

var predicates = map[string]func(Result) bool{
	PredicateAck:      func(r Result) bool { return r.Ack },
	PredicateNonEmpty: func(r Result) bool { return r.Ack && len(r.Payload) > 0 },
	PredicateAlways:   func(Result) bool { return true },
}

// KnownPredicate reports whether the named predicate exists.
func KnownPredicate(name string) bool {
	_, ok := predicates[name]
	return ok
}

// EvalPredicate applies the named predicate. An empty name means no
// predicate, which holds trivially.
func EvalPredicate(name string, r Result) bool {
	if name == "" {
		return true
	}
	fn, ok := predicates[name]
	if !ok {
		return false
	}
	return fn(r)
}

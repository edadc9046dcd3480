package subscription

// Outcome is the policy evaluator's verdict for one dispatch cycle.
type Outcome int

const (
	// OutcomeExecute means the query runs and the cursor advances.
	OutcomeExecute Outcome = iota
	// OutcomeDefer leaves the cursor untouched; the cycle is retried at
	// the next settle point.
	OutcomeDefer
	// OutcomeDrop fast-forwards the cursor past the interval without
	// running the query; the skipped changes are never delivered.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDefer:
		return "defer"
	case OutcomeDrop:
		return "drop"
	default:
		return "execute"
	}
}

type policyEntry struct {
	name string
	drop bool
}

// PolicyTable is an ordered list of (state name, kind) pairs. Precedence
// depends on encounter order when several states are asserted at once, so
// this must stay a list, not a map. Defer entries are inserted before drop
// entries and the last insertion of a duplicated name wins.
type PolicyTable struct {
	entries []policyEntry
}

// NewPolicyTable builds a table from the defer and drop name lists as
// supplied by the subscriber, defer names first.
func NewPolicyTable(deferNames, dropNames []string) PolicyTable {
	table := PolicyTable{}
	for _, name := range deferNames {
		table.insert(name, false)
	}
	for _, name := range dropNames {
		table.insert(name, true)
	}
	return table
}

func (t *PolicyTable) insert(name string, drop bool) {
	if name == "" {
		return
	}
	for i, entry := range t.entries {
		if entry.name == name {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	t.entries = append(t.entries, policyEntry{name: name, drop: drop})
}

func (t PolicyTable) Len() int {
	return len(t.entries)
}

// Evaluate scans the table in insertion order against a snapshot of the
// asserted states. The first matching drop entry wins immediately; any
// other match makes the result at least a defer, but scanning continues in
// case a later drop entry also matches.
func (t PolicyTable) Evaluate(asserted map[string]struct{}) (Outcome, string) {
	if len(asserted) == 0 || len(t.entries) == 0 {
		return OutcomeExecute, ""
	}

	outcome := OutcomeExecute
	matched := ""
	for _, entry := range t.entries {
		if _, ok := asserted[entry.name]; !ok {
			continue
		}
		if outcome == OutcomeExecute {
			outcome = OutcomeDefer
			matched = entry.name
		}
		if entry.drop {
			return OutcomeDrop, entry.name
		}
	}
	return outcome, matched
}

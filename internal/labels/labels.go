// Package labels implements DCLabels: decentralized information-flow-control
// labels over a lattice of two components, secrecy and integrity.
//
// A component is either False (the top of the component lattice) or a
// formula, a conjunction of clauses. A clause is a disjunction of principal
// strings. Everything is a value with structural (set) equality; components
// are kept in a canonical sorted form so Equal is a plain comparison.
package labels

import (
	"fmt"
	"slices"
	"strings"
)

// Clause is a disjunction of principals. The canonical form is sorted and
// deduplicated; use NewClause to construct one.
type Clause []string

// NewClause builds a clause from principals, sorting and deduplicating.
func NewClause(principals ...string) Clause {
	c := slices.Clone(principals)
	slices.Sort(c)
	return slices.Compact(c)
}

// Equal reports set equality of two clauses.
func (c Clause) Equal(o Clause) bool {
	return slices.Equal(c, o)
}

// SubsetOf reports whether every principal of c appears in o.
// Both clauses must be in canonical form.
func (c Clause) SubsetOf(o Clause) bool {
	i := 0
	for _, p := range c {
		for i < len(o) && o[i] < p {
			i++
		}
		if i >= len(o) || o[i] != p {
			return false
		}
	}
	return true
}

func (c Clause) String() string {
	return "(" + strings.Join(c, " ∨ ") + ")"
}

// Component is one side of a DCLabel: False, or a conjunction of clauses.
type Component struct {
	isFalse bool
	clauses []Clause
}

// False returns the False component, the top of the component lattice.
func False() Component {
	return Component{isFalse: true}
}

// NewFormula builds a formula component from clauses. Clauses are
// canonicalized and deduplicated; the formula is not minimized (Join does
// that).
func NewFormula(clauses ...Clause) Component {
	cs := make([]Clause, 0, len(clauses))
	for _, c := range clauses {
		cs = append(cs, NewClause(c...))
	}
	return Component{clauses: canonicalize(cs)}
}

// True returns the empty formula: a conjunction of no clauses, the bottom of
// the component lattice.
func True() Component {
	return Component{}
}

// IsFalse reports whether the component is False.
func (c Component) IsFalse() bool {
	return c.isFalse
}

// Clauses returns the formula's clauses. Nil for False.
func (c Component) Clauses() []Clause {
	if c.isFalse {
		return nil
	}
	return slices.Clone(c.clauses)
}

// Equal reports structural equality.
func (c Component) Equal(o Component) bool {
	if c.isFalse || o.isFalse {
		return c.isFalse == o.isFalse
	}
	return slices.EqualFunc(c.clauses, o.clauses, Clause.Equal)
}

// Join is the least upper bound of two components: False absorbs, otherwise
// the union of the clause sets with strict supersets dropped.
func (c Component) Join(o Component) Component {
	if c.isFalse || o.isFalse {
		return False()
	}
	merged := canonicalize(append(slices.Clone(c.clauses), o.clauses...))
	return Component{clauses: minimize(merged)}
}

func (c Component) String() string {
	if c.isFalse {
		return "False"
	}
	if len(c.clauses) == 0 {
		return "True"
	}
	parts := make([]string, len(c.clauses))
	for i, cl := range c.clauses {
		parts[i] = cl.String()
	}
	return strings.Join(parts, " ∧ ")
}

// canonicalize sorts clauses and removes duplicates. Clauses themselves must
// already be canonical.
func canonicalize(cs []Clause) []Clause {
	slices.SortFunc(cs, compareClauses)
	return slices.CompactFunc(cs, Clause.Equal)
}

func compareClauses(a, b Clause) int {
	return slices.Compare(a, b)
}

// minimize drops every clause that is a strict superset of another clause.
// Input must be canonical (sorted, deduplicated).
func minimize(cs []Clause) []Clause {
	out := make([]Clause, 0, len(cs))
	for i, c := range cs {
		redundant := false
		for j, o := range cs {
			if i == j {
				continue
			}
			// After dedup, a distinct subset makes c a strict superset.
			if o.SubsetOf(c) && !c.Equal(o) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, c)
		}
	}
	return out
}

// Label is a DCLabel: a secrecy component and an integrity component.
type Label struct {
	Secrecy   Component
	Integrity Component
}

// Public is the label carrying no restrictions: the empty formula on both
// sides.
func Public() Label {
	return Label{Secrecy: True(), Integrity: True()}
}

// Lub is the least upper bound: the componentwise join. It models the
// accumulation of taint and is commutative, associative, and idempotent.
func (l Label) Lub(o Label) Label {
	return Label{
		Secrecy:   l.Secrecy.Join(o.Secrecy),
		Integrity: l.Integrity.Join(o.Integrity),
	}
}

// Equal reports structural equality of both components.
func (l Label) Equal(o Label) bool {
	return l.Secrecy.Equal(o.Secrecy) && l.Integrity.Equal(o.Integrity)
}

func (l Label) String() string {
	return fmt.Sprintf("⟨%s, %s⟩", l.Secrecy, l.Integrity)
}

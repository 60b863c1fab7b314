// Package logic implements the requirement evaluation tree: a tri-state
// boolean algebra with quorum operators, its authoring forms (builder,
// structured JSON, text DSL) and a compiled flat evaluation plan.
//
// The algebra never fetches evidence. Callers supply leaf values.
package logic

import (
	"encoding/json"
	"fmt"
)

// TriState is the outcome of a requirement: True, False or Unknown.
// The zero value is Unknown so an unset outcome never reads as a pass.
type TriState uint8

const (
	Unknown TriState = iota
	False
	True
)

// FromBool lifts a boolean into the tri-state domain.
func FromBool(b bool) TriState {
	if b {
		return True
	}
	return False
}

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// IsTrue reports whether t is definitely True.
func (t TriState) IsTrue() bool { return t == True }

func (t TriState) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TriState) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("tristate: %w", err)
	}
	v, err := ParseTriState(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTriState parses "true", "false" or "unknown".
func ParseTriState(s string) (TriState, error) {
	switch s {
	case "true":
		return True, nil
	case "false":
		return False, nil
	case "unknown":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("tristate: invalid value %q", s)
}

// Logic selects the truth tables used to combine child outcomes.
type Logic uint8

const (
	// Kleene is strong three-valued logic: a dominating value decides
	// the node even when other children are Unknown.
	Kleene Logic = iota
	// Bochvar is weak three-valued logic: any Unknown child makes the
	// node Unknown.
	Bochvar
)

func (l Logic) String() string {
	if l == Bochvar {
		return "bochvar"
	}
	return "kleene"
}

// ParseLogic maps a configuration string to a Logic. Empty means Kleene.
func ParseLogic(s string) (Logic, error) {
	switch s {
	case "", "kleene":
		return Kleene, nil
	case "bochvar":
		return Bochvar, nil
	}
	return Kleene, fmt.Errorf("logic: unknown mode %q", s)
}

func (l Logic) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

func (l *Logic) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("logic: %w", err)
	}
	v, err := ParseLogic(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// counts tallies child outcomes. Every combinator is a function of the
// tally alone, which is what makes evaluation order independent.
type counts struct {
	t, f, u int
}

func tally(vals []TriState) counts {
	var c counts
	for _, v := range vals {
		c.add(v)
	}
	return c
}

func (c *counts) add(v TriState) {
	switch v {
	case True:
		c.t++
	case False:
		c.f++
	default:
		c.u++
	}
}

func (l Logic) and(c counts) TriState {
	if l == Bochvar && c.u > 0 {
		return Unknown
	}
	switch {
	case c.f > 0:
		return False
	case c.u > 0:
		return Unknown
	}
	return True
}

func (l Logic) or(c counts) TriState {
	if l == Bochvar && c.u > 0 {
		return Unknown
	}
	switch {
	case c.t > 0:
		return True
	case c.u > 0:
		return Unknown
	}
	return False
}

func (l Logic) quorum(min int, c counts) TriState {
	if l == Bochvar && c.u > 0 {
		return Unknown
	}
	switch {
	case c.t >= min:
		return True
	case c.t+c.u < min:
		return False
	}
	return Unknown
}

// And combines values with conjunction. An empty conjunction is True.
func (l Logic) And(vals ...TriState) TriState { return l.and(tally(vals)) }

// Or combines values with disjunction. An empty disjunction is False.
func (l Logic) Or(vals ...TriState) TriState { return l.or(tally(vals)) }

// Not negates v. Unknown stays Unknown under both tables.
func (l Logic) Not(v TriState) TriState {
	switch v {
	case True:
		return False
	case False:
		return True
	}
	return Unknown
}

// Quorum is True when at least min values are True, False when min can no
// longer be reached even if every Unknown turned True, and Unknown otherwise.
func (l Logic) Quorum(min int, vals ...TriState) TriState {
	return l.quorum(min, tally(vals))
}

package logic

import (
	"fmt"
)

type planNode struct {
	op    Op
	min   int32
	arity int32
	leaf  int32
}

// Plan is a requirement compiled into a post-order node array. Predicate
// keys are interned to dense indices so repeated evaluation needs no map
// lookups. A Plan is immutable and safe for concurrent use.
type Plan struct {
	nodes    []planNode
	keys     []string
	index    map[string]int
	maxStack int
}

// Compile validates r against limits and flattens it into a Plan.
func Compile(r Requirement, limits Limits) (*Plan, error) {
	if err := Validate(r, limits, nil); err != nil {
		return nil, err
	}
	p := &Plan{index: map[string]int{}}
	depth := 0
	err := walkPostOrder(&r, limits.normalized().MaxDepth, 0, func(n *Requirement, _ int, _ string) error {
		node := planNode{op: n.Op, min: int32(n.Min), arity: int32(len(n.Children)), leaf: -1}
		if n.Op == OpPredicate {
			idx, ok := p.index[n.Key]
			if !ok {
				idx = len(p.keys)
				p.index[n.Key] = idx
				p.keys = append(p.keys, n.Key)
			}
			node.leaf = int32(idx)
			depth++
		} else {
			depth = depth - len(n.Children) + 1
		}
		if depth > p.maxStack {
			p.maxStack = depth
		}
		p.nodes = append(p.nodes, node)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Keys returns the predicate keys in index order.
func (p *Plan) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Index returns the dense index of key.
func (p *Plan) Index(key string) (int, bool) {
	i, ok := p.index[key]
	return i, ok
}

// Len returns the number of nodes in the plan.
func (p *Plan) Len() int { return len(p.nodes) }

// Eval evaluates the plan. values[i] is the outcome of Keys()[i].
func (p *Plan) Eval(l Logic, values []TriState) (TriState, error) {
	if len(values) != len(p.keys) {
		return Unknown, fmt.Errorf("logic: plan expects %d leaf values, got %d", len(p.keys), len(values))
	}
	stack := make([]TriState, 0, p.maxStack)
	for _, n := range p.nodes {
		if n.op == OpPredicate {
			stack = append(stack, values[n.leaf])
			continue
		}
		base := len(stack) - int(n.arity)
		if base < 0 {
			return Unknown, fmt.Errorf("%w: corrupt plan", ErrInvalidRequirement)
		}
		c := tally(stack[base:])
		var v TriState
		switch n.op {
		case OpAnd:
			v = l.and(c)
		case OpOr:
			v = l.or(c)
		case OpQuorum:
			v = l.quorum(int(n.min), c)
		case OpNot:
			v = notOf(c)
		default:
			return Unknown, fmt.Errorf("%w: cannot evaluate op %v", ErrInvalidRequirement, n.op)
		}
		stack = append(stack[:base], v)
	}
	if len(stack) != 1 {
		return Unknown, fmt.Errorf("%w: corrupt plan", ErrInvalidRequirement)
	}
	return stack[0], nil
}

// EvalFunc evaluates the plan resolving each distinct key once through lookup.
func (p *Plan) EvalFunc(l Logic, lookup LeafFunc) (TriState, error) {
	values := make([]TriState, len(p.keys))
	for i, k := range p.keys {
		values[i] = lookup(k)
	}
	return p.Eval(l, values)
}

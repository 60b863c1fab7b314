package logic

import "fmt"

// LeafFunc returns the outcome of a predicate key.
type LeafFunc func(key string) TriState

// Evaluate computes the outcome of r. Nodes deeper than limits.MaxDepth make
// evaluation fail with ErrDepthExceeded; the walk uses an explicit stack so
// hostile depth can never exhaust the goroutine stack.
//
// Under Kleene logic And and Or stop visiting children once their result is
// fixed, and Quorum stops once min is reached or unreachable. The result is
// the same as a full evaluation because every combinator depends only on the
// tally of child outcomes.
func Evaluate(r Requirement, l Logic, lookup LeafFunc, limits Limits) (TriState, error) {
	limits = limits.normalized()
	type frame struct {
		node  *Requirement
		next  int
		depth int
		c     counts
	}

	var result TriState
	deliver := func(stack []frame, v TriState) {
		if len(stack) == 0 {
			result = v
			return
		}
		stack[len(stack)-1].c.add(v)
	}

	stack := []frame{{node: &r, depth: 1}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n := top.node
		if n.Op == OpPredicate {
			stack = stack[:len(stack)-1]
			deliver(stack, lookup(n.Key))
			continue
		}
		if top.next < len(n.Children) && !settled(l, n, top.c, len(n.Children)-top.next) {
			child := &n.Children[top.next]
			top.next++
			if top.depth+1 > limits.MaxDepth {
				return Unknown, fmt.Errorf("%w: depth %d exceeds %d", ErrDepthExceeded, top.depth+1, limits.MaxDepth)
			}
			stack = append(stack, frame{node: child, depth: top.depth + 1})
			continue
		}
		v, err := combine(l, n, top.c)
		if err != nil {
			return Unknown, err
		}
		stack = stack[:len(stack)-1]
		deliver(stack, v)
	}
	return result, nil
}

// settled reports whether the remaining children can no longer change the
// outcome of n. Bochvar never settles early because a later Unknown would
// still change the result.
func settled(l Logic, n *Requirement, c counts, remaining int) bool {
	if l == Bochvar {
		return false
	}
	switch n.Op {
	case OpAnd:
		return c.f > 0
	case OpOr:
		return c.t > 0
	case OpQuorum:
		return c.t >= n.Min || c.t+c.u+remaining < n.Min
	}
	return false
}

func combine(l Logic, n *Requirement, c counts) (TriState, error) {
	switch n.Op {
	case OpAnd:
		return l.and(c), nil
	case OpOr:
		return l.or(c), nil
	case OpQuorum:
		return l.quorum(n.Min, c), nil
	case OpNot:
		return notOf(c), nil
	}
	return Unknown, fmt.Errorf("%w: cannot evaluate op %v", ErrInvalidRequirement, n.Op)
}

// notOf negates the single child recorded in c. A malformed Not with no
// child or several children is Unknown.
func notOf(c counts) TriState {
	if c.t+c.f+c.u != 1 {
		return Unknown
	}
	switch {
	case c.t == 1:
		return False
	case c.f == 1:
		return True
	}
	return Unknown
}

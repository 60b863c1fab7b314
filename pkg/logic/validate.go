package logic

import (
	"fmt"
)

// Limits bound the size of authored requirements.
type Limits struct {
	MaxDepth      int `json:"max_depth" yaml:"max_depth"`
	MaxNodes      int `json:"max_nodes" yaml:"max_nodes"`
	MaxInputBytes int `json:"max_input_bytes" yaml:"max_input_bytes"`
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:      32,
		MaxNodes:      1024,
		MaxInputBytes: 1 << 20,
	}
}

// normalized fills zero fields with defaults and clamps depth to the
// structured decode cap.
func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxDepth > MaxDecodeDepth {
		l.MaxDepth = MaxDecodeDepth
	}
	if l.MaxNodes <= 0 {
		l.MaxNodes = d.MaxNodes
	}
	if l.MaxInputBytes <= 0 {
		l.MaxInputBytes = d.MaxInputBytes
	}
	return l
}

// KeyResolver reports whether a predicate key is declared.
type KeyResolver func(key string) bool

// KeySet returns a KeyResolver accepting exactly keys.
func KeySet(keys ...string) KeyResolver {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return func(key string) bool {
		_, ok := set[key]
		return ok
	}
}

// Validate checks r against limits and, when resolve is non-nil, that every
// predicate key is declared. The walk is iterative and stops as soon as a
// depth or size limit is crossed.
func Validate(r Requirement, limits Limits, resolve KeyResolver) error {
	limits = limits.normalized()
	return walkPostOrder(&r, limits.MaxDepth, limits.MaxNodes, func(n *Requirement, _ int, path string) error {
		switch n.Op {
		case OpAnd, OpOr:
			return nil
		case OpNot:
			if len(n.Children) != 1 {
				return invalid(path, "not requires exactly one child, has %d", len(n.Children))
			}
		case OpQuorum:
			if n.Min < 1 {
				return invalid(path, "quorum min must be at least 1, is %d", n.Min)
			}
			if n.Min > len(n.Children) {
				return invalid(path, "quorum min %d exceeds %d children", n.Min, len(n.Children))
			}
		case OpPredicate:
			if len(n.Children) != 0 {
				return invalid(path, "predicate leaf cannot have children")
			}
			if n.Key == "" {
				return invalid(path, "predicate key is empty")
			}
			if resolve != nil && !resolve(n.Key) {
				return invalid(path, "predicate %q is not declared", n.Key)
			}
		default:
			return invalid(path, "unknown operator %v", n.Op)
		}
		return nil
	})
}

// walkPostOrder visits every node of r children-first using an explicit
// stack. Depth is checked before a child is pushed; maxNodes of zero means
// no node bound.
func walkPostOrder(r *Requirement, maxDepth, maxNodes int, visit func(n *Requirement, depth int, path string) error) error {
	type frame struct {
		node  *Requirement
		next  int
		depth int
		path  string
	}
	if maxDepth < 1 {
		return &ValidationError{Path: "$", Reason: "depth limit below 1", err: ErrDepthExceeded}
	}
	stack := []frame{{node: r, depth: 1, path: "$"}}
	nodes := 1
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.node.Children) {
			child := &top.node.Children[top.next]
			top.next++
			depth := top.depth + 1
			path := fmt.Sprintf("%s.%s[%d]", top.path, top.node.Op, top.next-1)
			if depth > maxDepth {
				return &ValidationError{Path: path, Reason: fmt.Sprintf("depth %d exceeds %d", depth, maxDepth), err: ErrDepthExceeded}
			}
			nodes++
			if maxNodes > 0 && nodes > maxNodes {
				return &ValidationError{Path: path, Reason: fmt.Sprintf("more than %d nodes", maxNodes), err: ErrTooManyNodes}
			}
			stack = append(stack, frame{node: child, depth: depth, path: path})
			continue
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := visit(f.node, f.depth, f.path); err != nil {
			return err
		}
	}
	return nil
}

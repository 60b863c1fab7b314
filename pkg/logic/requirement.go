package logic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Op identifies the kind of a requirement node.
type Op uint8

const (
	OpAnd Op = iota + 1
	OpOr
	OpNot
	OpQuorum
	OpPredicate
)

func (o Op) String() string {
	switch o {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	case OpQuorum:
		return "quorum"
	case OpPredicate:
		return "predicate"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Requirement is a node of a requirement evaluation tree. Trees are built
// once, validated, and treated as immutable afterwards.
type Requirement struct {
	Op       Op
	Children []Requirement
	// Min is the threshold of a Quorum node.
	Min int
	// Key is the predicate key of a leaf.
	Key string
}

// All builds a conjunction.
func All(children ...Requirement) Requirement {
	return Requirement{Op: OpAnd, Children: children}
}

// Any builds a disjunction.
func Any(children ...Requirement) Requirement {
	return Requirement{Op: OpOr, Children: children}
}

// Negate builds a negation of child.
func Negate(child Requirement) Requirement {
	return Requirement{Op: OpNot, Children: []Requirement{child}}
}

// AtLeast builds a quorum requiring min of the children to hold.
func AtLeast(min int, children ...Requirement) Requirement {
	return Requirement{Op: OpQuorum, Min: min, Children: children}
}

// Pred builds a leaf referencing a predicate key.
func Pred(key string) Requirement {
	return Requirement{Op: OpPredicate, Key: key}
}

// PredicateKeys returns the distinct predicate keys referenced by r, sorted.
// The walk is bounded by MaxDecodeDepth; deeper trees yield a partial set and
// are rejected by Validate anyway.
func (r Requirement) PredicateKeys() []string {
	seen := map[string]struct{}{}
	_ = walkPostOrder(&r, MaxDecodeDepth, 0, func(n *Requirement, _ int, _ string) error {
		if n.Op == OpPredicate {
			seen[n.Key] = struct{}{}
		}
		return nil
	})
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MaxDecodeDepth is the hard nesting cap for the structured JSON form,
// applied before any recursive decode. Configured limits are usually lower
// and are enforced by Validate.
const MaxDecodeDepth = 64

type quorumWire struct {
	Min int               `json:"min"`
	Of  []json.RawMessage `json:"of"`
}

// MarshalJSON encodes the structured form: {"and":[...]}, {"or":[...]},
// {"not":{...}}, {"quorum":{"min":n,"of":[...]}} or {"predicate":"key"}.
func (r Requirement) MarshalJSON() ([]byte, error) {
	switch r.Op {
	case OpPredicate:
		return json.Marshal(map[string]string{"predicate": r.Key})
	case OpNot:
		if len(r.Children) != 1 {
			return nil, fmt.Errorf("logic: not node must have exactly one child, has %d", len(r.Children))
		}
		return json.Marshal(map[string]Requirement{"not": r.Children[0]})
	case OpAnd, OpOr:
		children := r.Children
		if children == nil {
			children = []Requirement{}
		}
		return json.Marshal(map[string][]Requirement{r.Op.String(): children})
	case OpQuorum:
		children := r.Children
		if children == nil {
			children = []Requirement{}
		}
		return json.Marshal(map[string]any{"quorum": map[string]any{"min": r.Min, "of": children}})
	}
	return nil, fmt.Errorf("logic: cannot encode node with op %v", r.Op)
}

// UnmarshalJSON decodes the structured form. Nesting depth is checked on
// the raw bytes before any node is allocated.
func (r *Requirement) UnmarshalJSON(data []byte) error {
	if depth := jsonDepth(data); depth > 3*MaxDecodeDepth {
		return &ValidationError{Reason: fmt.Sprintf("structured form nests %d levels", depth), err: ErrDepthExceeded}
	}
	n, err := decodeNode(data, "$", 1)
	if err != nil {
		return err
	}
	*r = n
	return nil
}

func decodeNode(data []byte, path string, depth int) (Requirement, error) {
	if depth > MaxDecodeDepth {
		return Requirement{}, &ValidationError{Path: path, Reason: fmt.Sprintf("depth %d exceeds %d", depth, MaxDecodeDepth), err: ErrDepthExceeded}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Requirement{}, invalid(path, "node must be an object: %v", err)
	}
	if len(obj) != 1 {
		return Requirement{}, invalid(path, "node must have exactly one operator key, has %d", len(obj))
	}
	for key, raw := range obj {
		switch key {
		case "predicate":
			var k string
			if err := json.Unmarshal(raw, &k); err != nil {
				return Requirement{}, invalid(path, "predicate must be a string")
			}
			return Pred(k), nil
		case "not":
			child, err := decodeNode(raw, path+".not", depth+1)
			if err != nil {
				return Requirement{}, err
			}
			return Negate(child), nil
		case "and", "or":
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return Requirement{}, invalid(path, "%s must be an array", key)
			}
			children, err := decodeChildren(items, path+"."+key, depth)
			if err != nil {
				return Requirement{}, err
			}
			if key == "and" {
				return All(children...), nil
			}
			return Any(children...), nil
		case "quorum":
			var q quorumWire
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&q); err != nil {
				return Requirement{}, invalid(path, "quorum must be {min, of}: %v", err)
			}
			children, err := decodeChildren(q.Of, path+".quorum.of", depth)
			if err != nil {
				return Requirement{}, err
			}
			return AtLeast(q.Min, children...), nil
		default:
			return Requirement{}, invalid(path, "unknown operator %q", key)
		}
	}
	return Requirement{}, invalid(path, "empty node")
}

func decodeChildren(items []json.RawMessage, path string, depth int) ([]Requirement, error) {
	children := make([]Requirement, 0, len(items))
	for i, item := range items {
		child, err := decodeNode(item, fmt.Sprintf("%s[%d]", path, i), depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// jsonDepth returns the maximum bracket nesting of a JSON document without
// decoding it.
func jsonDepth(data []byte) int {
	depth, max := 0, 0
	inString, escaped := false, false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > max {
				max = depth
			}
		case '}', ']':
			depth--
		}
	}
	return max
}

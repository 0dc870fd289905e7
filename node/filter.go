package node

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type (
	// Op is a filter comparison operator.
	Op uint8

	// Cond is a single filter condition: a dotted field key, an operator and
	// a typed value. A nil Value stands for the literal "null" and matches
	// fields that are absent or null.
	Cond struct {
		Key   string
		Op    Op
		Value any

		re *regexp.Regexp
	}

	// Filter is a conjunction of conditions over node documents. The zero
	// value matches every node.
	Filter struct {
		Conds []Cond
	}
)

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpRe
)

// opSuffixes maps the query-string operator suffixes to operators. A bare
// key means equality.
var opSuffixes = []struct {
	suffix string
	op     Op
}{
	{"__gte", OpGte},
	{"__lte", OpLte},
	{"__gt", OpGt},
	{"__lt", OpLt},
	{"__ne", OpNe},
	{"__re", OpRe},
}

// ParseQuery builds a Filter from URL query parameters. Keys listed in
// reserved are skipped (pagination and endpoint-specific parameters).
// Conditions come out sorted by key so that equal queries produce equal
// filters.
func ParseQuery(values url.Values, reserved ...string) (Filter, error) {
	skip := make(map[string]bool, len(reserved))
	for _, k := range reserved {
		skip[k] = true
	}
	var f Filter
	for key, vals := range values {
		if skip[key] || len(vals) == 0 {
			continue
		}
		cond, err := parseCond(key, vals[0])
		if err != nil {
			return Filter{}, err
		}
		f.Conds = append(f.Conds, cond)
	}
	sort.Slice(f.Conds, func(i, j int) bool { return f.Conds[i].Key < f.Conds[j].Key })
	return f, nil
}

// Where appends an equality condition. It is the programmatic counterpart
// of a bare query key and is used by the lifecycle driver.
func (f Filter) Where(key string, value any) Filter {
	f.Conds = append(append([]Cond(nil), f.Conds...), Cond{Key: key, Op: OpEq, Value: value})
	return f
}

// WhereOp appends a condition with an explicit operator.
func (f Filter) WhereOp(key string, op Op, value any) Filter {
	f.Conds = append(append([]Cond(nil), f.Conds...), Cond{Key: key, Op: op, Value: value})
	return f
}

func parseCond(key, raw string) (Cond, error) {
	op := OpEq
	for _, s := range opSuffixes {
		if strings.HasSuffix(key, s.suffix) {
			op = s.op
			key = strings.TrimSuffix(key, s.suffix)
			break
		}
	}
	if op == OpEq && strings.Contains(key, "__") {
		i := strings.LastIndex(key, "__")
		return Cond{}, fmt.Errorf("unknown filter operator %q", key[i:])
	}
	if key == "" {
		return Cond{}, fmt.Errorf("empty filter key")
	}
	if op == OpRe {
		re, err := regexp.Compile(raw)
		if err != nil {
			return Cond{}, fmt.Errorf("invalid regex for %q: %w", key, err)
		}
		return Cond{Key: key, Op: op, Value: raw, re: re}, nil
	}
	return Cond{Key: key, Op: op, Value: parseValue(raw)}, nil
}

// parseValue types a raw query value: "null" means absent, RFC 3339 strings
// become timestamps, numerics become int64/float64, everything else stays a
// string.
func parseValue(raw string) any {
	if raw == "null" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if fl, err := strconv.ParseFloat(raw, 64); err == nil {
		return fl
	}
	return raw
}

// Match evaluates the filter against a node. It mirrors the semantics the
// Mongo store gets from its native query translation: dotted keys descend
// into data and artifacts, equality against an array field matches any
// element, and nil matches absent fields.
func (f Filter) Match(n *Node) bool {
	for i := range f.Conds {
		if !f.Conds[i].match(n) {
			return false
		}
	}
	return true
}

func (c *Cond) match(n *Node) bool {
	val, ok := lookup(n, c.Key)
	if !ok || val == nil {
		// Absent field: only "null" equality (or __ne against a value)
		// matches.
		switch c.Op {
		case OpEq:
			return c.Value == nil
		case OpNe:
			return c.Value != nil
		}
		return false
	}
	if c.Value == nil {
		switch c.Op {
		case OpEq:
			return false
		case OpNe:
			return true
		}
		return false
	}
	// Array fields match when any element does.
	if elems, isArr := val.([]string); isArr {
		for _, e := range elems {
			if compare(e, c) {
				return true
			}
		}
		return false
	}
	if elems, isArr := val.([]any); isArr {
		for _, e := range elems {
			if compare(e, c) {
				return true
			}
		}
		return false
	}
	return compare(val, c)
}

// lookup resolves a dotted filter key against a node. The boolean reports
// whether the key addresses a known field at all; a true with a nil value
// means the field exists but is unset.
func lookup(n *Node, key string) (any, bool) {
	switch key {
	case "id":
		return n.ID, true
	case "kind":
		return n.Kind, true
	case "name":
		return n.Name, true
	case "path":
		return n.Path, true
	case "parent":
		if n.Parent == "" {
			return nil, true
		}
		return n.Parent, true
	case "group":
		if n.Group == "" {
			return nil, true
		}
		return n.Group, true
	case "state":
		return string(n.State), true
	case "result":
		if n.Result == ResultNone {
			return nil, true
		}
		return string(n.Result), true
	case "owner":
		return n.Owner, true
	case "user_groups":
		return n.UserGroups, true
	case "created":
		return n.Created, true
	case "updated":
		return n.Updated, true
	case "timeout":
		return n.Timeout, true
	case "holdoff":
		if n.Holdoff == nil {
			return nil, true
		}
		return *n.Holdoff, true
	case "retry_counter":
		return int64(n.RetryCounter), true
	}
	if rest, ok := strings.CutPrefix(key, "data."); ok {
		return lookupMap(n.Data, rest)
	}
	if key == "data" {
		if n.Data == nil {
			return nil, true
		}
		return n.Data, true
	}
	if rest, ok := strings.CutPrefix(key, "artifacts."); ok {
		if n.Artifacts == nil {
			return nil, true
		}
		v, found := n.Artifacts[rest]
		if !found {
			return nil, true
		}
		return v, true
	}
	return nil, false
}

func lookupMap(m map[string]any, key string) (any, bool) {
	if m == nil {
		return nil, true
	}
	head, rest, nested := strings.Cut(key, ".")
	v, found := m[head]
	if !found {
		return nil, true
	}
	if !nested {
		return v, true
	}
	sub, ok := v.(map[string]any)
	if !ok {
		return nil, true
	}
	return lookupMap(sub, rest)
}

// compare applies a single condition to a concrete field value.
func compare(val any, c *Cond) bool {
	if c.Op == OpRe {
		s, ok := val.(string)
		if !ok {
			return false
		}
		return c.re.MatchString(s)
	}
	cmp, ok := order(val, c.Value)
	if !ok {
		return c.Op == OpNe
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// order compares a field value with a filter value. The second result is
// false when the two are not comparable (different types).
func order(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		}
		return 0, true
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

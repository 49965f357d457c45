// Package scope implements the per-row access scope algebra used for
// push authorization, pull filtering, snapshot cache partitioning, and
// realtime notification buckets.
//
// A scope map binds scope keys (e.g. "user_id") to either a single
// value, a finite set of values, or the wildcard "*".
package scope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Wildcard is the sentinel accepting any value for a scope key.
const Wildcard = "*"

// Value is one scope binding: a single string, a set of strings, or the
// wildcard. The zero Value is the empty set.
type Value struct {
	wildcard bool
	single   bool
	values   []string
}

// String returns a single-string binding.
func String(v string) Value {
	return Value{single: true, values: []string{v}}
}

// Set returns a set binding. Duplicates are collapsed and order is not
// preserved.
func Set(vs ...string) Value {
	seen := make(map[string]struct{}, len(vs))
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return Value{values: out}
}

// Any returns the wildcard binding.
func Any() Value {
	return Value{wildcard: true}
}

// IsWildcard reports whether the binding accepts any value.
func (v Value) IsWildcard() bool { return v.wildcard }

// IsEmpty reports whether the binding accepts no value at all.
func (v Value) IsEmpty() bool { return !v.wildcard && len(v.values) == 0 }

// Values returns the bound values in sorted order. Nil for wildcard.
func (v Value) Values() []string {
	if v.wildcard {
		return nil
	}
	out := make([]string, len(v.values))
	copy(out, v.values)
	sort.Strings(out)
	return out
}

// Contains reports whether s is accepted by the binding.
func (v Value) Contains(s string) bool {
	if v.wildcard {
		return true
	}
	for _, x := range v.values {
		if x == s {
			return true
		}
	}
	return false
}

// MarshalJSON encodes "*" for wildcard, a bare string for single-value
// bindings, and a sorted array otherwise.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.wildcard {
		return json.Marshal(Wildcard)
	}
	if v.single && len(v.values) == 1 {
		return json.Marshal(v.values[0])
	}
	return json.Marshal(v.Values())
}

// UnmarshalJSON accepts "*", a bare string, or an array of strings.
func (v *Value) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == Wildcard {
			*v = Any()
		} else {
			*v = String(s)
		}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*v = Set(arr...)
		return nil
	}
	return fmt.Errorf("scope: value must be string, array of strings, or %q", Wildcard)
}

// Map binds scope keys to values.
type Map map[string]Value

// Clone returns a shallow copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the scope keys in sorted order.
func (m Map) Keys() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Intersect narrows requested against allowed, key by key:
//
//   - allowed wildcard keeps the requested binding as-is
//   - allowed empty set, or a requested key absent from allowed,
//     revokes the whole scope
//   - otherwise the value sets are intersected; an empty intersection
//     also revokes
//
// The second return is false when the subscription is revoked.
func Intersect(requested, allowed Map) (Map, bool) {
	out := make(Map, len(requested))
	for key, req := range requested {
		allow, ok := allowed[key]
		if !ok || allow.IsEmpty() {
			return nil, false
		}
		if allow.IsWildcard() {
			out[key] = req
			continue
		}
		if req.IsWildcard() {
			out[key] = allow
			continue
		}
		var kept []string
		for _, v := range req.values {
			if allow.Contains(v) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			return nil, false
		}
		if len(kept) == 1 && req.single {
			out[key] = String(kept[0])
		} else {
			out[key] = Set(kept...)
		}
	}
	return out, true
}

// Matches reports whether a change's scopes satisfy a requested scope
// map: every requested key must be present on the change with a value
// accepted by the requested binding.
func Matches(changeScopes, requested Map) bool {
	for key, req := range requested {
		got, ok := changeScopes[key]
		if !ok {
			return false
		}
		if req.IsWildcard() {
			continue
		}
		if got.IsWildcard() {
			// A wildcard on the change side never satisfies a
			// concrete request.
			return false
		}
		matched := false
		for _, v := range got.values {
			if req.Contains(v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Key returns the canonical string form of a scope map: keys sorted
// lexicographically, array values sorted, single values preserved.
// Used as the snapshot cache partition and for change-row storage.
func Key(m Map) string {
	// encoding/json sorts map keys, and Value marshals sets sorted.
	b, err := json.Marshal(m)
	if err != nil {
		// Value marshalling cannot fail; keep the signature simple.
		return "{}"
	}
	return string(b)
}

// ParseKey decodes a canonical scope key back into a map.
func ParseKey(s string) (Map, error) {
	if s == "" {
		return Map{}, nil
	}
	var m Map
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("scope: parse key: %w", err)
	}
	return m, nil
}

// PairKeys expands a scope map into one "key=value" bucket identifier
// per bound value. These are the realtime registry's index keys.
// Wildcard bindings expand to "key=*".
func PairKeys(m Map) []string {
	var out []string
	for _, k := range m.Keys() {
		v := m[k]
		if v.IsWildcard() {
			out = append(out, k+"="+Wildcard)
			continue
		}
		for _, s := range v.Values() {
			out = append(out, k+"="+s)
		}
	}
	return out
}

// Union merges maps, unioning value sets per key. A wildcard on either
// side wins. Used to compute the effective scopes across subscriptions.
func Union(ms ...Map) Map {
	out := Map{}
	for _, m := range ms {
		for k, v := range m {
			prev, ok := out[k]
			switch {
			case !ok:
				out[k] = v
			case prev.IsWildcard() || v.IsWildcard():
				out[k] = Any()
			default:
				out[k] = Set(append(prev.Values(), v.Values()...)...)
			}
		}
	}
	return out
}

// PatternKey extracts the variable name from a scope pattern of the
// form "prefix:{varName}". The second return is false when the string
// is not a pattern.
func PatternKey(pattern string) (string, bool) {
	i := strings.Index(pattern, "{")
	if i < 0 || !strings.HasSuffix(pattern, "}") {
		return "", false
	}
	name := pattern[i+1 : len(pattern)-1]
	if name == "" {
		return "", false
	}
	return name, true
}

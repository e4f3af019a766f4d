package schema

import (
	"sort"
	"strings"
)

// Properties is a canonical, sorted rendering of a value property bag so that
// values carrying it stay comparable and usable as map keys.
type Properties string

// NewProperties builds canonical properties from alternating key/value pairs.
// A trailing key without a value is ignored.
func NewProperties(kv ...string) Properties {
	if len(kv) < 2 {
		return ""
	}
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := strings.TrimSpace(kv[i])
		if key == "" {
			continue
		}
		pairs = append(pairs, key+"="+strings.TrimSpace(kv[i+1]))
	}
	sort.Strings(pairs)
	return Properties(strings.Join(pairs, ","))
}

// Get returns the value stored for key.
func (p Properties) Get(key string) (string, bool) {
	if p == "" {
		return "", false
	}
	for _, pair := range strings.Split(string(p), ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

// ValueSpecification identifies one produced or requested value.
type ValueSpecification struct {
	Name       string
	Target     TargetSpecification
	Properties Properties
}

func (v ValueSpecification) String() string {
	var b strings.Builder
	b.WriteString(v.Name)
	b.WriteByte('[')
	b.WriteString(v.Target.String())
	if v.Properties != "" {
		b.WriteByte(';')
		b.WriteString(string(v.Properties))
	}
	b.WriteByte(']')
	return b.String()
}

// ValueRequirement asks for a named value on a target reference.
type ValueRequirement struct {
	Name        string
	Target      TargetReference
	Constraints Properties
}

func (r ValueRequirement) String() string {
	if r.Constraints == "" {
		return r.Name + "[" + r.Target.String() + "]"
	}
	return r.Name + "[" + r.Target.String() + ";" + string(r.Constraints) + "]"
}

// SortSpecifications orders value specifications by their string form.
func SortSpecifications(specs []ValueSpecification) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].String() < specs[j].String() })
}

// SpecificationSet is an unordered set of value specifications.
type SpecificationSet map[ValueSpecification]struct{}

// NewSpecificationSet builds a set from the given specifications.
func NewSpecificationSet(specs ...ValueSpecification) SpecificationSet {
	set := make(SpecificationSet, len(specs))
	for _, spec := range specs {
		set[spec] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s SpecificationSet) Contains(spec ValueSpecification) bool {
	_, ok := s[spec]
	return ok
}

// ContainsAny reports whether any of specs is a member.
func (s SpecificationSet) ContainsAny(specs []ValueSpecification) bool {
	for _, spec := range specs {
		if s.Contains(spec) {
			return true
		}
	}
	return false
}

// Sorted returns the members in deterministic order.
func (s SpecificationSet) Sorted() []ValueSpecification {
	out := make([]ValueSpecification, 0, len(s))
	for spec := range s {
		out = append(out, spec)
	}
	SortSpecifications(out)
	return out
}

// Package schema evaluates attribute constraints for resource models and classifies the
// restart impact of a change.
//
// Per-attribute checks (type, nullability, expressions, validators) run first and stop at
// the first failure. Mutual exclusion between alternatives is evaluated next, then
// requirements. Alternatives are symmetric: declaring B as an alternative of A makes A an
// alternative of B.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/util/sets"
)

// AttributeDescriptor describes one attribute of a resource type.
type AttributeDescriptor struct {
	Name     string
	Type     ValueType
	Nullable bool
	// Default is used when the attribute is undefined. A default makes an attribute
	// usable for requirement checks.
	Default interface{}
	// AllowExpression permits "${...}" values.
	AllowExpression bool
	// Alternatives are mutually exclusive with this attribute.
	Alternatives []string
	// Requires must be defined (or defaulted) whenever this attribute is defined.
	Requires []string
	Restart  RestartLevel
	// CapabilityReference is the base name of the dynamic capability the value names,
	// e.g. "key-store" for a value "ks1" resolving "key-store.ks1".
	CapabilityReference string
	Validators          []Validator
}

// Schema is the ordered, immutable attribute set of a resource type.
type Schema struct {
	attrs        []AttributeDescriptor
	index        map[string]int
	alternatives map[string]sets.Set[string]
}

// New builds a schema and closes alternatives under symmetry.
func New(attrs ...AttributeDescriptor) (*Schema, error) {
	s := &Schema{
		attrs:        make([]AttributeDescriptor, 0, len(attrs)),
		index:        make(map[string]int, len(attrs)),
		alternatives: make(map[string]sets.Set[string], len(attrs)),
	}
	for _, a := range attrs {
		if a.Name == "" {
			return nil, fmt.Errorf("attribute with empty name")
		}
		if _, dup := s.index[a.Name]; dup {
			return nil, fmt.Errorf("duplicate attribute %q", a.Name)
		}
		s.index[a.Name] = len(s.attrs)
		s.attrs = append(s.attrs, a)
		s.alternatives[a.Name] = sets.New[string]()
	}
	for _, a := range s.attrs {
		alts, reqs := sets.New(a.Alternatives...), sets.New(a.Requires...)
		if alts.Has(a.Name) || reqs.Has(a.Name) {
			return nil, fmt.Errorf("attribute %q references itself", a.Name)
		}
		if both := alts.Intersection(reqs); both.Len() > 0 {
			return nil, fmt.Errorf("attribute %q lists %s as both alternative and requirement", a.Name, strings.Join(sets.List(both), ", "))
		}
		for _, ref := range append(sets.List(alts), sets.List(reqs)...) {
			if _, ok := s.index[ref]; !ok {
				return nil, fmt.Errorf("attribute %q references unknown attribute %q", a.Name, ref)
			}
		}
		for alt := range alts {
			s.alternatives[a.Name].Insert(alt)
			s.alternatives[alt].Insert(a.Name)
		}
	}
	for _, a := range s.attrs {
		if both := s.alternatives[a.Name].Intersection(sets.New(a.Requires...)); both.Len() > 0 {
			return nil, fmt.Errorf("attribute %q requires its alternative %s", a.Name, strings.Join(sets.List(both), ", "))
		}
	}
	return s, nil
}

func MustNew(attrs ...AttributeDescriptor) *Schema {
	s, err := New(attrs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Attributes returns the descriptors in declaration order.
func (s *Schema) Attributes() []AttributeDescriptor {
	return append([]AttributeDescriptor(nil), s.attrs...)
}

func (s *Schema) Lookup(name string) (AttributeDescriptor, bool) {
	i, ok := s.index[name]
	if !ok {
		return AttributeDescriptor{}, false
	}
	return s.attrs[i], true
}

// AlternativesOf returns the symmetric alternatives of name, sorted.
func (s *Schema) AlternativesOf(name string) []string {
	return sets.List(s.alternatives[name])
}

// References returns the attributes whose values name another resource's capability.
func (s *Schema) References() []AttributeDescriptor {
	var out []AttributeDescriptor
	for _, a := range s.attrs {
		if a.CapabilityReference != "" {
			out = append(out, a)
		}
	}
	return out
}

// Effective returns the value of name in m, falling back to the default.
func (s *Schema) Effective(m *Model, name string) interface{} {
	if v, ok := m.Get(name); ok && v != nil {
		return v
	}
	if a, ok := s.Lookup(name); ok {
		return a.Default
	}
	return nil
}

// Normalize returns a copy of m with values coerced to their attribute type where the
// conversion is lossless (integral floats decoded from JSON become INT).
func (s *Schema) Normalize(m *Model) *Model {
	out := m.Clone()
	for _, k := range out.Keys() {
		a, ok := s.Lookup(k)
		if !ok {
			continue
		}
		v, _ := out.Get(k)
		out.Set(k, normalizeValue(a.Type, v))
	}
	return out
}

// ValidateAttribute runs the per-attribute checks for a single value.
func (s *Schema) ValidateAttribute(name string, v interface{}) error {
	a, ok := s.Lookup(name)
	if !ok {
		return violation(name, "unknown attribute %s", name)
	}
	return s.checkAttribute(a, normalizeValue(a.Type, v))
}

// Validate checks m against every constraint of the schema.
func (s *Schema) Validate(m *Model) error {
	for _, k := range m.Keys() {
		if _, ok := s.index[k]; !ok {
			return violation(k, "unknown attribute %s", k)
		}
	}

	for _, a := range s.attrs {
		v, _ := m.Get(a.Name)
		if v == nil {
			if !a.Nullable && a.Default == nil && !s.alternativeDefined(m, a.Name) {
				return violation(a.Name, "%s is required", a.Name)
			}
			continue
		}
		if err := s.checkAttribute(a, v); err != nil {
			return err
		}
	}

	for _, a := range s.attrs {
		if !m.Defined(a.Name) {
			continue
		}
		for _, alt := range sets.List(s.alternatives[a.Name]) {
			if m.Defined(alt) {
				pair := []string{a.Name, alt}
				sort.Strings(pair)
				return violation(a.Name, "mutually exclusive: %s, %s", pair[0], pair[1])
			}
		}
	}

	for _, a := range s.attrs {
		if !m.Defined(a.Name) {
			continue
		}
		for _, req := range a.Requires {
			if m.Defined(req) {
				continue
			}
			if d, _ := s.Lookup(req); d.Default != nil {
				continue
			}
			return violation(a.Name, "%s requires %s", a.Name, req)
		}
	}
	return nil
}

// Classify returns the most disruptive restart level among attributes whose effective
// value differs between before and after. Defining an attribute as its own default is
// not a change. Unchanged models classify as NONE.
func (s *Schema) Classify(before, after *Model) RestartLevel {
	level := RestartNone
	for _, a := range s.attrs {
		if a.Restart <= level {
			continue
		}
		if !equality.Semantic.DeepEqual(s.Effective(before, a.Name), s.Effective(after, a.Name)) {
			level = level.Max(a.Restart)
		}
	}
	return level
}

func (s *Schema) alternativeDefined(m *Model, name string) bool {
	for alt := range s.alternatives[name] {
		if m.Defined(alt) {
			return true
		}
	}
	return false
}

func (s *Schema) checkAttribute(a AttributeDescriptor, v interface{}) error {
	if v == nil {
		if a.Nullable || a.Default != nil {
			return nil
		}
		return violation(a.Name, "%s is required", a.Name)
	}
	if err := checkType(a, v); err != nil {
		return err
	}
	if !a.AllowExpression && containsExpression(v) {
		return violation(a.Name, "%s does not allow expressions", a.Name)
	}
	for _, val := range a.Validators {
		if err := val.Validate(a.Name, v); err != nil {
			if cv, ok := AsViolation(err); ok {
				return cv
			}
			return violation(a.Name, "%s: %v", a.Name, err)
		}
	}
	return nil
}

func checkType(a AttributeDescriptor, v interface{}) error {
	ok := false
	switch a.Type {
	case TypeString:
		_, ok = v.(string)
	case TypeInt:
		_, ok = v.(int64)
	case TypeBoolean:
		_, ok = v.(bool)
	case TypeList:
		var items []interface{}
		if items, ok = v.([]interface{}); ok {
			for _, item := range items {
				if _, isString := item.(string); !isString {
					ok = false
					break
				}
			}
		}
	}
	if !ok {
		return violation(a.Name, "%s must be %s, got %T", a.Name, a.Type, v)
	}
	return nil
}

func containsExpression(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, "${")
	case []interface{}:
		for _, item := range t {
			if containsExpression(item) {
				return true
			}
		}
	}
	return false
}

func normalizeValue(t ValueType, v interface{}) interface{} {
	v = jsonValue(v)
	if t != TypeInt {
		return v
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return v
}

package schema

import (
	"sort"

	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/runtime"
)

// Model is the ordered attribute-value map of one resource. A key holding nil is
// present but undefined.
type Model struct {
	keys   []string
	values map[string]interface{}
}

func NewModel() *Model {
	return &Model{values: make(map[string]interface{})}
}

// ModelFrom builds a model from m with keys in sorted order.
func ModelFrom(m map[string]interface{}) *Model {
	out := NewModel()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Set(k, m[k])
	}
	return out
}

// Get returns the raw value and whether the key is present.
func (m *Model) Get(name string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[name]
	return v, ok
}

// Defined reports whether name is present with a non-nil value.
func (m *Model) Defined(name string) bool {
	v, ok := m.Get(name)
	return ok && v != nil
}

// Set stores v under name, keeping the original position of an existing key.
func (m *Model) Set(name string, v interface{}) {
	if _, ok := m.values[name]; !ok {
		m.keys = append(m.keys, name)
	}
	m.values[name] = jsonValue(v)
}

func (m *Model) Unset(name string) {
	if _, ok := m.values[name]; !ok {
		return
	}
	delete(m.values, name)
	for i, k := range m.keys {
		if k == name {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the attribute names in insertion order.
func (m *Model) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

func (m *Model) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone deep-copies every value.
func (m *Model) Clone() *Model {
	out := NewModel()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out.keys = append(out.keys, k)
		out.values[k] = runtime.DeepCopyJSONValue(m.values[k])
	}
	return out
}

// Map returns a deep copy of the defined values.
func (m *Model) Map() map[string]interface{} {
	out := make(map[string]interface{}, m.Len())
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		if v := m.values[k]; v != nil {
			out[k] = runtime.DeepCopyJSONValue(v)
		}
	}
	return out
}

// Equal compares defined values; key order and nil-valued keys are ignored.
func (m *Model) Equal(o *Model) bool {
	return equality.Semantic.DeepEqual(m.Map(), o.Map())
}

// jsonValue converts common Go shapes to the JSON-compatible forms the model stores.
func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

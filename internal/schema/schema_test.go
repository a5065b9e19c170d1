package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

// nativeInterface mirrors the management native interface attributes.
func nativeInterface(t *testing.T) *Schema {
	t.Helper()
	s, err := New(
		AttributeDescriptor{
			Name: "security-realm", Type: TypeString, Nullable: true,
			Restart: RestartAllServices, CapabilityReference: "security-realm",
		},
		AttributeDescriptor{
			Name: "sasl-authentication-factory", Type: TypeString, Nullable: true,
			Alternatives: []string{"security-realm"}, Restart: RestartResourceServices,
			CapabilityReference: "sasl-authentication-factory",
		},
		AttributeDescriptor{
			Name: "server-name", Type: TypeString, Nullable: true,
			Requires: []string{"security-realm"}, Restart: RestartResourceServices,
		},
		AttributeDescriptor{
			Name: "sasl-protocol", Type: TypeString, Nullable: true, Default: "remote",
			Requires: []string{"security-realm"}, Restart: RestartResourceServices,
		},
		AttributeDescriptor{Name: "description", Type: TypeString, Nullable: true},
	)
	require.NoError(t, err)
	return s
}

func model(kv ...interface{}) *Model {
	m := NewModel()
	for i := 0; i < len(kv); i += 2 {
		m.Set(kv[i].(string), kv[i+1])
	}
	return m
}

func TestValidate_AlternativesRejectedInEitherOrder(t *testing.T) {
	s := nativeInterface(t)

	for _, m := range []*Model{
		model("security-realm", "r", "sasl-authentication-factory", "f"),
		model("sasl-authentication-factory", "f", "security-realm", "r"),
	} {
		err := s.Validate(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrConstraintViolation))
		assert.Contains(t, err.Error(), "mutually exclusive: sasl-authentication-factory, security-realm")
	}
}

func TestValidate_AlternativesAreSymmetric(t *testing.T) {
	s := nativeInterface(t)
	assert.Equal(t, []string{"sasl-authentication-factory"}, s.AlternativesOf("security-realm"))
	assert.Equal(t, []string{"security-realm"}, s.AlternativesOf("sasl-authentication-factory"))
}

func TestValidate_Requires(t *testing.T) {
	s := nativeInterface(t)

	err := s.Validate(model("server-name", "host"))
	require.Error(t, err)
	cv, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, "server-name", cv.Attribute)
	assert.Equal(t, "server-name requires security-realm", cv.Reason)

	assert.NoError(t, s.Validate(model("server-name", "host", "security-realm", "r")))
	assert.NoError(t, s.Validate(model()))
}

func TestValidate_RequiresCountsDefaults(t *testing.T) {
	s := MustNew(
		AttributeDescriptor{Name: "a", Type: TypeString, Nullable: true, Requires: []string{"b"}},
		AttributeDescriptor{Name: "b", Type: TypeString, Nullable: true, Default: "x"},
	)
	assert.NoError(t, s.Validate(model("a", "set")))
}

func TestValidate_NullIsUndefined(t *testing.T) {
	s := nativeInterface(t)
	assert.NoError(t, s.Validate(model("security-realm", "r", "sasl-authentication-factory", nil)))
}

func TestValidate_PerAttributeFailureShortCircuits(t *testing.T) {
	s := nativeInterface(t)
	// Both a type error and an alternatives conflict; the type error wins.
	err := s.Validate(model("security-realm", int64(3), "sasl-authentication-factory", "f"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security-realm must be STRING")
}

func TestValidate_UnknownAttribute(t *testing.T) {
	s := nativeInterface(t)
	err := s.Validate(model("bogus", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown attribute bogus")
}

func TestValidate_RequiredAttribute(t *testing.T) {
	s := MustNew(AttributeDescriptor{Name: "path", Type: TypeString})
	err := s.Validate(model())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestValidate_Expressions(t *testing.T) {
	s := MustNew(
		AttributeDescriptor{Name: "plain", Type: TypeString, Nullable: true},
		AttributeDescriptor{Name: "expr", Type: TypeString, Nullable: true, AllowExpression: true},
	)
	assert.Error(t, s.Validate(model("plain", "${env.HOST}")))
	assert.NoError(t, s.Validate(model("expr", "${env.HOST}")))
}

func TestValidate_Validators(t *testing.T) {
	s := MustNew(
		AttributeDescriptor{Name: "mode", Type: TypeString, Nullable: true, Validators: []Validator{OneOf("a", "b")}},
		AttributeDescriptor{Name: "port", Type: TypeInt, Nullable: true, Validators: []Validator{IntRange(1, 65535)}},
		AttributeDescriptor{Name: "entries", Type: TypeList, Nullable: true, Validators: []Validator{
			MustCELRule("self.all(e, e.size() > 0)", "entries must not be empty strings"),
		}},
	)
	assert.NoError(t, s.Validate(model("mode", "a", "port", 9990, "entries", []string{"x"})))
	assert.Error(t, s.Validate(model("mode", "c")))
	assert.Error(t, s.Validate(model("port", 0)))

	err := s.Validate(model("entries", []string{"x", ""}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entries must not be empty strings")
}

func TestCELRule_RejectsNonBool(t *testing.T) {
	_, err := CELRule("1 + 2", "")
	assert.Error(t, err)
}

func TestNew_RejectsContradictoryDescriptors(t *testing.T) {
	_, err := New(AttributeDescriptor{Name: "a", Alternatives: []string{"a"}})
	assert.Error(t, err)

	_, err = New(
		AttributeDescriptor{Name: "a", Alternatives: []string{"b"}, Requires: []string{"b"}},
		AttributeDescriptor{Name: "b"},
	)
	assert.Error(t, err)

	// b declares a as alternative; a requiring b contradicts the symmetric closure.
	_, err = New(
		AttributeDescriptor{Name: "a", Requires: []string{"b"}},
		AttributeDescriptor{Name: "b", Alternatives: []string{"a"}},
	)
	assert.Error(t, err)

	_, err = New(AttributeDescriptor{Name: "a", Requires: []string{"missing"}})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	s := nativeInterface(t)
	base := model("security-realm", "r", "server-name", "h")

	assert.Equal(t, RestartNone, s.Classify(base, base.Clone()))

	descr := base.Clone()
	descr.Set("description", "x")
	assert.Equal(t, RestartNone, s.Classify(base, descr))

	name := base.Clone()
	name.Set("server-name", "other")
	assert.Equal(t, RestartResourceServices, s.Classify(base, name))

	both := name.Clone()
	both.Set("security-realm", "r2")
	assert.Equal(t, RestartAllServices, s.Classify(base, both))
}

func TestClassify_SecondIdenticalWriteIsNone(t *testing.T) {
	s := nativeInterface(t)
	m0 := model("security-realm", "r")
	m1 := m0.Clone()
	m1.Set("server-name", "h")
	m2 := m1.Clone()
	m2.Set("server-name", "h")

	assert.Equal(t, RestartResourceServices, s.Classify(m0, m1))
	assert.Equal(t, RestartNone, s.Classify(m1, m2))
}

func TestClassify_DefaultValueIsNotAChange(t *testing.T) {
	s := nativeInterface(t)
	m0 := model("security-realm", "r")
	m1 := m0.Clone()
	m1.Set("sasl-protocol", "remote")

	assert.Equal(t, RestartNone, s.Classify(m0, m1))
	assert.Equal(t, RestartNone, s.Classify(m1, m0))

	m2 := m0.Clone()
	m2.Set("sasl-protocol", "other")
	assert.Equal(t, RestartResourceServices, s.Classify(m0, m2))
}

func TestValidateAttribute(t *testing.T) {
	s := nativeInterface(t)
	require.NoError(t, s.ValidateAttribute("server-name", "h"))

	err := s.ValidateAttribute("server-name", "${host}")
	cv, ok := AsViolation(err)
	require.True(t, ok, "expected violation, got %v", err)
	assert.Equal(t, "server-name", cv.Attribute)

	err = s.ValidateAttribute("no-such", "x")
	assert.True(t, errors.Is(err, errdefs.ErrConstraintViolation))
}

func TestNormalize_IntegralFloats(t *testing.T) {
	s := MustNew(
		AttributeDescriptor{Name: "port", Type: TypeInt, Nullable: true},
		AttributeDescriptor{Name: "ratio", Type: TypeString, Nullable: true},
	)
	out := s.Normalize(model("port", float64(9990)))
	v, _ := out.Get("port")
	assert.Equal(t, int64(9990), v)

	out = s.Normalize(model("port", 1.5))
	assert.Error(t, s.Validate(out))
}

func TestModel_CloneIsDeep(t *testing.T) {
	m := model("entries", []string{"a"})
	c := m.Clone()
	v, _ := c.Get("entries")
	v.([]interface{})[0] = "changed"

	orig, _ := m.Get("entries")
	assert.Equal(t, "a", orig.([]interface{})[0])
	assert.Equal(t, []string{"entries"}, c.Keys())
}

func TestModel_OrderAndEquality(t *testing.T) {
	a := model("x", "1", "y", "2")
	b := model("y", "2", "x", "1", "z", nil)
	assert.Equal(t, []string{"x", "y"}, a.Keys())
	assert.True(t, a.Equal(b))

	a.Unset("x")
	assert.Equal(t, []string{"y"}, a.Keys())
	assert.False(t, a.Equal(b))
}

func TestRestartLevel_String(t *testing.T) {
	for _, l := range []RestartLevel{RestartNone, RestartResourceServices, RestartAllServices} {
		got, err := ParseRestartLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	assert.Equal(t, RestartAllServices, RestartResourceServices.Max(RestartAllServices))
}

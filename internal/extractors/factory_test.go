package extractors

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
	"api-replay/internal/models"
)

func TestNewRule_Shapes(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		kind Kind
	}{
		{"bare string is json path", "$.access_token", KindJSONPath},
		{"type with string rule", map[string]interface{}{"type": "regex", "rule": `id=(\d+)`}, KindRegex},
		{"type tag is case-insensitive", map[string]interface{}{"type": "JSONPATH", "rule": "$.a"}, KindJSONPath},
		{"snake case alias", map[string]interface{}{"type": "json_path", "rule": "$.a"}, KindJSONPath},
		{"structured rule object", map[string]interface{}{"type": "boundary", "rule": map[string]interface{}{"left": "<b>", "right": "</b>"}}, KindBoundary},
		{"fields beside type", map[string]interface{}{"type": "xpath", "expression": "//id", "occurrence": -1}, KindXPath},
		{"text check", map[string]interface{}{"type": "text_check", "rule": "Welcome"}, KindTextCheck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := NewRule("value", tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, rule.RuleKind())
			assert.Equal(t, "value", rule.RuleName())
		})
	}
}

func TestNewRule_Options(t *testing.T) {
	rule, err := NewRule("sid", map[string]interface{}{
		"type":       "regex",
		"scope":      "Headers",
		"occurrence": 2,
		"converters": "trim",
		"transform":  `upper(value)`,
		"rule": map[string]interface{}{
			"expression": `SESSION=([^;]+)`,
			"flags":      "i",
		},
	})
	require.NoError(t, err)

	rr, ok := rule.(*RegexRule)
	require.True(t, ok)
	assert.Equal(t, ScopeHeaders, rr.Scope)
	assert.Equal(t, 2, rr.Occurrence)
	assert.Equal(t, []string{"trim"}, rr.Converters)
	assert.Equal(t, `upper(value)`, rr.Transform)
	assert.Equal(t, "i", rr.Flags)
	assert.Equal(t, 1, rr.Group)
}

func TestNewRule_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
	}{
		{"unknown type", map[string]interface{}{"type": "css", "rule": "div"}},
		{"missing type", map[string]interface{}{"rule": "$.a"}},
		{"empty shorthand", "  "},
		{"nil", nil},
		{"number", 42},
		{"bad regex", map[string]interface{}{"type": "regex", "rule": "("}},
		{"boundary shorthand", map[string]interface{}{"type": "boundary", "rule": "x"}},
		{"unknown scope", map[string]interface{}{"type": "jsonPath", "rule": "$.a", "scope": "cookies"}},
		{"unknown converter", map[string]interface{}{"type": "jsonPath", "rule": "$.a", "converters": []interface{}{"rot13"}}},
		{"bad transform", map[string]interface{}{"type": "jsonPath", "rule": "$.a", "transform": "value +"}},
		{"wrong field type", map[string]interface{}{"type": "regex", "rule": "a", "occurrence": "last"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRule("v", tt.raw)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeExtractionRule), "got %v", err)
		})
	}
}

func TestFactory_Build(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.DebugLevel, Output: &buf})
	require.NoError(t, err)

	var mapping map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(`
access_token: $.access_token
session_id:
  type: regex
  rule: 'sid=(\w+)'
broken:
  type: css
  rule: div
expires_in:
  type: jsonPath
  rule:
    path: $.expires_in
`), &mapping))

	d := &models.ApiDescriptor{Name: "login", ResponseMapping: models.ResponseMapping{Extractors: mapping}}

	rules := NewFactory(logger).Build(d)
	require.Len(t, rules, 3)
	assert.Equal(t, "access_token", rules[0].RuleName())
	assert.Equal(t, "expires_in", rules[1].RuleName())
	assert.Equal(t, "session_id", rules[2].RuleName())

	assert.Contains(t, buf.String(), "Skipping extraction rule")
	assert.Contains(t, buf.String(), "broken")

	// descriptor mapping untouched
	assert.Len(t, d.ResponseMapping.Extractors, 4)
}

func TestFactory_BuildEmpty(t *testing.T) {
	assert.Empty(t, NewFactory(logging.NewNopLogger()).Build(&models.ApiDescriptor{}))
}

func TestToGJSON(t *testing.T) {
	tests := map[string]string{
		"$":                   "@this",
		"$.a":                 "a",
		"$.a.b[0].c":          "a.b.0.c",
		"$.items[*].id":       "items.#.id",
		"$['weird key'].x":    "weird key.x",
		"already.gjson.style": "already.gjson.style",
	}
	for in, want := range tests {
		assert.Equal(t, want, toGJSON(in), in)
	}
}

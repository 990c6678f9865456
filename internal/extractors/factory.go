package extractors

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
	"api-replay/internal/models"
)

// entry is the decoded form of one response_mapping.extractors value
type entry struct {
	Type       string      `json:"type"`
	Rule       interface{} `json:"rule"`
	Expression string      `json:"expression"`
	Path       string      `json:"path"`
	Flags      string      `json:"flags"`
	Group      *int        `json:"group"`
	Left       string      `json:"left"`
	Right      string      `json:"right"`
	Text       string      `json:"text"`
	Scope      string      `json:"scope"`
	Occurrence int         `json:"occurrence"`
	Converters stringList  `json:"converters"`
	Transform  string      `json:"transform"`
}

// stringList accepts a single string or a list of strings
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*l = stringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("converters must be a string or a list of strings")
	}
	*l = many
	return nil
}

var kindAliases = map[string]Kind{
	"regex":      KindRegex,
	"regexp":     KindRegex,
	"jsonpath":   KindJSONPath,
	"json_path":  KindJSONPath,
	"xpath":      KindXPath,
	"boundary":   KindBoundary,
	"textcheck":  KindTextCheck,
	"text_check": KindTextCheck,
}

// ParseKind resolves a type tag case-insensitively
func ParseKind(tag string) (Kind, bool) {
	kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(tag))]
	return kind, ok
}

// Factory builds rules from descriptors
type Factory struct {
	logger logging.Logger
}

// NewFactory creates a Factory
func NewFactory(logger logging.Logger) *Factory {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Factory{logger: logger}
}

// Build returns d's extraction rules sorted by name. Malformed entries are
// logged and skipped; they never fail the request.
func (f *Factory) Build(d *models.ApiDescriptor) []Rule {
	mapping := d.ResponseMapping.Extractors
	if len(mapping) == 0 {
		return nil
	}

	names := lo.Keys(mapping)
	sort.Strings(names)

	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		rule, err := NewRule(name, mapping[name])
		if err != nil {
			f.logger.Warn("Skipping extraction rule",
				logging.String("api", d.Name),
				logging.String("rule", name),
				logging.String("error", err.Error()))
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

// NewRule builds a single rule from a mapping value: a JSONPath shorthand
// string, or an object carrying a type tag
func NewRule(name string, raw interface{}) (Rule, error) {
	if name == "" {
		return nil, errors.ExtractionRuleError(name, "rule name is empty")
	}

	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, errors.ExtractionRuleError(name, "json path shorthand is empty")
		}
		return &JSONPathRule{Options: Options{Name: name}, Path: v}, nil
	case map[string]interface{}:
		return fromObject(name, v)
	case nil:
		return nil, errors.ExtractionRuleError(name, "rule is empty")
	default:
		return nil, errors.ExtractionRuleError(name, fmt.Sprintf("unsupported rule shape %T", raw))
	}
}

func fromObject(name string, obj map[string]interface{}) (Rule, error) {
	var e entry
	if err := decodeEntry(obj, &e); err != nil {
		return nil, errors.ExtractionRuleError(name, err.Error())
	}

	kind, ok := ParseKind(e.Type)
	if !ok {
		return nil, errors.ExtractionRuleError(name, fmt.Sprintf("unknown extractor type %q", e.Type)).
			WithContext("type", e.Type)
	}

	// rule may be a shorthand string or an object whose fields override the
	// ones written beside type
	switch r := e.Rule.(type) {
	case nil:
	case string:
		switch kind {
		case KindJSONPath:
			e.Path = r
		case KindTextCheck:
			e.Text = r
		case KindBoundary:
			return nil, errors.ExtractionRuleError(name, "boundary rule needs left and right fields")
		default:
			e.Expression = r
		}
	case map[string]interface{}:
		if err := decodeEntry(r, &e); err != nil {
			return nil, errors.ExtractionRuleError(name, err.Error())
		}
	default:
		return nil, errors.ExtractionRuleError(name, fmt.Sprintf("unsupported rule value %T", e.Rule))
	}

	opts, err := e.options(name)
	if err != nil {
		return nil, errors.ExtractionRuleError(name, err.Error())
	}

	var rule Rule
	switch kind {
	case KindRegex:
		group := -1
		if e.Group != nil {
			group = *e.Group
		}
		rr := &RegexRule{Options: opts, Expression: e.Expression, Flags: e.Flags, Group: group}
		if err := rr.compile(); err != nil {
			return nil, errors.ExtractionRuleError(name, err.Error())
		}
		rule = rr
	case KindJSONPath:
		path := lo.Ternary(e.Path != "", e.Path, e.Expression)
		if path == "" {
			return nil, errors.ExtractionRuleError(name, "json path is empty")
		}
		rule = &JSONPathRule{Options: opts, Path: path}
	case KindXPath:
		expr := lo.Ternary(e.Expression != "", e.Expression, e.Path)
		if expr == "" {
			return nil, errors.ExtractionRuleError(name, "xpath expression is empty")
		}
		rule = &XPathRule{Options: opts, Expression: expr}
	case KindBoundary:
		if e.Left == "" && e.Right == "" {
			return nil, errors.ExtractionRuleError(name, "boundary needs a left or right delimiter")
		}
		rule = &BoundaryRule{Options: opts, Left: e.Left, Right: e.Right}
	case KindTextCheck:
		text := lo.Ternary(e.Text != "", e.Text, e.Expression)
		if text == "" {
			return nil, errors.ExtractionRuleError(name, "text check needs a text to look for")
		}
		rule = &TextCheckRule{Options: opts, Text: text}
	}
	return rule, nil
}

func (e entry) options(name string) (Options, error) {
	scope := Scope(strings.ToLower(e.Scope))
	if scope != "" && !lo.Contains([]Scope{ScopeBody, ScopeHeaders, ScopeAll}, scope) {
		return Options{}, fmt.Errorf("unknown scope %q", e.Scope)
	}

	for _, c := range e.Converters {
		if !IsConverter(c) {
			return Options{}, fmt.Errorf("unknown converter %q", c)
		}
	}

	if e.Transform != "" {
		if _, err := compileTransform(e.Transform); err != nil {
			return Options{}, err
		}
	}

	return Options{
		Name:       name,
		Scope:      scope,
		Occurrence: e.Occurrence,
		Converters: e.Converters,
		Transform:  e.Transform,
	}, nil
}

// decodeEntry overlays the fields in obj onto e
func decodeEntry(obj map[string]interface{}, e *entry) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("rule is not serializable: %w", err)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("malformed rule: %w", err)
	}
	return nil
}

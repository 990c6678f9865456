package extractors

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/clbanning/mxj/v2"
	"github.com/tidwall/gjson"
)

// RegexRule captures a group of every match of Expression
type RegexRule struct {
	Options
	Expression string
	// Flags is any combination of i, m and s
	Flags string
	// Group is the capture group to return; -1 picks group 1 when the
	// expression has groups, the whole match otherwise
	Group int

	re *regexp.Regexp
}

// JSONPathRule reads a value from a JSON body
type JSONPathRule struct {
	Options
	Path string

	query string
}

// XPathRule reads element text or attributes from an XML body
type XPathRule struct {
	Options
	Expression string
}

// BoundaryRule captures the text between Left and Right
type BoundaryRule struct {
	Options
	Left  string
	Right string
}

// TextCheckRule reports "true" or "false" depending on whether Text occurs
type TextCheckRule struct {
	Options
	Text string
}

func (r *RegexRule) sealed()     {}
func (r *JSONPathRule) sealed()  {}
func (r *XPathRule) sealed()     {}
func (r *BoundaryRule) sealed()  {}
func (r *TextCheckRule) sealed() {}

func (r *RegexRule) RuleName() string     { return r.Name }
func (r *JSONPathRule) RuleName() string  { return r.Name }
func (r *XPathRule) RuleName() string     { return r.Name }
func (r *BoundaryRule) RuleName() string  { return r.Name }
func (r *TextCheckRule) RuleName() string { return r.Name }

func (r *RegexRule) RuleKind() Kind     { return KindRegex }
func (r *JSONPathRule) RuleKind() Kind  { return KindJSONPath }
func (r *XPathRule) RuleKind() Kind     { return KindXPath }
func (r *BoundaryRule) RuleKind() Kind  { return KindBoundary }
func (r *TextCheckRule) RuleKind() Kind { return KindTextCheck }

// compile validates the expression and resolves the default group
func (r *RegexRule) compile() error {
	if r.Expression == "" {
		return fmt.Errorf("regex expression is empty")
	}
	pattern := r.Expression
	if r.Flags != "" {
		for _, f := range r.Flags {
			if !strings.ContainsRune("ims", f) {
				return fmt.Errorf("unsupported regex flag %q", f)
			}
		}
		pattern = "(?" + r.Flags + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	if r.Group < 0 {
		r.Group = 0
		if re.NumSubexp() > 0 {
			r.Group = 1
		}
	}
	if r.Group > re.NumSubexp() {
		return fmt.Errorf("regex has %d groups, group %d requested", re.NumSubexp(), r.Group)
	}
	r.re = re
	return nil
}

// Extract implements Rule
func (r *RegexRule) Extract(in Input) (string, bool, error) {
	if r.re == nil {
		if err := r.compile(); err != nil {
			return "", false, err
		}
	}

	var candidates []string
	for _, text := range r.texts(in) {
		for _, m := range r.re.FindAllStringSubmatch(text, -1) {
			candidates = append(candidates, m[r.Group])
		}
	}
	return r.finish(candidates)
}

var (
	bracketIndex = regexp.MustCompile(`\[(\d+|\*)\]`)
	bracketKey   = regexp.MustCompile(`\[['"]([^'"]+)['"]\]`)
)

// toGJSON converts a JSONPath expression such as $.data.items[0].id into
// gjson syntax. Expressions without a leading $ are taken as gjson already.
func toGJSON(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}
	p := strings.TrimPrefix(path, "$")
	p = bracketKey.ReplaceAllString(p, ".$1")
	p = bracketIndex.ReplaceAllStringFunc(p, func(m string) string {
		if m == "[*]" {
			return ".#"
		}
		return "." + strings.Trim(m, "[]")
	})
	p = strings.TrimPrefix(p, ".")
	if p == "" {
		return "@this"
	}
	return p
}

// Extract implements Rule
func (r *JSONPathRule) Extract(in Input) (string, bool, error) {
	if r.query == "" {
		if r.Path == "" {
			return "", false, fmt.Errorf("json path is empty")
		}
		r.query = toGJSON(r.Path)
	}

	var docs []string
	switch r.scope() {
	case ScopeHeaders:
		docs = []string{headerJSON(in)}
	case ScopeAll:
		docs = []string{headerJSON(in), string(in.Body)}
	default:
		docs = []string{string(in.Body)}
	}

	var candidates []string
	for _, doc := range docs {
		if !gjson.Valid(doc) {
			continue
		}
		res := gjson.Get(doc, r.query)
		if !res.Exists() {
			continue
		}
		if strings.Contains(r.query, "#") && res.IsArray() {
			for _, item := range res.Array() {
				candidates = append(candidates, item.String())
			}
			continue
		}
		candidates = append(candidates, res.String())
	}
	return r.finish(candidates)
}

func headerJSON(in Input) string {
	flat := make(map[string]string, len(in.Headers))
	for name := range in.Headers {
		flat[name] = in.Headers.Get(name)
	}
	data, _ := json.Marshal(flat)
	return string(data)
}

// Extract implements Rule
func (r *XPathRule) Extract(in Input) (string, bool, error) {
	if r.Expression == "" {
		return "", false, fmt.Errorf("xpath expression is empty")
	}
	if len(in.Body) == 0 {
		return "", false, nil
	}

	doc, err := mxj.NewMapXml(in.Body)
	if err != nil {
		// not an XML body: nothing to match
		return "", false, nil
	}

	values, err := xpathValues(doc, r.Expression)
	if err != nil {
		return "", false, err
	}

	candidates := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := xmlText(v); ok {
			candidates = append(candidates, s)
		}
	}
	return r.finish(candidates)
}

// xpathValues supports absolute paths (/a/b/@c), descendant paths (//b/c),
// 1-based positional predicates and a trailing text() step
func xpathValues(doc mxj.Map, expr string) ([]interface{}, error) {
	expr = strings.TrimSuffix(expr, "/text()")

	descendant := strings.HasPrefix(expr, "//")
	expr = strings.TrimLeft(expr, "/")
	if expr == "" {
		return nil, fmt.Errorf("xpath expression selects nothing")
	}

	steps := strings.Split(expr, "/")
	for i, step := range steps {
		step = strings.Replace(step, "@", "-", 1)
		step = bracketIndex.ReplaceAllStringFunc(step, func(m string) string {
			n, err := strconv.Atoi(strings.Trim(m, "[]"))
			if err != nil || n < 1 {
				return m
			}
			return fmt.Sprintf("[%d]", n-1)
		})
		steps[i] = step
	}

	if !descendant {
		return doc.ValuesForPath(strings.Join(steps, "."))
	}

	head, rest := steps[0], steps[1:]
	roots, err := doc.ValuesForKey(head)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		return roots, nil
	}

	var out []interface{}
	for _, root := range roots {
		m, ok := root.(map[string]interface{})
		if !ok {
			continue
		}
		values, err := mxj.Map(m).ValuesForPath(strings.Join(rest, "."))
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	return out, nil
}

func xmlText(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case map[string]interface{}:
		if text, ok := val["#text"]; ok {
			return fmt.Sprint(text), true
		}
		return "", false
	case []interface{}:
		return "", false
	default:
		return fmt.Sprint(val), true
	}
}

// Extract implements Rule
func (r *BoundaryRule) Extract(in Input) (string, bool, error) {
	if r.Left == "" && r.Right == "" {
		return "", false, fmt.Errorf("boundary needs a left or right delimiter")
	}

	var candidates []string
	for _, text := range r.texts(in) {
		candidates = append(candidates, between(text, r.Left, r.Right)...)
	}
	return r.finish(candidates)
}

// between returns every non-overlapping span delimited by left and right.
// An empty right boundary runs to the end of the line.
func between(text, left, right string) []string {
	var out []string
	for {
		start := 0
		if left != "" {
			i := strings.Index(text, left)
			if i < 0 {
				return out
			}
			start = i + len(left)
		}
		text = text[start:]

		end := len(text)
		if right != "" {
			end = strings.Index(text, right)
			if end < 0 {
				return out
			}
		} else if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			end = nl
		}

		out = append(out, text[:end])
		text = text[end+len(right):]
		if left == "" {
			return out
		}
	}
}

// Extract implements Rule. It always matches.
func (r *TextCheckRule) Extract(in Input) (string, bool, error) {
	if r.Text == "" {
		return "", false, fmt.Errorf("text check needs a text to look for")
	}

	found := false
	for _, text := range r.texts(in) {
		if strings.Contains(text, r.Text) {
			found = true
			break
		}
	}
	opts := r.Options
	opts.Occurrence = 0
	return opts.finish([]string{strconv.FormatBool(found)})
}

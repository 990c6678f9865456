// Package extractors turns a descriptor's response_mapping into typed rules
// and runs them against responses
package extractors

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind identifies the rule variant
type Kind string

const (
	KindRegex     Kind = "regex"
	KindJSONPath  Kind = "jsonPath"
	KindXPath     Kind = "xpath"
	KindBoundary  Kind = "boundary"
	KindTextCheck Kind = "textCheck"
)

// Scope selects which part of the response a rule reads
type Scope string

const (
	ScopeBody    Scope = "body"
	ScopeHeaders Scope = "headers"
	ScopeAll     Scope = "all"
)

// Input is the response a rule runs against
type Input struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Options are shared by every rule kind
type Options struct {
	// Name is the key the extracted value is stored under
	Name string
	// Scope defaults to ScopeBody
	Scope Scope
	// Occurrence picks among several matches: 1-based, 0 means the first and
	// -1 the last
	Occurrence int
	// Converters are applied to the picked value in order
	Converters []string
	// Transform is an expr expression with the value bound to `value`
	Transform string
}

// Rule is a single extraction. The set of implementations is closed.
type Rule interface {
	// RuleName returns the value name the rule extracts into
	RuleName() string
	// RuleKind returns the rule variant
	RuleKind() Kind
	// Extract returns the extracted value and whether anything matched
	Extract(in Input) (string, bool, error)

	sealed()
}

func (o Options) scope() Scope {
	if o.Scope == "" {
		return ScopeBody
	}
	return o.Scope
}

// texts returns the response segments o's scope covers, headers first
func (o Options) texts(in Input) []string {
	switch o.scope() {
	case ScopeHeaders:
		return []string{headerText(in.Headers)}
	case ScopeAll:
		return []string{headerText(in.Headers), string(in.Body)}
	default:
		return []string{string(in.Body)}
	}
}

// finish picks the configured occurrence and runs converters and transform
func (o Options) finish(candidates []string) (string, bool, error) {
	value, ok := pick(candidates, o.Occurrence)
	if !ok {
		return "", false, nil
	}

	value, err := convert(value, o.Converters)
	if err != nil {
		return "", false, fmt.Errorf("extractor %s: %w", o.Name, err)
	}

	if o.Transform != "" {
		value, err = runTransform(o.Transform, value)
		if err != nil {
			return "", false, fmt.Errorf("extractor %s: %w", o.Name, err)
		}
	}
	return value, true, nil
}

func pick(candidates []string, occurrence int) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	switch {
	case occurrence == 0:
		return candidates[0], true
	case occurrence < 0:
		idx := len(candidates) + occurrence
		if idx < 0 {
			return "", false
		}
		return candidates[idx], true
	case occurrence > len(candidates):
		return "", false
	default:
		return candidates[occurrence-1], true
	}
}

// headerText renders headers as "Name: value" lines in name order
func headerText(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, v := range h[name] {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	return b.String()
}

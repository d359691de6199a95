// Package hybrid decides whether an AI-capable node runs its generated code
// or calls the model. The decision is made per input by matching the input
// against patterns extracted from the node's generated code.
package hybrid

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/flowstack-io/flowstack/core"
)

// PatternKind classifies an extracted code pattern.
type PatternKind string

const (
	PatternIf     PatternKind = "if"
	PatternSwitch PatternKind = "switch"
	PatternRegex  PatternKind = "regex"
	PatternTypeof PatternKind = "typeof"
)

// Pattern is one testable condition extracted from generated code.
type Pattern struct {
	Kind PatternKind
	// Raw is the source text the pattern came from.
	Raw string
	// Field is the dotted input path the condition inspects.
	Field string
	// Operator for comparison patterns: ===, !==, >, <, >=, <=.
	Operator string
	// Value is the literal compared against; for switch patterns the case
	// values; for typeof the expected type name; for regex the expression.
	Value string
	// Cases holds the case literals of a switch pattern.
	Cases []string
}

var (
	ifConditionRe = regexp.MustCompile(`if\s*\(([^)]+)\)`)
	switchRe      = regexp.MustCompile(`switch\s*\(\s*([^)]+?)\s*\)\s*\{([^}]*)\}`)
	caseRe        = regexp.MustCompile(`case\s+(?:"([^"]*)"|'([^']*)'|([\w.-]+))\s*:`)
	typeofRe      = regexp.MustCompile(`typeof\s+([\w.$\[\]]+)\s*[!=]==?\s*["'](\w+)["']`)
	regexTestRe   = regexp.MustCompile(`/((?:[^/\\]|\\.)+)/[a-z]*\.test\(\s*([\w.$\[\]]+)\s*\)`)
	comparisonRe  = regexp.MustCompile(`^\s*([\w.$\[\]]+)\s*(===|!==|==|!=|>=|<=|>|<)\s*(.+?)\s*$`)
)

// ExtractPatterns pulls testable conditions out of generated code:
// if/else comparisons, switch cases, regex tests, and typeof guards.
// Code with no recognizable patterns yields nil, which routes to AI.
func ExtractPatterns(code string) []Pattern {
	if strings.TrimSpace(code) == "" {
		return nil
	}
	var patterns []Pattern

	for _, m := range switchRe.FindAllStringSubmatch(code, -1) {
		subject := normalizeField(m[1])
		if subject == "" && m[1] != "input" {
			continue
		}
		var cases []string
		for _, c := range caseRe.FindAllStringSubmatch(m[2], -1) {
			for _, group := range c[1:] {
				if group != "" {
					cases = append(cases, group)
					break
				}
			}
		}
		if len(cases) > 0 {
			patterns = append(patterns, Pattern{
				Kind:  PatternSwitch,
				Raw:   strings.TrimSpace(m[0]),
				Field: subject,
				Cases: cases,
			})
		}
	}

	for _, m := range typeofRe.FindAllStringSubmatch(code, -1) {
		patterns = append(patterns, Pattern{
			Kind:  PatternTypeof,
			Raw:   strings.TrimSpace(m[0]),
			Field: normalizeField(m[1]),
			Value: m[2],
		})
	}

	for _, m := range regexTestRe.FindAllStringSubmatch(code, -1) {
		patterns = append(patterns, Pattern{
			Kind:  PatternRegex,
			Raw:   strings.TrimSpace(m[0]),
			Field: normalizeField(m[2]),
			Value: m[1],
		})
	}

	for _, m := range ifConditionRe.FindAllStringSubmatch(code, -1) {
		for _, clause := range strings.Split(m[1], "&&") {
			clause = strings.TrimSpace(clause)
			if strings.Contains(clause, "typeof") || regexTestRe.MatchString(clause) {
				continue // already captured by the dedicated extractors
			}
			cm := comparisonRe.FindStringSubmatch(clause)
			if cm == nil {
				continue
			}
			patterns = append(patterns, Pattern{
				Kind:     PatternIf,
				Raw:      clause,
				Field:    normalizeField(cm[1]),
				Operator: cm[2],
				Value:    strings.Trim(cm[3], `"'`),
			})
		}
	}

	return patterns
}

// normalizeField strips the generated code's parameter root (input/data)
// from a member expression, leaving the dotted lookup path.
func normalizeField(expr string) string {
	expr = strings.TrimSpace(expr)
	for _, root := range []string{"input.", "data.", "$input."} {
		if strings.HasPrefix(expr, root) {
			return strings.TrimPrefix(expr, root)
		}
	}
	if expr == "input" || expr == "data" {
		return ""
	}
	return expr
}

// Confidence scores.
const (
	switchCaseConfidence = 95
	fullMatchConfidence  = 90
	partialMatchBase     = 70
)

// MatchResult is the outcome of matching an input against a pattern set.
type MatchResult struct {
	Confidence     int
	MatchedPattern string
	Matched        int
	Total          int
}

// MatchInput evaluates every pattern against the input. A matching switch
// case scores 95 outright; otherwise the score is (matched/total) scaled,
// with 90 when every condition matched.
func MatchInput(patterns []Pattern, input interface{}) MatchResult {
	if len(patterns) == 0 {
		return MatchResult{}
	}

	result := MatchResult{Total: len(patterns)}
	var firstMatched string
	for _, p := range patterns {
		matched, detail := matchPattern(p, input)
		if !matched {
			continue
		}
		result.Matched++
		if firstMatched == "" {
			firstMatched = detail
		}
		if p.Kind == PatternSwitch {
			result.Confidence = switchCaseConfidence
			result.MatchedPattern = detail
		}
	}

	if result.Confidence == switchCaseConfidence {
		return result
	}
	if result.Matched == result.Total {
		result.Confidence = fullMatchConfidence
	} else {
		result.Confidence = result.Matched * partialMatchBase / result.Total
	}
	result.MatchedPattern = firstMatched
	return result
}

func matchPattern(p Pattern, input interface{}) (bool, string) {
	value, ok := core.GetNestedValue(input, p.Field)
	if !ok && p.Field != "" {
		return false, ""
	}
	if p.Field == "" {
		value = input
	}

	switch p.Kind {
	case PatternSwitch:
		for _, c := range p.Cases {
			if literalEquals(value, c) {
				return true, "case " + c
			}
		}
		return false, ""

	case PatternTypeof:
		return jsTypeOf(value) == p.Value, p.Raw

	case PatternRegex:
		s, ok := value.(string)
		if !ok {
			return false, ""
		}
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return false, ""
		}
		return re.MatchString(s), p.Raw

	case PatternIf:
		return compare(value, p.Operator, p.Value), p.Raw
	}
	return false, ""
}

func literalEquals(value interface{}, literal string) bool {
	if s, ok := value.(string); ok {
		return s == literal
	}
	if f, ok := core.ToFloat(value); ok {
		if n, err := strconv.ParseFloat(literal, 64); err == nil {
			return f == n
		}
	}
	if b, ok := value.(bool); ok {
		return strconv.FormatBool(b) == literal
	}
	return false
}

func compare(value interface{}, operator, literal string) bool {
	switch operator {
	case "===", "==":
		return literalEquals(value, literal)
	case "!==", "!=":
		return !literalEquals(value, literal)
	}

	f, ok := core.ToFloat(value)
	if !ok {
		return false
	}
	n, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return false
	}
	switch operator {
	case ">":
		return f > n
	case "<":
		return f < n
	case ">=":
		return f >= n
	case "<=":
		return f <= n
	}
	return false
}

// jsTypeOf maps a decoded JSON value to its JavaScript typeof name.
func jsTypeOf(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	case nil:
		return "undefined"
	default:
		return "object"
	}
}

package pipeline

import (
	"encoding/json"
	"log"
	"regexp"
	"strings"

	"autopost/internal"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// RuleSet is a compiled set of per-monitor postability expressions. An
// event is rule-postable when any expression evaluates to true. Rules
// reference payload fields by flattened dotted name (commits[0].message)
// or by JSONPath ($.head_commit.message).
type RuleSet struct {
	rules  []compiledRule
	logger *log.Logger
}

type compiledRule struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// identifier chunks the compiler wraps in brackets so govaluate treats
// dotted and JSONPath names as single parameters.
var parameterPattern = regexp.MustCompile(`(\$?\.?[A-Za-z_][A-Za-z0-9_]*(?:(?:\.[A-Za-z_][A-Za-z0-9_]*)|(?:\[[0-9]+\]))+|\$\.[A-Za-z0-9_.\[\]]+)`)

// CompileRules compiles expressions; an empty list yields a nil RuleSet,
// which matches everything.
func CompileRules(expressions []string, logger *log.Logger) (*RuleSet, error) {
	if len(expressions) == 0 {
		return nil, nil
	}
	if logger == nil {
		logger = internal.NewLogger("rules")
	}
	rules := make([]compiledRule, 0, len(expressions))
	for _, source := range expressions {
		trimmed := strings.TrimSpace(source)
		if trimmed == "" {
			continue
		}
		expr, err := govaluate.NewEvaluableExpression(bracketParameters(trimmed))
		if err != nil {
			return nil, err
		}
		rules = append(rules, compiledRule{source: trimmed, expr: expr})
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &RuleSet{rules: rules, logger: logger}, nil
}

// Match reports whether any rule matches the raw payload. Evaluation
// errors count as non-match: a bad rule excludes, it never crashes
// ingestion.
func (r *RuleSet) Match(raw json.RawMessage) bool {
	if r == nil || len(r.rules) == 0 {
		return true
	}
	params := newRuleParameters(raw)
	for _, rule := range r.rules {
		result, err := rule.expr.Eval(params)
		if err != nil {
			r.logger.Printf("rule eval failed (%s): %v", rule.source, err)
			continue
		}
		if ok, _ := result.(bool); ok {
			return true
		}
	}
	return false
}

// bracketParameters wraps dotted and JSONPath names in [brackets] so
// govaluate parses them as single parameter tokens.
func bracketParameters(expression string) string {
	return parameterPattern.ReplaceAllStringFunc(expression, func(match string) string {
		return "[" + match + "]"
	})
}

type ruleParameters struct {
	object    interface{}
	flattened map[string]interface{}
}

func newRuleParameters(raw json.RawMessage) *ruleParameters {
	params := &ruleParameters{flattened: map[string]interface{}{}}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return params
	}
	params.object = decoded
	if object, ok := decoded.(map[string]interface{}); ok {
		params.flattened = internal.Flatten(object)
	}
	return params
}

// Get resolves a parameter name against the payload: JSONPath for $.
// names, the flattened map otherwise. Missing fields resolve to nil so
// comparisons simply fail to match.
func (p *ruleParameters) Get(name string) (interface{}, error) {
	if strings.HasPrefix(name, "$.") {
		if p.object == nil {
			return nil, nil
		}
		value, err := jsonpath.Get(name, p.object)
		if err != nil {
			return nil, nil
		}
		return value, nil
	}
	if value, ok := p.flattened[name]; ok {
		return value, nil
	}
	return nil, nil
}

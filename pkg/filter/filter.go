// Package filter adapts an expression language into flow-matching
// predicates. Patterns are expr expressions (github.com/expr-lang/expr)
// evaluated against a small flow environment:
//
//	method == "PUT" && path contains "/keys/upload"
//	header("Authorization") startsWith "Bearer syt_"
//	phase == "response" && status_code >= 500
//
// An empty pattern matches every flow.
package filter

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/interceptd/interceptd/pkg/flow"
)

// ErrFilterSyntax is returned when a filter pattern fails to compile.
var ErrFilterSyntax = errors.New("invalid filter syntax")

// Predicate decides whether a flow is eligible for interception. Match is
// pure and safe for concurrent use.
type Predicate interface {
	Match(ev *flow.Event) bool
}

// Matcher compiles filter patterns into predicates.
type Matcher interface {
	// Compile parses pattern. An empty pattern yields the match-all
	// predicate; a malformed one returns an error wrapping ErrFilterSyntax.
	Compile(pattern string) (Predicate, error)
	// MatchAll returns the predicate matching every flow.
	MatchAll() Predicate
}

// envFor builds the variable set a pattern is evaluated against.
func envFor(ev *flow.Event) map[string]any {
	path := ""
	if u, err := url.Parse(ev.URL); err == nil {
		path = u.Path
	}
	return map[string]any{
		"method":      ev.Method,
		"host":        ev.Host,
		"url":         ev.URL,
		"path":        path,
		"phase":       string(ev.Phase),
		"status_code": ev.StatusCode(),
		"header":      ev.Header.Get,
	}
}

type matchAll struct{}

func (matchAll) Match(*flow.Event) bool { return true }

type exprPredicate struct {
	program *vm.Program
}

func (p *exprPredicate) Match(ev *flow.Event) bool {
	out, err := vm.Run(p.program, envFor(ev))
	if err != nil {
		// Evaluation failure counts as no-match rather than an error; the
		// pattern compiled, so this is a per-flow type mismatch at worst.
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// ExprMatcher is the default Matcher, backed by expr-lang.
type ExprMatcher struct{}

// NewExprMatcher returns the default expression-based matcher.
func NewExprMatcher() *ExprMatcher {
	return &ExprMatcher{}
}

// Compile implements Matcher.
func (m *ExprMatcher) Compile(pattern string) (Predicate, error) {
	if pattern == "" {
		return matchAll{}, nil
	}
	program, err := expr.Compile(pattern,
		expr.Env(map[string]any{
			"method":      "",
			"host":        "",
			"url":         "",
			"path":        "",
			"phase":       "",
			"status_code": 0,
			"header":      func(string) string { return "" },
		}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrFilterSyntax, pattern, err)
	}
	return &exprPredicate{program: program}, nil
}

// MatchAll implements Matcher.
func (m *ExprMatcher) MatchAll() Predicate {
	return matchAll{}
}

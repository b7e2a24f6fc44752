package router

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher decides whether a request path belongs to a binding.
type Matcher interface {
	Match(path string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type pathSuffixMatcher struct{ Suffix string }

func (m pathSuffixMatcher) Match(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), m.Suffix)
}

type pathRegexpMatcher struct{ Re *regexp.Regexp }

func (m pathRegexpMatcher) Match(path string) bool { return m.Re.MatchString(path) }

type anyMatcher []Matcher

func (ms anyMatcher) Match(path string) bool {
	for _, m := range ms {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// ParseMatch compiles a match expression. Terms are PathPrefix(/x/),
// PathSuffix(.png) or PathRegexp(^/x$), joined with a top-level "|".
func ParseMatch(expr string) (Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	var out anyMatcher
	for _, p := range splitTopLevel(expr) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m, err := parseTerm(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func parseTerm(p string) (Matcher, error) {
	open := strings.IndexByte(p, '(')
	if open < 0 || !strings.HasSuffix(p, ")") {
		return nil, fmt.Errorf("expected Func(arg), got %q", p)
	}
	fn := strings.TrimSpace(p[:open])
	arg := strings.TrimSpace(p[open+1 : len(p)-1])
	if arg == "" {
		return nil, fmt.Errorf("%s: empty argument", fn)
	}

	switch fn {
	case "PathPrefix":
		if !strings.HasPrefix(arg, "/") {
			return nil, fmt.Errorf("invalid prefix %q", arg)
		}
		return pathPrefixMatcher{Prefix: arg}, nil
	case "PathSuffix":
		return pathSuffixMatcher{Suffix: strings.ToLower(arg)}, nil
	case "PathRegexp":
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, fmt.Errorf("PathRegexp: %w", err)
		}
		return pathRegexpMatcher{Re: re}, nil
	default:
		return nil, fmt.Errorf("unsupported matcher %q", fn)
	}
}

// splitTopLevel splits on "|" outside parentheses so regexp alternations
// inside PathRegexp(...) survive.
func splitTopLevel(expr string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '|':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, expr[start:])
}

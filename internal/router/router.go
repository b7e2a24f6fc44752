// Package router maps intercepted requests onto caching strategies.
//
// Bindings are evaluated in a fixed order and the first match wins. A request
// that matches nothing is not intercepted and goes straight to the network.
package router

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind names one of the four request-handling strategies.
type Kind string

const (
	CacheFirst   Kind = "cache-first"
	NetworkFirst Kind = "network-first"
	NetworkOnly  Kind = "network-only"
	CacheOnly    Kind = "cache-only"
)

// ParseKind accepts the kebab-case names used in configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case CacheFirst, NetworkFirst, NetworkOnly, CacheOnly:
		return k, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Container classes. Concrete container names carry the generation suffix.
const (
	ClassStatic = "static"
	ClassAPI    = "api"
)

// ContainerName returns the generation-suffixed container for a class, e.g. "api-v2".
func ContainerName(class string, generation int) string {
	return fmt.Sprintf("%s-v%d", class, generation)
}

// Binding ties a path matcher to a strategy, ttl and container.
type Binding struct {
	Name      string
	Match     Matcher
	Kind      Kind
	TTL       time.Duration
	Container string
}

// Table is an ordered, immutable list of bindings.
type Table struct {
	bindings []Binding
}

func NewTable(bindings []Binding) *Table {
	cp := make([]Binding, len(bindings))
	copy(cp, bindings)
	return &Table{bindings: cp}
}

// Lookup returns the first binding whose matcher accepts path.
func (t *Table) Lookup(path string) (Binding, bool) {
	for _, b := range t.bindings {
		if b.Match.Match(path) {
			return b, true
		}
	}
	return Binding{}, false
}

// Bindings returns a copy of the table in evaluation order.
func (t *Table) Bindings() []Binding {
	out := make([]Binding, len(t.bindings))
	copy(out, t.bindings)
	return out
}

// Eligible reports whether a request method may be served by a caching strategy.
func Eligible(method string) bool {
	return method == http.MethodGet
}

// IsMutation reports whether a method writes state on the backend. Failed
// mutations are queued for replay instead of failing the caller.
func IsMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// IsNavigation reports whether r is a top-level page load.
func IsNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.HasPrefix(strings.TrimSpace(accept), "text/html")
}

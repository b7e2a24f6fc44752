package router

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMatch(t *testing.T, expr string) Matcher {
	t.Helper()
	m, err := ParseMatch(expr)
	require.NoError(t, err)
	return m
}

func TestParseMatch(t *testing.T) {
	m := mustMatch(t, "PathPrefix(/api/) | PathSuffix(.PNG)")
	assert.True(t, m.Match("/api/x"))
	assert.True(t, m.Match("/img/logo.png"))
	assert.False(t, m.Match("/index.html"))

	re := mustMatch(t, `PathRegexp(\.(?:js|css)$)`)
	assert.True(t, re.Match("/app.js"))
	assert.True(t, re.Match("/app.css"))
	assert.False(t, re.Match("/app.json"))

	for _, bad := range []string{"", "Host(example.com)", "PathPrefix(api)", "PathRegexp(()", "PathPrefix()"} {
		_, err := ParseMatch(bad)
		assert.Error(t, err, bad)
	}
}

func TestLookupFirstMatchWins(t *testing.T) {
	table := NewTable([]Binding{
		{Name: "static", Match: mustMatch(t, `PathRegexp(\.(?:png|js)$)`), Kind: CacheFirst, TTL: 720 * time.Hour, Container: "static-v1"},
		{Name: "outlook", Match: mustMatch(t, "PathPrefix(/api/daily-outlook)"), Kind: CacheFirst, TTL: 24 * time.Hour, Container: "api-v1"},
		{Name: "user", Match: mustMatch(t, "PathPrefix(/api/user/)"), Kind: NetworkFirst, TTL: 5 * time.Minute, Container: "api-v1"},
		{Name: "api", Match: mustMatch(t, "PathPrefix(/api/)"), Kind: NetworkFirst, TTL: time.Hour, Container: "api-v1"},
	})

	cases := []struct {
		path string
		name string
		kind Kind
		ttl  time.Duration
	}{
		{"/assets/logo.png", "static", CacheFirst, 720 * time.Hour},
		{"/api/daily-outlook", "outlook", CacheFirst, 24 * time.Hour},
		{"/api/user/profile", "user", NetworkFirst, 5 * time.Minute},
		{"/api/items", "api", NetworkFirst, time.Hour},
	}
	for _, tc := range cases {
		b, ok := table.Lookup(tc.path)
		require.True(t, ok, tc.path)
		assert.Equal(t, tc.name, b.Name, tc.path)
		assert.Equal(t, tc.kind, b.Kind, tc.path)
		assert.Equal(t, tc.ttl, b.TTL, tc.path)
	}

	_, ok := table.Lookup("/about")
	assert.False(t, ok)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Network-First ")
	require.NoError(t, err)
	assert.Equal(t, NetworkFirst, k)

	_, err = ParseKind("stale-while-revalidate")
	assert.Error(t, err)
}

func TestMethodClassification(t *testing.T) {
	assert.True(t, Eligible(http.MethodGet))
	assert.False(t, Eligible(http.MethodHead))
	assert.False(t, Eligible(http.MethodPost))

	assert.True(t, IsMutation(http.MethodPost))
	assert.True(t, IsMutation(http.MethodDelete))
	assert.False(t, IsMutation(http.MethodOptions))
}

func TestIsNavigation(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.True(t, IsNavigation(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	assert.True(t, IsNavigation(r))

	r = httptest.NewRequest(http.MethodGet, "/api/x", nil)
	r.Header.Set("Accept", "application/json")
	assert.False(t, IsNavigation(r))
}

func TestKeyIsCanonical(t *testing.T) {
	a := httptest.NewRequest(http.MethodGet, "/api//items/./list?b=2&a=1", nil)
	b := httptest.NewRequest(http.MethodGet, "/api/items/list?a=1&b=2", nil)
	assert.Equal(t, Key(a, nil), Key(b, nil))
	assert.Equal(t, "GET /api/items/list?a=1&b=2", Key(b, nil))

	b.Header.Set("Accept-Language", "de")
	assert.Equal(t, "GET /api/items/list?a=1&b=2|accept-language=de", Key(b, []string{"Accept-Language"}))

	assert.Equal(t, "/dir/", NormalizePath("/dir/"))
	assert.Equal(t, "/", NormalizePath(""))
	u, err := url.Parse("/offline.html")
	require.NoError(t, err)
	assert.Equal(t, "GET /offline.html", KeyFor(http.MethodGet, u, nil, nil))
}

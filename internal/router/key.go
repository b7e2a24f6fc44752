package router

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Key builds the canonical cache identity of a request: method, cleaned path,
// sorted query and the values of the configured vary headers.
func Key(r *http.Request, varyHeaders []string) string {
	return KeyFor(r.Method, r.URL, r.Header, varyHeaders)
}

func KeyFor(method string, u *url.URL, h http.Header, varyHeaders []string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(NormalizePath(u.Path))
	if q := u.Query(); len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}
	for _, name := range varyHeaders {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		b.WriteByte('|')
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// NormalizePath cleans dot segments and duplicate slashes, keeping a
// trailing slash when the original had one.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

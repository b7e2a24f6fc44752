package mutationq

import (
	"net/http"
	"time"
)

// Record is one write request that failed for lack of connectivity.
type Record struct {
	ID       uint64
	Category string

	Method string
	// URL is the request URI relative to the origin, or an absolute URL.
	URL    string
	Header http.Header
	Body   []byte

	EnqueuedAt int64 // unix nanoseconds
}

func (r Record) Enqueued() time.Time { return time.Unix(0, r.EnqueuedAt) }

// FromRequest captures r for later replay. body must already be read from r.
func FromRequest(r *http.Request, body []byte, category string) Record {
	h := make(http.Header, len(r.Header))
	for k, vs := range r.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Content-Length", "Connection":
			continue
		}
		h[k] = append([]string(nil), vs...)
	}
	return Record{
		Category: category,
		Method:   r.Method,
		URL:      r.URL.RequestURI(),
		Header:   h,
		Body:     append([]byte(nil), body...),
	}
}

// Backend is the durable record store. Records are ordered by ID, which
// Append assigns monotonically.
type Backend interface {
	Append(rec Record) (Record, error)
	// Pending lists a category's records in ID order.
	Pending(category string) ([]Record, error)
	// Remove is idempotent.
	Remove(id uint64) error
	Categories() ([]string, error)
	Count() (int, error)
	Close() error
}

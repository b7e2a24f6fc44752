// Package cachestore holds cached responses in named, generation-suffixed
// containers.
//
// Every Store implementation guarantees that Put is atomic per key: a reader
// sees either the previous entry or the new one, and concurrent writers to the
// same key resolve as last-write-wins. No cross-key transactions exist.
package cachestore

import (
	"net/http"
	"time"
)

type Entry struct {
	Key    string
	Status int
	Header http.Header
	Body   []byte

	// WrittenAt is set when the entry is stored, unix nanoseconds.
	WrittenAt int64

	// Container the entry was read from or written to.
	Container string
}

func (e Entry) Written() time.Time {
	return time.Unix(0, e.WrittenAt)
}

// approxSize is the RAM accounting size of an entry.
func (e Entry) approxSize() int64 {
	n := int64(len(e.Key) + len(e.Body) + len(e.Container) + 32)
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// IsStale reports whether ent is older than ttl at now. A non-positive ttl
// never goes stale. Staleness only makes an entry ineligible for fresh
// returns; it is never a reason to delete it.
func IsStale(ent Entry, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(ent.Written()) > ttl
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

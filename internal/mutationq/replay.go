package mutationq

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ReplayStatusError is returned when the origin answers a replay with a
// non-2xx status.
type ReplayStatusError struct {
	Status int
}

func (e *ReplayStatusError) Error() string {
	return fmt.Sprintf("origin responded %d", e.Status)
}

// CredentialSource supplies a fresh Authorization value at replay time.
// Stored records may carry a token that expired while offline.
type CredentialSource func(ctx context.Context) (string, error)

// HTTPReplayer re-issues records against the origin.
type HTTPReplayer struct {
	Client *http.Client
	Origin string

	Credentials CredentialSource
}

func (h *HTTPReplayer) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return strings.TrimRight(h.Origin, "/") + u
}

func (h *HTTPReplayer) Replay(ctx context.Context, rec Record) error {
	req, err := http.NewRequestWithContext(ctx, rec.Method, h.resolve(rec.URL), bytes.NewReader(rec.Body))
	if err != nil {
		return err
	}
	for k, vs := range rec.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if h.Credentials != nil {
		auth, err := h.Credentials(ctx)
		if err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ReplayStatusError{Status: resp.StatusCode}
	}
	return nil
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const beaconTimeout = 5 * time.Second

// BeaconTracker posts click events to an analytics collector. Calls run in
// the background, are rate limited and their failures are only logged.
type BeaconTracker struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger

	wg sync.WaitGroup
}

// NewBeaconTracker returns nil when url is empty; a nil tracker drops events.
func NewBeaconTracker(url string, client *http.Client, log *zap.Logger) *BeaconTracker {
	if url == "" {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BeaconTracker{
		url:     url,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		log:     log,
	}
}

func (b *BeaconTracker) Track(ctx context.Context, ev ClickEvent) {
	if b == nil {
		return
	}
	if !b.limiter.Allow() {
		b.log.Debug("click beacon dropped by rate limit", zap.String("id", ev.NotificationID))
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), beaconTimeout)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := b.client.Do(req)
		if err != nil {
			b.log.Debug("click beacon failed", zap.Error(err))
			return
		}
		_ = resp.Body.Close()
	}()
}

// Wait blocks until in-flight beacons finish.
func (b *BeaconTracker) Wait() {
	if b == nil {
		return
	}
	b.wg.Wait()
}

// Package notify receives push payloads, keeps the displayed notifications
// and routes clicks to deep links.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline0/internal/metrics"
)

var (
	ErrInvalidPayload = errors.New("invalid push payload")
	ErrNotFound       = errors.New("notification not found")
)

const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// Payload is the push body: {title, body, tag, data: {deep_link, ...}}.
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Tag   string         `json:"tag,omitempty"`
	Icon  string         `json:"icon,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

func (p Payload) DeepLink() string {
	if s, ok := p.Data["deep_link"].(string); ok && s != "" {
		return s
	}
	return "/"
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is a displayed notification. It lives only in memory.
type Notification struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Tag      string         `json:"tag,omitempty"`
	Icon     string         `json:"icon,omitempty"`
	Actions  []Action       `json:"actions"`
	DeepLink string         `json:"deepLink"`
	Data     map[string]any `json:"data,omitempty"`
	ShownAt  time.Time      `json:"shownAt"`
}

// Displayer renders a notification to the user.
type Displayer interface {
	Show(n Notification) error
}

type DisplayFunc func(n Notification) error

func (f DisplayFunc) Show(n Notification) error { return f(n) }

// Navigator brings a window showing url to the front, opening one if needed.
type Navigator interface {
	FocusOrOpen(url string) (string, error)
}

// ClickEvent is reported to the click tracker.
type ClickEvent struct {
	NotificationID string    `json:"notificationId"`
	Tag            string    `json:"tag,omitempty"`
	Action         string    `json:"action"`
	DeepLink       string    `json:"deepLink"`
	ClickedAt      time.Time `json:"clickedAt"`
}

// Tracker records clicks. Track must not block and never reports failure.
type Tracker interface {
	Track(ctx context.Context, ev ClickEvent)
}

type displayed struct {
	n     Notification
	timer *time.Timer
}

// Pipeline is the notification tray plus click routing.
type Pipeline struct {
	log       *zap.Logger
	metrics   *metrics.Metrics
	display   Displayer
	nav       Navigator
	tracker   Tracker
	autoClose time.Duration
	now       func() time.Time

	mu    sync.Mutex
	tray  map[string]*displayed
	byTag map[string]string
}

type Options struct {
	Display   Displayer
	Navigator Navigator
	Tracker   Tracker
	Metrics   *metrics.Metrics
	// AutoClose closes notifications after this long; 0 keeps them open.
	AutoClose time.Duration
	Now       func() time.Time
}

func NewPipeline(log *zap.Logger, opts Options) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		log:       log,
		metrics:   opts.Metrics,
		display:   opts.Display,
		nav:       opts.Navigator,
		tracker:   opts.Tracker,
		autoClose: opts.AutoClose,
		now:       opts.Now,
		tray:      map[string]*displayed{},
		byTag:     map[string]string{},
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Receive builds a notification from a push payload and displays it. A
// notification with the same tag as one already shown replaces it.
func (p *Pipeline) Receive(pl Payload) (Notification, error) {
	if pl.Title == "" {
		return Notification{}, ErrInvalidPayload
	}
	n := Notification{
		ID:       uuid.New().String(),
		Title:    pl.Title,
		Body:     pl.Body,
		Tag:      pl.Tag,
		Icon:     pl.Icon,
		DeepLink: pl.DeepLink(),
		Data:     pl.Data,
		ShownAt:  p.now(),
		Actions: []Action{
			{Action: ActionView, Title: "View"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
	}

	p.mu.Lock()
	if n.Tag != "" {
		if old, ok := p.byTag[n.Tag]; ok {
			p.closeLocked(old)
			p.metrics.Notification("replaced")
		}
		p.byTag[n.Tag] = n.ID
	}
	d := &displayed{n: n}
	if p.autoClose > 0 {
		id := n.ID
		d.timer = time.AfterFunc(p.autoClose, func() {
			if p.Close(id) {
				p.metrics.Notification("expired")
			}
		})
	}
	p.tray[n.ID] = d
	p.mu.Unlock()

	p.metrics.Notification("received")
	if p.display != nil {
		if err := p.display.Show(n); err != nil {
			p.log.Warn("notification display failed", zap.String("id", n.ID), zap.Error(err))
		}
	}
	return n, nil
}

func (p *Pipeline) closeLocked(id string) bool {
	d, ok := p.tray[id]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(p.tray, id)
	if d.n.Tag != "" && p.byTag[d.n.Tag] == id {
		delete(p.byTag, d.n.Tag)
	}
	return true
}

// Close removes a notification from the tray. It reports whether it was shown.
func (p *Pipeline) Close(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked(id)
}

// Active lists displayed notifications, oldest first.
func (p *Pipeline) Active() []Notification {
	p.mu.Lock()
	out := make([]Notification, 0, len(p.tray))
	for _, d := range p.tray {
		out = append(out, d.n)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}

// ClickResult reports what a click did.
type ClickResult struct {
	Action     string `json:"action"`
	DeepLink   string `json:"deepLink,omitempty"`
	Navigation string `json:"navigation,omitempty"`
}

// Click handles a click on notification id. An empty action is a click on
// the notification body and behaves like "view". "dismiss" only closes it.
func (p *Pipeline) Click(ctx context.Context, id, action string) (ClickResult, error) {
	if action == "" {
		action = ActionView
	}
	if action != ActionView && action != ActionDismiss {
		return ClickResult{}, errors.New("unknown notification action " + action)
	}

	p.mu.Lock()
	d, ok := p.tray[id]
	if ok {
		p.closeLocked(id)
	}
	p.mu.Unlock()
	if !ok {
		return ClickResult{}, ErrNotFound
	}

	res := ClickResult{Action: action}
	if action == ActionDismiss {
		p.metrics.Notification("dismissed")
		return res, nil
	}

	p.metrics.Notification("clicked")
	res.DeepLink = d.n.DeepLink
	if p.tracker != nil {
		p.tracker.Track(ctx, ClickEvent{
			NotificationID: d.n.ID,
			Tag:            d.n.Tag,
			Action:         action,
			DeepLink:       d.n.DeepLink,
			ClickedAt:      p.now(),
		})
	}
	if p.nav != nil {
		outcome, err := p.nav.FocusOrOpen(d.n.DeepLink)
		if err != nil {
			p.log.Warn("deep link navigation failed", zap.String("url", d.n.DeepLink), zap.Error(err))
		}
		res.Navigation = outcome
	}
	return res, nil
}

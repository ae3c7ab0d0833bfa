// Package notify delivers operator notifications. Delivery channels live
// outside the engine; the default notifier writes to the log.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Notification struct {
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Priority Priority               `json:"priority"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications as structured log lines.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.With().Str("component", "notifier").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	ev := l.logger.Info()
	if n.Priority == PriorityHigh {
		ev = l.logger.Warn()
	}
	ev.Str("title", n.Title).
		Str("priority", string(n.Priority)).
		Fields(n.Fields).
		Msg(n.Message)
	return nil
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Recorder keeps notifications in memory for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Package notify tells the user about confirmed transitions. Notification
// failures never affect detection or delivery.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
)

var log = slog.Default().With("component", "notify")

// Message is one user-facing notification.
type Message struct {
	Title string
	Body  string
}

// Notifier shows a message to the user.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ForTransition builds the message for a confirmed transition. siteName
// falls back to the site id when empty; queued marks an event that will be
// delivered later.
func ForTransition(ev types.TransitionEvent, siteName string, queued bool) Message {
	if siteName == "" {
		siteName = string(ev.SiteID)
	}

	var msg Message
	switch ev.Kind {
	case types.KindEnter:
		msg = Message{Title: "Checked in", Body: fmt.Sprintf("Entered site %s", siteName)}
	default:
		msg = Message{Title: "Checked out", Body: fmt.Sprintf("Exited site %s", siteName)}
	}
	if queued {
		msg.Body += " (will sync when online)"
	}
	return msg
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg Message) error {
	log.Info("Notification", "title", msg.Title, "body", msg.Body)
	return nil
}

// Async fires notifications in the background with a per-message timeout.
type Async struct {
	next    Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next.
func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// Notify returns immediately. Errors are logged.
func (a *Async) Notify(_ context.Context, msg Message) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("Notifier panicked", "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, msg); err != nil {
			log.Warn("Notification failed", "title", msg.Title, "error", err)
		}
	}()
	return nil
}

// Wait blocks until in-flight notifications finish.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Package notify delivers captured leads to the business.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/square-key-labs/callrelay/src/control"
	"github.com/square-key-labs/callrelay/src/logger"
	"golang.org/x/time/rate"
)

// Lead is a finalized lead record with call context.
type Lead struct {
	CallSid    string
	Business   string
	Record     control.LeadRecord
	CapturedAt time.Time
}

// Notifier delivers a lead. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, lead Lead) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, lead Lead) error

func (f NotifierFunc) Notify(ctx context.Context, lead Lead) error {
	return f(ctx, lead)
}

// Message renders the human-readable notification text.
func Message(lead Lead) string {
	var b strings.Builder
	if lead.Record.Priority {
		b.WriteString("URGENT ")
	}
	b.WriteString("New lead")
	if lead.Business != "" {
		fmt.Fprintf(&b, " for %s", lead.Business)
	}
	for _, k := range lead.Record.Keys() {
		fmt.Fprintf(&b, "\n%s: %s", k, lead.Record.Fields[k])
	}
	return b.String()
}

// Multi fans a lead out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, lead Lead) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, lead); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrThrottled is returned when a notification is dropped by the rate limit.
var ErrThrottled = errors.New("notification rate limit exceeded")

// Throttled caps the notification rate. Over-limit leads are dropped, not
// queued.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewThrottled allows perMinute notifications per minute with a burst of the
// same size. perMinute <= 0 means unlimited.
func NewThrottled(next Notifier, perMinute int) *Throttled {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Throttled{
		next:    next,
		limiter: limiter,
		log:     logger.WithPrefix("Notify"),
	}
}

func (t *Throttled) Notify(ctx context.Context, lead Lead) error {
	if !t.limiter.Allow() {
		t.log.Warn("Dropping lead notification for call %s: rate limit", lead.CallSid)
		return ErrThrottled
	}
	return t.next.Notify(ctx, lead)
}

// LogNotifier writes leads to the log. Used when no delivery channel is set.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.WithPrefix("Notify")}
}

func (n *LogNotifier) Notify(_ context.Context, lead Lead) error {
	n.log.Info("Lead for call %s:\n%s", lead.CallSid, Message(lead))
	return nil
}

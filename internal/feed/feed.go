package feed

import (
	"context"
	"errors"

	"ms-checkin/internal/models"
)

// ErrResync is sent on a subscription's error channel when notifications may have been
// missed (for example after the listener reconnected). Consumers should poll.
var ErrResync = errors.New("change feed resync")

// Event is one print_jobs change as seen by a terminal.
type Event struct {
	Op         string                `json:"op"`
	JobID      string                `json:"job_id"`
	TerminalID string                `json:"terminal_id"`
	Status     models.PrintJobStatus `json:"status"`
}

func EventFor(job models.PrintJob) Event {
	return Event{
		Op:         "UPDATE",
		JobID:      job.ID,
		TerminalID: job.Terminal(),
		Status:     job.Status,
	}
}

// Subscription delivers events for one terminal until Close is called.
type Subscription interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, terminalID string) (Subscription, error)
}

// Publisher announces a job change. Feeds driven by database triggers use Nop.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// subscription is the channel plumbing shared by the feed implementations.
type subscription struct {
	events chan Event
	errs   chan error
	done   chan struct{}
}

func newSubscription() *subscription {
	return &subscription{
		events: make(chan Event, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscription) Events() <-chan Event { return s.events }
func (s *subscription) Errors() <-chan error { return s.errs }

// deliver blocks until the event is taken or the subscription closes.
func (s *subscription) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// fail never blocks; one pending error is enough to make the consumer poll.
func (s *subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

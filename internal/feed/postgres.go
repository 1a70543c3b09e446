package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"ms-checkin/internal/logger"
)

// NotifyChannel is the channel the print_jobs trigger notifies on.
const NotifyChannel = "print_jobs"

// PostgresFeed listens for the print_jobs trigger's NOTIFY payloads.
type PostgresFeed struct {
	DSN    string
	Logger *logger.Logger
}

func NewPostgresFeed(dsn string, log *logger.Logger) *PostgresFeed {
	return &PostgresFeed{DSN: dsn, Logger: log}
}

type pgSubscription struct {
	*subscription
	listener  *pq.Listener
	closeOnce sync.Once
}

func (f *PostgresFeed) Subscribe(ctx context.Context, terminalID string) (Subscription, error) {
	sub := &pgSubscription{subscription: newSubscription()}

	report := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			f.Logger.Warn("FEED", fmt.Sprintf("Listener disconnected: %v", err))
			sub.fail(fmt.Errorf("listener disconnected: %w", err))
		case pq.ListenerEventConnectionAttemptFailed:
			f.Logger.Warn("FEED", fmt.Sprintf("Listener reconnect failed: %v", err))
			sub.fail(fmt.Errorf("listener reconnect failed: %w", err))
		case pq.ListenerEventReconnected:
			f.Logger.Info("FEED", "Listener reconnected")
		}
	}

	sub.listener = pq.NewListener(f.DSN, 10*time.Second, time.Minute, report)
	if err := sub.listener.Listen(NotifyChannel); err != nil {
		sub.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	f.Logger.Info("FEED", fmt.Sprintf("Listening on %s for terminal %s", NotifyChannel, terminalID))
	go sub.run(ctx, terminalID, f.Logger)
	return sub, nil
}

func (s *pgSubscription) run(ctx context.Context, terminalID string, log *logger.Logger) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// pq sends nil after re-establishing the connection.
			if n == nil {
				s.fail(ErrResync)
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				log.Warn("FEED", fmt.Sprintf("Ignoring malformed notification: %v", err))
				continue
			}
			if ev.TerminalID != terminalID {
				continue
			}
			s.deliver(ev)
		case <-time.After(90 * time.Second):
			go s.listener.Ping()
		}
	}
}

func (s *pgSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	return err
}

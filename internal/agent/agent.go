package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ms-checkin/internal/feed"
	"ms-checkin/internal/kafka"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/printjob"
	"ms-checkin/internal/printjob/blob"
)

// InterruptedMessage is recorded on jobs a previous agent left in printing.
const InterruptedMessage = "interrupted: agent restarted while printing"

var tracer = otel.Tracer("ms-checkin/agent")

type JobStore interface {
	GetPrintJob(ctx context.Context, id string) (*models.PrintJob, error)
	ListReady(ctx context.Context, terminalID string, limit int) ([]models.PrintJob, error)
	ClaimForPrinting(ctx context.Context, id, terminalID string) (bool, error)
	MarkPrinted(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id, lastError string) (bool, error)
	FailStuckPrinting(ctx context.Context, terminalID, reason string) (int64, error)
	RearmEligible(ctx context.Context, terminalID string, maxAttempts int, olderThan time.Time) (int64, error)
}

type Config struct {
	TerminalID   string
	PollInterval time.Duration
	PollBatch    int
	// PollAlways runs the poller next to the push channel. When false the poller only
	// starts once the push channel reports an error.
	PollAlways bool
	// MaxAttempts caps automatic re-arming of failed jobs; 0 disables it.
	MaxAttempts  int
	RetryBackoff time.Duration
	StagingDir   string
	PrintedTopic string
	FailedTopic  string
}

// Agent prints the jobs assigned to one terminal. Jobs arrive through startup
// catch-up, the push feed and the poller; all three funnel into handle.
type Agent struct {
	cfg     Config
	store   JobStore
	blobs   blob.Store
	printer Printer
	feed    feed.Subscriber
	events  kafka.EventPublisher
	logger  *logger.Logger

	inflight      *inflight
	running       atomic.Bool
	pollerStarted atomic.Bool
	stopOnce      sync.Once
	stop          chan struct{}
	wg            sync.WaitGroup
	sub           feed.Subscription
}

func New(cfg Config, store JobStore, blobs blob.Store, printer Printer, sub feed.Subscriber, events kafka.EventPublisher, log *logger.Logger) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 5
	}
	if cfg.PrintedTopic == "" {
		cfg.PrintedTopic = "print.job.printed"
	}
	if cfg.FailedTopic == "" {
		cfg.FailedTopic = "print.job.failed"
	}
	if events == nil {
		events = kafka.Nop{}
	}
	return &Agent{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		printer:  printer,
		feed:     sub,
		events:   events,
		logger:   log,
		inflight: newInflight(),
		stop:     make(chan struct{}),
	}
}

// Run starts the agent and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}

// Start recovers interrupted jobs, subscribes to the push feed, prints everything
// already waiting for this terminal and then starts the listener, poller and retry
// sweep. It returns once steady state begins.
func (a *Agent) Start(ctx context.Context) error {
	if a.cfg.TerminalID == "" {
		return errors.New("agent: terminal id is required")
	}
	a.running.Store(true)
	a.logger.Info("AGENT", fmt.Sprintf("Starting print agent for terminal %s", a.cfg.TerminalID))

	a.recoverInterrupted(ctx)

	// Subscribe before catch-up: a job readied while the backlog is listed is then
	// buffered on the subscription instead of falling between the two.
	var sub feed.Subscription
	if a.feed == nil {
		a.logger.Info("AGENT", "No change feed configured, polling only")
		a.startPoller(ctx)
	} else {
		var err error
		sub, err = a.feed.Subscribe(ctx, a.cfg.TerminalID)
		if err != nil {
			a.logger.Error("FEED", fmt.Sprintf("Subscribe failed, falling back to polling: %v", err))
			a.startPoller(ctx)
			sub = nil
		}
	}

	if err := a.catchUp(ctx); err != nil {
		// The poller will pick the backlog up.
		a.logger.Error("AGENT", fmt.Sprintf("Startup catch-up failed: %v", err))
		a.startPoller(ctx)
	}

	if sub != nil {
		a.sub = sub
		a.wg.Add(1)
		go a.listen(ctx, sub)
	}
	if a.cfg.PollAlways {
		a.startPoller(ctx)
	}
	if a.cfg.MaxAttempts > 0 {
		a.wg.Add(1)
		go a.retryLoop(ctx)
	}
	return nil
}

// Stop flips the running flag, closes the push subscription and waits for the
// listener and poller to return. Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.logger.Info("AGENT", fmt.Sprintf("Stopping print agent for terminal %s", a.cfg.TerminalID))
		a.running.Store(false)
		close(a.stop)
		if a.sub != nil {
			if err := a.sub.Close(); err != nil {
				a.logger.Warn("FEED", fmt.Sprintf("Closing subscription: %v", err))
			}
		}
	})
	a.wg.Wait()
}

func (a *Agent) Running() bool {
	return a.running.Load()
}

// PollerRunning reports whether the poll loop has been started.
func (a *Agent) PollerRunning() bool {
	return a.pollerStarted.Load()
}

func (a *Agent) recoverInterrupted(ctx context.Context) {
	n, err := a.store.FailStuckPrinting(ctx, a.cfg.TerminalID, InterruptedMessage)
	if err != nil {
		a.logger.Error("AGENT", fmt.Sprintf("Recovering interrupted jobs failed: %v", err))
		return
	}
	if n > 0 {
		a.logger.Warn("AGENT", fmt.Sprintf("Marked %d interrupted job(s) as failed", n))
	}
}

func (a *Agent) catchUp(ctx context.Context) error {
	jobs, err := a.store.ListReady(ctx, a.cfg.TerminalID, 0)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		a.logger.Info("AGENT", fmt.Sprintf("Catching up on %d waiting job(s)", len(jobs)))
	}
	for _, job := range jobs {
		if !a.running.Load() {
			return nil
		}
		a.handle(ctx, job)
	}
	return nil
}

func (a *Agent) listen(ctx context.Context, sub feed.Subscription) {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			a.onEvent(ctx, ev)
		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			if errors.Is(err, feed.ErrResync) {
				a.logger.Info("FEED", "Change feed resynced, polling")
			} else {
				a.logger.Warn("FEED", fmt.Sprintf("Change feed error: %v", err))
			}
			a.startPoller(ctx)
		}
	}
}

func (a *Agent) onEvent(ctx context.Context, ev feed.Event) {
	if ev.TerminalID != a.cfg.TerminalID {
		return
	}
	if ev.Status != "" && ev.Status != models.PrintJobReadyToPrint {
		return
	}

	// Events only say something changed; the row is the truth.
	job, err := a.store.GetPrintJob(ctx, ev.JobID)
	if err != nil {
		a.logger.Warn("AGENT", fmt.Sprintf("Reading job %s after notification: %v", ev.JobID, err))
		return
	}
	if job.Status != models.PrintJobReadyToPrint || job.Terminal() != a.cfg.TerminalID {
		return
	}
	a.handle(ctx, *job)
}

// startPoller starts the poll loop once; later calls do nothing.
func (a *Agent) startPoller(ctx context.Context) {
	if !a.pollerStarted.CompareAndSwap(false, true) {
		return
	}
	a.logger.Info("AGENT", fmt.Sprintf("Polling every %s (batch %d)", a.cfg.PollInterval, a.cfg.PollBatch))
	a.wg.Add(1)
	go a.poll(ctx)
}

func (a *Agent) poll(ctx context.Context) {
	defer a.wg.Done()
	for {
		a.pollOnce(ctx)
		if !a.running.Load() {
			return
		}
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

// retryLoop re-arms failed jobs with attempts left on its own ticker, so retries happen
// whether or not the poller runs. Re-armed jobs are printed right away since not every
// feed announces the re-arm.
func (a *Agent) retryLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.PollInterval):
		}
		if !a.running.Load() {
			return
		}
		if a.sweepFailed(ctx) > 0 {
			a.pollOnce(ctx)
		}
	}
}

func (a *Agent) sweepFailed(ctx context.Context) int64 {
	cutoff := time.Now().Add(-a.cfg.RetryBackoff)
	n, err := a.store.RearmEligible(ctx, a.cfg.TerminalID, a.cfg.MaxAttempts, cutoff)
	if err != nil {
		a.logger.Warn("AGENT", fmt.Sprintf("Retry sweep failed: %v", err))
		return 0
	}
	if n > 0 {
		a.logger.Info("AGENT", fmt.Sprintf("Re-armed %d failed job(s) for retry", n))
	}
	return n
}

func (a *Agent) pollOnce(ctx context.Context) {
	jobs, err := a.store.ListReady(ctx, a.cfg.TerminalID, a.cfg.PollBatch)
	if err != nil {
		a.logger.Warn("AGENT", fmt.Sprintf("Poll failed: %v", err))
		return
	}
	for _, job := range jobs {
		a.handle(ctx, job)
	}
}

// handle runs one attempt of one job. Nothing it does returns an error or panics to the
// caller; every failure ends up on the job row.
func (a *Agent) handle(ctx context.Context, job models.PrintJob) {
	if !a.inflight.TryAcquire(job.ID) {
		return
	}
	defer a.inflight.Release(job.ID)

	// Status writes must land even while shutting down.
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "agent.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("print_job.id", job.ID),
		attribute.String("terminal.id", a.cfg.TerminalID),
	)

	claimed, err := a.store.ClaimForPrinting(ctx, job.ID, a.cfg.TerminalID)
	if err != nil {
		a.logger.Error("AGENT", fmt.Sprintf("Claiming job %s failed: %v", job.ID, err))
		return
	}
	if !claimed {
		a.logger.Debug("AGENT", fmt.Sprintf("Job %s no longer ready, skipping", job.ID))
		return
	}
	job.Status = models.PrintJobPrinting
	job.AttemptCount++
	a.logger.LogPrintJob("PRINTING", job.ID, fmt.Sprintf("attempt %d on %s", job.AttemptCount, a.cfg.TerminalID))

	if err := a.print(ctx, job); err != nil {
		span.SetStatus(codes.Error, err.Error())
		a.fail(ctx, job, err)
		return
	}

	ok, err := a.store.MarkPrinted(ctx, job.ID)
	if err != nil {
		// Left in printing the job would never be retried.
		span.SetStatus(codes.Error, err.Error())
		a.fail(ctx, job, fmt.Errorf("record printed: %w", err))
		return
	}
	if !ok {
		a.logger.Error("AGENT", fmt.Sprintf("Job %s left printing before it could be recorded as printed", job.ID))
		return
	}
	job.Status = models.PrintJobPrinted
	a.logger.LogPrintJob("PRINTED", job.ID, fmt.Sprintf("attempt %d", job.AttemptCount))
	a.publish(ctx, a.cfg.PrintedTopic, job, nil)
}

func (a *Agent) fail(ctx context.Context, job models.PrintJob, cause error) {
	msg := printjob.TruncateError(cause.Error())
	ok, err := a.store.MarkFailed(ctx, job.ID, msg)
	if err != nil || !ok {
		a.logger.Error("AGENT", fmt.Sprintf("Recording job %s as failed failed: ok=%t err=%v", job.ID, ok, err))
		return
	}
	job.Status = models.PrintJobFailed
	a.logger.LogPrintJob("FAILED", job.ID, msg)
	a.publish(ctx, a.cfg.FailedTopic, job, errors.New(msg))
}

// print fetches the blob, stages it locally and hands it to the printer.
func (a *Agent) print(ctx context.Context, job models.PrintJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while printing: %v", r)
		}
	}()

	data, err := a.blobs.Get(ctx, job.FilePath)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", job.FilePath, err)
	}

	staged, err := a.stage(job, data)
	if err != nil {
		return fmt.Errorf("stage %s: %w", job.FilePath, err)
	}
	defer func() {
		if rmErr := os.Remove(staged); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			a.logger.Debug("AGENT", fmt.Sprintf("Removing staged file %s: %v", staged, rmErr))
		}
	}()

	return a.printer.Print(ctx, staged, job.ID)
}

func (a *Agent) stage(job models.PrintJob, data []byte) (string, error) {
	dir := a.cfg.StagingDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(dir, "print-"+job.ID+"-*"+filepath.Ext(job.FilePath))
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (a *Agent) publish(ctx context.Context, topic string, job models.PrintJob, cause error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.events.Publish(ctx, topic, job.ID, models.NewPrintOutcomeEvent(job, cause)); err != nil {
		a.logger.Warn("KAFKA", fmt.Sprintf("Publishing outcome of %s failed: %v", job.ID, err))
	}
}

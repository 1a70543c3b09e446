package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkin/internal/agent"
	"ms-checkin/internal/database"
	"ms-checkin/internal/feed"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/printjob"
	"ms-checkin/internal/printjob/blob"
	printjobdb "ms-checkin/internal/printjob/db"
)

// fakeFeed hands out a single subscription whose channels the test drives.
type fakeFeed struct {
	events     chan feed.Event
	errs       chan error
	closed     atomic.Bool
	subscribed atomic.Bool
	subErr     error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan feed.Event, 16), errs: make(chan error, 1)}
}

func (f *fakeFeed) Subscribe(context.Context, string) (feed.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.subscribed.Store(true)
	return f, nil
}

// publish behaves like pub/sub: an event sent before anyone subscribed is lost.
func (f *fakeFeed) publish(ev feed.Event) {
	if f.subscribed.Load() {
		f.events <- ev
	}
}

func (f *fakeFeed) Events() <-chan feed.Event { return f.events }
func (f *fakeFeed) Errors() <-chan error      { return f.errs }
func (f *fakeFeed) Close() error {
	f.closed.Store(true)
	return nil
}

// recordingPrinter remembers which jobs reached the printer, in order.
type recordingPrinter struct {
	mu     sync.Mutex
	titles []string
	delay  time.Duration
	fail   func(title string, call int) error
}

func (p *recordingPrinter) Print(_ context.Context, file, title string) error {
	p.mu.Lock()
	p.titles = append(p.titles, title)
	call := len(p.titles)
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.fail != nil {
		return p.fail(title, call)
	}
	return nil
}

func (p *recordingPrinter) printed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.titles...)
}

func (p *recordingPrinter) count(title string) int {
	n := 0
	for _, t := range p.printed() {
		if t == title {
			n++
		}
	}
	return n
}

// hookedStore overrides single store calls and passes the rest through.
type hookedStore struct {
	*printjobdb.DB
	listReady   func(ctx context.Context, terminalID string, limit int) ([]models.PrintJob, error)
	markPrinted func(ctx context.Context, id string) (bool, error)
}

func (s *hookedStore) ListReady(ctx context.Context, terminalID string, limit int) ([]models.PrintJob, error) {
	if s.listReady != nil {
		return s.listReady(ctx, terminalID, limit)
	}
	return s.DB.ListReady(ctx, terminalID, limit)
}

func (s *hookedStore) MarkPrinted(ctx context.Context, id string) (bool, error) {
	if s.markPrinted != nil {
		return s.markPrinted(ctx, id)
	}
	return s.DB.MarkPrinted(ctx, id)
}

type harness struct {
	jobs    *printjobdb.DB
	store   agent.JobStore
	blobs   *blob.FSStore
	printer *recordingPrinter
	feed    *fakeFeed
	cfg     agent.Config
}

func newHarness(t *testing.T) *harness {
	bunDB, err := database.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { bunDB.Close() })

	return &harness{
		jobs:    &printjobdb.DB{Bun: bunDB},
		blobs:   blob.NewFSStore(t.TempDir()),
		printer: &recordingPrinter{},
		feed:    newFakeFeed(),
		cfg: agent.Config{
			TerminalID:   "T1",
			PollInterval: 20 * time.Millisecond,
			PollBatch:    5,
			PollAlways:   true,
			StagingDir:   t.TempDir(),
		},
	}
}

func (h *harness) agent() *agent.Agent {
	var store agent.JobStore = h.jobs
	if h.store != nil {
		store = h.store
	}
	return agent.New(h.cfg, store, h.blobs, h.printer, h.feed, nil, logger.NewTestLogger(nil))
}

func (h *harness) addJob(t *testing.T, status models.PrintJobStatus, terminal string, createdAt time.Time) *models.PrintJob {
	ctx := context.Background()
	id := uuid.NewString()
	job := &models.PrintJob{
		ID:        id,
		TicketID:  "ticket-" + id,
		FilePath:  printjob.BlobPath(id),
		Status:    status,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
	if terminal != "" {
		job.TerminalID = &terminal
	}
	require.NoError(t, h.blobs.Put(ctx, job.FilePath, []byte("%PDF "+id)))
	require.NoError(t, h.jobs.CreatePrintJob(ctx, job))
	return job
}

func (h *harness) status(t *testing.T, id string) *models.PrintJob {
	job, err := h.jobs.GetPrintJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestAgent_CatchUpInCreationOrder(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false
	base := time.Now().Add(-time.Hour)

	// Inserted out of order on purpose.
	third := h.addJob(t, models.PrintJobReadyToPrint, "T1", base.Add(3*time.Second))
	first := h.addJob(t, models.PrintJobReadyToPrint, "T1", base.Add(1*time.Second))
	second := h.addJob(t, models.PrintJobReadyToPrint, "T1", base.Add(2*time.Second))
	other := h.addJob(t, models.PrintJobReadyToPrint, "T2", base)

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	// Catch-up finishes before Start returns.
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, h.printer.printed())
	for _, id := range []string{first.ID, second.ID, third.ID} {
		assert.Equal(t, models.PrintJobPrinted, h.status(t, id).Status)
	}
	assert.Equal(t, models.PrintJobReadyToPrint, h.status(t, other.ID).Status)
	assert.False(t, a.PollerRunning())
}

func TestAgent_PushAndPollPrintOnce(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollInterval = 5 * time.Millisecond
	h.printer.delay = 50 * time.Millisecond

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	job := h.addJob(t, models.PrintJobPending, "", time.Now())
	ready, err := h.jobs.MarkReadyToPrint(context.Background(), job.TicketID, "T1")
	require.NoError(t, err)
	require.Len(t, ready, 1)

	// Deliver the same change several times while the poller is also running.
	for i := 0; i < 3; i++ {
		h.feed.events <- feed.EventFor(ready[0])
	}

	assert.Eventually(t, func() bool {
		return h.status(t, job.ID).Status == models.PrintJobPrinted
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.printer.count(job.ID))
	assert.Equal(t, 1, h.status(t, job.ID).AttemptCount)
}

func TestAgent_PushOnly(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	job := h.addJob(t, models.PrintJobReadyToPrint, "T1", time.Now())
	h.feed.events <- feed.Event{Op: "UPDATE", JobID: job.ID, TerminalID: "T1", Status: models.PrintJobReadyToPrint}

	assert.Eventually(t, func() bool {
		return h.status(t, job.ID).Status == models.PrintJobPrinted
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.PollerRunning())
}

func TestAgent_IgnoresOtherTerminalEvents(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	job := h.addJob(t, models.PrintJobReadyToPrint, "T2", time.Now())
	h.feed.events <- feed.Event{JobID: job.ID, TerminalID: "T2", Status: models.PrintJobReadyToPrint}
	// A lying event for our terminal must still be checked against the row.
	h.feed.events <- feed.Event{JobID: job.ID, TerminalID: "T1", Status: models.PrintJobReadyToPrint}

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.printer.printed())
	assert.Equal(t, models.PrintJobReadyToPrint, h.status(t, job.ID).Status)
}

func TestAgent_RetryAccounting(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxAttempts = 3
	h.cfg.RetryBackoff = 0
	h.printer.fail = func(_ string, call int) error {
		if call == 1 {
			return errors.New("printer offline")
		}
		return nil
	}
	job := h.addJob(t, models.PrintJobReadyToPrint, "T1", time.Now())

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.Eventually(t, func() bool {
		return h.status(t, job.ID).Status == models.PrintJobPrinted
	}, 2*time.Second, 10*time.Millisecond)

	got := h.status(t, job.ID)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, 2, h.printer.count(job.ID))
}

func TestAgent_FailureIsRecordedAndProcessingContinues(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false
	base := time.Now().Add(-time.Minute)

	bad := h.addJob(t, models.PrintJobReadyToPrint, "T1", base)
	good := h.addJob(t, models.PrintJobReadyToPrint, "T1", base.Add(time.Second))
	h.printer.fail = func(title string, _ int) error {
		if title == bad.ID {
			return errors.New(strings.Repeat("jam ", 300))
		}
		return nil
	}

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	failed := h.status(t, bad.ID)
	assert.Equal(t, models.PrintJobFailed, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	require.NotNil(t, failed.LastError)
	assert.Len(t, *failed.LastError, printjob.MaxErrorLength)

	assert.Equal(t, models.PrintJobPrinted, h.status(t, good.ID).Status)
}

func TestAgent_MissingBlobFailsJob(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false
	job := h.addJob(t, models.PrintJobReadyToPrint, "T1", time.Now())
	job.FilePath = "print-jobs/other.pdf"
	_, err := h.jobs.Bun.NewUpdate().Model(job).Column("file_path").WherePK().Exec(context.Background())
	require.NoError(t, err)

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	got := h.status(t, job.ID)
	assert.Equal(t, models.PrintJobFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "blob not found")
	assert.Empty(t, h.printer.printed())
}

func TestAgent_RecoversInterruptedJobs(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false
	stuck := h.addJob(t, models.PrintJobPrinting, "T1", time.Now())

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	got := h.status(t, stuck.ID)
	assert.Equal(t, models.PrintJobFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, agent.InterruptedMessage, *got.LastError)
	assert.Empty(t, h.printer.printed())
}

func TestAgent_FeedErrorStartsPoller(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	assert.False(t, a.PollerRunning())

	// Missed notification: the job is ready but no event arrives.
	job := h.addJob(t, models.PrintJobReadyToPrint, "T1", time.Now())
	h.feed.errs <- errors.New("connection reset by peer")

	assert.Eventually(t, a.PollerRunning, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.status(t, job.ID).Status == models.PrintJobPrinted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgent_SubscribeFailureFallsBackToPolling(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false
	h.feed.subErr = errors.New("dial tcp: connection refused")

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.True(t, a.PollerRunning())
	job := h.addJob(t, models.PrintJobReadyToPrint, "T1", time.Now())
	assert.Eventually(t, func() bool {
		return h.status(t, job.ID).Status == models.PrintJobPrinted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgent_StopClosesSubscription(t *testing.T) {
	h := newHarness(t)

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Running())

	a.Stop()
	a.Stop()

	assert.False(t, a.Running())
	assert.True(t, h.feed.closed.Load())

	// Nothing is processed after shutdown.
	job := h.addJob(t, models.PrintJobReadyToPrint, "T1", time.Now())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, models.PrintJobReadyToPrint, h.status(t, job.ID).Status)
}

func TestAgent_RunReturnsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	a := h.agent()
	go func() { done <- a.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.False(t, a.Running())
}

func TestAgent_RequiresTerminal(t *testing.T) {
	h := newHarness(t)
	h.cfg.TerminalID = ""

	assert.Error(t, h.agent().Start(context.Background()))
}

func TestAgent_JobReadiedDuringCatchUpIsPrinted(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false
	late := h.addJob(t, models.PrintJobPending, "", time.Now())

	var once sync.Once
	h.store = &hookedStore{DB: h.jobs, listReady: func(ctx context.Context, terminalID string, limit int) ([]models.PrintJob, error) {
		jobs, err := h.jobs.ListReady(ctx, terminalID, limit)
		once.Do(func() {
			// Readied after the backlog was read, so only the feed can deliver it.
			ready, markErr := h.jobs.MarkReadyToPrint(ctx, late.TicketID, "T1")
			require.NoError(t, markErr)
			require.Len(t, ready, 1)
			h.feed.publish(feed.EventFor(ready[0]))
		})
		return jobs, err
	}}

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.Eventually(t, func() bool {
		return h.status(t, late.ID).Status == models.PrintJobPrinted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.printer.count(late.ID))
	assert.False(t, a.PollerRunning())
}

func TestAgent_StoreErrorAfterPrintFailsJob(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false
	job := h.addJob(t, models.PrintJobReadyToPrint, "T1", time.Now())
	h.store = &hookedStore{DB: h.jobs, markPrinted: func(context.Context, string) (bool, error) {
		return false, errors.New("connection reset")
	}}

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	got := h.status(t, job.ID)
	assert.Equal(t, models.PrintJobFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "record printed: connection reset", *got.LastError)
	assert.Equal(t, 1, h.printer.count(job.ID))
}

func TestAgent_RetriesWithoutPoller(t *testing.T) {
	h := newHarness(t)
	h.cfg.PollAlways = false
	h.cfg.MaxAttempts = 3
	h.cfg.RetryBackoff = 0
	h.printer.fail = func(_ string, call int) error {
		if call == 1 {
			return errors.New("printer offline")
		}
		return nil
	}
	job := h.addJob(t, models.PrintJobReadyToPrint, "T1", time.Now())

	a := h.agent()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.Eventually(t, func() bool {
		return h.status(t, job.ID).Status == models.PrintJobPrinted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.status(t, job.ID).AttemptCount)
	assert.False(t, a.PollerRunning())
}

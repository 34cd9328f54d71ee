package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/quotedprintable"
	"net/mail"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/mailsage/internal/control"
	"github.com/foxzi/mailsage/internal/db"
	"github.com/foxzi/mailsage/internal/jobs"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/queue"
	"github.com/foxzi/mailsage/internal/repository"
	"github.com/foxzi/mailsage/internal/secret"
	"github.com/foxzi/mailsage/internal/smtp"
	"github.com/foxzi/mailsage/internal/smtp/smtptest"
)

const owner = "owner-1"

type recordingDispatcher struct {
	mu      sync.Mutex
	jobs    []string
	delayed []time.Duration
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, jobID)
	return nil
}

func (d *recordingDispatcher) DispatchAfter(_ context.Context, jobID string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, jobID)
	d.delayed = append(d.delayed, delay)
	return nil
}

func (d *recordingDispatcher) delays() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delayed...)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	onSend func(d *models.Delivery)
}

func (n *recordingNotifier) NotifyJob(_ *models.Job, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) NotifyDelivery(_ *models.Job, d *models.Delivery, event string) {
	n.mu.Lock()
	n.events = append(n.events, event)
	hook := n.onSend
	n.onSend = nil
	n.mu.Unlock()

	if hook != nil {
		hook(d)
	}
}

func (n *recordingNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type harness struct {
	db         *db.DB
	jobs       *repository.JobRepository
	deliveries *repository.DeliveryRepository
	accounts   *repository.SMTPAccountRepository
	templates  *repository.TemplateRepository
	signals    *control.MemoryStore
	dispatcher *recordingDispatcher
	notifier   *recordingNotifier
	server     *smtptest.Server
	account    *models.SMTPAccount
	sender     *smtp.Sender
	worker     *Worker
	controller *jobs.Controller
	logger     *slog.Logger
}

func newHarness(t *testing.T, batchSize, dailyLimit int) *harness {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())

	box, err := secret.New("test-secret")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		db:         database,
		jobs:       repository.NewJobRepository(database),
		deliveries: repository.NewDeliveryRepository(database),
		accounts:   repository.NewSMTPAccountRepository(database, box),
		templates:  repository.NewTemplateRepository(database),
		signals:    control.NewMemoryStore(),
		dispatcher: &recordingDispatcher{},
		notifier:   &recordingNotifier{},
		server:     smtptest.Start(t),
		logger:     logger,
	}

	h.account = &models.SMTPAccount{
		OwnerID:    owner,
		Name:       "primary",
		Host:       h.server.Host,
		Port:       h.server.Port,
		FromEmail:  "sender@example.com",
		FromName:   "Sender",
		IsDefault:  true,
		IsActive:   true,
		DailyLimit: dailyLimit,
	}
	require.NoError(t, h.accounts.Create(context.Background(), h.account))

	h.sender = smtp.NewSender(smtp.NewClient("localhost", 5*time.Second, logger), h.accounts, logger)
	h.worker = h.newWorker(h.dispatcher, batchSize)
	h.controller = jobs.NewController(h.jobs, h.deliveries, h.signals, h.signals, h.dispatcher, &recordingNotifier{}, logger)
	return h
}

func (h *harness) newWorker(dispatcher jobs.Dispatcher, batchSize int) *Worker {
	return New(Deps{
		Jobs:       h.jobs,
		Deliveries: h.deliveries,
		Templates:  h.templates,
		Sender:     h.sender,
		Signals:    h.signals,
		Dispatcher: dispatcher,
		Notifier:   h.notifier,
	}, Config{BatchSize: batchSize, PublicURL: "https://mail.example.com"}, h.logger)
}

func (h *harness) createJob(t *testing.T, n int, mutate func(*models.Job)) *models.Job {
	t.Helper()

	recipients := make([]models.Recipient, n)
	for i := range recipients {
		recipients[i] = models.Recipient{
			Email:     fmt.Sprintf("user%d@example.com", i),
			Variables: map[string]string{"name": fmt.Sprintf("User %d", i)},
		}
	}

	job := &models.Job{OwnerID: owner, Subject: "Hello", Body: "<p>Hi there</p>"}
	if mutate != nil {
		mutate(job)
	}
	_, err := h.jobs.CreateWithDeliveries(context.Background(), job, recipients)
	require.NoError(t, err)
	return job
}

func (h *harness) drain(t *testing.T, jobID string) Outcome {
	t.Helper()
	for i := 0; i < 20; i++ {
		outcome, err := h.worker.Process(context.Background(), jobID)
		require.NoError(t, err)
		if outcome != OutcomeContinued {
			return outcome
		}
	}
	t.Fatal("job did not settle after 20 batches")
	return ""
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) stats(t *testing.T, id string) models.JobStats {
	t.Helper()
	stats, err := h.deliveries.Stats(context.Background(), id)
	require.NoError(t, err)
	return stats
}

func count(events []string, event string) int {
	n := 0
	for _, e := range events {
		if e == event {
			n++
		}
	}
	return n
}

func TestThreeRecipientsInBatchesOfTwo(t *testing.T) {
	h := newHarness(t, 2, 0)
	h.server.Reject("user1@example.com", 550, "no such user")
	job := h.createJob(t, 3, nil)
	ctx := context.Background()

	outcome, err := h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinued, outcome)
	assert.Equal(t, []string{job.ID}, h.dispatcher.jobs)

	stats := h.stats(t, job.ID)
	assert.Equal(t, 2, stats.Sent+stats.Failed)
	assert.Equal(t, 1, stats.Pending)
	assert.Zero(t, stats.Claimed)
	assert.Equal(t, models.JobProcessing, h.job(t, job.ID).Status)

	outcome, err = h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 1, h.dispatcher.count())

	final := h.job(t, job.ID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 3, final.RecipientCount)
	assert.Equal(t, 2, final.SuccessCount)
	assert.Equal(t, 1, final.FailureCount)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	failed, err := h.deliveries.List(ctx, models.DeliveryFilter{JobID: job.ID, Status: models.DeliveryFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "user1@example.com", failed[0].Recipient)
	assert.Contains(t, failed[0].ErrorMessage, "no such user")
	assert.Equal(t, 1, failed[0].Attempts)

	assert.Len(t, h.server.Messages(), 2)

	account, err := h.accounts.Get(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, account.EmailsSentToday)
	assert.Equal(t, 1, account.FailureCount)

	events := h.notifier.list()
	require.NotEmpty(t, events)
	assert.Equal(t, "job.started", events[0])
	assert.Equal(t, "job.completed", events[len(events)-1])
	assert.Equal(t, 2, count(events, "delivery.sent"))
	assert.Equal(t, 1, count(events, "delivery.failed"))
}

func TestCompletedJobIsNotReprocessed(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 2, nil)

	require.Equal(t, OutcomeCompleted, h.drain(t, job.ID))
	before := h.job(t, job.ID)
	events := len(h.notifier.list())

	outcome, err := h.worker.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	after := h.job(t, job.ID)
	assert.Equal(t, models.JobCompleted, after.Status)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.Equal(t, before.SuccessCount, after.SuccessCount)
	assert.Len(t, h.notifier.list(), events)
	assert.Len(t, h.server.Messages(), 2)
}

func TestProcessingJobWithNothingLeftCompletes(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 1, nil)
	ctx := context.Background()

	_, err := h.jobs.MarkStarted(ctx, job.ID)
	require.NoError(t, err)
	claimed, err := h.deliveries.Claim(ctx, job.ID, "elsewhere", 10)
	require.NoError(t, err)
	_, err = h.deliveries.RecordResult(ctx, claimed[0].ID, "elsewhere", nil)
	require.NoError(t, err)

	outcome, err := h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, models.JobCompleted, h.job(t, job.ID).Status)
	assert.Empty(t, h.server.Messages())
}

func TestPauseMidBatchAndResume(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 4, nil)
	ctx := context.Background()

	h.notifier.onSend = func(*models.Delivery) {
		require.NoError(t, h.controller.Pause(ctx, job.ID, owner, "hold"))
	}

	outcome, err := h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)

	stats := h.stats(t, job.ID)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 3, stats.Pending)
	assert.Zero(t, stats.Claimed)
	assert.Equal(t, models.JobPaused, h.job(t, job.ID).Status)
	assert.Zero(t, h.dispatcher.count())

	outcome, err = h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)
	assert.Len(t, h.server.Messages(), 1)

	require.NoError(t, h.controller.Resume(ctx, job.ID, owner))
	assert.Equal(t, 1, h.dispatcher.count())
	assert.Equal(t, OutcomeCompleted, h.drain(t, job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 4, final.SuccessCount)
	assert.Zero(t, final.FailureCount)

	got := h.server.Recipients()
	sort.Strings(got)
	assert.Equal(t, []string{"user0@example.com", "user1@example.com", "user2@example.com", "user3@example.com"}, got)
}

func TestStopMidBatch(t *testing.T) {
	h := newHarness(t, 2, 0)
	job := h.createJob(t, 5, nil)
	ctx := context.Background()

	h.notifier.onSend = func(*models.Delivery) {
		require.NoError(t, h.controller.Stop(ctx, job.ID, owner, ""))
	}

	outcome, err := h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)

	final := h.job(t, job.ID)
	assert.Equal(t, models.JobStopped, final.Status)
	assert.Equal(t, 1, final.SuccessCount)

	stats := h.stats(t, job.ID)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 4, stats.Cancelled)
	assert.Zero(t, stats.Remaining())

	outcome, err = h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	assert.Len(t, h.server.Messages(), 1)
	// the stop saw the in-flight claim and scheduled one cleanup run
	assert.Equal(t, []time.Duration{jobs.DefaultClaimTimeout}, h.dispatcher.delays())
}

// abandon claims n deliveries of job for a worker that will never finish
// them, backdated by age
func (h *harness) abandon(t *testing.T, jobID string, n int, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	claimed, err := h.deliveries.Claim(ctx, jobID, "dead-token", n)
	require.NoError(t, err)
	require.Len(t, claimed, n)
	_, err = h.db.Exec(h.db.Rebind("UPDATE deliveries SET claimed_at = ? WHERE claim_token = ?"),
		time.Now().UTC().Add(-age), "dead-token")
	require.NoError(t, err)
}

func (h *harness) expireClaims(t *testing.T) {
	t.Helper()
	_, err := h.db.Exec(h.db.Rebind("UPDATE deliveries SET claimed_at = ? WHERE claim_token = ?"),
		time.Now().UTC().Add(-time.Hour), "dead-token")
	require.NoError(t, err)
}

func TestAbandonedClaimsAreResumed(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 3, nil)
	ctx := context.Background()
	h.abandon(t, job.ID, 2, 0)

	outcome, err := h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Equal(t, models.JobProcessing, h.job(t, job.ID).Status)
	assert.Equal(t, 2, h.stats(t, job.ID).Claimed)
	assert.Equal(t, []time.Duration{jobs.DefaultClaimTimeout}, h.dispatcher.delays())

	h.expireClaims(t)

	outcome, err = h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	final := h.job(t, job.ID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 3, final.SuccessCount)
	assert.Len(t, h.server.Messages(), 3)
}

func TestStopCancelsAbandonedClaims(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 3, nil)
	ctx := context.Background()
	h.abandon(t, job.ID, 2, time.Hour)

	require.NoError(t, h.controller.Stop(ctx, job.ID, owner, ""))

	stats := h.stats(t, job.ID)
	assert.Zero(t, stats.Claimed)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, 3, stats.Cancelled)
	assert.Zero(t, h.dispatcher.count())

	outcome, err := h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	assert.Empty(t, h.server.Messages())
}

func TestStopThenClaimsExpire(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 3, nil)
	ctx := context.Background()
	h.abandon(t, job.ID, 2, 0)

	require.NoError(t, h.controller.Stop(ctx, job.ID, owner, ""))

	stats := h.stats(t, job.ID)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, []time.Duration{jobs.DefaultClaimTimeout}, h.dispatcher.delays())

	h.expireClaims(t)

	outcome, err := h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)

	stats = h.stats(t, job.ID)
	assert.Zero(t, stats.Claimed)
	assert.Equal(t, 3, stats.Cancelled)
	assert.Zero(t, stats.Remaining())

	list, err := h.deliveries.List(ctx, models.DeliveryFilter{JobID: job.ID})
	require.NoError(t, err)
	for _, d := range list {
		assert.Equal(t, jobs.CancelMessage, d.ErrorMessage)
	}
	assert.Empty(t, h.server.Messages())
}

func TestSweepCancelsAbandonedClaims(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 3, nil)
	ctx := context.Background()

	_, err := h.jobs.MarkStarted(ctx, job.ID)
	require.NoError(t, err)
	h.abandon(t, job.ID, 2, 2*time.Hour)
	_, err = h.db.Exec(h.db.Rebind("UPDATE jobs SET updated_at = ? WHERE id = ?"),
		time.Now().UTC().Add(-2*time.Hour), job.ID)
	require.NoError(t, err)

	n, err := h.controller.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := h.job(t, job.ID)
	assert.Equal(t, models.JobStopped, final.Status)

	stats := h.stats(t, job.ID)
	assert.Zero(t, stats.Claimed)
	assert.Equal(t, 3, stats.Cancelled)

	list, err := h.deliveries.List(ctx, models.DeliveryFilter{JobID: job.ID})
	require.NoError(t, err)
	for _, d := range list {
		assert.Equal(t, "Job stopped: stale_job", d.ErrorMessage)
	}
}

func TestStoppedBeforeFirstBatch(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, h.controller.Stop(ctx, job.ID, owner, ""))

	outcome, err := h.worker.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	assert.Nil(t, h.job(t, job.ID).StartedAt)
	assert.Empty(t, h.server.Messages())
	assert.NotContains(t, h.notifier.list(), "job.started")
}

func TestMissingJobIsPermanent(t *testing.T) {
	h := newHarness(t, 10, 0)

	_, err := h.worker.Process(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	err = h.worker.Handle(context.Background(), &queue.Task{Type: TaskSendBatch})
	assert.True(t, queue.IsPermanent(err))
}

func TestNoAccountFailsDeliveries(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 2, func(j *models.Job) { j.OwnerID = "owner-without-account" })

	assert.Equal(t, OutcomeCompleted, h.drain(t, job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, 2, final.FailureCount)
	assert.Zero(t, final.SuccessCount)

	failed, err := h.deliveries.List(context.Background(), models.DeliveryFilter{JobID: job.ID})
	require.NoError(t, err)
	for _, d := range failed {
		assert.Equal(t, models.DeliveryFailed, d.Status)
		assert.Equal(t, "no SMTP account available", d.ErrorMessage)
	}
	assert.Empty(t, h.server.Messages())
}

func TestTemplateRenderingWithTracking(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()

	tpl := &models.Template{
		OwnerID:  owner,
		Name:     "welcome",
		Subject:  "Hi {{name}}",
		HTML:     `<html><body><p>Welcome {{name}}</p><a href="https://example.org/start">Start</a></body></html>`,
		IsActive: true,
	}
	require.NoError(t, h.templates.Create(ctx, tpl))

	job := h.createJob(t, 1, func(j *models.Job) {
		j.TemplateID = tpl.ID
		j.Subject = ""
		j.Body = ""
		j.TrackingEnabled = true
		j.CampaignID = "spring"
	})

	assert.Equal(t, OutcomeCompleted, h.drain(t, job.ID))

	deliveries, err := h.deliveries.List(ctx, models.DeliveryFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	trackingID := deliveries[0].TrackingID

	messages := h.server.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "sender@example.com", messages[0].From)

	msg, err := mail.ReadMessage(strings.NewReader(string(messages[0].Data)))
	require.NoError(t, err)
	assert.Equal(t, "Hi User 0", msg.Header.Get("Subject"))
	assert.Equal(t, "spring", msg.Header.Get("X-Campaign-ID"))
	assert.Equal(t, job.ID, msg.Header.Get("X-MailSage-Job-ID"))

	body, err := io.ReadAll(quotedprintable.NewReader(msg.Body))
	require.NoError(t, err)
	assert.Contains(t, string(body), "Welcome User 0")
	assert.Contains(t, string(body), "https://mail.example.com/t/o/"+trackingID)
	assert.Contains(t, string(body), "https://mail.example.com/t/c/"+trackingID+"?url=")
	assert.NotContains(t, string(body), `href="https://example.org/start"`)
}

func TestRemovedTemplateFailsJob(t *testing.T) {
	h := newHarness(t, 10, 0)
	job := h.createJob(t, 2, func(j *models.Job) { j.TemplateID = "deleted-template" })

	outcome, err := h.worker.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	final := h.job(t, job.ID)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Contains(t, final.ErrorDetails, "deleted-template")
	assert.NotNil(t, final.CompletedAt)

	stats := h.stats(t, job.ID)
	assert.Equal(t, 2, stats.Cancelled)
	assert.Contains(t, h.notifier.list(), "job.failed")
}

func TestConcurrentBatchesRespectDailyLimit(t *testing.T) {
	h := newHarness(t, 3, 2)
	job := h.createJob(t, 6, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.worker.Process(ctx, job.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	h.drain(t, job.ID)

	final := h.job(t, job.ID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 2, final.SuccessCount)
	assert.Equal(t, 4, final.FailureCount)
	assert.Len(t, h.server.Messages(), 2)

	account, err := h.accounts.Get(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, account.EmailsSentToday)

	failed, err := h.deliveries.List(ctx, models.DeliveryFilter{JobID: job.ID, Status: models.DeliveryFailed})
	require.NoError(t, err)
	for _, d := range failed {
		assert.Contains(t, d.ErrorMessage, "daily limit")
	}
}

func TestProcessorRunsJobToCompletion(t *testing.T) {
	h := newHarness(t, 2, 0)

	storage, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	dispatcher := NewDispatcher(storage)
	w := h.newWorker(dispatcher, 2)

	processor := queue.NewProcessor(storage, queue.ProcessorConfig{
		Workers:         2,
		ProcessInterval: 10 * time.Millisecond,
	}, h.logger)
	w.Register(processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor.Start(ctx)
	defer processor.Stop()

	job := h.createJob(t, 5, nil)
	require.NoError(t, dispatcher.Dispatch(ctx, job.ID))

	require.Eventually(t, func() bool {
		j, err := h.jobs.Get(ctx, job.ID)
		return err == nil && j.Status == models.JobCompleted
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 5, h.job(t, job.ID).SuccessCount)
	assert.Len(t, h.server.Messages(), 5)
}

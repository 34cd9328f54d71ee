package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/mailsage/internal/control"
	"github.com/foxzi/mailsage/internal/db"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/quota"
	"github.com/foxzi/mailsage/internal/repository"
	"github.com/foxzi/mailsage/internal/template"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, jobID)
	return nil
}

func (d *fakeDispatcher) DispatchAfter(ctx context.Context, jobID string, _ time.Duration) error {
	return d.Dispatch(ctx, jobID)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) NotifyJob(job *models.Job, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type fakeQuota struct {
	err error
}

func (q fakeQuota) CheckSend(context.Context, string, int) error { return q.err }

type env struct {
	db         *db.DB
	jobs       *repository.JobRepository
	deliveries *repository.DeliveryRepository
	templates  *repository.TemplateRepository
	signals    *control.MemoryStore
	dispatcher *fakeDispatcher
	notifier   *fakeNotifier
	creator    *Creator
	controller *Controller
}

func newEnv(t *testing.T, q QuotaChecker) *env {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		db:         database,
		jobs:       repository.NewJobRepository(database),
		deliveries: repository.NewDeliveryRepository(database),
		templates:  repository.NewTemplateRepository(database),
		signals:    control.NewMemoryStore(),
		dispatcher: &fakeDispatcher{},
		notifier:   &fakeNotifier{},
	}
	e.creator = NewCreator(e.jobs, e.templates, q, e.dispatcher, logger)
	e.controller = NewController(e.jobs, e.deliveries, e.signals, e.signals, e.dispatcher, e.notifier, logger)
	return e
}

func recipients(n int) []models.Recipient {
	list := make([]models.Recipient, n)
	for i := range list {
		list[i] = models.Recipient{Email: fmt.Sprintf("user%d@example.com", i)}
	}
	return list
}

func (e *env) create(t *testing.T, owner string, n int) *models.Job {
	t.Helper()
	job, err := e.creator.CreateJob(context.Background(), CreateRequest{
		OwnerID:    owner,
		Recipients: recipients(n),
		Subject:    "Hello",
		Body:       "<p>Hi</p>",
	})
	require.NoError(t, err)
	return job
}

func (e *env) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestCreateJob(t *testing.T) {
	e := newEnv(t, fakeQuota{})

	job := e.create(t, "owner-1", 3)

	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.TrackingID)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 3, job.RecipientCount)
	assert.Equal(t, []string{job.ID}, e.dispatcher.jobs)

	stats, err := e.deliveries.Stats(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Pending)
}

func TestCreateJobValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"no recipients", CreateRequest{OwnerID: "o", Subject: "s", Body: "b"}, "recipients"},
		{"bad address", CreateRequest{OwnerID: "o", Subject: "s", Body: "b",
			Recipients: []models.Recipient{{Email: "not-an-address"}}}, "recipients"},
		{"display name", CreateRequest{OwnerID: "o", Subject: "s", Body: "b",
			Recipients: []models.Recipient{{Email: "Bob <bob@example.com>"}}}, "recipients"},
		{"no subject", CreateRequest{OwnerID: "o", Body: "b", Recipients: recipients(1)}, "subject"},
		{"no body", CreateRequest{OwnerID: "o", Subject: "s", Recipients: recipients(1)}, "body"},
		{"unknown template", CreateRequest{OwnerID: "o", TemplateID: "missing", Recipients: recipients(1)}, "template_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, fakeQuota{})

			_, err := e.creator.CreateJob(context.Background(), tt.req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 0, e.countRows(t, "jobs"))
			assert.Empty(t, e.dispatcher.jobs)
		})
	}
}

func TestCreateJobQuotaExceeded(t *testing.T) {
	exceeded := &quota.ExceededError{Reason: quota.ReasonDailyEmails, Limit: 100, Used: 99, Requested: 3, Remaining: 1}
	e := newEnv(t, fakeQuota{err: exceeded})

	_, err := e.creator.CreateJob(context.Background(), CreateRequest{
		OwnerID: "o", Subject: "s", Body: "b", Recipients: recipients(3),
	})

	var qerr *quota.ExceededError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, 1, qerr.Remaining)
	assert.Equal(t, 0, e.countRows(t, "jobs"))
	assert.Equal(t, 0, e.countRows(t, "deliveries"))
}

func TestCreateJobMissingTemplateVariables(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()

	tpl := &models.Template{OwnerID: "o", Name: "welcome", Subject: "Hi {{name}}", HTML: "<p>{{name}} {{code}}</p>", IsActive: true}
	require.NoError(t, e.templates.Create(ctx, tpl))

	_, err := e.creator.CreateJob(ctx, CreateRequest{
		OwnerID:    "o",
		TemplateID: tpl.ID,
		Recipients: []models.Recipient{
			{Email: "a@example.com", Variables: map[string]string{"name": "A", "code": "1"}},
			{Email: "b@example.com", Variables: map[string]string{"name": "B"}},
		},
	})

	var missing *template.MissingVariablesError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, []string{"code"}, missing.Names)
	assert.Contains(t, err.Error(), "b@example.com")

	assert.Equal(t, 0, e.countRows(t, "jobs"))
	assert.Equal(t, 0, e.countRows(t, "deliveries"))
}

func TestCreateJobTemplateOfOtherOwner(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()

	tpl := &models.Template{OwnerID: "someone-else", Name: "t", Subject: "s", HTML: "h", IsActive: true}
	require.NoError(t, e.templates.Create(ctx, tpl))

	_, err := e.creator.CreateJob(ctx, CreateRequest{OwnerID: "o", TemplateID: tpl.ID, Recipients: recipients(1)})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestCreateJobDispatchFailure(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	e.dispatcher.err = errors.New("queue closed")

	_, err := e.creator.CreateJob(context.Background(), CreateRequest{
		OwnerID: "o", Subject: "s", Body: "b", Recipients: recipients(1),
	})
	require.Error(t, err)

	var status models.JobStatus
	require.NoError(t, e.db.QueryRow("SELECT status FROM jobs").Scan(&status))
	assert.Equal(t, models.JobFailed, status)
}

func TestPauseResume(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()
	job := e.create(t, "owner-1", 2)

	require.NoError(t, e.controller.Pause(ctx, job.ID, "owner-1", "maintenance"))

	sig, _ := e.signals.Get(ctx, job.ID)
	assert.Equal(t, control.SignalPaused, sig)

	doc, err := e.controller.Progress(ctx, job.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, doc.Status)
	assert.True(t, doc.IsPaused)
	assert.Equal(t, "pause", doc.MetaData[models.MetaLastAction])
	assert.Equal(t, "maintenance", doc.MetaData[models.MetaPauseReason])

	assert.ErrorIs(t, e.controller.Pause(ctx, job.ID, "owner-1", ""), ErrInvalidState)

	require.NoError(t, e.controller.Resume(ctx, job.ID, "owner-1"))
	sig, _ = e.signals.Get(ctx, job.ID)
	assert.Equal(t, control.SignalNone, sig)

	doc, _ = e.controller.Progress(ctx, job.ID, "owner-1")
	assert.Equal(t, models.JobProcessing, doc.Status)
	assert.False(t, doc.IsPaused)
	assert.NotNil(t, doc.MetaData[models.MetaResumedAt])

	// creation plus resume
	assert.Equal(t, []string{job.ID, job.ID}, e.dispatcher.jobs)
	assert.Equal(t, []string{"job.paused", "job.resumed"}, e.notifier.events)

	assert.ErrorIs(t, e.controller.Resume(ctx, job.ID, "owner-1"), ErrInvalidState)
}

func TestStop(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()
	job := e.create(t, "owner-1", 3)

	require.NoError(t, e.controller.Stop(ctx, job.ID, "owner-1", ""))

	sig, _ := e.signals.Get(ctx, job.ID)
	assert.Equal(t, control.SignalStopped, sig)

	doc, err := e.controller.Progress(ctx, job.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStopped, doc.Status)
	assert.NotNil(t, doc.CompletedAt)
	assert.Equal(t, 3, doc.Progress.Cancelled)
	assert.Equal(t, 0, doc.Progress.Pending)
	assert.Equal(t, ReasonUserRequested, doc.MetaData[models.MetaStopReason])

	list, _ := e.deliveries.List(ctx, models.DeliveryFilter{JobID: job.ID})
	for _, d := range list {
		assert.Equal(t, models.DeliveryCancelled, d.Status)
		assert.Equal(t, CancelMessage, d.ErrorMessage)
	}

	assert.ErrorIs(t, e.controller.Stop(ctx, job.ID, "owner-1", ""), ErrInvalidState)
	assert.ErrorIs(t, e.controller.Resume(ctx, job.ID, "owner-1"), ErrInvalidState)
	assert.ErrorIs(t, e.controller.Pause(ctx, job.ID, "owner-1", ""), ErrInvalidState)
	assert.Equal(t, []string{"job.stopped"}, e.notifier.events)
}

func TestStopPausedJob(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()
	job := e.create(t, "owner-1", 1)

	require.NoError(t, e.controller.Pause(ctx, job.ID, "owner-1", ""))
	require.NoError(t, e.controller.Stop(ctx, job.ID, "owner-1", "changed my mind"))

	doc, _ := e.controller.Progress(ctx, job.ID, "owner-1")
	assert.Equal(t, models.JobStopped, doc.Status)
	assert.False(t, doc.IsPaused)
}

func TestOwnershipIsNotLeaked(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()
	job := e.create(t, "owner-1", 1)

	for name, err := range map[string]error{
		"pause":  e.controller.Pause(ctx, job.ID, "intruder", ""),
		"resume": e.controller.Resume(ctx, job.ID, "intruder"),
		"stop":   e.controller.Stop(ctx, job.ID, "intruder", ""),
	} {
		assert.ErrorIs(t, err, ErrNotFound, name)
	}

	_, err := e.controller.Progress(ctx, job.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.controller.Progress(ctx, "no-such-job", "owner-1")
	assert.ErrorIs(t, err, ErrNotFound)

	doc, _ := e.controller.Progress(ctx, job.ID, "owner-1")
	assert.Equal(t, models.JobPending, doc.Status)
}

func TestProgressPercentage(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()
	job := e.create(t, "owner-1", 3)

	claimed, err := e.deliveries.Claim(ctx, job.ID, "tok", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	_, err = e.deliveries.RecordResult(ctx, claimed[0].ID, "tok", nil)
	require.NoError(t, err)
	_, err = e.deliveries.RecordResult(ctx, claimed[1].ID, "tok", errors.New("550 no such user"))
	require.NoError(t, err)

	doc, err := e.controller.Progress(ctx, job.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 3, Pending: 1, Sent: 1, Failed: 1, Percentage: 33.33}, doc.Progress)
}

func TestActiveJobs(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()

	a := e.create(t, "owner-1", 1)
	b := e.create(t, "owner-1", 1)
	c := e.create(t, "owner-1", 1)
	e.create(t, "owner-2", 1)

	require.NoError(t, e.controller.Pause(ctx, b.ID, "owner-1", ""))
	require.NoError(t, e.controller.Stop(ctx, c.ID, "owner-1", ""))

	docs, err := e.controller.ActiveJobs(ctx, "owner-1")
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, d := range docs {
		ids[d.ID] = true
	}
	assert.Equal(t, map[string]bool{a.ID: true, b.ID: true}, ids)
}

func TestSweepStale(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()

	stale := e.create(t, "owner-1", 2)
	fresh := e.create(t, "owner-1", 2)
	for _, id := range []string{stale.ID, fresh.ID} {
		_, err := e.jobs.MarkStarted(ctx, id)
		require.NoError(t, err)
	}
	_, err := e.db.Exec(e.db.Rebind("UPDATE jobs SET updated_at = ? WHERE id = ?"),
		time.Now().UTC().Add(-2*time.Hour), stale.ID)
	require.NoError(t, err)

	n, err := e.controller.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, _ := e.controller.Progress(ctx, stale.ID, "owner-1")
	assert.Equal(t, models.JobStopped, doc.Status)
	assert.Equal(t, ReasonStale, doc.MetaData[models.MetaStopReason])

	list, _ := e.deliveries.List(ctx, models.DeliveryFilter{JobID: stale.ID})
	require.Len(t, list, 2)
	for _, d := range list {
		assert.Equal(t, models.DeliveryCancelled, d.Status)
		assert.Equal(t, "Job stopped: stale_job", d.ErrorMessage)
	}

	doc, _ = e.controller.Progress(ctx, fresh.ID, "owner-1")
	assert.Equal(t, models.JobProcessing, doc.Status)
}

func TestSweepStaleSkipsWhenLocked(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()

	_, ok, err := e.signals.TryLock(ctx, SweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := e.controller.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile(t *testing.T) {
	e := newEnv(t, fakeQuota{})
	ctx := context.Background()

	idle := e.create(t, "owner-1", 1)
	e.create(t, "owner-1", 1)
	paused := e.create(t, "owner-1", 1)
	require.NoError(t, e.controller.Pause(ctx, paused.ID, "owner-1", ""))

	_, err := e.db.Exec(e.db.Rebind("UPDATE jobs SET updated_at = ? WHERE id IN (?, ?)"),
		time.Now().UTC().Add(-time.Hour), idle.ID, paused.ID)
	require.NoError(t, err)
	e.dispatcher.jobs = nil

	n, err := e.controller.Reconcile(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{idle.ID}, e.dispatcher.jobs)
}

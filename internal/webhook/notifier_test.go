package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/mailsage/internal/config"
	"github.com/foxzi/mailsage/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	hooks     []models.Webhook
	successes map[string]int
	failures  map[string]int
	reasons   map[string]string
}

func newFakeStore(hooks ...models.Webhook) *fakeStore {
	return &fakeStore{
		hooks:     hooks,
		successes: map[string]int{},
		failures:  map[string]int{},
		reasons:   map[string]string{},
	}
}

func (s *fakeStore) ListActive(_ context.Context, owner, event string) ([]models.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Webhook
	for _, w := range s.hooks {
		if w.OwnerID == owner && w.IsActive && w.Subscribes(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *fakeStore) RecordSuccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes[id]++
	s.failures[id] = 0
	return nil
}

func (s *fakeStore) RecordFailure(_ context.Context, id, reason string, threshold int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id]++
	s.reasons[id] = reason
	if s.failures[id] >= threshold {
		for i := range s.hooks {
			if s.hooks[i].ID == id {
				s.hooks[i].IsActive = false
			}
		}
		return true, nil
	}
	return false, nil
}

type received struct {
	header http.Header
	body   []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func newTestNotifier(store Store) *Notifier {
	return NewNotifier(store, config.WebhookConfig{
		Timeout:          time.Second,
		MaxRetries:       3,
		FailureThreshold: 2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testJob() *models.Job {
	return &models.Job{
		ID:             "job-1",
		OwnerID:        "owner-1",
		Status:         models.JobCompleted,
		TrackingID:     "trk-1",
		RecipientCount: 3,
		SuccessCount:   2,
		FailureCount:   1,
	}
}

func TestNotifyJobSignsAndPosts(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	store := newFakeStore(models.Webhook{
		ID: "wh-1", OwnerID: "owner-1", URL: srv.URL, Secret: "s3cret", IsActive: true,
		Events: []string{EventJobCompleted},
	})

	n := newTestNotifier(store)
	n.NotifyJob(testJob(), EventJobCompleted)
	n.Close()

	reqs := got()
	require.Len(t, reqs, 1)
	r := reqs[0]

	assert.Equal(t, EventJobCompleted, r.header.Get(HeaderEvent))
	assert.Equal(t, "wh-1", r.header.Get(HeaderWebhookID))
	assert.Equal(t, UserAgent, r.header.Get("User-Agent"))
	assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	assert.True(t, Verify(r.body, "s3cret", r.header.Get(HeaderSignature)))
	assert.False(t, Verify(r.body, "other", r.header.Get(HeaderSignature)))

	var payload struct {
		Event     string    `json:"event"`
		Timestamp time.Time `json:"timestamp"`
		Data      JobData   `json:"data"`
	}
	require.NoError(t, json.Unmarshal(r.body, &payload))
	assert.Equal(t, EventJobCompleted, payload.Event)
	assert.Equal(t, time.UTC, payload.Timestamp.Location())
	assert.Equal(t, "job-1", payload.Data.JobID)
	assert.Equal(t, 3, payload.Data.RecipientCount)
	assert.Equal(t, 2, payload.Data.SuccessCount)

	assert.Equal(t, 1, store.successes["wh-1"])
}

func TestNotifyFiltersSubscriptions(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	store := newFakeStore(
		models.Webhook{ID: "a", OwnerID: "owner-1", URL: srv.URL, IsActive: true, Events: []string{EventDeliverySent}},
		models.Webhook{ID: "b", OwnerID: "owner-2", URL: srv.URL, IsActive: true, Events: []string{EventJobCompleted}},
		models.Webhook{ID: "c", OwnerID: "owner-1", URL: srv.URL, IsActive: false, Events: []string{EventJobCompleted}},
	)

	n := newTestNotifier(store)
	n.NotifyJob(testJob(), EventJobCompleted)
	n.Close()

	assert.Empty(t, got())
}

func TestNotifyPreservesOrder(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	store := newFakeStore(models.Webhook{
		ID: "wh-1", OwnerID: "owner-1", URL: srv.URL, IsActive: true,
		Events: []string{EventDeliverySent, EventJobCompleted},
	})

	n := newTestNotifier(store)
	job := testJob()
	n.NotifyDelivery(job, &models.Delivery{ID: "d-1", JobID: job.ID, Status: models.DeliverySent}, EventDeliverySent)
	n.NotifyJob(job, EventJobCompleted)
	n.Close()

	reqs := got()
	require.Len(t, reqs, 2)
	assert.Equal(t, EventDeliverySent, reqs[0].header.Get(HeaderEvent))
	assert.Equal(t, EventJobCompleted, reqs[1].header.Get(HeaderEvent))
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newFakeStore(models.Webhook{
		ID: "wh-1", OwnerID: "owner-1", URL: srv.URL, IsActive: true, Events: []string{EventJobStarted},
	})

	n := newTestNotifier(store)
	n.NotifyJob(testJob(), EventJobStarted)
	n.Close()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, store.successes["wh-1"])
	assert.Equal(t, 0, store.failures["wh-1"])
}

func TestNotifyDeactivatesAfterThreshold(t *testing.T) {
	srv, got := newReceiver(t, http.StatusInternalServerError)
	store := newFakeStore(models.Webhook{
		ID: "wh-1", OwnerID: "owner-1", URL: srv.URL, IsActive: true, Events: []string{EventJobFailed},
	})

	n := newTestNotifier(store)
	for i := 0; i < 3; i++ {
		n.NotifyJob(testJob(), EventJobFailed)
	}
	n.Close()

	// two events exhaust 3 attempts each; the third finds the webhook inactive
	assert.Len(t, got(), 6)
	assert.Equal(t, 2, store.failures["wh-1"])
	assert.Contains(t, store.reasons["wh-1"], "500")
	assert.False(t, store.hooks[0].IsActive)
}

func TestNotifyAfterCloseIsIgnored(t *testing.T) {
	store := newFakeStore()
	n := newTestNotifier(store)
	n.Close()
	n.Close()

	assert.NotPanics(t, func() { n.NotifyJob(testJob(), EventJobStarted) })
}

func TestValidEvent(t *testing.T) {
	assert.True(t, ValidEvent(EventDeliveryFailed))
	assert.False(t, ValidEvent("email.job.completed"))
}

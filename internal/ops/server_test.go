package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nudgeops/nudged/internal/audit"
	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/config"
	"github.com/nudgeops/nudged/internal/engine"
	"github.com/nudgeops/nudged/internal/eventbus"
	"github.com/nudgeops/nudged/internal/reconcile"
	"github.com/nudgeops/nudged/internal/scheduler"
	"github.com/nudgeops/nudged/internal/template"
	"github.com/nudgeops/nudged/internal/workitem"
	"github.com/nudgeops/nudged/internal/workitem/repositoryimpl"
	"github.com/nudgeops/nudged/pkg/storage"
)

var mondayNoon = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type okSender struct{}

func (okSender) Send(context.Context, channel.Recipient, channel.Message) (channel.Result, error) {
	return channel.Result{DeliveryID: "d-1"}, nil
}

type nopOracle struct{}

func (nopOracle) ActivitySince(context.Context, string, time.Time) ([]reconcile.ActivityEvent, error) {
	return nil, nil
}

func (nopOracle) HasRecentActivity(context.Context, string, int) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T) (*Server, *repositoryimpl.YAMLRepository) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	repo := repositoryimpl.NewYAMLRepository(store)
	trail := audit.NewStorageSink(store)
	sink := audit.NewBufferedSink(trail)
	bus := eventbus.New()
	senders := map[channel.Channel]channel.Sender{
		channel.Comment: okSender{},
		channel.Email:   okSender{},
		channel.SMS:     okSender{},
	}
	eng := engine.New(repo, reconcile.New(nopOracle{}), senders, template.NewStorageRenderer(store), sink, bus)
	eng.SetClock(func() time.Time { return mondayNoon })

	policyStore, err := config.NewPolicyStore(filepath.Join(t.TempDir(), "policy.yaml"))
	require.NoError(t, err)

	sched := scheduler.New(eng, repo, policyStore, 2, 5*time.Second)
	sched.SetClock(func() time.Time { return mondayNoon })

	env := &config.Env{}
	env.Env = "test"
	return NewServer(env, repo, sched, policyStore, trail, sink, bus), repo
}

func seedItem(t *testing.T, repo *repositoryimpl.YAMLRepository, id string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &workitem.WorkItem{
		ID:             id,
		Title:          "Review the rollout plan",
		Assignees:      []workitem.Contact{{Name: "Sam", Handle: "sam", Email: "sam@example.com"}},
		Active:         true,
		LastActivityAt: mondayNoon.Add(-72 * time.Hour),
	}))
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "test", body["env"])
	assert.Equal(t, "UTC", body["timezone"])
	assert.Equal(t, float64(3), body["max_stages"])
	assert.Equal(t, "open", body["oracle_fail_mode"])
}

func TestListAndGetItems(t *testing.T) {
	s, repo := newTestServer(t)
	seedItem(t, repo, "ITEM-001")

	rec := do(t, s, http.MethodGet, "/api/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["items"], 1)

	rec = do(t, s, http.MethodGet, "/api/items/ITEM-001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ITEM-001", decode(t, rec)["id"])

	rec = do(t, s, http.MethodGet, "/api/items/ITEM-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["code"])
}

func TestListItemsRejectsBadStage(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/items?stage=two", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateDispatchesAndAuditsItem(t *testing.T) {
	s, repo := newTestServer(t)
	seedItem(t, repo, "ITEM-001")

	rec := do(t, s, http.MethodPost, "/api/items/ITEM-001/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := repo.Get(context.Background(), "ITEM-001")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Reminder.Stage)

	rec = do(t, s, http.MethodGet, "/api/items/ITEM-001/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["entries"])
}

func TestPauseAndResume(t *testing.T) {
	s, repo := newTestServer(t)
	seedItem(t, repo, "ITEM-001")

	rec := do(t, s, http.MethodPost, "/api/items/ITEM-001/pause", `{"for":"48h","reason":"on leave"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := repo.Get(context.Background(), "ITEM-001")
	require.NoError(t, err)
	assert.Equal(t, workitem.PhasePaused, item.Reminder.Phase)
	assert.Equal(t, "on leave", item.Reminder.PauseReason)

	// A paused item refuses evaluation-driven dispatch.
	rec = do(t, s, http.MethodPost, "/api/items/ITEM-001/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	item, err = repo.Get(context.Background(), "ITEM-001")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Reminder.Stage)

	rec = do(t, s, http.MethodPost, "/api/items/ITEM-001/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	item, err = repo.Get(context.Background(), "ITEM-001")
	require.NoError(t, err)
	assert.Equal(t, workitem.PhaseIdle, item.Reminder.Phase)
	assert.Nil(t, item.Reminder.PausedUntil)
}

func TestPauseRequiresWindow(t *testing.T) {
	s, repo := newTestServer(t)
	seedItem(t, repo, "ITEM-001")

	rec := do(t, s, http.MethodPost, "/api/items/ITEM-001/pause", `{"reason":"no window"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerStage(t *testing.T) {
	s, repo := newTestServer(t)
	seedItem(t, repo, "ITEM-001")
	seedItem(t, repo, "ITEM-002")

	rec := do(t, s, http.MethodPost, "/api/triggers/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["processed"])

	rec = do(t, s, http.MethodPost, "/api/triggers/9", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsViewCollectsBusEvents(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.collectEvents(ctx)

	// Give the collector a moment to subscribe, then publish.
	require.Eventually(t, func() bool {
		s.bus.PublishNew(eventbus.TypeReminderSent, "ITEM-001", nil)
		rec := do(t, s, http.MethodGet, "/api/events", "")
		if rec.Code != http.StatusOK {
			return false
		}
		events, ok := decode(t, rec)["events"].([]any)
		return ok && len(events) > 0
	}, 2*time.Second, 50*time.Millisecond)
}

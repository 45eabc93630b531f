package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonebridge-group/diligence-cli/internal/llm"
	"github.com/stonebridge-group/diligence-cli/internal/model"
	"github.com/stonebridge-group/diligence-cli/internal/pipeline"
	"github.com/stonebridge-group/diligence-cli/internal/store"
)

const testFacilityJSON = `{"facilities":[{"name":"Maple Grove Care Center","state":"OH","confidence":0.95,"line_items":[{"category":"revenue","label":"Medicare Revenue","values":[{"period":"2024","value":4200000}],"confidence":0.95}],"census":{"occupancy_pct":88.5,"confidence":0.95},"payer_rates":{"medicare_per_diem":512.40,"confidence":0.95}}]}`

type stubDispatcher struct{}

func (stubDispatcher) Route(_ context.Context, _ string, _ llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: testFacilityJSON, Provider: "stub"}, nil
}

func newTestServer(t *testing.T) (*server, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	runner := pipeline.NewRunner(st, stubDispatcher{}, pipeline.Options{})
	t.Cleanup(runner.Close)

	s := newServer(st, runner)
	go s.hub.run(runner.Events())
	return s, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.routes(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestDocumentLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/documents", map[string]string{
		"name": "pnl.txt",
		"text": "Medicare Revenue\t4200000\n",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	rec = doJSON(t, h, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Bytes int    `json:"bytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "pnl.txt", docs[0].Name)
	assert.Positive(t, docs[0].Bytes)
	// Listing never carries raw text.
	assert.NotContains(t, rec.Body.String(), "Medicare Revenue")
}

func TestDocumentValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/documents", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/documents", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRunEndToEnd(t *testing.T) {
	s, st := newTestServer(t)
	h := s.routes()
	ctx := context.Background()

	doc := &model.Document{
		ID:      uuid.NewString(),
		Name:    "pnl.txt",
		RawText: "Line Item\t2024\nMedicare Revenue\t4200000\n",
	}
	require.NoError(t, st.SaveDocument(ctx, doc))

	rec := doJSON(t, h, http.MethodPost, "/api/runs", map[string]any{
		"document_ids": []string{doc.ID},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.RunID)

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, accepted.RunID)
		return err == nil && run != nil && run.Status == model.RunCompleted
	}, 5*time.Second, 20*time.Millisecond)

	rec = doJSON(t, h, http.MethodGet, "/api/runs/"+accepted.RunID+"/facilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var facilities []model.Facility
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &facilities))
	require.Len(t, facilities, 1)
	assert.Equal(t, "Maple Grove Care Center", facilities[0].Name)

	rec = doJSON(t, h, http.MethodGet, "/api/runs/"+accepted.RunID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestCreateRunValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/runs", map[string]any{"document_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.routes(), http.MethodGet, "/api/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContinueNotPaused(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.routes(), http.MethodPost, "/api/runs/"+uuid.NewString()+"/continue", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveClarification(t *testing.T) {
	s, st := newTestServer(t)
	h := s.routes()
	ctx := context.Background()

	req := model.ClarificationRequest{
		ID:        uuid.NewString(),
		RunID:     uuid.NewString(),
		Facility:  "Maple Grove Care Center",
		FieldPath: "payer_rates.medicare_per_diem",
		Kind:      model.KindLowConfidence,
		Priority:  0.6,
		Status:    model.ClarificationPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.SaveClarifications(ctx, []model.ClarificationRequest{req}))

	rec := doJSON(t, h, http.MethodPost, "/api/clarifications/"+req.ID+"/resolve", map[string]any{
		"value": 512.40,
		"note":  "confirmed against rate letter",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved model.ClarificationRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, model.ClarificationResolved, resolved.Status)

	// Resolution is terminal.
	rec = doJSON(t, h, http.MethodPost, "/api/clarifications/"+req.ID+"/resolve", map[string]any{
		"value": 500.0,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/clarifications/"+uuid.NewString()+"/resolve", map[string]any{
		"value": 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveClarificationUpdatesFacility(t *testing.T) {
	s, st := newTestServer(t)
	h := s.routes()
	ctx := context.Background()

	doc := &model.Document{
		ID:      uuid.NewString(),
		Name:    "deal.txt",
		RawText: "Line Item\t2024\nMedicare Revenue\t4200000\n",
	}
	require.NoError(t, st.SaveDocument(ctx, doc))

	rec := doJSON(t, h, http.MethodPost, "/api/runs", map[string]any{
		"document_ids": []string{doc.ID},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, accepted.RunID)
		return err == nil && run != nil && run.Status == model.RunCompleted
	}, 5*time.Second, 20*time.Millisecond)

	req := model.ClarificationRequest{
		ID:        uuid.NewString(),
		RunID:     accepted.RunID,
		Facility:  "Maple Grove Care Center",
		FieldPath: "census.occupancy_pct",
		Kind:      model.KindOutOfRange,
		Priority:  0.7,
		Status:    model.ClarificationPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.SaveClarifications(ctx, []model.ClarificationRequest{req}))

	rec = doJSON(t, h, http.MethodPost, "/api/clarifications/"+req.ID+"/resolve", map[string]any{
		"value": 91.2,
		"note":  "confirmed against census report",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// The reviewer value lands on the stored facility record.
	rec = doJSON(t, h, http.MethodGet, "/api/runs/"+accepted.RunID+"/facilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var facilities []model.Facility
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &facilities))
	require.Len(t, facilities, 1)
	require.NotNil(t, facilities[0].Census)
	require.NotNil(t, facilities[0].Census.OccupancyPct)
	assert.InDelta(t, 91.2, *facilities[0].Census.OccupancyPct, 1e-9)
	// Untouched fields survive the write-back.
	require.NotNil(t, facilities[0].Rates)
	require.NotNil(t, facilities[0].Rates.MedicarePerDiem)
	assert.InDelta(t, 512.40, *facilities[0].Rates.MedicarePerDiem, 1e-9)
}

func TestResolveClarificationsBulk(t *testing.T) {
	s, st := newTestServer(t)
	h := s.routes()
	ctx := context.Background()

	a := model.ClarificationRequest{
		ID: uuid.NewString(), RunID: "r-1", Facility: "A",
		FieldPath: "census.occupancy_pct", Kind: model.KindOutOfRange,
		Priority: 0.7, Status: model.ClarificationPending, CreatedAt: time.Now(),
	}
	b := model.ClarificationRequest{
		ID: uuid.NewString(), RunID: "r-1", Facility: "A",
		FieldPath: "bed_count", Kind: model.KindConflictingSources,
		Priority: 0.9, Status: model.ClarificationPending, CreatedAt: time.Now(),
	}
	require.NoError(t, st.SaveClarifications(ctx, []model.ClarificationRequest{a, b}))

	rec := doJSON(t, h, http.MethodPost, "/api/clarifications/resolve", map[string]any{
		"resolutions": []map[string]any{
			{"id": a.ID, "value": 88.5},
			{"id": b.ID, "value": 120, "note": "license count"},
			{"id": uuid.NewString(), "value": 1},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "resolved", resp.Results[0].Status)
	assert.Equal(t, "resolved", resp.Results[1].Status)
	assert.Equal(t, "error", resp.Results[2].Status)
	assert.Equal(t, "not found", resp.Results[2].Error)

	got, err := st.GetClarification(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClarificationResolved, got.Status)
}

func TestHubFanout(t *testing.T) {
	hub := newEventHub()

	started := hub.nextRunStarted()
	events, cancel := hub.subscribe("r-1")
	defer cancel()

	hub.dispatch(model.Event{Type: model.EventRunStarted, RunID: "r-1"})
	hub.dispatch(model.Event{Type: model.EventFacilityDetected, RunID: "r-1", Facility: "A"})
	hub.dispatch(model.Event{Type: model.EventFacilityDetected, RunID: "r-2", Facility: "B"})
	hub.dispatch(model.Event{Type: model.EventRunCompleted, RunID: "r-1"})

	ev := <-started
	assert.Equal(t, "r-1", ev.RunID)

	var got []model.Event
	for e := range events {
		got = append(got, e)
	}
	// Only r-1 events arrive, and the terminal event closes the channel.
	require.Len(t, got, 3)
	assert.Equal(t, model.EventRunStarted, got[0].Type)
	assert.Equal(t, "A", got[1].Facility)
	assert.Equal(t, model.EventRunCompleted, got[2].Type)
}

func TestHubSlowSubscriberDrops(t *testing.T) {
	hub := newEventHub()
	events, cancel := hub.subscribe("r-1")
	defer cancel()

	for i := 0; i < 200; i++ {
		hub.dispatch(model.Event{Type: model.EventChunkCompleted, RunID: "r-1", ChunkIndex: i})
	}

	// The subscriber buffer bounds what it can lag behind by.
	assert.LessOrEqual(t, len(events), 64)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stonebridge-group/diligence-cli/internal/model"
	"github.com/stonebridge-group/diligence-cli/internal/pipeline"
	"github.com/stonebridge-group/diligence-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction API server",
	Long:  "Serves document ingestion, run launching with streamed progress events, and the clarification review surface over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		rt, err := initRouter()
		if err != nil {
			return err
		}

		runner := pipeline.NewRunner(st, rt, pipeline.Options{
			BatchWidth:     cfg.Pipeline.BatchWidth,
			MaxChunkBytes:  cfg.Pipeline.MaxChunkBytes,
			Tolerance:      cfg.Pipeline.Tolerance,
			Thresholds:     clarifyThresholds(),
			PauseOnClarify: cfg.Pipeline.PauseOnClarify,
			BusBuffer:      cfg.Pipeline.EventBuffer,
		})
		defer runner.Close()

		srvState := newServer(st, runner)
		go srvState.hub.run(runner.Events())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srvState.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type server struct {
	store  store.Store
	runner *pipeline.Runner
	hub    *eventHub

	// launchMu serializes run launches so each caller pairs with its own
	// run_started event.
	launchMu sync.Mutex
}

func newServer(st store.Store, runner *pipeline.Runner) *server {
	return &server{store: st, runner: runner, hub: newEventHub()}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/documents", s.handleListDocuments)
		r.Post("/documents", s.handleCreateDocument)

		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Get("/runs/{id}/facilities", s.handleRunFacilities)
		r.Get("/runs/{id}/clarifications", s.handleRunClarifications)
		r.Post("/runs/{id}/continue", s.handleRunContinue)

		r.Post("/clarifications/resolve", s.handleResolveClarifications)
		r.Post("/clarifications/{id}/resolve", s.handleResolveClarification)
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Raw text can run to megabytes; the listing omits it.
	type docSummary struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Bytes     int       `json:"bytes"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]docSummary, len(docs))
	for i, d := range docs {
		out[i] = docSummary{ID: d.ID, Name: d.Name, Bytes: len(d.RawText), CreatedAt: d.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if req.Name == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, eris.New("name and text are required"))
		return
	}

	doc := &model.Document{
		ID:        uuid.NewString(),
		Name:      req.Name,
		RawText:   req.Text,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveDocument(r.Context(), doc); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": doc.ID, "name": doc.Name})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Limit:  50,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentIDs []string `json:"document_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if len(req.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, eris.New("document_ids is required"))
		return
	}

	s.launchMu.Lock()
	started := s.hub.nextRunStarted()
	go func() {
		// Runs outlive the launching request.
		if _, err := s.runner.Run(context.WithoutCancel(r.Context()), req.DocumentIDs); err != nil {
			zap.L().Error("run failed", zap.Error(err))
		}
	}()

	select {
	case ev := <-started:
		s.launchMu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": ev.RunID, "status": "accepted"})
	case <-time.After(10 * time.Second):
		s.launchMu.Unlock()
		writeError(w, http.StatusInternalServerError, eris.New("run did not start in time"))
	}
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, eris.New("run not found"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents streams the run's progress as server-sent events until the
// run reaches a terminal state or the client disconnects.
func (s *server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, eris.New("streaming unsupported"))
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, eris.New("run not found"))
		return
	}

	events, cancel := s.hub.subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *server) handleRunFacilities(w http.ResponseWriter, r *http.Request) {
	facilities, err := s.store.GetFacilities(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, facilities)
}

func (s *server) handleRunClarifications(w http.ResponseWriter, r *http.Request) {
	requests, err := s.store.ListClarifications(r.Context(),
		chi.URLParam(r, "id"),
		model.ClarificationStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (s *server) handleRunContinue(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !s.runner.Continue(runID) {
		writeError(w, http.StatusConflict, eris.New("run is not paused"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "resumed"})
}

// handleResolveClarifications resolves a batch in one request. Each entry
// succeeds or fails independently; the response reports both.
func (s *server) handleResolveClarifications(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolutions []struct {
			ID    string `json:"id"`
			Value any    `json:"value"`
			Note  string `json:"note"`
		} `json:"resolutions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if len(req.Resolutions) == 0 {
		writeError(w, http.StatusBadRequest, eris.New("resolutions is required"))
		return
	}

	type outcome struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	results := make([]outcome, 0, len(req.Resolutions))

	for _, res := range req.Resolutions {
		out := outcome{ID: res.ID, Status: "resolved"}

		clar, err := s.store.GetClarification(r.Context(), res.ID)
		switch {
		case err != nil:
			out.Status, out.Error = "error", err.Error()
		case clar == nil:
			out.Status, out.Error = "error", "not found"
		case res.Value == nil:
			out.Status, out.Error = "error", "value is required"
		default:
			if rerr := clar.Resolve(res.Value, res.Note); rerr != nil {
				out.Status, out.Error = "error", rerr.Error()
			} else if uerr := s.store.UpdateClarification(r.Context(), clar); uerr != nil {
				out.Status, out.Error = "error", uerr.Error()
			} else if aerr := s.store.ApplyResolution(r.Context(), clar); aerr != nil {
				out.Status, out.Error = "error", aerr.Error()
			}
		}
		results = append(results, out)
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *server) handleResolveClarification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Value any    `json:"value"`
		Note  string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, eris.New("value is required"))
		return
	}

	clar, err := s.store.GetClarification(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if clar == nil {
		writeError(w, http.StatusNotFound, eris.New("clarification not found"))
		return
	}

	if err := clar.Resolve(req.Value, req.Note); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := s.store.UpdateClarification(r.Context(), clar); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// The reviewer's value replaces the extracted one on the stored record.
	if err := s.store.ApplyResolution(r.Context(), clar); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, clar)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

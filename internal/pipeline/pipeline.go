// Package pipeline orchestrates a full extraction run: segment each document
// into sheets and chunks, extract facility records through the provider
// router, merge partial records, evaluate clarifications, and persist the
// result with provenance.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stonebridge-group/diligence-cli/internal/clarify"
	"github.com/stonebridge-group/diligence-cli/internal/extract"
	"github.com/stonebridge-group/diligence-cli/internal/merge"
	"github.com/stonebridge-group/diligence-cli/internal/model"
	"github.com/stonebridge-group/diligence-cli/internal/segment"
	"github.com/stonebridge-group/diligence-cli/internal/store"
)

// Options tunes a Runner. Zero values fall back to package defaults.
type Options struct {
	BatchWidth     int
	MaxChunkBytes  int
	Tolerance      float64
	Thresholds     clarify.Thresholds
	PauseOnClarify bool
	BusBuffer      int
}

// Runner executes extraction runs.
type Runner struct {
	store      store.Store
	dispatcher extract.Dispatcher
	opts       Options
	bus        *Bus

	mu    sync.Mutex
	gates map[string]chan struct{}
}

// NewRunner creates a Runner. The dispatcher is usually a *router.Router.
func NewRunner(st store.Store, d extract.Dispatcher, opts Options) *Runner {
	if opts.BatchWidth <= 0 {
		opts.BatchWidth = extract.DefaultBatchWidth
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = segment.DefaultMaxChunkBytes
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = merge.DefaultTolerance
	}
	if opts.Thresholds == (clarify.Thresholds{}) {
		opts.Thresholds = clarify.DefaultThresholds()
	}
	return &Runner{
		store:      st,
		dispatcher: d,
		opts:       opts,
		bus:        NewBus(opts.BusBuffer),
		gates:      make(map[string]chan struct{}),
	}
}

// Events returns the run progress stream.
func (r *Runner) Events() <-chan model.Event {
	return r.bus.Events()
}

// Close shuts the event stream down. Call after the last Run returns.
func (r *Runner) Close() {
	r.bus.Close()
}

func (r *Runner) emit(ev model.Event) {
	ev.At = time.Now().UTC()
	r.bus.Publish(ev)
}

// Run executes the pipeline over the given document IDs and returns the
// completed run record. Per-chunk failures degrade to warnings; Run fails
// only when no documents resolve, the context dies, or persistence fails.
func (r *Runner) Run(ctx context.Context, documentIDs []string) (*model.Run, error) {
	start := time.Now()

	run, err := r.store.CreateRun(ctx, documentIDs)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("run_id", run.ID))

	r.emit(model.Event{Type: model.EventRunStarted, RunID: run.ID, DocumentCount: len(documentIDs)})

	docs, missing := r.loadDocuments(ctx, documentIDs)
	if len(docs) == 0 {
		msg := "no documents found for run"
		if len(missing) > 0 {
			msg += ": " + strings.Join(missing, ", ")
		}
		return r.fail(ctx, run, eris.New(msg))
	}
	for _, id := range missing {
		log.Warn("document not found, skipping", zap.String("document_id", id))
	}

	if err := r.store.UpdateRunStatus(ctx, run.ID, model.RunRunning); err != nil {
		log.Warn("failed to update run status", zap.Error(err))
	}

	orch := extract.NewOrchestrator(r.dispatcher, r.opts.BatchWidth)

	var all []model.Facility
	var conflicts []merge.FieldConflict
	var warnings []string
	var docNames []string

	for i, doc := range docs {
		if ctx.Err() != nil {
			return r.fail(ctx, run, eris.Wrap(ctx.Err(), "pipeline: canceled"))
		}
		docNames = append(docNames, doc.Name)

		r.emit(model.Event{
			Type: model.EventDocumentStarted, RunID: run.ID,
			Document: doc.Name, DocumentIndex: i + 1, DocumentCount: len(docs),
		})

		facilities, docConflicts, docWarnings := r.extractDocument(ctx, run.ID, doc, orch)
		all = append(all, facilities...)
		conflicts = append(conflicts, docConflicts...)
		warnings = append(warnings, docWarnings...)

		r.emit(model.Event{
			Type: model.EventDocumentCompleted, RunID: run.ID,
			Document: doc.Name, DocumentIndex: i + 1, DocumentCount: len(docs),
		})
	}

	// Cross-sheet pass: each sheet is already settled, so a facility's
	// confidence here is the mean of its per-sheet means.
	merged := merge.Merge(all, r.opts.Tolerance)
	conflicts = append(conflicts, merged.Conflicts...)
	docLabel := strings.Join(docNames, ", ")

	for _, f := range merged.Facilities {
		r.emit(model.Event{Type: model.EventFacilityDetected, RunID: run.ID, Facility: f.Name})
	}
	for _, c := range conflicts {
		r.emit(model.Event{
			Type: model.EventConflictDetected, RunID: run.ID,
			Facility: c.Facility, FieldPath: c.FieldPath, Warning: c.Describe(),
		})
	}

	requests := clarify.Evaluate(run.ID, docLabel, merged.Facilities, conflicts, r.opts.Thresholds)

	if err := r.store.SaveFacilities(ctx, run.ID, docLabel, merged.Facilities); err != nil {
		return r.fail(ctx, run, eris.Wrap(err, "pipeline: save facilities"))
	}

	// Fresh extractions invalidate review requests left over from earlier
	// runs over the same facilities.
	for _, f := range merged.Facilities {
		n, err := r.store.SupersedePending(ctx, f.Name, "", run.ID)
		if err != nil {
			log.Warn("failed to supersede stale clarifications", zap.String("facility", f.Name), zap.Error(err))
			continue
		}
		if n > 0 {
			log.Info("superseded stale clarifications", zap.String("facility", f.Name), zap.Int("count", n))
		}
	}

	if err := r.store.SaveClarifications(ctx, requests); err != nil {
		return r.fail(ctx, run, eris.Wrap(err, "pipeline: save clarifications"))
	}

	for i := range requests {
		r.emit(model.Event{
			Type: model.EventClarificationNeeded, RunID: run.ID,
			Facility: requests[i].Facility, FieldPath: requests[i].FieldPath,
			Clarification: &requests[i],
		})
	}

	if r.opts.PauseOnClarify && hasHighPriority(requests) {
		if err := r.pause(ctx, run.ID, log); err != nil {
			return r.fail(ctx, run, err)
		}
	}

	stats := buildStats(merged.Facilities, requests, warnings, time.Since(start))
	if err := r.store.FinishRun(ctx, run.ID, model.RunCompleted, stats, ""); err != nil {
		return nil, eris.Wrap(err, "pipeline: finish run")
	}

	r.emit(model.Event{Type: model.EventRunCompleted, RunID: run.ID, Stats: stats})
	log.Info("run complete",
		zap.Int("facilities", stats.Facilities),
		zap.Int("line_items", stats.LineItems),
		zap.Int("clarifications", stats.Clarifications),
		zap.Int("warnings", stats.Warnings),
		zap.Duration("elapsed", stats.Elapsed),
	)

	run.Status = model.RunCompleted
	run.Stats = stats
	return run, nil
}

// Continue unblocks a run paused on high-priority clarifications.
func (r *Runner) Continue(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate, ok := r.gates[runID]
	if !ok {
		return false
	}
	delete(r.gates, runID)
	close(gate)
	return true
}

// Paused reports whether the run is currently blocked on clarifications.
func (r *Runner) Paused(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.gates[runID]
	return ok
}

func (r *Runner) pause(ctx context.Context, runID string, log *zap.Logger) error {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[runID] = gate
	r.mu.Unlock()

	if err := r.store.UpdateRunStatus(ctx, runID, model.RunPaused); err != nil {
		log.Warn("failed to mark run paused", zap.Error(err))
	}
	log.Info("run paused pending clarifications")

	select {
	case <-gate:
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.gates, runID)
		r.mu.Unlock()
		return eris.Wrap(ctx.Err(), "pipeline: canceled while paused")
	}

	if err := r.store.UpdateRunStatus(ctx, runID, model.RunRunning); err != nil {
		log.Warn("failed to mark run running", zap.Error(err))
	}
	log.Info("run resumed")
	return nil
}

func (r *Runner) fail(ctx context.Context, run *model.Run, cause error) (*model.Run, error) {
	if err := r.store.FinishRun(ctx, run.ID, model.RunFailed, nil, cause.Error()); err != nil {
		zap.L().Warn("failed to record run failure", zap.String("run_id", run.ID), zap.Error(err))
	}
	r.emit(model.Event{Type: model.EventRunFailed, RunID: run.ID, Error: cause.Error()})
	run.Status = model.RunFailed
	run.Error = cause.Error()
	return run, cause
}

func (r *Runner) loadDocuments(ctx context.Context, ids []string) ([]*model.Document, []string) {
	var docs []*model.Document
	var missing []string
	for _, id := range ids {
		doc, err := r.store.GetDocument(ctx, id)
		if err != nil {
			zap.L().Warn("failed to load document", zap.String("document_id", id), zap.Error(err))
			missing = append(missing, id)
			continue
		}
		if doc == nil {
			missing = append(missing, id)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, missing
}

// phaseExtraction labels the per-sheet extraction pass on progress events.
const phaseExtraction = "extraction"

// extractDocument segments one document, extracts its sheets concurrently,
// and settles each sheet with an intra-sheet merge before handing the
// per-sheet records up to the cross-sheet pass. Extraction failures surface
// as warnings, never as a document failure.
func (r *Runner) extractDocument(ctx context.Context, runID string, doc *model.Document, orch *extract.Orchestrator) ([]model.Facility, []merge.FieldConflict, []string) {
	sheets := segment.SplitSheets(doc.ID, doc.RawText)

	sheetChunks := make([][]model.Chunk, len(sheets))
	for i, sheet := range sheets {
		sheetChunks[i] = segment.ChunkSheet(sheet, r.opts.MaxChunkBytes)
		r.emit(model.Event{
			Type: model.EventPassStarted, RunID: runID, Phase: phaseExtraction,
			Document: doc.Name, Sheet: sheet.Name, ChunkCount: len(sheetChunks[i]),
		})
	}

	progress := func(chunk model.Chunk, found int, chunkWarnings []string) {
		r.emit(model.Event{
			Type: model.EventChunkCompleted, RunID: runID,
			Document: doc.Name, Sheet: chunk.SheetName,
			ChunkIndex: chunk.Index + 1, ChunkCount: chunk.Total,
		})
		r.emit(model.Event{
			Type: model.EventPassProgress, RunID: runID, Phase: phaseExtraction,
			Document: doc.Name, Sheet: chunk.SheetName,
			Percent: float64(chunk.Index+1) / float64(chunk.Total) * 100,
		})
	}

	results, err := orch.ExtractSheets(ctx, sheetChunks, progress)

	var facilities []model.Facility
	var conflicts []merge.FieldConflict
	var warnings []string

	for _, result := range results {
		if result == nil {
			continue
		}
		warnings = append(warnings, result.Warnings...)

		// Intra-sheet pass: partial records from this sheet's chunks reduce
		// to one record per facility before sheets are combined.
		settled := merge.Merge(result.Facilities, r.opts.Tolerance)
		facilities = append(facilities, settled.Facilities...)
		conflicts = append(conflicts, settled.Conflicts...)
	}
	if err != nil {
		// Context death; the caller observes it on the next loop check.
		warnings = append(warnings, doc.Name+": "+err.Error())
	}

	return facilities, conflicts, warnings
}

func hasHighPriority(requests []model.ClarificationRequest) bool {
	for i := range requests {
		if requests[i].HighPriority() {
			return true
		}
	}
	return false
}

func buildStats(facilities []model.Facility, requests []model.ClarificationRequest, warnings []string, elapsed time.Duration) *model.RunStats {
	stats := &model.RunStats{
		Facilities:     len(facilities),
		Clarifications: len(requests),
		Warnings:       len(warnings),
		Elapsed:        elapsed,
	}

	periods := make(map[string]struct{})
	var confSum float64
	for _, f := range facilities {
		stats.LineItems += len(f.LineItems)
		for _, p := range f.Periods {
			periods[p.Label] = struct{}{}
		}
		for _, li := range f.LineItems {
			for _, pv := range li.Values {
				periods[pv.Period] = struct{}{}
			}
		}
		confSum += f.Confidence
	}
	stats.Periods = len(periods)
	if len(facilities) > 0 {
		stats.MeanConfidence = confSum / float64(len(facilities))
	}
	return stats
}

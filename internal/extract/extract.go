// Package extract turns sheet chunks into partial facility records by
// dispatching bounded batches of extraction requests through the router and
// decoding whatever comes back.
package extract

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stonebridge-group/diligence-cli/internal/llm"
	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// DefaultBatchWidth is the number of chunk requests in flight per batch.
const DefaultBatchWidth = 4

// Dispatcher routes one extraction request through the provider chain.
// Satisfied by *router.Router.
type Dispatcher interface {
	Route(ctx context.Context, task string, req llm.Request) (*llm.Response, error)
}

// SheetResult collects everything extracted from one sheet: partial facility
// records across chunks (not yet merged) plus per-chunk warnings.
type SheetResult struct {
	Sheet       string
	Facilities  []model.Facility
	Warnings    []string
	ChunksTotal int
	ChunksOK    int
}

// ChunkProgress is invoked after each chunk settles, successful or not.
type ChunkProgress func(chunk model.Chunk, facilities int, warnings []string)

// Orchestrator issues chunk extraction requests in fixed-width batches.
type Orchestrator struct {
	dispatcher Dispatcher
	batchWidth int
}

// NewOrchestrator creates an orchestrator with the given batch width.
func NewOrchestrator(d Dispatcher, batchWidth int) *Orchestrator {
	if batchWidth <= 0 {
		batchWidth = DefaultBatchWidth
	}
	return &Orchestrator{dispatcher: d, batchWidth: batchWidth}
}

// chunkOutcome is one chunk's settled result inside a batch.
type chunkOutcome struct {
	facilities []model.Facility
	warnings   []string
	ok         bool
}

// ExtractSheet processes a sheet's chunks in increasing-index batches.
// Batches are sequential; chunks within a batch run concurrently with
// all-settled semantics, so one chunk's failure never cancels its siblings.
// A failed chunk contributes only a warning. Once cancellation is observed,
// no further batches are dispatched.
func (o *Orchestrator) ExtractSheet(ctx context.Context, chunks []model.Chunk, progress ChunkProgress) (*SheetResult, error) {
	if len(chunks) == 0 {
		return &SheetResult{}, nil
	}

	result := &SheetResult{
		Sheet:       chunks[0].SheetName,
		ChunksTotal: len(chunks),
	}
	log := zap.L().With(zap.String("sheet", result.Sheet), zap.Int("chunks", len(chunks)))

	for start := 0; start < len(chunks); start += o.batchWidth {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		end := min(start+o.batchWidth, len(chunks))
		batch := chunks[start:end]
		outcomes := make([]chunkOutcome, len(batch))

		var wg sync.WaitGroup
		for i, chunk := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = o.extractChunk(ctx, chunk)
			}()
		}
		wg.Wait()

		for i, oc := range outcomes {
			result.Facilities = append(result.Facilities, oc.facilities...)
			result.Warnings = append(result.Warnings, oc.warnings...)
			if oc.ok {
				result.ChunksOK++
			}
			if progress != nil {
				progress(batch[i], len(oc.facilities), oc.warnings)
			}
		}
	}

	log.Debug("sheet extraction complete",
		zap.Int("chunks_ok", result.ChunksOK),
		zap.Int("facilities", len(result.Facilities)),
		zap.Int("warnings", len(result.Warnings)),
	)

	return result, nil
}

// extractChunk runs one chunk through the router and the staged decoder. It
// never returns an error: failures become warnings on the outcome.
func (o *Orchestrator) extractChunk(ctx context.Context, chunk model.Chunk) chunkOutcome {
	req := llm.Request{
		System: SystemPrompt(),
		Prompt: UserPrompt(chunk.SheetName, chunk.Content, chunk.Index, chunk.Total),
	}

	resp, err := o.dispatcher.Route(ctx, TaskFacilityExtraction, req)
	if err != nil {
		// Discard results once the caller has abandoned the run.
		if ctx.Err() != nil {
			return chunkOutcome{}
		}
		zap.L().Warn("chunk extraction failed",
			zap.String("sheet", chunk.SheetName),
			zap.Int("chunk", chunk.Index),
			zap.Error(err),
		)
		return chunkOutcome{warnings: []string{
			fmt.Sprintf("%s chunk %d/%d: extraction failed: %v", chunk.SheetName, chunk.Index+1, chunk.Total, err),
		}}
	}

	outcome := Decode(resp.Text)

	warnings := make([]string, 0, len(outcome.Warnings))
	for _, w := range outcome.Warnings {
		warnings = append(warnings, fmt.Sprintf("%s chunk %d/%d: %s", chunk.SheetName, chunk.Index+1, chunk.Total, w))
	}

	facilities := outcome.Facilities
	for i := range facilities {
		facilities[i].Sources = []string{chunk.SheetName}
	}

	return chunkOutcome{facilities: facilities, warnings: warnings, ok: outcome.Stage != StageFailed}
}

// ExtractSheets runs several sheets' chunk sets with modest parallelism
// across sheets, preserving per-sheet batch ordering.
func (o *Orchestrator) ExtractSheets(ctx context.Context, sheets [][]model.Chunk, progress ChunkProgress) ([]*SheetResult, error) {
	results := make([]*SheetResult, len(sheets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)

	for i, chunks := range sheets {
		g.Go(func() error {
			sr, err := o.ExtractSheet(gctx, chunks, progress)
			results[i] = sr
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

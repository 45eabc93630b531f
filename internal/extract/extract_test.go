package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonebridge-group/diligence-cli/internal/llm"
	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// scriptedDispatcher answers per chunk index, tracking in-flight concurrency.
type scriptedDispatcher struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	calls    int
	answer   func(prompt string) (*llm.Response, error)
}

func (d *scriptedDispatcher) Route(ctx context.Context, _ string, req llm.Request) (*llm.Response, error) {
	d.mu.Lock()
	d.calls++
	d.inFlight++
	if d.inFlight > d.maxSeen {
		d.maxSeen = d.inFlight
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return d.answer(req.Prompt)
}

func makeChunks(sheet string, n int) []model.Chunk {
	chunks := make([]model.Chunk, n)
	for i := range chunks {
		chunks[i] = model.Chunk{
			SheetName: sheet,
			Content:   fmt.Sprintf("row set %d\n", i),
			Index:     i,
			Total:     n,
		}
	}
	return chunks
}

func TestExtractSheetCollectsAllChunks(t *testing.T) {
	d := &scriptedDispatcher{answer: func(string) (*llm.Response, error) {
		return &llm.Response{Text: `{"facilities":[{"name":"A","confidence":0.9}]}`}, nil
	}}
	o := NewOrchestrator(d, 4)

	result, err := o.ExtractSheet(context.Background(), makeChunks("P&L", 10), nil)
	require.NoError(t, err)
	assert.Equal(t, 10, result.ChunksTotal)
	assert.Equal(t, 10, result.ChunksOK)
	assert.Len(t, result.Facilities, 10)
	assert.Equal(t, "P&L", result.Sheet)
	for _, f := range result.Facilities {
		assert.Equal(t, []string{"P&L"}, f.Sources)
	}
}

func TestExtractSheetBatchWidthBoundsConcurrency(t *testing.T) {
	d := &scriptedDispatcher{answer: func(string) (*llm.Response, error) {
		return &llm.Response{Text: `{"facilities":[]}`}, nil
	}}
	o := NewOrchestrator(d, 3)

	_, err := o.ExtractSheet(context.Background(), makeChunks("P&L", 12), nil)
	require.NoError(t, err)
	assert.Equal(t, 12, d.calls)
	assert.LessOrEqual(t, d.maxSeen, 3)
}

func TestExtractSheetAllSettled(t *testing.T) {
	// One chunk in the batch fails; its siblings still land.
	d := &scriptedDispatcher{answer: func(prompt string) (*llm.Response, error) {
		if prompt == UserPrompt("P&L", "row set 1\n", 1, 4) {
			return nil, errors.New("all providers exhausted")
		}
		return &llm.Response{Text: `{"facilities":[{"name":"A"}]}`}, nil
	}}
	o := NewOrchestrator(d, 4)

	result, err := o.ExtractSheet(context.Background(), makeChunks("P&L", 4), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ChunksOK)
	assert.Len(t, result.Facilities, 3)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "chunk 2/4")
	assert.Contains(t, result.Warnings[0], "extraction failed")
}

func TestExtractSheetProgressPerChunk(t *testing.T) {
	d := &scriptedDispatcher{answer: func(string) (*llm.Response, error) {
		return &llm.Response{Text: `{"facilities":[{"name":"A"}]}`}, nil
	}}
	o := NewOrchestrator(d, 2)

	var mu sync.Mutex
	var seen []int
	progress := func(chunk model.Chunk, _ int, _ []string) {
		mu.Lock()
		seen = append(seen, chunk.Index)
		mu.Unlock()
	}

	_, err := o.ExtractSheet(context.Background(), makeChunks("P&L", 5), progress)
	require.NoError(t, err)
	// Batches are sequential and outcomes reported in index order.
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestExtractSheetStopsDispatchingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &scriptedDispatcher{answer: func(string) (*llm.Response, error) {
		cancel()
		return &llm.Response{Text: `{"facilities":[{"name":"A"}]}`}, nil
	}}
	o := NewOrchestrator(d, 2)

	result, err := o.ExtractSheet(ctx, makeChunks("P&L", 10), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// Only the first batch went out.
	assert.Equal(t, 2, d.calls)
	require.NotNil(t, result)
}

func TestExtractSheetEmpty(t *testing.T) {
	o := NewOrchestrator(&scriptedDispatcher{}, 4)
	result, err := o.ExtractSheet(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, result.ChunksTotal)
}

func TestExtractSheetsRunsAllSheets(t *testing.T) {
	d := &scriptedDispatcher{answer: func(string) (*llm.Response, error) {
		return &llm.Response{Text: `{"facilities":[{"name":"A"}]}`}, nil
	}}
	o := NewOrchestrator(d, 4)

	sheets := [][]model.Chunk{
		makeChunks("P&L", 2),
		makeChunks("Census", 1),
		makeChunks("Rate Letters", 3),
	}
	results, err := o.ExtractSheets(context.Background(), sheets, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "P&L", results[0].Sheet)
	assert.Equal(t, "Census", results[1].Sheet)
	assert.Equal(t, "Rate Letters", results[2].Sheet)
	assert.Equal(t, 6, d.calls)
}

func TestUserPromptNamesSlice(t *testing.T) {
	prompt := UserPrompt("P&L", "rows", 1, 3)
	assert.Contains(t, prompt, "P&L")
	assert.Contains(t, prompt, "slice 2 of 3")
	assert.Contains(t, prompt, "rows")
}

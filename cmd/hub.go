package main

import (
	"sync"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// eventHub fans the runner's single event stream out to per-run subscribers.
// Slow subscribers drop events rather than stalling the pipeline.
type eventHub struct {
	mu       sync.Mutex
	byRun    map[string][]chan model.Event
	starters []chan model.Event
}

func newEventHub() *eventHub {
	return &eventHub{byRun: make(map[string][]chan model.Event)}
}

// run consumes the event stream until it closes. Call in a goroutine.
func (h *eventHub) run(events <-chan model.Event) {
	for ev := range events {
		h.dispatch(ev)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.byRun {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.byRun = make(map[string][]chan model.Event)
}

func (h *eventHub) dispatch(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Type == model.EventRunStarted {
		for _, ch := range h.starters {
			ch <- ev
			close(ch)
		}
		h.starters = nil
	}

	for _, ch := range h.byRun[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}

	// Terminal events end the run's subscriptions.
	if ev.Type == model.EventRunCompleted || ev.Type == model.EventRunFailed {
		for _, ch := range h.byRun[ev.RunID] {
			close(ch)
		}
		delete(h.byRun, ev.RunID)
	}
}

// subscribe returns a channel of the run's events plus a cancel function.
// The channel closes when the run reaches a terminal state.
func (h *eventHub) subscribe(runID string) (<-chan model.Event, func()) {
	ch := make(chan model.Event, 64)
	h.mu.Lock()
	h.byRun[runID] = append(h.byRun[runID], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.byRun[runID]
		for i, c := range subs {
			if c == ch {
				h.byRun[runID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// nextRunStarted returns a one-shot channel that yields the next run_started
// event. Used to learn a freshly launched run's ID.
func (h *eventHub) nextRunStarted() <-chan model.Event {
	ch := make(chan model.Event, 1)
	h.mu.Lock()
	h.starters = append(h.starters, ch)
	h.mu.Unlock()
	return ch
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stonebridge-group/diligence-cli/internal/model"
	"github.com/stonebridge-group/diligence-cli/internal/pipeline"
)

var (
	extractPause bool
	extractJSON  bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <document-id>...",
	Short: "Run the extraction pipeline over ingested documents",
	Long:  "Segments each document into sheets and chunks, extracts facility financials through the provider chain, merges partial records, and persists the results with clarification requests.",
	Args:  cobra.MinimumNArgs(1),
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
			PauseOnClarify: extractPause || cfg.Pipeline.PauseOnClarify,
			BusBuffer:      cfg.Pipeline.EventBuffer,
		})

		runID := make(chan string, 1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			first := true
			for ev := range runner.Events() {
				if first {
					runID <- ev.RunID
					first = false
				}
				printEvent(ev)
			}
		}()

		// When pausing is on, resume from the terminal once the reviewer
		// has dealt with the blocking clarifications.
		go func() {
			id := <-runID
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				if runner.Paused(id) {
					fmt.Fprintln(os.Stderr, "run paused on high-priority clarifications; resolve them, then press Enter to resume")
					bufio.NewReader(os.Stdin).ReadString('\n') //nolint:errcheck
					runner.Continue(id)
				}
			}
		}()

		run, err := runner.Run(ctx, args)
		runner.Close()
		<-done
		if err != nil {
			return err
		}

		if extractJSON {
			facilities, ferr := st.GetFacilities(ctx, run.ID)
			if ferr != nil {
				return ferr
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(facilities)
		}

		printStats(run)
		return nil
	},
}

func printEvent(ev model.Event) {
	switch ev.Type {
	case model.EventRunStarted:
		fmt.Fprintf(os.Stderr, "run %s started (%d documents)\n", ev.RunID, ev.DocumentCount)
	case model.EventDocumentStarted:
		fmt.Fprintf(os.Stderr, "  [%d/%d] %s\n", ev.DocumentIndex, ev.DocumentCount, ev.Document)
	case model.EventPassStarted:
		fmt.Fprintf(os.Stderr, "    sheet %q: %d chunks\n", ev.Sheet, ev.ChunkCount)
	case model.EventPassProgress:
		fmt.Fprintf(os.Stderr, "    sheet %q: %.0f%%\n", ev.Sheet, ev.Percent)
	case model.EventFacilityDetected:
		fmt.Fprintf(os.Stderr, "  facility: %s\n", ev.Facility)
	case model.EventConflictDetected:
		fmt.Fprintf(os.Stderr, "  conflict: %s %s\n", ev.Facility, ev.FieldPath)
	case model.EventClarificationNeeded:
		if ev.Clarification != nil {
			fmt.Fprintf(os.Stderr, "  clarify [%s] %s %s: %s\n",
				ev.Clarification.Kind, ev.Facility, ev.FieldPath, ev.Clarification.Reason)
		}
	case model.EventRunFailed:
		fmt.Fprintf(os.Stderr, "run failed: %s\n", ev.Error)
	case model.EventRunCompleted:
		fmt.Fprintf(os.Stderr, "run %s completed\n", ev.RunID)
	}
}

func printStats(run *model.Run) {
	if run.Stats == nil {
		return
	}
	s := run.Stats
	fmt.Fprintf(os.Stdout, "Run:             %s\n", run.ID)
	fmt.Fprintf(os.Stdout, "Facilities:      %d\n", s.Facilities)
	fmt.Fprintf(os.Stdout, "Line items:      %d\n", s.LineItems)
	fmt.Fprintf(os.Stdout, "Periods:         %d\n", s.Periods)
	fmt.Fprintf(os.Stdout, "Clarifications:  %d\n", s.Clarifications)
	fmt.Fprintf(os.Stdout, "Warnings:        %d\n", s.Warnings)
	fmt.Fprintf(os.Stdout, "Mean confidence: %.2f\n", s.MeanConfidence)
	fmt.Fprintf(os.Stdout, "Elapsed:         %s\n", s.Elapsed.Round(time.Millisecond))
}

func init() {
	extractCmd.Flags().BoolVar(&extractPause, "pause", false, "pause the run when high-priority clarifications arise")
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "print merged facilities as JSON instead of summary stats")
	rootCmd.AddCommand(extractCmd)
}
